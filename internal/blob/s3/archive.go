package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/expertwatch/internal/domain"
)

const (
	jsonlContentType = "application/x-ndjson"

	// multipartThreshold switches uploads to the multipart manager.
	multipartThreshold = 64 * 1024 * 1024
)

// NormalizedLister is the slice of the store the archiver reads from.
type NormalizedLister interface {
	ListNormalizedBetween(ctx context.Context, from, to time.Time) ([]domain.NormalizedTrade, error)
}

// TradeArchiver uploads normalized trades for a time window as one JSONL
// object. Source rows are never deleted.
type TradeArchiver struct {
	writer domain.BlobWriter
	store  NormalizedLister
}

// NewTradeArchiver creates a TradeArchiver.
func NewTradeArchiver(writer domain.BlobWriter, store NormalizedLister) *TradeArchiver {
	return &TradeArchiver{writer: writer, store: store}
}

// ArchiveWindow uploads trades normalized in [from, to). It returns the
// number of records and the object key. Empty windows upload nothing and
// windows whose object already exists are skipped with a zero count.
func (a *TradeArchiver) ArchiveWindow(ctx context.Context, from, to time.Time) (int, string, error) {
	key := ArchiveKey(from, to)

	trades, err := a.store.ListNormalizedBetween(ctx, from, to)
	if err != nil {
		return 0, key, fmt.Errorf("s3blob: archive query: %w", err)
	}
	if len(trades) == 0 {
		return 0, key, nil
	}

	exists, err := a.writer.Exists(ctx, key)
	if err != nil {
		return 0, key, err
	}
	if exists {
		return 0, key, nil
	}

	buf, err := marshalJSONL(trades)
	if err != nil {
		return 0, key, fmt.Errorf("s3blob: archive marshal: %w", err)
	}

	if len(buf) >= multipartThreshold {
		err = a.writer.PutMultipart(ctx, key, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, key, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, key, fmt.Errorf("s3blob: archive upload: %w", err)
	}
	return len(trades), key, nil
}

// ArchiveKey partitions archives by the UTC day the window starts in:
//
//	archive/normalized_trades/2026/03/01/20260301T000000Z-20260301T010000Z.jsonl
func ArchiveKey(from, to time.Time) string {
	from, to = from.UTC(), to.UTC()
	const stamp = "20060102T150405Z"
	return fmt.Sprintf("archive/normalized_trades/%s/%s-%s.jsonl",
		from.Format("2006/01/02"), from.Format(stamp), to.Format(stamp))
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
