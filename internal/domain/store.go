package domain

import (
	"context"
	"math/big"
	"time"
)

// DetectionStore persists raw trade detections keyed by their deterministic
// identity. InsertIfAbsent must be atomic at the storage layer.
type DetectionStore interface {
	InsertIfAbsent(ctx context.Context, event RawTradeEvent) (bool, error)
	Exists(ctx context.Context, id string) (bool, error)
	// MaxBlock returns the highest recorded block number, or nil when no
	// block-bearing detection has been stored.
	MaxBlock(ctx context.Context) (*big.Int, error)
	// DeserializeOrderedUnprocessed returns up to limit unprocessed detections
	// ordered by (block number, log index) ascending.
	DeserializeOrderedUnprocessed(ctx context.Context, limit int) ([]RawTradeEvent, error)
	MarkProcessed(ctx context.Context, id string) error
	CountUnprocessed(ctx context.Context) (int64, error)
}

// NormalizedTradeStore persists enriched trades keyed by the originating
// detection id. Inserting an existing id is a no-op.
type NormalizedTradeStore interface {
	InsertNormalized(ctx context.Context, trade NormalizedTrade) (bool, error)
	ListNormalizedBetween(ctx context.Context, from, to time.Time) ([]NormalizedTrade, error)
}

// Store is the full durable store used by the pipeline.
type Store interface {
	DetectionStore
	NormalizedTradeStore
	Close() error
}
