package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/expertwatch/internal/domain"
)

type memBlob struct {
	objects   map[string][]byte
	types     map[string]string
	multipart int
}

func newMemBlob() *memBlob {
	return &memBlob{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memBlob) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	m.types[path] = contentType
	return nil
}

func (m *memBlob) PutMultipart(_ context.Context, path string, data io.Reader, _ int64) error {
	m.multipart++
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	return nil
}

func (m *memBlob) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

type listerFunc func(ctx context.Context, from, to time.Time) ([]domain.NormalizedTrade, error)

func (f listerFunc) ListNormalizedBetween(ctx context.Context, from, to time.Time) ([]domain.NormalizedTrade, error) {
	return f(ctx, from, to)
}

func TestArchiveKey(t *testing.T) {
	from := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	to := from.Add(time.Hour)
	assert.Equal(t,
		"archive/normalized_trades/2026/03/01/20260301T230000Z-20260302T000000Z.jsonl",
		ArchiveKey(from, to))
}

func TestArchiveWindow(t *testing.T) {
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(time.Hour)

	var gotFrom, gotTo time.Time
	lister := listerFunc(func(_ context.Context, f, tt time.Time) ([]domain.NormalizedTrade, error) {
		gotFrom, gotTo = f, tt
		return []domain.NormalizedTrade{
			{ID: "a", ConditionID: "0xc", Outcome: "Yes"},
			{ID: "b", ConditionID: "0xc", Outcome: "No <&>"},
		}, nil
	})
	blob := newMemBlob()
	a := NewTradeArchiver(blob, lister)

	n, key, err := a.ArchiveWindow(context.Background(), from, to)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, from, gotFrom)
	assert.Equal(t, to, gotTo)
	assert.Equal(t, jsonlContentType, blob.types[key])

	sc := bufio.NewScanner(bytes.NewReader(blob.objects[key]))
	var ids []string
	for sc.Scan() {
		var tr domain.NormalizedTrade
		require.NoError(t, json.Unmarshal(sc.Bytes(), &tr))
		ids = append(ids, tr.ID)
	}
	assert.Equal(t, []string{"a", "b"}, ids)
	assert.Contains(t, string(blob.objects[key]), "No <&>")

	// rerun over the same window is a no-op
	n, _, err = a.ArchiveWindow(context.Background(), from, to)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Zero(t, blob.multipart)
}

func TestArchiveWindow_Empty(t *testing.T) {
	blob := newMemBlob()
	a := NewTradeArchiver(blob, listerFunc(func(context.Context, time.Time, time.Time) ([]domain.NormalizedTrade, error) {
		return nil, nil
	}))

	n, _, err := a.ArchiveWindow(context.Background(), time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, blob.objects)
}

func TestArchiveWindow_QueryError(t *testing.T) {
	boom := errors.New("boom")
	a := NewTradeArchiver(newMemBlob(), listerFunc(func(context.Context, time.Time, time.Time) ([]domain.NormalizedTrade, error) {
		return nil, boom
	}))

	_, _, err := a.ArchiveWindow(context.Background(), time.Now().Add(-time.Hour), time.Now())
	assert.ErrorIs(t, err, boom)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://e2.example.com", normaliseEndpoint("e2.example.com", true))
	assert.Equal(t, "http://e2.example.com", normaliseEndpoint("e2.example.com", false))
	assert.Equal(t, "http://already", normaliseEndpoint("http://already", true))
}
