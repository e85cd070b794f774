// Package dedup admits each trade detection at most once across sources and
// restarts.
package dedup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/expertwatch/internal/cache/lru"
	"github.com/alanyoungcy/expertwatch/internal/domain"
	"github.com/alanyoungcy/expertwatch/internal/retry"
)

// DefaultCapacity is the size of the in-memory recency set.
const DefaultCapacity = 10_000

// Inserter is the durable layer. InsertIfAbsent must be atomic at the
// storage level and report whether a row was written.
type Inserter interface {
	InsertIfAbsent(ctx context.Context, ev domain.RawTradeEvent) (bool, error)
}

// Deduplicator is a two-layer admission gate: an in-memory LRU set of
// identities in front of the durable store.
type Deduplicator struct {
	seen   *lru.Cache[string, struct{}]
	store  Inserter
	retry  retry.Policy
	logger *slog.Logger
}

// New creates a Deduplicator remembering up to capacity identities in
// memory.
func New(store Inserter, capacity int, logger *slog.Logger) *Deduplicator {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Deduplicator{
		seen:   lru.New[string, struct{}](capacity, 0),
		store:  store,
		retry:  retry.DefaultPolicy(),
		logger: logger.With(slog.String("component", "dedup")),
	}
}

// WithRetry replaces the backoff policy for durable inserts.
func (d *Deduplicator) WithRetry(p retry.Policy) *Deduplicator {
	d.retry = p
	return d
}

// Process reports whether ev is new. A true result means ev has been durably
// persisted. Store errors are retried with backoff; once the attempts are
// spent ev is neither admitted nor remembered, so a later sighting is
// checked again.
func (d *Deduplicator) Process(ctx context.Context, ev domain.RawTradeEvent) (bool, error) {
	id := ev.ID
	if id == "" {
		id = domain.EventID(ev.TxHash, ev.LogIndex)
		ev.ID = id
	}

	if d.seen.Contains(id) {
		return false, nil
	}

	inserted, err := retry.DoValue(ctx, d.retry, d.logger, "insert detection",
		func(ctx context.Context) (bool, error) { return d.store.InsertIfAbsent(ctx, ev) })
	if err != nil {
		return false, fmt.Errorf("dedup: insert %s: %w", id, err)
	}
	d.seen.Set(id, struct{}{})

	if !inserted {
		d.logger.DebugContext(ctx, "duplicate found in store",
			slog.String("id", id),
			slog.String("source", string(ev.Source)),
		)
	}
	return inserted, nil
}

// Remembered returns the number of identities held in memory.
func (d *Deduplicator) Remembered() int {
	return d.seen.Len()
}
