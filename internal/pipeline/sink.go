// Package pipeline moves detections from the watcher stream through the
// normalizer and into storage and downstream consumers.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/alanyoungcy/expertwatch/internal/domain"
)

// SinkStore is the slice of the durable store the sink writes to.
type SinkStore interface {
	InsertNormalized(ctx context.Context, trade domain.NormalizedTrade) (bool, error)
	MarkProcessed(ctx context.Context, id string) error
}

// Publisher pushes a normalized trade onto the downstream bus.
type Publisher interface {
	PublishTrade(ctx context.Context, trade domain.NormalizedTrade) error
}

// Broadcaster fans a JSON frame out to live feed clients.
type Broadcaster interface {
	Broadcast(payload []byte)
}

// Alerter raises operator alerts.
type Alerter interface {
	UnknownOutcome(ctx context.Context, trade domain.NormalizedTrade) error
}

// SinkStats holds running sink counters.
type SinkStats struct {
	Persisted     uint64 `json:"persisted"`
	Duplicates    uint64 `json:"duplicates"`
	StoreErrors   uint64 `json:"store_errors"`
	PublishErrors uint64 `json:"publish_errors"`
}

// Sink is the terminal stage for normalized trades. Only store is required.
type Sink struct {
	store     SinkStore
	publisher Publisher
	feed      Broadcaster
	alerter   Alerter
	logger    *slog.Logger

	persisted     atomic.Uint64
	duplicates    atomic.Uint64
	storeErrors   atomic.Uint64
	publishErrors atomic.Uint64
}

// NewSink creates a Sink. publisher, feed and alerter may be nil.
func NewSink(store SinkStore, publisher Publisher, feed Broadcaster, alerter Alerter, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		store:     store,
		publisher: publisher,
		feed:      feed,
		alerter:   alerter,
		logger:    logger.With(slog.String("component", "sink")),
	}
}

// Handle persists trade, publishes it when newly stored, and marks the
// originating detection processed. A store failure leaves the detection
// unprocessed so a later replay picks it up again.
func (s *Sink) Handle(ctx context.Context, trade domain.NormalizedTrade) error {
	inserted, err := s.store.InsertNormalized(ctx, trade)
	if err != nil {
		s.storeErrors.Add(1)
		return fmt.Errorf("pipeline: persist %s: %w", trade.ID, err)
	}

	if inserted {
		s.persisted.Add(1)
		s.fanOut(ctx, trade)
	} else {
		s.duplicates.Add(1)
		s.logger.DebugContext(ctx, "normalized trade already stored", slog.String("id", trade.ID))
	}

	if err := s.store.MarkProcessed(ctx, trade.ID); err != nil {
		s.storeErrors.Add(1)
		return fmt.Errorf("pipeline: mark processed %s: %w", trade.ID, err)
	}
	return nil
}

// Stats returns a snapshot of the sink counters.
func (s *Sink) Stats() SinkStats {
	return SinkStats{
		Persisted:     s.persisted.Load(),
		Duplicates:    s.duplicates.Load(),
		StoreErrors:   s.storeErrors.Load(),
		PublishErrors: s.publishErrors.Load(),
	}
}

func (s *Sink) fanOut(ctx context.Context, trade domain.NormalizedTrade) {
	if s.publisher != nil {
		if err := s.publisher.PublishTrade(ctx, trade); err != nil {
			s.publishErrors.Add(1)
			s.logger.WarnContext(ctx, "publish failed",
				slog.String("id", trade.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if s.feed != nil {
		if payload, err := json.Marshal(trade); err == nil {
			s.feed.Broadcast(payload)
		}
	}

	if s.alerter != nil && trade.Outcome == domain.UnknownOutcome {
		if err := s.alerter.UnknownOutcome(ctx, trade); err != nil {
			s.logger.WarnContext(ctx, "unknown outcome alert failed",
				slog.String("id", trade.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.InfoContext(ctx, "expert trade",
		slog.String("id", trade.ID),
		slog.String("condition_id", trade.ConditionID),
		slog.String("outcome", trade.Outcome),
		slog.String("side", string(trade.Side)),
		slog.Float64("price", trade.Price),
		slog.Float64("quantity", trade.Quantity),
		slog.String("phase", string(trade.MarketPhase)),
		slog.String("source", string(trade.Raw.Source)),
	)
}
