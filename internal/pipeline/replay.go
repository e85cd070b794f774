package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/expertwatch/internal/domain"
)

// DefaultReplayPage is the number of detections read per backlog page.
const DefaultReplayPage = 500

// BacklogStore lists detections not yet carried through the sink.
type BacklogStore interface {
	DeserializeOrderedUnprocessed(ctx context.Context, limit int) ([]domain.RawTradeEvent, error)
}

// ReplayResult summarises one replay pass.
type ReplayResult struct {
	Seen       int `json:"seen"`
	Normalized int `json:"normalized"`
	Failed     int `json:"failed"`
}

// Replay drains the unprocessed backlog in (block, log) order, handing each
// trade to the sink before reading the next.
type Replay struct {
	store      BacklogStore
	normalizer Normalizer
	sink       *Sink
	pageSize   int
	logger     *slog.Logger
}

// NewReplay creates a Replay. pageSize <= 0 uses DefaultReplayPage.
func NewReplay(store BacklogStore, normalizer Normalizer, sink *Sink, pageSize int, logger *slog.Logger) *Replay {
	if pageSize <= 0 {
		pageSize = DefaultReplayPage
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Replay{
		store:      store,
		normalizer: normalizer,
		sink:       sink,
		pageSize:   pageSize,
		logger:     logger.With(slog.String("component", "replay")),
	}
}

// Run makes one pass over the backlog. Detections that fail to normalize
// stay unprocessed; the pass ends once a page contains nothing it has not
// already attempted.
func (r *Replay) Run(ctx context.Context) (ReplayResult, error) {
	var res ReplayResult
	attempted := make(map[string]struct{})

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		page, err := r.store.DeserializeOrderedUnprocessed(ctx, r.pageSize)
		if err != nil {
			return res, fmt.Errorf("pipeline: replay page: %w", err)
		}

		fresh := 0
		for _, raw := range page {
			if _, ok := attempted[raw.ID]; ok {
				continue
			}
			attempted[raw.ID] = struct{}{}
			fresh++
			res.Seen++

			trade, ok := r.normalizer.Enrich(ctx, raw)
			if !ok {
				res.Failed++
				continue
			}
			if err := r.sink.Handle(ctx, trade); err != nil {
				res.Failed++
				r.logger.ErrorContext(ctx, "replay sink failed",
					slog.String("id", raw.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			res.Normalized++
		}

		if fresh == 0 || len(page) < r.pageSize {
			break
		}
	}

	r.logger.InfoContext(ctx, "backlog replayed",
		slog.Int("seen", res.Seen),
		slog.Int("normalized", res.Normalized),
		slog.Int("failed", res.Failed),
	)
	return res, nil
}
