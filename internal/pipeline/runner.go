package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/alitto/pond/v2"

	"github.com/alanyoungcy/expertwatch/internal/domain"
)

// DefaultWorkers bounds concurrent normalizations.
const DefaultWorkers = 8

// Normalizer is the normalizer as seen by the runner and replay.
type Normalizer interface {
	Normalize(ctx context.Context, raw domain.RawTradeEvent) (domain.NormalizedTrade, bool)
	Enrich(ctx context.Context, raw domain.RawTradeEvent) (domain.NormalizedTrade, bool)
	Normalized() <-chan domain.NormalizedTrade
}

// Runner feeds the canonical detection stream through a bounded worker pool
// into the normalizer, and drains the normalizer's output into the sink.
type Runner struct {
	normalizer Normalizer
	sink       *Sink
	pool       pond.Pool
	logger     *slog.Logger
}

// NewRunner creates a Runner with at most workers normalizations in flight.
func NewRunner(normalizer Normalizer, sink *Sink, workers int, logger *slog.Logger) *Runner {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		normalizer: normalizer,
		sink:       sink,
		pool:       pond.NewPool(workers, pond.WithQueueSize(workers*4)),
		logger:     logger.With(slog.String("component", "runner")),
	}
}

// Run blocks until ctx is cancelled or events is closed. In-flight
// normalizations are waited for before it returns. Trades still buffered
// when ctx ends are left unprocessed in the store for the next replay.
func (r *Runner) Run(ctx context.Context, events <-chan domain.RawTradeEvent) error {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.drain(ctx, stop)
	}()

	defer func() {
		r.pool.StopAndWait()
		close(stop)
		wg.Wait()
		if ctx.Err() == nil {
			r.flush(ctx)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.pool.Submit(func() {
				r.normalizer.Normalize(ctx, ev)
			})
		}
	}
}

func (r *Runner) drain(ctx context.Context, stop <-chan struct{}) {
	out := r.normalizer.Normalized()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case trade := <-out:
			r.handle(ctx, trade)
		}
	}
}

// flush hands whatever is still buffered to the sink without blocking.
func (r *Runner) flush(ctx context.Context) {
	out := r.normalizer.Normalized()
	for {
		select {
		case trade := <-out:
			r.handle(ctx, trade)
		default:
			return
		}
	}
}

func (r *Runner) handle(ctx context.Context, trade domain.NormalizedTrade) {
	if err := r.sink.Handle(ctx, trade); err != nil {
		r.logger.ErrorContext(ctx, "sink failed",
			slog.String("id", trade.ID),
			slog.String("error", err.Error()),
		)
	}
}
