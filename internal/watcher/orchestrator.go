package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/expertwatch/internal/domain"
)

// Admitter decides whether a detection is new. *dedup.Deduplicator
// satisfies it.
type Admitter interface {
	Process(ctx context.Context, ev domain.RawTradeEvent) (bool, error)
}

// StatusChangeFunc is called when the aggregate status changes.
type StatusChangeFunc func(from, to domain.AggregateStatus)

// Orchestrator runs the trade sources in priority order and republishes
// every detection the Admitter reports as new on a single stream.
type Orchestrator struct {
	sources []Watcher
	admit   Admitter
	logger  *slog.Logger
	out     chan domain.RawTradeEvent

	published     atomic.Uint64
	duplicates    atomic.Uint64
	dedupFailures atomic.Uint64

	mu        sync.Mutex
	status    domain.AggregateStatus
	listeners []StatusChangeFunc
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewOrchestrator creates an Orchestrator. Sources are started in the order
// given, primary first.
func NewOrchestrator(admit Admitter, logger *slog.Logger, sources ...Watcher) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		sources: sources,
		admit:   admit,
		logger:  logger.With(slog.String("component", "orchestrator")),
		out:     make(chan domain.RawTradeEvent, eventBuffer),
		status:  domain.StatusUnhealthy,
	}
	for _, w := range sources {
		w.OnStateChange(func(string, domain.WatcherState, domain.WatcherState) { o.refreshStatus() })
	}
	return o
}

// Events returns the canonical stream of admitted detections.
func (o *Orchestrator) Events() <-chan domain.RawTradeEvent {
	return o.out
}

// OnStatusChange registers fn to be called on aggregate status changes.
func (o *Orchestrator) OnStatusChange(fn StatusChangeFunc) {
	o.mu.Lock()
	o.listeners = append(o.listeners, fn)
	o.mu.Unlock()
}

// Start starts every source. A source that fails to start is logged and
// skipped; if none start, Start returns ErrBothSourcesFailed.
func (o *Orchestrator) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()

	// Sources backfill from their own goroutines, so Start returns before
	// anyone reads Events.
	for _, w := range o.sources {
		o.wg.Add(2)
		go o.forward(runCtx, w)
		go o.drainErrors(runCtx, w)
	}

	var errs []error
	started := 0
	for _, w := range o.sources {
		if err := w.Start(runCtx); err != nil {
			o.logger.ErrorContext(ctx, "trade source failed to start",
				slog.String("source", w.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		started++
		o.logger.InfoContext(ctx, "trade source started", slog.String("source", w.Name()))
	}

	if started == 0 {
		cancel()
		o.wg.Wait()
		return fmt.Errorf("orchestrator: %w: %w", domain.ErrBothSourcesFailed, errors.Join(errs...))
	}
	o.refreshStatus()
	return nil
}

// Stop stops all sources concurrently. Individual failures are logged and
// not returned.
func (o *Orchestrator) Stop(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range o.sources {
		g.Go(func() error {
			if err := w.Stop(gctx); err != nil {
				o.logger.WarnContext(ctx, "trade source stop failed",
					slog.String("source", w.Name()),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
	return nil
}

// Health returns the aggregate and per-source health.
func (o *Orchestrator) Health() domain.OrchestratorHealth {
	h := domain.OrchestratorHealth{
		Watchers:      make([]domain.WatcherHealth, 0, len(o.sources)),
		Published:     o.published.Load(),
		Duplicates:    o.duplicates.Load(),
		DedupFailures: o.dedupFailures.Load(),
	}
	for _, w := range o.sources {
		h.Watchers = append(h.Watchers, w.Health())
	}
	h.Status = aggregate(h.Watchers)
	return h
}

func aggregate(watchers []domain.WatcherHealth) domain.AggregateStatus {
	running := 0
	for _, w := range watchers {
		if w.State == domain.WatcherRunning {
			running++
		}
	}
	switch {
	case len(watchers) > 0 && running == len(watchers):
		return domain.StatusHealthy
	case running > 0:
		return domain.StatusDegraded
	default:
		return domain.StatusUnhealthy
	}
}

func (o *Orchestrator) refreshStatus() {
	next := o.Health().Status

	o.mu.Lock()
	prev := o.status
	if prev == next {
		o.mu.Unlock()
		return
	}
	o.status = next
	listeners := append([]StatusChangeFunc(nil), o.listeners...)
	o.mu.Unlock()

	o.logger.Info("aggregate status changed",
		slog.String("from", string(prev)),
		slog.String("to", string(next)),
	)
	for _, fn := range listeners {
		fn(prev, next)
	}
}

// forward admits each detection from w and republishes new ones.
func (o *Orchestrator) forward(ctx context.Context, w Watcher) {
	defer o.wg.Done()
	events := w.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			isNew, err := o.admit.Process(ctx, ev)
			if err != nil {
				o.dedupFailures.Add(1)
				o.logger.ErrorContext(ctx, "admission check failed",
					slog.String("id", ev.ID),
					slog.String("source", string(ev.Source)),
					slog.String("error", err.Error()),
				)
				continue
			}
			if !isNew {
				o.duplicates.Add(1)
				continue
			}
			select {
			case o.out <- ev:
				o.published.Add(1)
			case <-ctx.Done():
				return
			}
		}
	}
}

func (o *Orchestrator) drainErrors(ctx context.Context, w Watcher) {
	defer o.wg.Done()
	errs := w.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			o.logger.WarnContext(ctx, "trade source error",
				slog.String("source", w.Name()),
				slog.String("error", err.Error()),
			)
		}
	}
}
