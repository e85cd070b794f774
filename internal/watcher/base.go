// Package watcher detects fills involving the tracked participant from
// on-chain logs and the trade-history API, and merges both into one
// deduplicated stream.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/alanyoungcy/expertwatch/internal/domain"
)

// Watcher is a source of raw trade detections.
type Watcher interface {
	Name() string
	Start(ctx context.Context) error
	// Stop is idempotent and safe to call from any goroutine, including
	// on a watcher that was never started.
	Stop(ctx context.Context) error
	Health() domain.WatcherHealth
	Events() <-chan domain.RawTradeEvent
	Errors() <-chan error
	OnStateChange(fn StateChangeFunc)
}

// StateChangeFunc is called after every lifecycle transition.
type StateChangeFunc func(name string, from, to domain.WatcherState)

var transitions = map[domain.WatcherState][]domain.WatcherState{
	domain.WatcherIdle:         {domain.WatcherStarting},
	domain.WatcherStarting:     {domain.WatcherRunning, domain.WatcherFailed, domain.WatcherStopped},
	domain.WatcherRunning:      {domain.WatcherReconnecting, domain.WatcherStopped},
	domain.WatcherReconnecting: {domain.WatcherRunning, domain.WatcherStopped},
	domain.WatcherStopped:      {domain.WatcherStarting},
	domain.WatcherFailed:       {},
}

const (
	eventBuffer = 256
	errorBuffer = 32
)

// base is the lifecycle and health bookkeeping each watcher owns privately.
type base struct {
	name   string
	logger *slog.Logger
	now    func() time.Time

	mu          sync.RWMutex
	state       domain.WatcherState
	lastEventAt *time.Time
	lastBlock   *big.Int
	eventsTotal uint64
	errorsTotal uint64
	startedAt   *time.Time
	listeners   []StateChangeFunc

	events chan domain.RawTradeEvent
	errs   chan error
}

func newBase(name string, logger *slog.Logger) *base {
	if logger == nil {
		logger = slog.Default()
	}
	return &base{
		name:   name,
		logger: logger.With(slog.String("component", "watcher"), slog.String("watcher", name)),
		now:    time.Now,
		state:  domain.WatcherIdle,
		events: make(chan domain.RawTradeEvent, eventBuffer),
		errs:   make(chan error, errorBuffer),
	}
}

func (b *base) Name() string                       { return b.name }
func (b *base) Events() <-chan domain.RawTradeEvent { return b.events }
func (b *base) Errors() <-chan error                { return b.errs }

func (b *base) OnStateChange(fn StateChangeFunc) {
	b.mu.Lock()
	b.listeners = append(b.listeners, fn)
	b.mu.Unlock()
}

func (b *base) State() domain.WatcherState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Health returns a copy of the watcher's bookkeeping.
func (b *base) Health() domain.WatcherHealth {
	b.mu.RLock()
	defer b.mu.RUnlock()

	h := domain.WatcherHealth{
		Name:        b.name,
		State:       b.state,
		EventsTotal: b.eventsTotal,
		ErrorsTotal: b.errorsTotal,
	}
	if b.lastEventAt != nil {
		t := *b.lastEventAt
		h.LastEventAt = &t
	}
	if b.startedAt != nil {
		t := *b.startedAt
		h.StartedAt = &t
	}
	if b.lastBlock != nil {
		h.LastBlock = new(big.Int).Set(b.lastBlock)
	}
	return h
}

// transition moves to the given state. Moving to the current state is a
// no-op; any move not in the lifecycle graph is rejected.
func (b *base) transition(to domain.WatcherState) error {
	b.mu.Lock()
	from := b.state
	if from == to {
		b.mu.Unlock()
		return nil
	}
	allowed := false
	for _, s := range transitions[from] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		b.mu.Unlock()
		return fmt.Errorf("watcher %s: invalid transition %s -> %s", b.name, from, to)
	}
	b.state = to
	if to == domain.WatcherStarting {
		t := b.now().UTC()
		b.startedAt = &t
	}
	listeners := append([]StateChangeFunc(nil), b.listeners...)
	b.mu.Unlock()

	b.logger.Info("watcher state changed",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	for _, fn := range listeners {
		fn(b.name, from, to)
	}
	return nil
}

// emit records ev in the counters and then publishes it, blocking until the
// consumer accepts it or ctx ends.
func (b *base) emit(ctx context.Context, ev domain.RawTradeEvent) error {
	b.mu.Lock()
	b.eventsTotal++
	t := b.now().UTC()
	b.lastEventAt = &t
	if ev.BlockNumber != nil && (b.lastBlock == nil || ev.BlockNumber.Cmp(b.lastBlock) > 0) {
		b.lastBlock = new(big.Int).Set(ev.BlockNumber)
	}
	b.mu.Unlock()

	select {
	case b.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// emitError records err and publishes it without blocking. Reports are
// dropped while the error channel is full.
func (b *base) emitError(err error) {
	b.mu.Lock()
	b.errorsTotal++
	b.mu.Unlock()

	b.logger.Warn("watcher error", slog.String("error", err.Error()))
	select {
	case b.errs <- err:
	default:
	}
}

// observeBlock advances the last observed block without emitting an event.
func (b *base) observeBlock(n *big.Int) {
	if n == nil {
		return
	}
	b.mu.Lock()
	if b.lastBlock == nil || n.Cmp(b.lastBlock) > 0 {
		b.lastBlock = new(big.Int).Set(n)
	}
	b.mu.Unlock()
}

func (b *base) lastObservedBlock() *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.lastBlock == nil {
		return nil
	}
	return new(big.Int).Set(b.lastBlock)
}
