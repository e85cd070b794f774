package watcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/expertwatch/internal/dedup"
	"github.com/alanyoungcy/expertwatch/internal/domain"
	"github.com/alanyoungcy/expertwatch/internal/platform/polygon"
	"github.com/alanyoungcy/expertwatch/internal/retry"
)

// stubWatcher is a controllable source.
type stubWatcher struct {
	*base
	startErr error
	stopErr  error
}

func newStubWatcher(name string, startErr error) *stubWatcher {
	return &stubWatcher{base: newBase(name, discard), startErr: startErr}
}

func (s *stubWatcher) Start(context.Context) error {
	if err := s.transition(domain.WatcherStarting); err != nil {
		return err
	}
	if s.startErr != nil {
		_ = s.transition(domain.WatcherFailed)
		return s.startErr
	}
	return s.transition(domain.WatcherRunning)
}

func (s *stubWatcher) Stop(context.Context) error {
	if s.State() == domain.WatcherRunning || s.State() == domain.WatcherReconnecting {
		_ = s.transition(domain.WatcherStopped)
	}
	return s.stopErr
}

type memAdmitter struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func (m *memAdmitter) Process(_ context.Context, ev domain.RawTradeEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.seen == nil {
		m.seen = make(map[string]bool)
	}
	if m.seen[ev.ID] {
		return false, nil
	}
	m.seen[ev.ID] = true
	return true, nil
}

func TestOrchestrator_BothSourcesFail(t *testing.T) {
	a := newStubWatcher("on-chain", errors.New("no ws"))
	b := newStubWatcher("poll-api", errors.New("no http"))
	o := NewOrchestrator(&memAdmitter{}, discard, a, b)

	err := o.Start(context.Background())
	assert.ErrorIs(t, err, domain.ErrBothSourcesFailed)
	assert.Equal(t, domain.StatusUnhealthy, o.Health().Status)
}

func TestOrchestrator_OneSourceFailingIsDegraded(t *testing.T) {
	a := newStubWatcher("on-chain", errors.New("no ws"))
	b := newStubWatcher("poll-api", nil)
	o := NewOrchestrator(&memAdmitter{}, discard, a, b)

	var (
		mu          sync.Mutex
		transitions [][2]domain.AggregateStatus
	)
	o.OnStatusChange(func(from, to domain.AggregateStatus) {
		mu.Lock()
		transitions = append(transitions, [2]domain.AggregateStatus{from, to})
		mu.Unlock()
	})

	require.NoError(t, o.Start(context.Background()))
	defer func() { _ = o.Stop(context.Background()) }()

	h := o.Health()
	assert.Equal(t, domain.StatusDegraded, h.Status)
	require.Len(t, h.Watchers, 2)
	assert.Equal(t, domain.WatcherFailed, h.Watchers[0].State)

	mu.Lock()
	assert.Equal(t, [][2]domain.AggregateStatus{{domain.StatusUnhealthy, domain.StatusDegraded}}, transitions)
	mu.Unlock()
}

func TestOrchestrator_DedupsAcrossSources(t *testing.T) {
	a := newStubWatcher("on-chain", nil)
	b := newStubWatcher("poll-api", nil)
	o := NewOrchestrator(&memAdmitter{}, discard, a, b)

	ctx := context.Background()
	require.NoError(t, o.Start(ctx))
	defer func() { _ = o.Stop(ctx) }()
	assert.Equal(t, domain.StatusHealthy, o.Health().Status)

	id := domain.EventID("0xabc", 1)
	require.NoError(t, a.emit(ctx, domain.RawTradeEvent{ID: id, Source: domain.SourceOnChain}))
	got := collect(t, o.Events(), 1)[0]
	assert.Equal(t, domain.SourceOnChain, got.Source)

	require.NoError(t, b.emit(ctx, domain.RawTradeEvent{ID: id, Source: domain.SourcePollAPI}))
	require.NoError(t, b.emit(ctx, domain.RawTradeEvent{ID: domain.EventID("0xdef", 2), Source: domain.SourcePollAPI}))
	got = collect(t, o.Events(), 1)[0]
	assert.Equal(t, domain.EventID("0xdef", 2), got.ID)

	require.Eventually(t, func() bool {
		h := o.Health()
		return h.Published == 2 && h.Duplicates == 1
	}, time.Second, 5*time.Millisecond)
}

func TestOrchestrator_DedupFailureIsCountedNotPublished(t *testing.T) {
	a := newStubWatcher("on-chain", nil)
	o := NewOrchestrator(&memAdmitter{err: errors.New("db down")}, discard, a)

	ctx := context.Background()
	require.NoError(t, o.Start(ctx))
	defer func() { _ = o.Stop(ctx) }()

	require.NoError(t, a.emit(ctx, domain.RawTradeEvent{ID: "x"}))
	require.Eventually(t, func() bool { return o.Health().DedupFailures == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, o.Health().Published)
}

func TestOrchestrator_StopSwallowsSourceErrors(t *testing.T) {
	a := newStubWatcher("on-chain", nil)
	a.stopErr = errors.New("unsubscribe failed")
	b := newStubWatcher("poll-api", nil)
	o := NewOrchestrator(&memAdmitter{}, discard, a, b)

	require.NoError(t, o.Start(context.Background()))
	assert.NoError(t, o.Stop(context.Background()))
	assert.Equal(t, domain.StatusUnhealthy, o.Health().Status)
}

// flakyInserter fails the first failures inserts and then accepts.
type flakyInserter struct {
	mu       sync.Mutex
	failures int
	rows     map[string]bool
}

func (f *flakyInserter) InsertIfAbsent(_ context.Context, ev domain.RawTradeEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return false, errors.New("connection reset by peer")
	}
	if f.rows == nil {
		f.rows = make(map[string]bool)
	}
	if f.rows[ev.ID] {
		return false, nil
	}
	f.rows[ev.ID] = true
	return true, nil
}

func TestOrchestrator_TransientStoreErrorStillPublishes(t *testing.T) {
	a := newStubWatcher("on-chain", nil)
	d := dedup.New(&flakyInserter{failures: 1}, 10, discard).
		WithRetry(retry.Policy{Attempts: 3, BaseDelay: time.Millisecond})
	o := NewOrchestrator(d, discard, a)

	ctx := context.Background()
	require.NoError(t, o.Start(ctx))
	defer func() { _ = o.Stop(ctx) }()

	id := domain.EventID("0x77", 4)
	require.NoError(t, a.emit(ctx, domain.RawTradeEvent{ID: id, Source: domain.SourceOnChain}))

	got := collect(t, o.Events(), 1)[0]
	assert.Equal(t, id, got.ID)
	assert.Zero(t, o.Health().DedupFailures)
}

func TestOrchestrator_LargeBackfillDoesNotBlockStart(t *testing.T) {
	const fills = 600
	chain := &fakeChain{head: 100 + fills}
	for i := range fills {
		block := uint64(101 + i)
		chain.logs = append(chain.logs,
			orderFilled(t, polygon.StandardExchange, block, fmt.Sprintf("0x%x", block), 0, true))
	}
	cfg := testOnChainConfig()
	cfg.ChunkSize = 100
	w := NewOnChainWatcher(cfg, chain, fixedCursor{block: big.NewInt(100)}, discard)
	o := NewOrchestrator(&memAdmitter{}, discard, w)

	started := make(chan error, 1)
	go func() { started <- o.Start(context.Background()) }()

	select {
	case err := <-started:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start blocked on the backfill")
	}
	defer func() { _ = o.Stop(context.Background()) }()

	seen := make(map[string]bool, fills)
	deadline := time.After(5 * time.Second)
	for len(seen) < fills {
		select {
		case ev := <-o.Events():
			seen[ev.ID] = true
		case <-deadline:
			t.Fatalf("got %d of %d backfilled fills", len(seen), fills)
		}
	}
}
