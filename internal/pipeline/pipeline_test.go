package pipeline

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/expertwatch/internal/domain"
	"github.com/alanyoungcy/expertwatch/internal/store/sqlite"
)

// fakeNormalizer resolves every detection except those listed in fail.
type fakeNormalizer struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls []string
	out   chan domain.NormalizedTrade
}

func newFakeNormalizer(fail ...string) *fakeNormalizer {
	f := &fakeNormalizer{fail: map[string]bool{}, out: make(chan domain.NormalizedTrade, 64)}
	for _, id := range fail {
		f.fail[id] = true
	}
	return f
}

func (f *fakeNormalizer) Enrich(_ context.Context, raw domain.RawTradeEvent) (domain.NormalizedTrade, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, raw.ID)
	if f.fail[raw.ID] {
		return domain.NormalizedTrade{}, false
	}
	return domain.NormalizedTrade{
		ID:           raw.ID,
		ConditionID:  "0xcond",
		Outcome:      "Yes",
		NormalizedAt: time.Now().UTC(),
		Raw:          raw,
	}, true
}

func (f *fakeNormalizer) Normalize(ctx context.Context, raw domain.RawTradeEvent) (domain.NormalizedTrade, bool) {
	trade, ok := f.Enrich(ctx, raw)
	if ok {
		f.out <- trade
	}
	return trade, ok
}

func (f *fakeNormalizer) Normalized() <-chan domain.NormalizedTrade { return f.out }

func (f *fakeNormalizer) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type recordingPublisher struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (p *recordingPublisher) PublishTrade(_ context.Context, trade domain.NormalizedTrade) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, trade.ID)
	return p.err
}

type recordingFeed struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *recordingFeed) Broadcast(payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, payload)
}

type recordingAlerter struct{ trades []domain.NormalizedTrade }

func (a *recordingAlerter) UnknownOutcome(_ context.Context, trade domain.NormalizedTrade) error {
	a.trades = append(a.trades, trade)
	return nil
}

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func detection(tx string, block int64) domain.RawTradeEvent {
	return domain.RawTradeEvent{
		ID:                domain.EventID(tx, 0),
		TxHash:            tx,
		BlockNumber:       big.NewInt(block),
		DetectedAt:        time.Now().UnixMilli(),
		Source:            domain.SourceOnChain,
		Exchange:          domain.ExchangeStandard,
		MakerAssetID:      "0",
		TakerAssetID:      "tok",
		MakerAmountFilled: big.NewInt(650_000),
		TakerAmountFilled: big.NewInt(1_000_000),
		Fee:               big.NewInt(0),
		Role:              domain.RoleMaker,
	}
}

func seed(t *testing.T, s *sqlite.Store, evs ...domain.RawTradeEvent) {
	t.Helper()
	for _, ev := range evs {
		ok, err := s.InsertIfAbsent(context.Background(), ev)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestSink_Handle(t *testing.T) {
	store := openStore(t)
	ev := detection("0xa", 10)
	seed(t, store, ev)

	pub := &recordingPublisher{}
	feed := &recordingFeed{}
	alerts := &recordingAlerter{}
	sink := NewSink(store, pub, feed, alerts, nil)

	trade, ok := newFakeNormalizer().Enrich(context.Background(), ev)
	require.True(t, ok)
	require.NoError(t, sink.Handle(context.Background(), trade))

	n, err := store.CountUnprocessed(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []string{ev.ID}, pub.ids)
	assert.Len(t, feed.frames, 1)
	assert.Empty(t, alerts.trades)

	// second delivery is stored once and not republished
	require.NoError(t, sink.Handle(context.Background(), trade))
	assert.Len(t, pub.ids, 1)
	assert.Equal(t, SinkStats{Persisted: 1, Duplicates: 1}, sink.Stats())
}

func TestSink_UnknownOutcomeAlertsAndPublishFailureIsSoft(t *testing.T) {
	store := openStore(t)
	ev := detection("0xb", 11)
	seed(t, store, ev)

	pub := &recordingPublisher{err: errors.New("bus down")}
	alerts := &recordingAlerter{}
	sink := NewSink(store, pub, nil, alerts, nil)

	trade, _ := newFakeNormalizer().Enrich(context.Background(), ev)
	trade.Outcome = domain.UnknownOutcome
	require.NoError(t, sink.Handle(context.Background(), trade))

	assert.Len(t, alerts.trades, 1)
	assert.Equal(t, uint64(1), sink.Stats().PublishErrors)
}

func TestSink_MarkMissingDetectionFails(t *testing.T) {
	store := openStore(t)
	sink := NewSink(store, nil, nil, nil, nil)

	err := sink.Handle(context.Background(), domain.NormalizedTrade{ID: "ghost", NormalizedAt: time.Now()})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, uint64(1), sink.Stats().StoreErrors)
}

func TestReplay_OrderedAndSkipsFailures(t *testing.T) {
	store := openStore(t)
	a, b, c, d := detection("0xa", 30), detection("0xb", 10), detection("0xc", 20), detection("0xd", 40)
	seed(t, store, a, b, c, d)

	norm := newFakeNormalizer(c.ID)
	sink := NewSink(store, nil, nil, nil, nil)
	res, err := NewReplay(store, norm, sink, 2, nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ReplayResult{Seen: 4, Normalized: 3, Failed: 1}, res)
	assert.Equal(t, []string{b.ID, c.ID, a.ID, d.ID}, norm.Calls())

	left, err := store.DeserializeOrderedUnprocessed(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, c.ID, left[0].ID)
}

func TestReplay_EmptyBacklog(t *testing.T) {
	store := openStore(t)
	res, err := NewReplay(store, newFakeNormalizer(), NewSink(store, nil, nil, nil, nil), 0, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Seen)
}

func TestRunner_NormalizesStreamIntoSink(t *testing.T) {
	store := openStore(t)
	evs := []domain.RawTradeEvent{detection("0x1", 1), detection("0x2", 2), detection("0x3", 3)}
	seed(t, store, evs...)

	norm := newFakeNormalizer()
	sink := NewSink(store, nil, nil, nil, nil)
	runner := NewRunner(norm, sink, 2, nil)

	events := make(chan domain.RawTradeEvent, len(evs))
	for _, ev := range evs {
		events <- ev
	}
	close(events)

	require.NoError(t, runner.Run(context.Background(), events))

	n, err := store.CountUnprocessed(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, uint64(3), sink.Stats().Persisted)
}

func TestRunner_StopsOnCancel(t *testing.T) {
	store := openStore(t)
	runner := NewRunner(newFakeNormalizer(), NewSink(store, nil, nil, nil, nil), 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx, make(chan domain.RawTradeEvent)) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}

type windowCall struct{ from, to time.Time }

type fakeWindows struct {
	calls []windowCall
	err   error
}

func (f *fakeWindows) ArchiveWindow(_ context.Context, from, to time.Time) (int, string, error) {
	f.calls = append(f.calls, windowCall{from, to})
	return 1, from.Format(time.RFC3339), f.err
}

func TestArchiver_RunOnceCatchesUpAlignedWindows(t *testing.T) {
	target := &fakeWindows{}
	a := NewArchiver(target, "", time.Hour, nil)
	now := time.Date(2026, 3, 1, 10, 7, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	require.NoError(t, a.RunOnce(context.Background()))
	require.Len(t, target.calls, 1)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), target.calls[0].from)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), target.calls[0].to)

	// same hour: nothing new
	require.NoError(t, a.RunOnce(context.Background()))
	assert.Len(t, target.calls, 1)

	now = now.Add(3 * time.Hour)
	require.NoError(t, a.RunOnce(context.Background()))
	require.Len(t, target.calls, 4)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), target.calls[3].from)
}

func TestArchiver_FailedWindowIsRetried(t *testing.T) {
	target := &fakeWindows{err: errors.New("s3 down")}
	a := NewArchiver(target, "", time.Hour, nil)
	now := time.Date(2026, 3, 1, 10, 7, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	require.Error(t, a.RunOnce(context.Background()))
	target.err = nil
	require.NoError(t, a.RunOnce(context.Background()))

	require.Len(t, target.calls, 2)
	assert.Equal(t, target.calls[0], target.calls[1])
}

func TestArchiver_StartRejectsBadSpec(t *testing.T) {
	a := NewArchiver(&fakeWindows{}, "not a spec", time.Hour, nil)
	assert.Error(t, a.Start(context.Background()))
	a.Stop()
}
