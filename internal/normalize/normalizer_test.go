package normalize

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/expertwatch/internal/domain"
	"github.com/alanyoungcy/expertwatch/internal/service"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type stubResolver struct {
	market *domain.ResolvedMarket
	calls  atomic.Int32
}

func (s *stubResolver) Resolve(_ context.Context, _ string) (*domain.ResolvedMarket, bool) {
	s.calls.Add(1)
	if s.market == nil {
		return nil, false
	}
	m := *s.market
	return &m, true
}

type stubLiquidity struct {
	snap  domain.LiquiditySnapshot
	calls atomic.Int32
}

func (s *stubLiquidity) Fetch(_ context.Context, _ string) domain.LiquiditySnapshot {
	s.calls.Add(1)
	return s.snap
}

type stubPositions struct {
	calls atomic.Int32
}

func (s *stubPositions) Fetch(context.Context, string, string, int, domain.TradeSide, float64) domain.ExpertPosition {
	s.calls.Add(1)
	return domain.ExpertPosition{}
}

type fakeBooks struct{ book domain.OrderBook }

func (f fakeBooks) GetOrderBook(context.Context, string) (domain.OrderBook, error) {
	return f.book, nil
}

type fakePositions struct{ rows []domain.PositionRow }

func (f fakePositions) GetPositions(context.Context, string, string) ([]domain.PositionRow, error) {
	return f.rows, nil
}

// rendezvous blocks each fetch until the other has started, so the
// enrichment only completes when both run at the same time.
type rendezvous struct {
	liquidityStarted chan struct{}
	positionsStarted chan struct{}
	timedOut         atomic.Bool
}

func newRendezvous() *rendezvous {
	return &rendezvous{
		liquidityStarted: make(chan struct{}),
		positionsStarted: make(chan struct{}),
	}
}

func (r *rendezvous) wait(mine, other chan struct{}) {
	close(mine)
	select {
	case <-other:
	case <-time.After(time.Second):
		r.timedOut.Store(true)
	}
}

func (r *rendezvous) Fetch(context.Context, string) domain.LiquiditySnapshot {
	r.wait(r.liquidityStarted, r.positionsStarted)
	return domain.LiquiditySnapshot{}
}

type rendezvousPositions struct{ *rendezvous }

func (r rendezvousPositions) Fetch(context.Context, string, string, int, domain.TradeSide, float64) domain.ExpertPosition {
	r.wait(r.positionsStarted, r.liquidityStarted)
	return domain.ExpertPosition{}
}

func buyEvent() domain.RawTradeEvent {
	return domain.RawTradeEvent{
		ID:                domain.EventID("0xabc", 3),
		TxHash:            "0xabc",
		LogIndex:          3,
		Source:            domain.SourceOnChain,
		Role:              domain.RoleMaker,
		MakerAssetID:      domain.CollateralAssetID,
		TakerAssetID:      "1234",
		MakerAmountFilled: big.NewInt(650_000),
		TakerAmountFilled: big.NewInt(1_000_000),
		Fee:               big.NewInt(0),
	}
}

func TestNormalize_EndToEnd(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	resolver := &stubResolver{market: &domain.ResolvedMarket{
		MarketMetadata: domain.MarketMetadata{
			ConditionID:     "0xcond",
			Question:        "Will it rain?",
			Outcomes:        []string{"Yes", "No"},
			OutcomeTokenIDs: []string{"1234", "5678"},
			EndDate:         now.Add(20 * 24 * time.Hour).Format(time.RFC3339),
		},
		TokenID:      "1234",
		OutcomeIndex: 0,
		Outcome:      "Yes",
	}}
	liquidity := service.NewLiquidityFetcher(fakeBooks{book: domain.OrderBook{
		AssetID: "1234",
		Bids:    []domain.PriceLevel{{Price: 0.64, Size: 500}},
		Asks:    []domain.PriceLevel{{Price: 0.66, Size: 300}},
	}}, discard)
	positions := service.NewPositionTracker(fakePositions{rows: []domain.PositionRow{
		{ConditionID: "0xcond", Asset: "5678", OutcomeIndex: 1, Size: 40},
		{ConditionID: "0xcond", Asset: "1234", OutcomeIndex: 0, Size: 101},
	}}, discard)

	n := NewNormalizer(Config{Participant: "0xexpert"}, resolver, liquidity, positions, nil, discard)
	n.now = func() time.Time { return now }

	got, ok := n.Normalize(context.Background(), buyEvent())
	require.True(t, ok)

	assert.Equal(t, domain.SideBuy, got.Side)
	assert.Equal(t, "Yes", got.Outcome)
	assert.Equal(t, domain.PhaseMid, got.MarketPhase)
	require.NotNil(t, got.Liquidity.Midpoint)
	assert.InDelta(t, 0.65, *got.Liquidity.Midpoint, 1e-9)
	require.NotNil(t, got.Liquidity.Spread)
	assert.InDelta(t, 0.02, *got.Liquidity.Spread, 1e-9)
	assert.InDelta(t, 100, got.ExpertPositionBefore, 1e-9)
	assert.InDelta(t, 101, got.ExpertPositionAfter, 1e-9)
	assert.Equal(t, "0xabc", got.Raw.TxHash)
	assert.Equal(t, Stats{Normalized: 1}, n.Stats())

	select {
	case published := <-n.Normalized():
		assert.Equal(t, got.ID, published.ID)
	default:
		t.Fatal("normalized trade was not published")
	}
}

func TestEnrich_FetchesLiquidityAndPositionConcurrently(t *testing.T) {
	resolver := &stubResolver{market: &domain.ResolvedMarket{
		MarketMetadata: domain.MarketMetadata{ConditionID: "0xcond"},
		TokenID:        "1234",
		Outcome:        "Yes",
	}}
	r := newRendezvous()
	n := NewNormalizer(Config{Participant: "0xexpert"}, resolver, r, rendezvousPositions{r}, nil, discard)

	_, ok := n.Enrich(context.Background(), buyEvent())
	require.True(t, ok)
	assert.False(t, r.timedOut.Load(), "liquidity and position fetches ran one after the other")
}

func TestNormalize_ResolutionFailureShortCircuits(t *testing.T) {
	resolver := &stubResolver{}
	liquidity := &stubLiquidity{}
	positions := &stubPositions{}

	n := NewNormalizer(Config{Participant: "0xexpert"}, resolver, liquidity, positions, nil, nil)

	_, ok := n.Normalize(context.Background(), buyEvent())
	assert.False(t, ok)
	assert.Equal(t, uint64(1), n.Stats().Errors)
	assert.Equal(t, uint64(0), n.Stats().Normalized)
	assert.Equal(t, int32(1), resolver.calls.Load())
	assert.Zero(t, liquidity.calls.Load())
	assert.Zero(t, positions.calls.Load())
	assert.Empty(t, n.Normalized())
}

func TestNormalize_UnknownOutcomeStillNormalizes(t *testing.T) {
	resolver := &stubResolver{market: &domain.ResolvedMarket{
		MarketMetadata: domain.MarketMetadata{ConditionID: "0xcond"},
		TokenID:        "1234",
		Outcome:        domain.UnknownOutcome,
	}}
	n := NewNormalizer(Config{}, resolver, &stubLiquidity{}, &stubPositions{}, nil, nil)

	got, ok := n.Normalize(context.Background(), buyEvent())
	require.True(t, ok)
	assert.Equal(t, domain.UnknownOutcome, got.Outcome)
	assert.Equal(t, domain.PhaseEarly, got.MarketPhase)
	assert.Nil(t, got.Liquidity.BestBid)
}
