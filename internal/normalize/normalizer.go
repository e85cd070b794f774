package normalize

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/alanyoungcy/expertwatch/internal/domain"
)

// MarketResolver maps an outcome token to its market. A false result means
// the market could not be resolved.
type MarketResolver interface {
	Resolve(ctx context.Context, tokenID string) (*domain.ResolvedMarket, bool)
}

// LiquidityFetcher returns a best-effort order book snapshot.
type LiquidityFetcher interface {
	Fetch(ctx context.Context, tokenID string) domain.LiquiditySnapshot
}

// PositionFetcher returns a best-effort before/after position estimate.
type PositionFetcher interface {
	Fetch(ctx context.Context, participant, marketID string, outcomeIndex int, side domain.TradeSide, quantity float64) domain.ExpertPosition
}

// Stats holds running normalizer counters.
type Stats struct {
	Normalized uint64 `json:"normalized"`
	Errors     uint64 `json:"errors"`
}

// Config configures a Normalizer.
type Config struct {
	Participant string
	// BufferSize is the capacity of the Normalized channel.
	BufferSize int
}

// Normalizer turns raw detections into NormalizedTrades: decode, resolve,
// classify, then enrich liquidity and position in parallel.
type Normalizer struct {
	cfg       Config
	resolver  MarketResolver
	liquidity LiquidityFetcher
	positions PositionFetcher
	pool      pond.Pool
	out       chan domain.NormalizedTrade
	logger    *slog.Logger
	now       func() time.Time

	normalized atomic.Uint64
	errors     atomic.Uint64
}

// NewNormalizer creates a Normalizer. The pool runs the enrichment fan-out;
// if nil a small dedicated pool is created.
func NewNormalizer(cfg Config, resolver MarketResolver, liquidity LiquidityFetcher, positions PositionFetcher, pool pond.Pool, logger *slog.Logger) *Normalizer {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if pool == nil {
		pool = pond.NewPool(16)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{
		cfg:       cfg,
		resolver:  resolver,
		liquidity: liquidity,
		positions: positions,
		pool:      pool,
		out:       make(chan domain.NormalizedTrade, cfg.BufferSize),
		logger:    logger.With(slog.String("component", "normalizer")),
		now:       time.Now,
	}
}

// Normalized returns the channel on which every successfully normalized
// trade is published. There is a single consumer.
func (n *Normalizer) Normalized() <-chan domain.NormalizedTrade {
	return n.out
}

// Stats returns a snapshot of the running counters.
func (n *Normalizer) Stats() Stats {
	return Stats{
		Normalized: n.normalized.Load(),
		Errors:     n.errors.Load(),
	}
}

// Normalize enriches raw and publishes the result on Normalized. It never
// fails past this boundary: a false result means the detection was unusable
// and the error counter was incremented.
func (n *Normalizer) Normalize(ctx context.Context, raw domain.RawTradeEvent) (domain.NormalizedTrade, bool) {
	trade, ok := n.Enrich(ctx, raw)
	if !ok {
		return trade, false
	}
	select {
	case n.out <- trade:
	case <-ctx.Done():
	}
	return trade, true
}

// Enrich is Normalize without publishing. Replay uses it to hand trades to
// the sink synchronously and in order.
func (n *Normalizer) Enrich(ctx context.Context, raw domain.RawTradeEvent) (domain.NormalizedTrade, bool) {
	start := n.now()
	decoded := Decode(raw)

	market, ok := n.resolver.Resolve(ctx, decoded.TokenID)
	if !ok || market == nil {
		n.errors.Add(1)
		n.logger.WarnContext(ctx, "market not resolved, dropping detection",
			slog.String("id", raw.ID),
			slog.String("token_id", decoded.TokenID),
		)
		return domain.NormalizedTrade{}, false
	}
	if !market.OutcomeKnown() {
		n.logger.WarnContext(ctx, "token missing from market outcome list",
			slog.String("id", raw.ID),
			slog.String("token_id", decoded.TokenID),
			slog.String("condition_id", market.ConditionID),
		)
	}

	phase := ClassifyPhase(market.EndDate, start)

	var (
		liquidity domain.LiquiditySnapshot
		position  domain.ExpertPosition
	)
	group := n.pool.NewGroupContext(ctx)
	group.Submit(
		func() { liquidity = n.liquidity.Fetch(ctx, decoded.TokenID) },
		func() {
			position = n.positions.Fetch(ctx, n.cfg.Participant, market.ConditionID,
				market.OutcomeIndex, decoded.Side, decoded.Quantity)
		},
	)
	if err := group.Wait(); err != nil {
		n.errors.Add(1)
		n.logger.WarnContext(ctx, "enrichment aborted",
			slog.String("id", raw.ID),
			slog.String("error", err.Error()),
		)
		return domain.NormalizedTrade{}, false
	}

	finished := n.now()
	trade := domain.NormalizedTrade{
		ID:                   raw.ID,
		DecodedTrade:         decoded,
		ConditionID:          market.ConditionID,
		Question:             market.Question,
		Outcome:              market.Outcome,
		OutcomeIndex:         market.OutcomeIndex,
		Outcomes:             append([]string(nil), market.Outcomes...),
		EndDate:              market.EndDate,
		NegRisk:              market.NegRisk,
		MarketPhase:          phase,
		Liquidity:            liquidity,
		ExpertPositionBefore: position.Before,
		ExpertPositionAfter:  position.After,
		EnrichmentLatencyMs:  finished.Sub(start).Milliseconds(),
		NormalizedAt:         finished.UTC(),
		Raw:                  raw,
	}
	n.normalized.Add(1)

	n.logger.DebugContext(ctx, "trade normalized",
		slog.String("id", trade.ID),
		slog.String("side", string(trade.Side)),
		slog.Float64("price", trade.Price),
		slog.String("phase", string(trade.MarketPhase)),
		slog.Int64("latency_ms", trade.EnrichmentLatencyMs),
	)
	return trade, true
}
