package service

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/alanyoungcy/expertwatch/internal/domain"
	"github.com/alanyoungcy/expertwatch/internal/retry"
)

// MarketResolver maps outcome tokens to their market, cache first.
type MarketResolver struct {
	lookup MarketLookup
	cache  MarketCache
	policy retry.Policy
	logger *slog.Logger
}

// NewMarketResolver creates a MarketResolver. Lookups are retried 3 times
// with 1s-10s backoff and a 10s per-attempt timeout.
func NewMarketResolver(lookup MarketLookup, cache MarketCache, logger *slog.Logger) *MarketResolver {
	return &MarketResolver{
		lookup: lookup,
		cache:  cache,
		policy: retry.Policy{
			Attempts:   3,
			BaseDelay:  time.Second,
			MaxDelay:   10 * time.Second,
			Multiplier: 2,
			Jitter:     true,
			Timeout:    10 * time.Second,
		},
		logger: logger.With(slog.String("component", "market_resolver")),
	}
}

// Resolve returns the market tokenID belongs to together with its outcome.
// The collateral asset never resolves. Lookup failures and empty results
// report false.
func (r *MarketResolver) Resolve(ctx context.Context, tokenID string) (*domain.ResolvedMarket, bool) {
	if tokenID == "" || tokenID == domain.CollateralAssetID {
		return nil, false
	}

	if md, ok := r.cache.Get(tokenID); ok {
		return r.bind(ctx, md, tokenID, true), true
	}

	markets, err := retry.DoValue(ctx, r.policy, r.logger, "gamma markets by token",
		func(ctx context.Context) ([]domain.MarketMetadata, error) {
			return r.lookup.GetMarketsByTokenID(ctx, tokenID)
		})
	if err != nil {
		r.logger.WarnContext(ctx, "market lookup failed",
			slog.String("token_id", tokenID),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	if len(markets) == 0 {
		r.logger.WarnContext(ctx, "no market for token", slog.String("token_id", tokenID))
		return nil, false
	}

	md := markets[0]
	r.cache.Set(tokenID, md)
	return r.bind(ctx, md, tokenID, false), true
}

// bind resolves the outcome and warns when the token is not listed, whether
// the market came from the cache or a fresh lookup.
func (r *MarketResolver) bind(ctx context.Context, md domain.MarketMetadata, tokenID string, cached bool) *domain.ResolvedMarket {
	resolved := bindOutcome(md, tokenID)
	if !resolved.OutcomeKnown() {
		r.logger.WarnContext(ctx, "token not in market outcome tokens",
			slog.String("token_id", tokenID),
			slog.String("condition_id", md.ConditionID),
			slog.Bool("cached", cached),
		)
	}
	return resolved
}

// bindOutcome locates tokenID among the market's outcome tokens. A token
// that is not listed resolves to UnknownOutcome at index 0.
func bindOutcome(md domain.MarketMetadata, tokenID string) *domain.ResolvedMarket {
	rm := &domain.ResolvedMarket{
		MarketMetadata: md,
		TokenID:        tokenID,
		Outcome:        domain.UnknownOutcome,
	}
	idx := slices.Index(md.OutcomeTokenIDs, tokenID)
	if idx < 0 {
		return rm
	}
	rm.OutcomeIndex = idx
	if idx < len(md.Outcomes) {
		rm.Outcome = md.Outcomes[idx]
	}
	return rm
}
