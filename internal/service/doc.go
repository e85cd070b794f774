// Package service holds the best-effort enrichment lookups used while
// normalizing trades: market resolution, order book liquidity and
// participant positions. None of them return errors; failures degrade to
// absent or default values and are logged.
package service

import (
	"context"

	"github.com/alanyoungcy/expertwatch/internal/domain"
)

// MarketLookup fetches market metadata by outcome token id.
type MarketLookup interface {
	GetMarketsByTokenID(ctx context.Context, tokenID string) ([]domain.MarketMetadata, error)
}

// BookSource fetches an order book by outcome token id.
type BookSource interface {
	GetOrderBook(ctx context.Context, tokenID string) (domain.OrderBook, error)
}

// PositionSource fetches a user's positions in one market.
type PositionSource interface {
	GetPositions(ctx context.Context, user, conditionID string) ([]domain.PositionRow, error)
}

// MarketCache is the in-process cache consulted before MarketLookup.
type MarketCache interface {
	Get(tokenID string) (domain.MarketMetadata, bool)
	Set(primaryKey string, md domain.MarketMetadata)
}
