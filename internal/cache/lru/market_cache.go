package lru

import (
	"slices"
	"time"

	"github.com/alanyoungcy/expertwatch/internal/domain"
)

const (
	DefaultMarketCapacity = 500
	DefaultMarketTTL      = 5 * time.Minute
)

// MarketCache caches market metadata by outcome token id. Storing a market
// under one token also stores it under every sibling token of that market.
type MarketCache struct {
	c *Cache[string, domain.MarketMetadata]
}

// NewMarketCache creates a MarketCache. Non-positive arguments fall back to
// 500 entries and a 5 minute TTL.
func NewMarketCache(capacity int, ttl time.Duration) *MarketCache {
	if capacity <= 0 {
		capacity = DefaultMarketCapacity
	}
	if ttl <= 0 {
		ttl = DefaultMarketTTL
	}
	return &MarketCache{c: New[string, domain.MarketMetadata](capacity, ttl)}
}

// Get returns the cached metadata for tokenID if present and fresh.
func (m *MarketCache) Get(tokenID string) (domain.MarketMetadata, bool) {
	md, ok := m.c.Get(tokenID)
	if !ok {
		return domain.MarketMetadata{}, false
	}
	return cloneMetadata(md), true
}

// Set stores md under primaryKey and under each other token id it lists.
// The primary key is written last so it ends up most recently used.
func (m *MarketCache) Set(primaryKey string, md domain.MarketMetadata) {
	md = cloneMetadata(md)
	for _, tokenID := range md.OutcomeTokenIDs {
		if tokenID == "" || tokenID == primaryKey {
			continue
		}
		m.c.Set(tokenID, md)
	}
	m.c.Set(primaryKey, md)
}

// Len returns the number of cached keys.
func (m *MarketCache) Len() int {
	return m.c.Len()
}

func cloneMetadata(md domain.MarketMetadata) domain.MarketMetadata {
	md.Outcomes = slices.Clone(md.Outcomes)
	md.OutcomePrices = slices.Clone(md.OutcomePrices)
	md.OutcomeTokenIDs = slices.Clone(md.OutcomeTokenIDs)
	return md
}
