package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/alanyoungcy/expertwatch/internal/domain"
)

// GammaClient is the REST client for the Polymarket Gamma API, which
// provides market metadata.
type GammaClient struct {
	rest restClient
}

// NewGammaClient creates a new Gamma API client.
//
// baseURL is the Gamma API root, e.g. "https://gamma-api.polymarket.com".
func NewGammaClient(baseURL string, opts ClientOptions) *GammaClient {
	if baseURL == "" {
		baseURL = DefaultGammaURL
	}
	return &GammaClient{rest: newRESTClient(baseURL, opts)}
}

// GetMarketsByTokenID returns the markets that list tokenID among their CLOB
// outcome tokens. An empty result is not an error.
func (g *GammaClient) GetMarketsByTokenID(ctx context.Context, tokenID string) ([]domain.MarketMetadata, error) {
	params := url.Values{}
	params.Set("clob_token_ids", tokenID)

	body, err := g.rest.doGet(ctx, "/markets?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket/gamma: get markets by token %s: %w", tokenID, err)
	}

	var apiMarkets []APIMarket
	if err := json.Unmarshal(body, &apiMarkets); err != nil {
		return nil, fmt.Errorf("polymarket/gamma: decode markets: %w", err)
	}

	markets := make([]domain.MarketMetadata, 0, len(apiMarkets))
	for i := range apiMarkets {
		markets = append(markets, apiMarkets[i].ToMarketMetadata())
	}
	return markets, nil
}
