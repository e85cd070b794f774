package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/alanyoungcy/expertwatch/internal/domain"
)

// ClobClient reads public order book data from the Polymarket CLOB
// (Central Limit Order Book) API.
type ClobClient struct {
	rest restClient
}

// NewClobClient creates a new CLOB REST client.
//
// baseURL is the CLOB API root, e.g. "https://clob.polymarket.com".
func NewClobClient(baseURL string, opts ClientOptions) *ClobClient {
	if baseURL == "" {
		baseURL = DefaultClobURL
	}
	return &ClobClient{rest: newRESTClient(baseURL, opts)}
}

// GetOrderBook returns the current book for one outcome token. Level order
// is preserved as served.
func (c *ClobClient) GetOrderBook(ctx context.Context, tokenID string) (domain.OrderBook, error) {
	params := url.Values{}
	params.Set("token_id", tokenID)

	body, err := c.rest.doGet(ctx, "/book?"+params.Encode())
	if err != nil {
		return domain.OrderBook{}, fmt.Errorf("polymarket/clob: get book %s: %w", tokenID, err)
	}

	var book APIBook
	if err := json.Unmarshal(body, &book); err != nil {
		return domain.OrderBook{}, fmt.Errorf("polymarket/clob: decode book: %w", err)
	}

	ob := book.ToDomainOrderBook()
	if ob.AssetID == "" {
		ob.AssetID = tokenID
	}
	return ob, nil
}
