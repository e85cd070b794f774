package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/alanyoungcy/expertwatch/internal/domain"
)

// DataClient is the REST client for the public Polymarket Data API:
// positions and trade history by wallet.
type DataClient struct {
	rest restClient
}

// NewDataClient creates a new Data API client.
//
// baseURL is the Data API root, e.g. "https://data-api.polymarket.com".
func NewDataClient(baseURL string, opts ClientOptions) *DataClient {
	if baseURL == "" {
		baseURL = DefaultDataURL
	}
	return &DataClient{rest: newRESTClient(baseURL, opts)}
}

// GetPositions returns user's positions in one market, including fully
// closed ones.
func (d *DataClient) GetPositions(ctx context.Context, user, conditionID string) ([]domain.PositionRow, error) {
	params := url.Values{}
	params.Set("user", user)
	params.Set("market", conditionID)
	params.Set("sizeThreshold", "0")

	body, err := d.rest.doGet(ctx, "/positions?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket/data: get positions: %w", err)
	}

	var apiPositions []APIPosition
	if err := json.Unmarshal(body, &apiPositions); err != nil {
		return nil, fmt.Errorf("polymarket/data: decode positions: %w", err)
	}

	rows := make([]domain.PositionRow, 0, len(apiPositions))
	for i := range apiPositions {
		rows = append(rows, apiPositions[i].ToPositionRow())
	}
	return rows, nil
}

// GetTrades returns the most recent trades for user, newest first.
func (d *DataClient) GetTrades(ctx context.Context, user string, limit int) ([]UserTrade, error) {
	if limit <= 0 {
		limit = 100
	}
	params := url.Values{}
	params.Set("user", user)
	params.Set("limit", strconv.Itoa(limit))

	body, err := d.rest.doGet(ctx, "/trades?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket/data: get trades: %w", err)
	}

	var apiTrades []APITrade
	if err := json.Unmarshal(body, &apiTrades); err != nil {
		return nil, fmt.Errorf("polymarket/data: decode trades: %w", err)
	}

	trades := make([]UserTrade, 0, len(apiTrades))
	for i := range apiTrades {
		trades = append(trades, apiTrades[i].ToUserTrade())
	}
	return trades, nil
}
