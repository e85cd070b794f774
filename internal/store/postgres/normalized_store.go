package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/expertwatch/internal/domain"
)

// NormalizedStore implements domain.NormalizedTradeStore. The full record is
// kept as JSONB next to a handful of query columns.
type NormalizedStore struct {
	pool *pgxpool.Pool
}

// NewNormalizedStore creates a new NormalizedStore backed by the given pool.
func NewNormalizedStore(pool *pgxpool.Pool) *NormalizedStore {
	return &NormalizedStore{pool: pool}
}

// InsertNormalized stores trade unless a record with the same id exists.
func (s *NormalizedStore) InsertNormalized(ctx context.Context, trade domain.NormalizedTrade) (bool, error) {
	payload, err := json.Marshal(trade)
	if err != nil {
		return false, fmt.Errorf("postgres: marshal normalized %s: %w", trade.ID, err)
	}

	const query = `
		INSERT INTO normalized_trades (
			id, condition_id, token_id, side, price, quantity,
			implied_probability, outcome, outcome_index, market_phase,
			normalized_at, payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		trade.ID, trade.ConditionID, trade.TokenID, string(trade.Side), trade.Price, trade.Quantity,
		trade.ImpliedProbability, trade.Outcome, trade.OutcomeIndex, string(trade.MarketPhase),
		trade.NormalizedAt, payload,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: insert normalized %s: %w", trade.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListNormalizedBetween returns trades normalized in [from, to), oldest first.
func (s *NormalizedStore) ListNormalizedBetween(ctx context.Context, from, to time.Time) ([]domain.NormalizedTrade, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT payload FROM normalized_trades
		WHERE normalized_at >= $1 AND normalized_at < $2
		ORDER BY normalized_at ASC, id ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list normalized: %w", err)
	}
	defer rows.Close()

	var trades []domain.NormalizedTrade
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("postgres: scan normalized: %w", err)
		}
		var t domain.NormalizedTrade
		if err := json.Unmarshal(payload, &t); err != nil {
			return nil, fmt.Errorf("postgres: decode normalized: %w", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list normalized: %w", err)
	}
	return trades, nil
}
