// Package sqlite is a single-file durable store for local runs and tests.
// It implements the same contract as the PostgreSQL store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alanyoungcy/expertwatch/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS trade_detections (
    id                  TEXT PRIMARY KEY,
    tx_hash             TEXT    NOT NULL,
    log_index           INTEGER NOT NULL,
    block_number        INTEGER,
    block_timestamp     INTEGER NOT NULL DEFAULT 0,
    detected_at         INTEGER NOT NULL,
    source              TEXT    NOT NULL,
    exchange            TEXT    NOT NULL,
    order_hash          TEXT    NOT NULL DEFAULT '',
    maker               TEXT    NOT NULL DEFAULT '',
    taker               TEXT    NOT NULL DEFAULT '',
    maker_asset_id      TEXT    NOT NULL,
    taker_asset_id      TEXT    NOT NULL,
    maker_amount_filled TEXT    NOT NULL,
    taker_amount_filled TEXT    NOT NULL,
    fee                 TEXT    NOT NULL DEFAULT '0',
    participant_role    TEXT    NOT NULL,
    processed           INTEGER NOT NULL DEFAULT 0,
    processed_at        INTEGER
);

CREATE INDEX IF NOT EXISTS idx_detections_unprocessed
    ON trade_detections(processed, block_number, log_index);

CREATE TABLE IF NOT EXISTS normalized_trades (
    id            TEXT PRIMARY KEY,
    condition_id  TEXT    NOT NULL,
    normalized_at INTEGER NOT NULL,
    payload       TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_normalized_at ON normalized_trades(normalized_at);
`

// Store implements domain.Store on SQLite (pure Go, no CGo).
type Store struct {
	db *sql.DB
}

var _ domain.Store = (*Store)(nil)

// Open opens (or creates) the database at path and applies the schema.
// ":memory:" gives a throwaway database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	// single writer; also keeps ":memory:" on one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertIfAbsent inserts ev unless its id already exists.
func (s *Store) InsertIfAbsent(ctx context.Context, ev domain.RawTradeEvent) (bool, error) {
	var block any
	if ev.BlockNumber != nil {
		if !ev.BlockNumber.IsInt64() {
			return false, fmt.Errorf("sqlite: insert detection %s: block %s out of range", ev.ID, ev.BlockNumber)
		}
		block = ev.BlockNumber.Int64()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO trade_detections (
			id, tx_hash, log_index, block_number, block_timestamp,
			detected_at, source, exchange, order_hash, maker, taker,
			maker_asset_id, taker_asset_id, maker_amount_filled,
			taker_amount_filled, fee, participant_role
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.TxHash, int64(ev.LogIndex), block, ev.BlockTimestamp,
		ev.DetectedAt, string(ev.Source), string(ev.Exchange), ev.OrderHash, ev.Maker, ev.Taker,
		ev.MakerAssetID, ev.TakerAssetID, amountText(ev.MakerAmountFilled),
		amountText(ev.TakerAmountFilled), amountText(ev.Fee), string(ev.Role),
	)
	if err != nil {
		return false, fmt.Errorf("sqlite: insert detection %s: %w", ev.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: insert detection %s: %w", ev.ID, err)
	}
	return n == 1, nil
}

// Exists reports whether a detection with id has been stored.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM trade_detections WHERE id = ?)`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("sqlite: detection exists %s: %w", id, err)
	}
	return exists, nil
}

// MaxBlock returns the highest recorded block number, or nil if none.
func (s *Store) MaxBlock(ctx context.Context) (*big.Int, error) {
	var n sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(block_number) FROM trade_detections`,
	).Scan(&n); err != nil {
		return nil, fmt.Errorf("sqlite: max block: %w", err)
	}
	if !n.Valid {
		return nil, nil
	}
	return big.NewInt(n.Int64), nil
}

// DeserializeOrderedUnprocessed returns up to limit unprocessed detections
// in (block_number, log_index) order, block-less rows last.
func (s *Store) DeserializeOrderedUnprocessed(ctx context.Context, limit int) ([]domain.RawTradeEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tx_hash, log_index, block_number, block_timestamp,
		       detected_at, source, exchange, order_hash, maker, taker,
		       maker_asset_id, taker_asset_id, maker_amount_filled,
		       taker_amount_filled, fee, participant_role
		FROM trade_detections
		WHERE processed = 0
		ORDER BY block_number IS NULL, block_number, block_timestamp, log_index
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list unprocessed: %w", err)
	}
	defer rows.Close()

	var events []domain.RawTradeEvent
	for rows.Next() {
		var (
			ev                      domain.RawTradeEvent
			logIndex                int64
			block                   sql.NullInt64
			makerAmt, takerAmt, fee string
			source, exchange, role  string
		)
		if err := rows.Scan(
			&ev.ID, &ev.TxHash, &logIndex, &block, &ev.BlockTimestamp,
			&ev.DetectedAt, &source, &exchange, &ev.OrderHash, &ev.Maker, &ev.Taker,
			&ev.MakerAssetID, &ev.TakerAssetID, &makerAmt,
			&takerAmt, &fee, &role,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan unprocessed: %w", err)
		}
		ev.LogIndex = uint64(logIndex)
		ev.Source = domain.TradeSource(source)
		ev.Exchange = domain.ExchangeVariant(exchange)
		ev.Role = domain.ParticipantRole(role)
		if block.Valid {
			ev.BlockNumber = big.NewInt(block.Int64)
		}
		if ev.MakerAmountFilled, err = parseBig(makerAmt); err != nil {
			return nil, err
		}
		if ev.TakerAmountFilled, err = parseBig(takerAmt); err != nil {
			return nil, err
		}
		if ev.Fee, err = parseBig(fee); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list unprocessed: %w", err)
	}
	return events, nil
}

// MarkProcessed flags a detection as consumed.
func (s *Store) MarkProcessed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE trade_detections SET processed = 1, processed_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("sqlite: mark processed %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: mark processed %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// CountUnprocessed returns the size of the unprocessed backlog.
func (s *Store) CountUnprocessed(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trade_detections WHERE processed = 0`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count unprocessed: %w", err)
	}
	return n, nil
}

// InsertNormalized stores trade unless a record with the same id exists.
func (s *Store) InsertNormalized(ctx context.Context, trade domain.NormalizedTrade) (bool, error) {
	payload, err := json.Marshal(trade)
	if err != nil {
		return false, fmt.Errorf("sqlite: marshal normalized %s: %w", trade.ID, err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO normalized_trades (id, condition_id, normalized_at, payload)
		VALUES (?, ?, ?, ?)`,
		trade.ID, trade.ConditionID, trade.NormalizedAt.UnixNano(), string(payload))
	if err != nil {
		return false, fmt.Errorf("sqlite: insert normalized %s: %w", trade.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: insert normalized %s: %w", trade.ID, err)
	}
	return n == 1, nil
}

// ListNormalizedBetween returns trades normalized in [from, to), oldest first.
func (s *Store) ListNormalizedBetween(ctx context.Context, from, to time.Time) ([]domain.NormalizedTrade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM normalized_trades
		WHERE normalized_at >= ? AND normalized_at < ?
		ORDER BY normalized_at, id`, from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("sqlite: list normalized: %w", err)
	}
	defer rows.Close()

	var trades []domain.NormalizedTrade
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("sqlite: scan normalized: %w", err)
		}
		var t domain.NormalizedTrade
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			return nil, fmt.Errorf("sqlite: decode normalized: %w", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list normalized: %w", err)
	}
	return trades, nil
}

func amountText(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

func parseBig(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("sqlite: bad amount %q", s)
	}
	return n, nil
}
