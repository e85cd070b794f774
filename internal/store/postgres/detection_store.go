package postgres

import (
	"context"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/expertwatch/internal/domain"
)

// DetectionStore implements domain.DetectionStore using PostgreSQL. Block
// numbers and amounts are NUMERIC(78,0) and cross the driver boundary as
// decimal text.
type DetectionStore struct {
	pool *pgxpool.Pool
}

// NewDetectionStore creates a new DetectionStore backed by the given pool.
func NewDetectionStore(pool *pgxpool.Pool) *DetectionStore {
	return &DetectionStore{pool: pool}
}

const detectionSelectCols = `id, tx_hash, log_index, block_number::text, block_timestamp,
	detected_at, source, exchange, order_hash, maker, taker,
	maker_asset_id, taker_asset_id, maker_amount_filled::text,
	taker_amount_filled::text, fee::text, participant_role`

// InsertIfAbsent inserts ev unless its id already exists. The primary key
// makes this atomic across concurrent writers.
func (s *DetectionStore) InsertIfAbsent(ctx context.Context, ev domain.RawTradeEvent) (bool, error) {
	const query = `
		INSERT INTO trade_detections (
			id, tx_hash, log_index, block_number, block_timestamp,
			detected_at, source, exchange, order_hash, maker, taker,
			maker_asset_id, taker_asset_id, maker_amount_filled,
			taker_amount_filled, fee, participant_role
		) VALUES (
			$1, $2, $3, $4::numeric, $5,
			$6, $7, $8, $9, $10, $11,
			$12, $13, $14::numeric,
			$15::numeric, $16::numeric, $17
		) ON CONFLICT (id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		ev.ID, ev.TxHash, int64(ev.LogIndex), bigText(ev.BlockNumber), ev.BlockTimestamp,
		ev.DetectedAt, string(ev.Source), string(ev.Exchange), ev.OrderHash, ev.Maker, ev.Taker,
		ev.MakerAssetID, ev.TakerAssetID, amountText(ev.MakerAmountFilled),
		amountText(ev.TakerAmountFilled), amountText(ev.Fee), string(ev.Role),
	)
	if err != nil {
		return false, fmt.Errorf("postgres: insert detection %s: %w", ev.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Exists reports whether a detection with id has been stored.
func (s *DetectionStore) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM trade_detections WHERE id = $1)", id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: detection exists %s: %w", id, err)
	}
	return exists, nil
}

// MaxBlock returns the highest recorded block number, or nil if none.
func (s *DetectionStore) MaxBlock(ctx context.Context) (*big.Int, error) {
	var text *string
	if err := s.pool.QueryRow(ctx,
		"SELECT MAX(block_number)::text FROM trade_detections",
	).Scan(&text); err != nil {
		return nil, fmt.Errorf("postgres: max block: %w", err)
	}
	if text == nil {
		return nil, nil
	}
	n, ok := new(big.Int).SetString(*text, 10)
	if !ok {
		return nil, fmt.Errorf("postgres: max block: bad numeric %q", *text)
	}
	return n, nil
}

// DeserializeOrderedUnprocessed returns up to limit unprocessed detections
// in (block_number, log_index) order. Detections without a block number
// follow, ordered by block timestamp.
func (s *DetectionStore) DeserializeOrderedUnprocessed(ctx context.Context, limit int) ([]domain.RawTradeEvent, error) {
	query := `SELECT ` + detectionSelectCols + `
		FROM trade_detections
		WHERE NOT processed
		ORDER BY block_number ASC NULLS LAST, block_timestamp ASC, log_index ASC
		LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list unprocessed: %w", err)
	}
	defer rows.Close()

	events, err := scanDetectionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan unprocessed: %w", err)
	}
	return events, nil
}

// MarkProcessed flags a detection as consumed.
func (s *DetectionStore) MarkProcessed(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE trade_detections SET processed = TRUE, processed_at = NOW() WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("postgres: mark processed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: mark processed %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// CountUnprocessed returns the size of the unprocessed backlog.
func (s *DetectionStore) CountUnprocessed(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM trade_detections WHERE NOT processed",
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count unprocessed: %w", err)
	}
	return n, nil
}

func scanDetectionRows(rows pgx.Rows) ([]domain.RawTradeEvent, error) {
	var events []domain.RawTradeEvent
	for rows.Next() {
		var (
			ev                      domain.RawTradeEvent
			logIndex                int64
			block                   *string
			makerAmt, takerAmt, fee string
			source, exchange, role  string
		)
		if err := rows.Scan(
			&ev.ID, &ev.TxHash, &logIndex, &block, &ev.BlockTimestamp,
			&ev.DetectedAt, &source, &exchange, &ev.OrderHash, &ev.Maker, &ev.Taker,
			&ev.MakerAssetID, &ev.TakerAssetID, &makerAmt,
			&takerAmt, &fee, &role,
		); err != nil {
			return nil, err
		}
		ev.LogIndex = uint64(logIndex)
		ev.Source = domain.TradeSource(source)
		ev.Exchange = domain.ExchangeVariant(exchange)
		ev.Role = domain.ParticipantRole(role)

		var err error
		if block != nil {
			if ev.BlockNumber, err = parseBig(*block); err != nil {
				return nil, err
			}
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
	return events, rows.Err()
}

// bigText renders an optional big integer for a ::numeric parameter.
func bigText(n *big.Int) *string {
	if n == nil {
		return nil
	}
	s := n.String()
	return &s
}

// amountText renders an amount, treating nil as zero.
func amountText(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

func parseBig(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("bad numeric %q", s)
	}
	return n, nil
}
