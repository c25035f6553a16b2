package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantrail/tradeguard/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeCols = `id, account_id, exchange, symbol, side, order_type, amount,
	request_price, executed_price, fee, realized_pnl, status, order_id, token,
	fail_reason, created_at`

func scanTrade(row pgx.Row) (domain.TradeRecord, error) {
	var t domain.TradeRecord
	var side, orderType, status string
	err := row.Scan(
		&t.ID, &t.AccountID, &t.Exchange, &t.Symbol, &side, &orderType,
		&t.Amount, &t.RequestPrice, &t.ExecutedPrice, &t.Fee, &t.RealizedPnL,
		&status, &t.OrderID, &t.Token, &t.FailReason, &t.CreatedAt,
	)
	if err != nil {
		return domain.TradeRecord{}, err
	}
	t.Side = domain.OrderSide(side)
	t.OrderType = domain.OrderType(orderType)
	t.Status = domain.TradeStatus(status)
	return t, nil
}

// Insert stores one trade record.
func (s *TradeStore) Insert(ctx context.Context, trade domain.TradeRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trades (`+tradeCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		trade.ID, trade.AccountID, trade.Exchange, trade.Symbol,
		string(trade.Side), string(trade.OrderType), trade.Amount,
		trade.RequestPrice, trade.ExecutedPrice, trade.Fee, trade.RealizedPnL,
		string(trade.Status), trade.OrderID, trade.Token, trade.FailReason,
		trade.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade %s: %w", trade.ID, err)
	}
	return nil
}

// GetByID fetches one trade record; domain.ErrNotFound when missing.
func (s *TradeStore) GetByID(ctx context.Context, id string) (domain.TradeRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tradeCols+` FROM trades WHERE id = $1`, id)
	t, err := scanTrade(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TradeRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.TradeRecord{}, fmt.Errorf("postgres: get trade %s: %w", id, err)
	}
	return t, nil
}

// ListByAccount returns trade records for an account, newest first.
func (s *TradeStore) ListByAccount(ctx context.Context, accountID string, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	query := `SELECT ` + tradeCols + ` FROM trades WHERE account_id = $1`
	args := []any{accountID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades %s: %w", accountID, err)
	}
	defer rows.Close()

	var trades []domain.TradeRecord
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// SumRealizedLoss sums negative realized PnL for executed trades since the
// given time, returned as a positive number.
func (s *TradeStore) SumRealizedLoss(ctx context.Context, accountID string, since time.Time) (float64, error) {
	var loss float64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(-SUM(realized_pnl), 0)
		FROM trades
		WHERE account_id = $1 AND status = 'executed'
		  AND created_at >= $2 AND realized_pnl < 0`,
		accountID, since,
	).Scan(&loss)
	if err != nil {
		return 0, fmt.Errorf("postgres: sum realized loss %s: %w", accountID, err)
	}
	return loss, nil
}

// ListOlderThan returns trade records older than cutoff, oldest first, capped
// at limit when limit > 0.
func (s *TradeStore) ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]domain.TradeRecord, error) {
	query := `SELECT ` + tradeCols + ` FROM trades WHERE created_at < $1 ORDER BY created_at ASC`
	args := []any{cutoff}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades before %s: %w", cutoff, err)
	}
	defer rows.Close()

	var trades []domain.TradeRecord
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// DeleteOlderThan removes trade records older than cutoff, returning the
// number removed. The archiver exports rows before calling this.
func (s *TradeStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM trades WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete trades before %s: %w", cutoff, err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.TradeStore = (*TradeStore)(nil)
