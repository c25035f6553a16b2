package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantrail/tradeguard/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// GetOpen returns every non-zero position for the account.
func (s *PositionStore) GetOpen(ctx context.Context, accountID string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT account_id, symbol, quantity, avg_entry_price, current_price, updated_at
		FROM positions
		WHERE account_id = $1 AND quantity != 0
		ORDER BY symbol`, accountID)
	if err != nil {
		return nil, fmt.Errorf("postgres: open positions %s: %w", accountID, err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		var p domain.Position
		if err := rows.Scan(&p.AccountID, &p.Symbol, &p.Quantity,
			&p.AvgEntryPrice, &p.CurrentPrice, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Upsert inserts or replaces a position row.
func (s *PositionStore) Upsert(ctx context.Context, pos domain.Position) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO positions (account_id, symbol, quantity, avg_entry_price, current_price, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (account_id, symbol) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			avg_entry_price = EXCLUDED.avg_entry_price,
			current_price = EXCLUDED.current_price,
			updated_at = NOW()`,
		pos.AccountID, pos.Symbol, pos.Quantity, pos.AvgEntryPrice, pos.CurrentPrice)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s/%s: %w", pos.AccountID, pos.Symbol, err)
	}
	return nil
}

var _ domain.PositionStore = (*PositionStore)(nil)
