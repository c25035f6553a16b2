package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantrail/tradeguard/internal/domain"
)

// AccountStore implements domain.AccountStore using PostgreSQL.
type AccountStore struct {
	pool *pgxpool.Pool
}

// NewAccountStore creates a new AccountStore backed by the given pool.
func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

const accountCols = `id, initial_balance, balance, state, paused_at, stopped_at,
	emergency_stop, stop_reason, updated_at`

func scanAccount(row pgx.Row) (domain.Account, error) {
	var a domain.Account
	var state string
	err := row.Scan(
		&a.ID, &a.InitialBalance, &a.Balance, &state,
		&a.PausedAt, &a.StoppedAt, &a.EmergencyStop, &a.StopReason, &a.UpdatedAt,
	)
	if err != nil {
		return domain.Account{}, err
	}
	a.State = domain.AccountState(state)
	return a, nil
}

// GetByID fetches one account; domain.ErrNotFound when missing.
func (s *AccountStore) GetByID(ctx context.Context, id string) (domain.Account, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("postgres: get account %s: %w", id, err)
	}
	return a, nil
}

// List returns all accounts.
func (s *AccountStore) List(ctx context.Context) ([]domain.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountCols+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// UpdateBalance sets the current balance.
func (s *AccountStore) UpdateBalance(ctx context.Context, id string, balance float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET balance = $2, updated_at = NOW() WHERE id = $1`,
		id, balance)
	if err != nil {
		return fmt.Errorf("postgres: update balance %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetState transitions the account state only if its current state is one of
// the expected from states (compare-and-set at the row level). It reports
// whether the transition happened.
func (s *AccountStore) SetState(ctx context.Context, id string, to domain.AccountState, from ...domain.AccountState) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("postgres: set state %s: no expected states", id)
	}
	states := make([]string, 0, len(from))
	for _, f := range from {
		states = append(states, string(f))
	}

	var query string
	switch to {
	case domain.AccountStatePaused:
		query = `UPDATE accounts SET state = $2, paused_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND state = ANY($3)`
	case domain.AccountStateStopped:
		query = `UPDATE accounts SET state = $2, stopped_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND state = ANY($3)`
	default:
		query = `UPDATE accounts SET state = $2, paused_at = NULL, stopped_at = NULL, updated_at = NOW()
			WHERE id = $1 AND state = ANY($3)`
	}

	tag, err := s.pool.Exec(ctx, query, id, string(to), states)
	if err != nil {
		return false, fmt.Errorf("postgres: set state %s -> %s: %w", id, to, err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetEmergencyStop flips the flag atomically from !value to value. The WHERE
// clause on the current flag value makes concurrent flips race safely: only
// one writer observes a row change.
func (s *AccountStore) SetEmergencyStop(ctx context.Context, id string, value bool, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET emergency_stop = $2, stop_reason = $3, updated_at = NOW()
		 WHERE id = $1 AND emergency_stop = $4`,
		id, value, reason, !value)
	if err != nil {
		return false, fmt.Errorf("postgres: set emergency stop %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

var _ domain.AccountStore = (*AccountStore)(nil)
