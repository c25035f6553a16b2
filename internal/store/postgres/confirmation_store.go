package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantrail/tradeguard/internal/domain"
)

// ConfirmationStore implements domain.ConfirmationStore using PostgreSQL.
// Tokens are durable so a restart between validate and execute cannot let a
// stale or duplicate execute through, and the consume is a single-row
// compare-and-set so concurrent executes race safely.
type ConfirmationStore struct {
	pool *pgxpool.Pool
}

// NewConfirmationStore creates a ConfirmationStore backed by the given pool.
func NewConfirmationStore(pool *pgxpool.Pool) *ConfirmationStore {
	return &ConfirmationStore{pool: pool}
}

func scanConfirmation(row pgx.Row) (domain.TradeConfirmation, error) {
	var c domain.TradeConfirmation
	var tradeJSON []byte
	var outcome string
	err := row.Scan(&c.Token, &tradeJSON, &c.CreatedAt, &c.ExpiresAt, &c.Confirmed, &outcome)
	if err != nil {
		return domain.TradeConfirmation{}, err
	}
	if err := json.Unmarshal(tradeJSON, &c.Trade); err != nil {
		return domain.TradeConfirmation{}, fmt.Errorf("unmarshal trade payload: %w", err)
	}
	c.Outcome = domain.ConfirmationOutcome(outcome)
	return c, nil
}

// Create stores a fresh confirmation token.
func (s *ConfirmationStore) Create(ctx context.Context, c domain.TradeConfirmation) error {
	tradeJSON, err := json.Marshal(c.Trade)
	if err != nil {
		return fmt.Errorf("postgres: marshal trade payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO confirmations (token, trade, created_at, expires_at, confirmed, outcome)
		VALUES ($1, $2, $3, $4, FALSE, $5)`,
		c.Token, tradeJSON, c.CreatedAt, c.ExpiresAt, string(domain.ConfirmationOutcomePending))
	if err != nil {
		return fmt.Errorf("postgres: create confirmation %s: %w", c.Token, err)
	}
	return nil
}

// GetByToken fetches one confirmation; domain.ErrNotFound when missing.
func (s *ConfirmationStore) GetByToken(ctx context.Context, token string) (domain.TradeConfirmation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT token, trade, created_at, expires_at, confirmed, outcome
		FROM confirmations WHERE token = $1`, token)
	c, err := scanConfirmation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TradeConfirmation{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.TradeConfirmation{}, fmt.Errorf("postgres: get confirmation %s: %w", token, err)
	}
	return c, nil
}

// Consume flips confirmed false->true for an unexpired token. The UPDATE's
// WHERE clause is the linearization point: of any number of concurrent
// consumers, exactly one sees a row returned. Losers are told apart by a
// follow-up read: an existing confirmed row means already used, a past-TTL
// row means expired.
func (s *ConfirmationStore) Consume(ctx context.Context, token string, now time.Time) (domain.TradeConfirmation, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE confirmations
		SET confirmed = TRUE
		WHERE token = $1 AND confirmed = FALSE AND expires_at >= $2
		RETURNING token, trade, created_at, expires_at, confirmed, outcome`,
		token, now)
	c, err := scanConfirmation(row)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.TradeConfirmation{}, fmt.Errorf("postgres: consume confirmation %s: %w", token, err)
	}

	existing, gerr := s.GetByToken(ctx, token)
	if gerr != nil {
		return domain.TradeConfirmation{}, gerr
	}
	if existing.Confirmed {
		return domain.TradeConfirmation{}, domain.ErrConfirmationUsed
	}
	return domain.TradeConfirmation{}, domain.ErrConfirmationExpired
}

// SetOutcome records what happened to a consumed token.
func (s *ConfirmationStore) SetOutcome(ctx context.Context, token string, outcome domain.ConfirmationOutcome) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE confirmations SET outcome = $2 WHERE token = $1`,
		token, string(outcome))
	if err != nil {
		return fmt.Errorf("postgres: set outcome %s: %w", token, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteExpired removes expired unconsumed tokens, returning the count.
func (s *ConfirmationStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM confirmations WHERE confirmed = FALSE AND expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete expired confirmations: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.ConfirmationStore = (*ConfirmationStore)(nil)
