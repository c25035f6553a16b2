package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// AccountStore persists trading accounts, their state machine, and the
// emergency-stop flag. The flag toggles must be compare-and-set so that
// concurrent writers cannot lose an update.
type AccountStore interface {
	GetByID(ctx context.Context, id string) (Account, error)
	List(ctx context.Context) ([]Account, error)
	UpdateBalance(ctx context.Context, id string, balance float64) error

	// SetState transitions the account only when it currently holds one of
	// the expected states; returns false without error otherwise.
	SetState(ctx context.Context, id string, to AccountState, from ...AccountState) (bool, error)

	// SetEmergencyStop flips the flag from !value to value atomically and
	// reports whether this call performed the flip.
	SetEmergencyStop(ctx context.Context, id string, value bool, reason string) (bool, error)
}

// PositionStore persists held positions per account.
type PositionStore interface {
	GetOpen(ctx context.Context, accountID string) ([]Position, error)
	Upsert(ctx context.Context, pos Position) error
}

// TradeStore persists the durable trade records. The persistence layer is the
// system of record for trades; in-memory breaker/limiter state is not.
type TradeStore interface {
	Insert(ctx context.Context, trade TradeRecord) error
	GetByID(ctx context.Context, id string) (TradeRecord, error)
	ListByAccount(ctx context.Context, accountID string, opts ListOpts) ([]TradeRecord, error)
	// SumRealizedLoss returns the sum of negative realized PnL for executed
	// trades of the account since the given time, as a positive number.
	SumRealizedLoss(ctx context.Context, accountID string, since time.Time) (float64, error)
	ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]TradeRecord, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// ConfirmationStore persists two-phase-commit tokens. Consume must be atomic:
// of any number of concurrent Consume calls for the same token, exactly one
// succeeds.
type ConfirmationStore interface {
	Create(ctx context.Context, c TradeConfirmation) error
	GetByToken(ctx context.Context, token string) (TradeConfirmation, error)
	// Consume flips Confirmed false->true if the token exists, is unconsumed,
	// and has not expired as of now. It returns the confirmation as consumed.
	// Returns ErrConfirmationUsed or ErrConfirmationExpired otherwise.
	Consume(ctx context.Context, token string, now time.Time) (TradeConfirmation, error)
	// SetOutcome records what happened to a consumed token.
	SetOutcome(ctx context.Context, token string, outcome ConfirmationOutcome) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// AlertStore persists the append-only risk alert log.
type AlertStore interface {
	Append(ctx context.Context, alert RiskAlert) (RiskAlert, error)
	ListByAccount(ctx context.Context, accountID string, opts ListOpts) ([]RiskAlert, error)
	ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]RiskAlert, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditStore persists an append-only audit log of operator actions and
// automatic safety interventions.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}
