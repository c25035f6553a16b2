package domain

import "time"

// ConfirmationOutcome records what happened to a consumed token.
type ConfirmationOutcome string

const (
	ConfirmationOutcomePending  ConfirmationOutcome = "pending"
	ConfirmationOutcomeExecuted ConfirmationOutcome = "executed"
	ConfirmationOutcomeBlocked  ConfirmationOutcome = "blocked"
	ConfirmationOutcomeFailed   ConfirmationOutcome = "failed"
)

// TradeConfirmation is the single piece of state shared between the "ask" and
// "do" halves of the two-phase trade commit. It is durable: a process restart
// between validate and execute must not permit a stale or duplicate execute.
//
// Confirmed flips exactly once from false to true. Consuming an expired or
// already-confirmed token is a no-op that reports failure.
type TradeConfirmation struct {
	Token     string
	Trade     TradeRequest
	CreatedAt time.Time
	ExpiresAt time.Time
	Confirmed bool
	Outcome   ConfirmationOutcome
}

// Expired reports whether the token is past its TTL at the given instant.
func (c TradeConfirmation) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
