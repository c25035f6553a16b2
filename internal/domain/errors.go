package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrLockHeld      = errors.New("lock already held")

	// Safety gates. A caller must re-validate after the condition changes;
	// these are never retried automatically.
	ErrEmergencyStop  = errors.New("emergency stop active")
	ErrAccountStopped = errors.New("account stopped")
	ErrAccountPaused  = errors.New("account paused")
	ErrSymbolHalted   = errors.New("symbol trading halted")
	ErrMarketHalted   = errors.New("market trading halted")

	// ErrRateLimited is transient; the caller may retry after the reset time
	// reported alongside it.
	ErrRateLimited = errors.New("rate limited")

	// Two-phase commit token errors. The caller must restart the flow with a
	// fresh confirmation.
	ErrConfirmationExpired = errors.New("confirmation expired")
	ErrConfirmationUsed    = errors.New("confirmation already used")

	// ErrEvaluationSkipped means a risk evaluation pass could not read the
	// data it needs. It is an observability signal, not a risk alert.
	ErrEvaluationSkipped = errors.New("risk evaluation skipped")

	ErrInvalidTrade = errors.New("invalid trade parameters")
)

// UpstreamExecutionError wraps a failure from the exchange connector that
// occurred after a confirmation token was validly consumed. The token stays
// consumed; any retry needs a fresh confirmation.
type UpstreamExecutionError struct {
	OrderID string
	Err     error
}

func (e *UpstreamExecutionError) Error() string {
	if e.OrderID != "" {
		return fmt.Sprintf("upstream execution failed (order %s): %v", e.OrderID, e.Err)
	}
	return fmt.Sprintf("upstream execution failed: %v", e.Err)
}

func (e *UpstreamExecutionError) Unwrap() error { return e.Err }

// IsSafetyBlocked reports whether err belongs to the safety-gate family
// (emergency stop, account paused/stopped, symbol or market halt).
func IsSafetyBlocked(err error) bool {
	return errors.Is(err, ErrEmergencyStop) ||
		errors.Is(err, ErrAccountStopped) ||
		errors.Is(err, ErrAccountPaused) ||
		errors.Is(err, ErrSymbolHalted) ||
		errors.Is(err, ErrMarketHalted)
}
