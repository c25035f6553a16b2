package domain

import "time"

// RateLimitRule is the configured quota for one (exchange, endpoint) pair.
type RateLimitRule struct {
	WindowSize     time.Duration
	MaxRequests    int
	BurstAllowance int
	DecayPeriod    time.Duration // violation/burst counters reset after this
}

// RateLimitDecision is the outcome of a single quota check. On an allowed
// decision Remaining already accounts for the request just recorded.
type RateLimitDecision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	Reason    string
}

// RateLimitStatus is a per-key snapshot for operators.
type RateLimitStatus struct {
	Exchange      string
	Endpoint      string
	Actor         string
	WindowUsage   int
	MaxRequests   int
	BurstUsed     int
	Violations    int
	CooldownUntil time.Time
}
