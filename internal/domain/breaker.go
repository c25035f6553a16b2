package domain

import "time"

// PricePoint is a single observed price for a symbol. Points live only in a
// bounded in-memory ring per symbol; the core never persists them itself.
type PricePoint struct {
	Symbol    string
	Price     float64
	Timestamp time.Time
}

// BreakerStatus is a read-only snapshot of one symbol's circuit-breaker state.
type BreakerStatus struct {
	Symbol        string
	Triggered     bool
	Severity      Severity
	ChangePercent float64
	CooldownUntil time.Time
	TriggeredAt   time.Time
}

// MarketBreakerStatus is a snapshot of the market-wide breaker, escalated
// from a symbol breach of emergency severity.
type MarketBreakerStatus struct {
	Triggered     bool
	SourceSymbol  string
	CooldownUntil time.Time
	TriggeredAt   time.Time
}
