package domain

import (
	"context"
	"time"
)

// Event types published on the control-plane bus.
const (
	EventBreakerTripped  = "breaker.tripped"
	EventBreakerResumed  = "breaker.resumed"
	EventMarketEmergency = "market.emergency"
	EventRiskAlert       = "risk.alert"
	EventEmergencyStop   = "risk.emergency_stop"
	EventTradeExecuted   = "trade.executed"
	EventTradeFailed     = "trade.failed"
)

// Event is a control-plane occurrence fanned out to subscribers. The breaker
// does not write into the risk monitor directly; it publishes a
// MarketEmergency event and the risk monitor decides what to do with it.
type Event struct {
	Type      string            `json:"type"`
	Symbol    string            `json:"symbol,omitempty"`
	AccountID string            `json:"account_id,omitempty"`
	Severity  Severity          `json:"severity,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
	At        time.Time         `json:"at"`
}

// EventBus fans control-plane events out to subscribers. Publish is
// fire-and-forget: a slow or failed subscriber must never block or roll back
// the decision that produced the event.
type EventBus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, types ...string) (<-chan Event, error)
}
