package domain

import "time"

// Severity grades alerts and breaker trips.
type Severity string

const (
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

// RiskType names the metric that produced an alert.
type RiskType string

const (
	RiskTypeDrawdown       RiskType = "drawdown"
	RiskTypeDailyLoss      RiskType = "daily_loss"
	RiskTypeConcentration  RiskType = "position_concentration"
	RiskTypeUnrealizedLoss RiskType = "unrealized_loss"
	RiskTypeVolatility     RiskType = "price_volatility"
)

// RiskAlert is one row in the append-only alert log. Alerts are immutable
// once created.
type RiskAlert struct {
	ID             int64
	AccountID      string
	RiskType       RiskType
	CurrentValue   float64
	ThresholdValue float64
	Severity       Severity
	Message        string
	CreatedAt      time.Time
}

// AccountState is the trading state machine for one account.
//
//	Normal -> (daily loss breach) -> Paused -> (next day / explicit resume) -> Normal
//	Normal|Paused -> (drawdown breach) -> Stopped -> (operator clear only) -> Normal
//
// Stopped dominates Paused.
type AccountState string

const (
	AccountStateNormal  AccountState = "normal"
	AccountStatePaused  AccountState = "paused"
	AccountStateStopped AccountState = "stopped"
)

// Account is the control plane's view of one trading account.
type Account struct {
	ID             string
	InitialBalance float64
	Balance        float64
	State          AccountState
	PausedAt       *time.Time
	StoppedAt      *time.Time
	EmergencyStop  bool
	StopReason     string
	UpdatedAt      time.Time
}

// Position is a held balance of one symbol for an account.
type Position struct {
	AccountID     string
	Symbol        string
	Quantity      float64
	AvgEntryPrice float64
	CurrentPrice  float64
	UpdatedAt     time.Time
}

// Value returns the current quote-currency value of the position.
func (p Position) Value() float64 {
	return p.Quantity * p.CurrentPrice
}

// UnrealizedPnLPercent returns the open profit or loss of the position as a
// percentage of its entry value. Returns 0 when the entry value is zero.
func (p Position) UnrealizedPnLPercent() float64 {
	entry := p.Quantity * p.AvgEntryPrice
	if entry == 0 {
		return 0
	}
	return (p.Value() - entry) / entry * 100
}
