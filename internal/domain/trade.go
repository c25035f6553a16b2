package domain

import "time"

// OrderSide is the direction of a trade.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType selects how an order is priced at the exchange.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// TradeStatus records the terminal outcome of an execution attempt.
type TradeStatus string

const (
	TradeStatusExecuted TradeStatus = "executed"
	TradeStatusFailed   TradeStatus = "failed"
	TradeStatusBlocked  TradeStatus = "blocked"
)

// TradeSource identifies which entry point originated a trade request.
type TradeSource string

const (
	TradeSourceManual    TradeSource = "manual"
	TradeSourceAutomated TradeSource = "automated"
	TradeSourceCopyTrade TradeSource = "copy_trade"
)

// TradeRequest is a caller's intent to trade, before any gate has seen it.
type TradeRequest struct {
	AccountID string
	Exchange  string
	Symbol    string
	Side      OrderSide
	OrderType OrderType
	Amount    float64 // base-asset quantity
	Price     float64 // limit price; ignored for market orders
	Source    TradeSource
}

// Notional returns the approximate quote-currency value of the request.
func (r TradeRequest) Notional() float64 {
	return r.Amount * r.Price
}

// TradeRecord is the durable record of an execution attempt, successful or
// not. The persistence layer, not the control plane, is the system of record
// for these.
type TradeRecord struct {
	ID            string
	AccountID     string
	Exchange      string
	Symbol        string
	Side          OrderSide
	OrderType     OrderType
	Amount        float64
	RequestPrice  float64
	ExecutedPrice float64
	Fee           float64
	RealizedPnL   float64
	Status        TradeStatus
	OrderID       string
	Token         string // confirmation token that authorised this attempt
	FailReason    string
	CreatedAt     time.Time
}

// ExecutionResult is returned to the caller after a successful execute.
type ExecutionResult struct {
	TradeID       string
	OrderID       string
	FilledAmount  float64
	ExecutedPrice float64
	Fee           float64
	ExecutedAt    time.Time
}
