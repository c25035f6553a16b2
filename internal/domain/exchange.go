package domain

import (
	"context"
	"time"
)

// OrderRequest is what the control plane hands the exchange connector.
type OrderRequest struct {
	Symbol    string
	Side      OrderSide
	OrderType OrderType
	Amount    float64
	Price     float64
}

// OrderFill is the connector's report of a submitted order.
type OrderFill struct {
	OrderID       string
	FilledAmount  float64
	ExecutedPrice float64
	Fee           float64
	ExecutedAt    time.Time
}

// ExchangeConnector is the opaque external venue. It may be rate-limited on
// its own side; the ExchangeRateLimiter exists to stay under that limit.
type ExchangeConnector interface {
	Name() string
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderFill, error)
	KnownSymbol(symbol string) bool
}
