// Package exchange provides exchange connector implementations. The control
// plane treats the venue as an opaque service behind
// domain.ExchangeConnector; the paper connector simulates fills so the whole
// pipeline runs end-to-end without a live venue.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/google/uuid"

	"github.com/quantrail/tradeguard/internal/clock"
	"github.com/quantrail/tradeguard/internal/domain"
)

// PaperConfig tunes the simulated venue.
type PaperConfig struct {
	Name        string
	FeeRate     float64 // fraction of notional, e.g. 0.001
	SlippageBps float64 // max random slippage applied to market orders
	Symbols     []string
}

// Paper is a simulated exchange connector. Market orders fill at the last
// seen price plus random slippage; limit orders fill at the limit price.
type Paper struct {
	cfg    PaperConfig
	clk    clock.Clock
	logger *slog.Logger

	mu         sync.RWMutex
	lastPrices map[string]float64
	symbols    map[string]bool
}

// NewPaper creates a paper connector that knows the configured symbols.
func NewPaper(cfg PaperConfig, clk clock.Clock, logger *slog.Logger) *Paper {
	if cfg.Name == "" {
		cfg.Name = "paper"
	}
	symbols := make(map[string]bool, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbols[s] = true
	}
	return &Paper{
		cfg:        cfg,
		clk:        clk,
		logger:     logger.With(slog.String("component", "exchange_paper")),
		lastPrices: make(map[string]float64),
		symbols:    symbols,
	}
}

// Name returns the connector identifier.
func (p *Paper) Name() string { return p.cfg.Name }

// KnownSymbol reports whether the venue trades the symbol.
func (p *Paper) KnownSymbol(symbol string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.symbols[symbol]
}

// UpdatePrice feeds the simulator the latest market price for a symbol. The
// tick feed calls this alongside the breaker.
func (p *Paper) UpdatePrice(symbol string, price float64) {
	p.mu.Lock()
	p.lastPrices[symbol] = price
	p.mu.Unlock()
}

// SubmitOrder simulates a fill.
func (p *Paper) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderFill, error) {
	if !p.KnownSymbol(req.Symbol) {
		return domain.OrderFill{}, fmt.Errorf("paper: unknown symbol %s: %w", req.Symbol, domain.ErrInvalidTrade)
	}

	price := req.Price
	if req.OrderType == domain.OrderTypeMarket {
		p.mu.RLock()
		last, ok := p.lastPrices[req.Symbol]
		p.mu.RUnlock()
		if !ok {
			return domain.OrderFill{}, fmt.Errorf("paper: no market price for %s", req.Symbol)
		}
		// Symmetric random slippage inside the configured band.
		slip := (rand.Float64()*2 - 1) * p.cfg.SlippageBps / 10_000
		price = last * (1 + slip)
	}
	if price <= 0 {
		return domain.OrderFill{}, fmt.Errorf("paper: non-positive fill price for %s", req.Symbol)
	}

	fill := domain.OrderFill{
		OrderID:       uuid.New().String(),
		FilledAmount:  req.Amount,
		ExecutedPrice: price,
		Fee:           req.Amount * price * p.cfg.FeeRate,
		ExecutedAt:    p.clk.Now(),
	}

	p.logger.InfoContext(ctx, "paper fill",
		slog.String("order_id", fill.OrderID),
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.Side)),
		slog.Float64("amount", fill.FilledAmount),
		slog.Float64("price", fill.ExecutedPrice),
	)
	return fill, nil
}

var _ domain.ExchangeConnector = (*Paper)(nil)
