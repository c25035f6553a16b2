package feed

import (
	"context"
	"log/slog"

	"github.com/quantrail/tradeguard/internal/domain"
)

// PriceSink receives the latest price for a symbol. The paper exchange
// connector implements this to fill market orders at live prices.
type PriceSink interface {
	UpdatePrice(symbol string, price float64)
}

// VolatilityIngester receives each tick for breach evaluation.
type VolatilityIngester interface {
	IngestTick(ctx context.Context, symbol string, price float64)
}

// Ingestor fans each tick out to the volatility monitor, the shared tick
// cache, and the exchange price sink.
type Ingestor struct {
	breaker VolatilityIngester
	ticks   domain.TickCache
	sink    PriceSink
	logger  *slog.Logger
}

// NewIngestor creates an Ingestor. The tick cache and sink may be nil.
func NewIngestor(breaker VolatilityIngester, ticks domain.TickCache, sink PriceSink, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		breaker: breaker,
		ticks:   ticks,
		sink:    sink,
		logger:  logger.With(slog.String("component", "tick_ingestor")),
	}
}

// Handle processes one tick. The breaker sees the tick first so a breach
// halts the symbol before the price becomes fillable.
func (in *Ingestor) Handle(ctx context.Context, tick domain.PricePoint) {
	in.breaker.IngestTick(ctx, tick.Symbol, tick.Price)

	if in.sink != nil {
		in.sink.UpdatePrice(tick.Symbol, tick.Price)
	}

	if in.ticks != nil {
		if err := in.ticks.Record(ctx, tick); err != nil {
			in.logger.DebugContext(ctx, "tick cache record failed",
				slog.String("symbol", tick.Symbol),
				slog.String("error", err.Error()))
		}
	}
}
