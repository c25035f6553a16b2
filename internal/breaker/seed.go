package breaker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/quantrail/tradeguard/internal/domain"
)

// Seed reloads recent price history for the given symbols from the shared
// tick cache after a process restart. Seeding is conservative: it only
// refills reference windows and never restores a halted state, since the
// tick stream itself will re-trip the breaker if the volatility persists.
func (m *Monitor) Seed(ctx context.Context, ticks domain.TickCache, symbols []string) error {
	if ticks == nil {
		return nil
	}
	since := m.clk.Now().Add(-2 * m.cfg.TimeWindow)

	for _, symbol := range symbols {
		points, err := ticks.Recent(ctx, symbol, since)
		if err != nil {
			return fmt.Errorf("breaker: seed %s: %w", symbol, err)
		}
		if len(points) == 0 {
			continue
		}

		st := m.state(symbol)
		st.mu.Lock()
		st.points = append(points, st.points...)
		m.prune(st, m.clk.Now())
		st.mu.Unlock()

		m.logger.InfoContext(ctx, "seeded price history",
			slog.String("symbol", symbol),
			slog.Int("points", len(points)),
		)
	}
	return nil
}
