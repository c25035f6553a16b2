package breaker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrail/tradeguard/internal/clock"
	"github.com/quantrail/tradeguard/internal/domain"
)

type captureBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *captureBus) Publish(_ context.Context, ev domain.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *captureBus) Subscribe(context.Context, ...string) (<-chan domain.Event, error) {
	return nil, nil
}

func (b *captureBus) ofType(t string) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Event
	for _, ev := range b.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMonitor(t *testing.T, cfg Config) (*Monitor, *clock.Fake, *captureBus) {
	t.Helper()
	fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	bus := &captureBus{}
	return New(cfg, fake, bus, nil, testLogger()), fake, bus
}

func defaultConfig() Config {
	return Config{
		ThresholdPercent: 20,
		TimeWindow:       15 * time.Minute,
		CooldownPeriod:   30 * time.Minute,
	}
}

func TestSingleTickNeverTrips(t *testing.T) {
	t.Parallel()
	m, _, bus := newTestMonitor(t, defaultConfig())
	ctx := context.Background()

	m.IngestTick(ctx, "BTC-USD", 50000)

	assert.False(t, m.IsHalted("BTC-USD"))
	assert.Empty(t, bus.ofType(domain.EventBreakerTripped))
}

func TestTripOnThresholdBreach(t *testing.T) {
	t.Parallel()
	m, fake, bus := newTestMonitor(t, defaultConfig())
	ctx := context.Background()

	m.IngestTick(ctx, "BTC-USD", 50000)
	fake.Advance(5 * time.Minute)
	// 21% drop inside the window.
	m.IngestTick(ctx, "BTC-USD", 39500)

	require.True(t, m.IsHalted("BTC-USD"))
	st := m.Status("BTC-USD")
	assert.Equal(t, domain.SeverityWarning, st.Severity)
	assert.InDelta(t, 21.0, st.ChangePercent, 0.01)
	assert.Equal(t, fake.Now().Add(30*time.Minute), st.CooldownUntil)

	tripped := bus.ofType(domain.EventBreakerTripped)
	require.Len(t, tripped, 1)
	assert.Equal(t, "BTC-USD", tripped[0].Symbol)
}

func TestUpwardSpikeAlsoTrips(t *testing.T) {
	t.Parallel()
	m, fake, _ := newTestMonitor(t, defaultConfig())
	ctx := context.Background()

	m.IngestTick(ctx, "BTC-USD", 50000)
	fake.Advance(5 * time.Minute)
	// 30% rise is as abnormal as a 30% drop.
	m.IngestTick(ctx, "BTC-USD", 65000)

	require.True(t, m.IsHalted("BTC-USD"))
	assert.Equal(t, domain.SeverityCritical, m.Status("BTC-USD").Severity)
}

func TestNoTripBelowThreshold(t *testing.T) {
	t.Parallel()
	m, fake, _ := newTestMonitor(t, defaultConfig())
	ctx := context.Background()

	m.IngestTick(ctx, "BTC-USD", 50000)
	fake.Advance(5 * time.Minute)
	m.IngestTick(ctx, "BTC-USD", 45500) // 9% move

	assert.False(t, m.IsHalted("BTC-USD"))
}

func TestZeroReferencePriceIsIgnored(t *testing.T) {
	t.Parallel()
	m, fake, _ := newTestMonitor(t, defaultConfig())
	ctx := context.Background()

	m.IngestTick(ctx, "BAD-USD", 0)
	fake.Advance(time.Minute)
	m.IngestTick(ctx, "BAD-USD", 100)

	assert.False(t, m.IsHalted("BAD-USD"))
}

func TestReferenceTakenFromBeyondWindowEdge(t *testing.T) {
	t.Parallel()
	m, fake, _ := newTestMonitor(t, defaultConfig())
	ctx := context.Background()

	m.IngestTick(ctx, "BTC-USD", 50000)
	fake.Advance(16 * time.Minute)
	m.IngestTick(ctx, "BTC-USD", 49900)
	fake.Advance(time.Minute)
	// The first tick sits just beyond the window edge but inside the
	// 2x-window retention, so it is the reference: 21% below it trips.
	m.IngestTick(ctx, "BTC-USD", 39500)

	assert.True(t, m.IsHalted("BTC-USD"))
}

func TestSeverityClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		price float64
		want  domain.Severity
	}{
		{"warning", 75, domain.SeverityWarning},    // 25%
		{"critical", 65, domain.SeverityCritical},  // 35%
		{"emergency", 40, domain.SeverityEmergency}, // 60%
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, fake, _ := newTestMonitor(t, defaultConfig())
			ctx := context.Background()

			m.IngestTick(ctx, "X-USD", 100)
			fake.Advance(time.Minute)
			m.IngestTick(ctx, "X-USD", tt.price)

			assert.Equal(t, tt.want, m.Status("X-USD").Severity)
		})
	}
}

func TestRetriggerExtendsCooldown(t *testing.T) {
	t.Parallel()
	m, fake, _ := newTestMonitor(t, defaultConfig())
	ctx := context.Background()

	m.IngestTick(ctx, "BTC-USD", 100)
	fake.Advance(time.Minute)
	m.IngestTick(ctx, "BTC-USD", 70)
	first := m.Status("BTC-USD").CooldownUntil

	fake.Advance(10 * time.Minute)
	m.IngestTick(ctx, "BTC-USD", 55)
	second := m.Status("BTC-USD").CooldownUntil

	assert.True(t, second.After(first))
}

func TestSweepResumesAfterCooldown(t *testing.T) {
	t.Parallel()
	m, fake, bus := newTestMonitor(t, defaultConfig())
	ctx := context.Background()

	m.IngestTick(ctx, "BTC-USD", 100)
	fake.Advance(time.Minute)
	m.IngestTick(ctx, "BTC-USD", 70)
	require.True(t, m.IsHalted("BTC-USD"))

	// Before cooldown expiry the sweep is a no-op.
	fake.Advance(10 * time.Minute)
	m.Sweep(ctx, fake.Now())
	assert.True(t, m.IsHalted("BTC-USD"))

	fake.Advance(25 * time.Minute)
	m.Sweep(ctx, fake.Now())
	assert.False(t, m.IsHalted("BTC-USD"))

	resumed := bus.ofType(domain.EventBreakerResumed)
	require.Len(t, resumed, 1)
	assert.Equal(t, "auto", resumed[0].Detail["mode"])
}

func TestForceResumeSymbol(t *testing.T) {
	t.Parallel()
	m, fake, bus := newTestMonitor(t, defaultConfig())
	ctx := context.Background()

	m.IngestTick(ctx, "BTC-USD", 100)
	fake.Advance(time.Minute)
	m.IngestTick(ctx, "BTC-USD", 70)
	require.True(t, m.IsHalted("BTC-USD"))

	m.ForceResume(ctx, "BTC-USD")

	assert.False(t, m.IsHalted("BTC-USD"))
	assert.True(t, m.Status("BTC-USD").CooldownUntil.IsZero())
	resumed := bus.ofType(domain.EventBreakerResumed)
	require.Len(t, resumed, 1)
	assert.Equal(t, "manual", resumed[0].Detail["mode"])
}

func TestMarketWidePropagation(t *testing.T) {
	t.Parallel()
	cfg := defaultConfig()
	cfg.PropagateMarketWide = true
	m, fake, bus := newTestMonitor(t, cfg)
	ctx := context.Background()

	m.IngestTick(ctx, "BTC-USD", 100)
	fake.Advance(time.Minute)
	m.IngestTick(ctx, "BTC-USD", 40) // 60%: emergency

	require.True(t, m.IsMarketHalted())
	assert.Equal(t, "BTC-USD", m.MarketStatus().SourceSymbol)
	require.Len(t, bus.ofType(domain.EventMarketEmergency), 1)

	// An unrelated symbol is unaffected until the market halt is consulted by
	// callers; the per-symbol breaker stays clean.
	assert.False(t, m.IsHalted("ETH-USD"))

	// Empty-symbol force resume clears market and symbol breakers.
	m.ForceResume(ctx, "")
	assert.False(t, m.IsMarketHalted())
	assert.False(t, m.IsHalted("BTC-USD"))
}

func TestNoMarketPropagationWhenDisabled(t *testing.T) {
	t.Parallel()
	m, fake, bus := newTestMonitor(t, defaultConfig())
	ctx := context.Background()

	m.IngestTick(ctx, "BTC-USD", 100)
	fake.Advance(time.Minute)
	m.IngestTick(ctx, "BTC-USD", 40)

	assert.False(t, m.IsMarketHalted())
	assert.Empty(t, bus.ofType(domain.EventMarketEmergency))
}

func TestPruneCapsRing(t *testing.T) {
	t.Parallel()
	cfg := defaultConfig()
	cfg.MaxPointsPerSymbol = 8
	m, fake, _ := newTestMonitor(t, cfg)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		m.IngestTick(ctx, "BTC-USD", 100)
		fake.Advance(time.Second)
	}

	st := m.state("BTC-USD")
	st.mu.Lock()
	n := len(st.points)
	st.mu.Unlock()
	assert.LessOrEqual(t, n, 8)
}

func TestStatusesCoversAllSymbols(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestMonitor(t, defaultConfig())
	ctx := context.Background()

	m.IngestTick(ctx, "BTC-USD", 100)
	m.IngestTick(ctx, "ETH-USD", 100)

	statuses := m.Statuses()
	assert.Len(t, statuses, 2)
}
