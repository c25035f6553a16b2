// Package breaker implements the price-volatility circuit breaker. It ingests
// a continuous tick stream per symbol, detects excessive movement inside a
// rolling window, halts trading for the symbol (or the whole market on an
// emergency-grade move), and auto-resumes after a cooldown swept by the
// scheduler.
package breaker

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/quantrail/tradeguard/internal/clock"
	"github.com/quantrail/tradeguard/internal/domain"
	"github.com/quantrail/tradeguard/internal/metrics"
)

// Severity bands by magnitude of the price move.
const (
	emergencyChangePercent = 50.0
	criticalChangePercent  = 30.0
)

// defaultMaxPoints caps the per-symbol ring so a tick flood cannot grow it
// without bound inside the 2x window margin.
const defaultMaxPoints = 512

// Config holds the tunable parameters for the volatility monitor.
type Config struct {
	// ThresholdPercent is the minimum absolute price change, in percent of
	// the reference price, that trips the breaker.
	ThresholdPercent float64
	// TimeWindow is how far back the reference price is taken from.
	TimeWindow time.Duration
	// CooldownPeriod is how long a tripped breaker stays halted.
	CooldownPeriod time.Duration
	// SweepInterval is how often expired cooldowns are cleared.
	SweepInterval time.Duration
	// PropagateMarketWide escalates an emergency-grade symbol breach to a
	// market-wide halt and publishes a market emergency event.
	PropagateMarketWide bool
	// MaxPointsPerSymbol caps the in-memory ring. Zero means the default.
	MaxPointsPerSymbol int
}

type symbolState struct {
	mu            sync.Mutex
	points        []domain.PricePoint
	triggered     bool
	severity      domain.Severity
	changePercent float64
	cooldownUntil time.Time
	triggeredAt   time.Time
}

type marketState struct {
	mu            sync.Mutex
	triggered     bool
	sourceSymbol  string
	cooldownUntil time.Time
	triggeredAt   time.Time
}

// Monitor is the per-symbol circuit breaker. Symbol states are partitioned:
// the outer map is guarded by a read-write mutex for lookup only, and every
// mutation of one symbol's state happens under that state's own mutex, so
// unrelated symbols never contend.
type Monitor struct {
	cfg    Config
	clk    clock.Clock
	bus    domain.EventBus
	audit  domain.AuditStore
	logger *slog.Logger

	mu      sync.RWMutex
	symbols map[string]*symbolState
	market  marketState
}

// New creates a Monitor. The audit store may be nil (audit entries are then
// skipped); the bus may be nil in tests.
func New(cfg Config, clk clock.Clock, bus domain.EventBus, audit domain.AuditStore, logger *slog.Logger) *Monitor {
	if cfg.MaxPointsPerSymbol <= 0 {
		cfg.MaxPointsPerSymbol = defaultMaxPoints
	}
	return &Monitor{
		cfg:     cfg,
		clk:     clk,
		bus:     bus,
		audit:   audit,
		logger:  logger.With(slog.String("component", "breaker")),
		symbols: make(map[string]*symbolState),
	}
}

func (m *Monitor) state(symbol string) *symbolState {
	m.mu.RLock()
	st, ok := m.symbols[symbol]
	m.mu.RUnlock()
	if ok {
		return st
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok = m.symbols[symbol]; ok {
		return st
	}
	st = &symbolState{}
	m.symbols[symbol] = st
	return st
}

// IngestTick records a price observation for the symbol and evaluates the
// rolling-window change against the threshold. A first tick has no reference
// and can never breach.
func (m *Monitor) IngestTick(ctx context.Context, symbol string, price float64) {
	now := m.clk.Now()
	st := m.state(symbol)

	st.mu.Lock()

	st.points = append(st.points, domain.PricePoint{Symbol: symbol, Price: price, Timestamp: now})
	m.prune(st, now)

	ref, ok := m.referencePrice(st, now)
	if !ok || ref == 0 {
		// No usable reference yet (first tick, or a zero price that would
		// divide by zero): record only.
		st.mu.Unlock()
		return
	}

	changePercent := math.Abs(price-ref) / ref * 100
	if changePercent < m.cfg.ThresholdPercent {
		st.mu.Unlock()
		return
	}

	severity := classify(changePercent)
	st.triggered = true
	st.severity = severity
	st.changePercent = changePercent
	st.triggeredAt = now
	// A re-trigger extends the cooldown, never shortens it.
	if until := now.Add(m.cfg.CooldownPeriod); until.After(st.cooldownUntil) {
		st.cooldownUntil = until
	}
	until := st.cooldownUntil
	st.mu.Unlock()

	m.logger.WarnContext(ctx, "volatility breach, symbol halted",
		slog.String("symbol", symbol),
		slog.Float64("change_percent", changePercent),
		slog.Float64("threshold", m.cfg.ThresholdPercent),
		slog.String("severity", string(severity)),
		slog.Time("cooldown_until", until),
	)
	metrics.BreakerTrips.WithLabelValues(symbol, string(severity)).Inc()
	m.publish(ctx, domain.Event{
		Type:     domain.EventBreakerTripped,
		Symbol:   symbol,
		Severity: severity,
		Detail: map[string]string{
			"change_percent": formatPercent(changePercent),
			"cooldown_until": until.UTC().Format(time.RFC3339),
		},
		At: now,
	})

	if severity == domain.SeverityEmergency && m.cfg.PropagateMarketWide {
		m.tripMarket(ctx, symbol, now)
	}
}

// referencePrice locates the oldest point at or beyond the time window
// (falling back to the oldest available point while the window is filling).
// The caller must hold st.mu. The second return is false when the only point
// is the one just appended.
func (m *Monitor) referencePrice(st *symbolState, now time.Time) (float64, bool) {
	if len(st.points) < 2 {
		return 0, false
	}
	edge := now.Add(-m.cfg.TimeWindow)
	for _, p := range st.points[:len(st.points)-1] {
		if !p.Timestamp.After(edge) {
			return p.Price, true
		}
	}
	return st.points[0].Price, true
}

// prune drops points older than twice the window (margin so the reference
// point is never missing) and enforces the ring cap. Caller holds st.mu.
func (m *Monitor) prune(st *symbolState, now time.Time) {
	cutoff := now.Add(-2 * m.cfg.TimeWindow)
	i := 0
	for i < len(st.points) && st.points[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		st.points = st.points[i:]
	}
	if n := len(st.points); n > m.cfg.MaxPointsPerSymbol {
		st.points = st.points[n-m.cfg.MaxPointsPerSymbol:]
	}
}

func (m *Monitor) tripMarket(ctx context.Context, symbol string, now time.Time) {
	m.market.mu.Lock()
	m.market.triggered = true
	m.market.sourceSymbol = symbol
	m.market.triggeredAt = now
	if until := now.Add(m.cfg.CooldownPeriod); until.After(m.market.cooldownUntil) {
		m.market.cooldownUntil = until
	}
	until := m.market.cooldownUntil
	m.market.mu.Unlock()

	m.logger.ErrorContext(ctx, "market-wide halt",
		slog.String("source_symbol", symbol),
		slog.Time("cooldown_until", until),
	)
	m.publish(ctx, domain.Event{
		Type:     domain.EventMarketEmergency,
		Symbol:   symbol,
		Severity: domain.SeverityEmergency,
		Detail:   map[string]string{"cooldown_until": until.UTC().Format(time.RFC3339)},
		At:       now,
	})
}

// IsHalted reports whether the symbol's breaker is currently tripped. The
// flag is cleared by the sweep or by ForceResume, never recomputed here, so a
// fresh breach is never silently dropped between sweeps.
func (m *Monitor) IsHalted(symbol string) bool {
	m.mu.RLock()
	st, ok := m.symbols[symbol]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.triggered
}

// IsMarketHalted reports whether the market-wide breaker is tripped.
func (m *Monitor) IsMarketHalted() bool {
	m.market.mu.Lock()
	defer m.market.mu.Unlock()
	return m.market.triggered
}

// Sweep clears every tripped breaker whose cooldown has passed. It runs on a
// fixed scheduler interval independent of tick arrival, which guarantees a
// symbol resumes even if it never ticks again.
func (m *Monitor) Sweep(ctx context.Context, now time.Time) {
	m.mu.RLock()
	symbols := make(map[string]*symbolState, len(m.symbols))
	for sym, st := range m.symbols {
		symbols[sym] = st
	}
	m.mu.RUnlock()

	for sym, st := range symbols {
		st.mu.Lock()
		resume := st.triggered && !st.cooldownUntil.After(now)
		if resume {
			st.triggered = false
			st.severity = ""
			st.changePercent = 0
		}
		st.mu.Unlock()

		if resume {
			m.resumed(ctx, sym, now, "auto")
		}
	}

	m.market.mu.Lock()
	marketResume := m.market.triggered && !m.market.cooldownUntil.After(now)
	if marketResume {
		m.market.triggered = false
		m.market.sourceSymbol = ""
	}
	m.market.mu.Unlock()

	if marketResume {
		m.resumed(ctx, "", now, "auto")
	}
}

// ForceResume is the operator override. It clears the named symbol's breaker,
// or, with an empty symbol, the market breaker and every symbol breaker. It
// bypasses cooldown timers and is audited separately from automatic resumes.
func (m *Monitor) ForceResume(ctx context.Context, symbol string) {
	now := m.clk.Now()

	if symbol != "" {
		st := m.state(symbol)
		st.mu.Lock()
		was := st.triggered
		st.triggered = false
		st.severity = ""
		st.changePercent = 0
		st.cooldownUntil = time.Time{}
		st.mu.Unlock()
		if was {
			m.resumed(ctx, symbol, now, "manual")
		}
		return
	}

	m.mu.RLock()
	symbols := make(map[string]*symbolState, len(m.symbols))
	for sym, st := range m.symbols {
		symbols[sym] = st
	}
	m.mu.RUnlock()

	for sym, st := range symbols {
		st.mu.Lock()
		was := st.triggered
		st.triggered = false
		st.severity = ""
		st.changePercent = 0
		st.cooldownUntil = time.Time{}
		st.mu.Unlock()
		if was {
			m.resumed(ctx, sym, now, "manual")
		}
	}

	m.market.mu.Lock()
	was := m.market.triggered
	m.market.triggered = false
	m.market.sourceSymbol = ""
	m.market.cooldownUntil = time.Time{}
	m.market.mu.Unlock()
	if was {
		m.resumed(ctx, "", now, "manual")
	}
}

// resumed logs, counts, audits, and publishes one resumption. Manual resumes
// are a distinct event class from automatic cooldown expiry.
func (m *Monitor) resumed(ctx context.Context, symbol string, now time.Time, mode string) {
	scope := "symbol"
	if symbol == "" {
		scope = "market"
	}
	m.logger.InfoContext(ctx, "breaker resumed",
		slog.String("scope", scope),
		slog.String("symbol", symbol),
		slog.String("mode", mode),
	)
	metrics.BreakerResumes.WithLabelValues(mode).Inc()

	if mode == "manual" && m.audit != nil {
		_ = m.audit.Log(ctx, "breaker.force_resume", map[string]any{
			"scope":  scope,
			"symbol": symbol,
		})
	}

	m.publish(ctx, domain.Event{
		Type:   domain.EventBreakerResumed,
		Symbol: symbol,
		Detail: map[string]string{"scope": scope, "mode": mode},
		At:     now,
	})
}

// Status returns a snapshot of one symbol's breaker.
func (m *Monitor) Status(symbol string) domain.BreakerStatus {
	m.mu.RLock()
	st, ok := m.symbols[symbol]
	m.mu.RUnlock()
	if !ok {
		return domain.BreakerStatus{Symbol: symbol}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return domain.BreakerStatus{
		Symbol:        symbol,
		Triggered:     st.triggered,
		Severity:      st.severity,
		ChangePercent: st.changePercent,
		CooldownUntil: st.cooldownUntil,
		TriggeredAt:   st.triggeredAt,
	}
}

// MarketStatus returns a snapshot of the market-wide breaker.
func (m *Monitor) MarketStatus() domain.MarketBreakerStatus {
	m.market.mu.Lock()
	defer m.market.mu.Unlock()
	return domain.MarketBreakerStatus{
		Triggered:     m.market.triggered,
		SourceSymbol:  m.market.sourceSymbol,
		CooldownUntil: m.market.cooldownUntil,
		TriggeredAt:   m.market.triggeredAt,
	}
}

// Statuses returns snapshots for every symbol seen so far.
func (m *Monitor) Statuses() []domain.BreakerStatus {
	m.mu.RLock()
	symbols := make([]string, 0, len(m.symbols))
	for sym := range m.symbols {
		symbols = append(symbols, sym)
	}
	m.mu.RUnlock()

	out := make([]domain.BreakerStatus, 0, len(symbols))
	for _, sym := range symbols {
		out = append(out, m.Status(sym))
	}
	return out
}

func (m *Monitor) publish(ctx context.Context, ev domain.Event) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, ev); err != nil {
		m.logger.ErrorContext(ctx, "publish event failed",
			slog.String("type", ev.Type),
			slog.String("error", err.Error()),
		)
	}
}

func classify(changePercent float64) domain.Severity {
	switch {
	case changePercent >= emergencyChangePercent:
		return domain.SeverityEmergency
	case changePercent >= criticalChangePercent:
		return domain.SeverityCritical
	default:
		return domain.SeverityWarning
	}
}

func formatPercent(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}
