// Package risk implements the account-level risk threshold monitor. It
// periodically evaluates drawdown, daily loss, position concentration, and
// per-position unrealized loss against configured thresholds, emits alerts,
// and drives the account state machine (normal/paused/stopped) plus the
// emergency-stop flag.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantrail/tradeguard/internal/clock"
	"github.com/quantrail/tradeguard/internal/domain"
	"github.com/quantrail/tradeguard/internal/metrics"
)

const (
	// drawdownWarnRatio is the early-warning band below the hard limit.
	drawdownWarnRatio = 0.8
	// concentrationWarnRatio scales the max position size into the warning
	// threshold for a single holding's share of the portfolio.
	concentrationWarnRatio = 1.5
	// unrealizedLossWarnPercent flags any single holding below this open PnL.
	unrealizedLossWarnPercent = -10.0
)

// Config holds the per-account risk thresholds, all in percent.
type Config struct {
	MaxDrawdownPercent  float64
	MaxDailyLossPercent float64
	MaxPositionPercent  float64
	EvalInterval        time.Duration
}

// Notifier delivers alerts to operators. Delivery failures never roll back a
// risk decision.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Monitor evaluates account risk and owns the account state machine.
type Monitor struct {
	cfg       Config
	clk       clock.Clock
	accounts  domain.AccountStore
	positions domain.PositionStore
	trades    domain.TradeStore
	alerts    domain.AlertStore
	audit     domain.AuditStore
	bus       domain.EventBus
	notifier  Notifier
	logger    *slog.Logger
}

// New creates a Monitor with all required dependencies. The notifier, bus,
// and audit store may be nil.
func New(
	cfg Config,
	clk clock.Clock,
	accounts domain.AccountStore,
	positions domain.PositionStore,
	trades domain.TradeStore,
	alerts domain.AlertStore,
	audit domain.AuditStore,
	bus domain.EventBus,
	notifier Notifier,
	logger *slog.Logger,
) *Monitor {
	return &Monitor{
		cfg:       cfg,
		clk:       clk,
		accounts:  accounts,
		positions: positions,
		trades:    trades,
		alerts:    alerts,
		audit:     audit,
		bus:       bus,
		notifier:  notifier,
		logger:    logger.With(slog.String("component", "risk")),
	}
}

// Evaluate runs every independent risk check for one account against current
// persisted state plus today's trade history, applies any required state
// transitions, and returns the alerts it emitted.
//
// If the required reads fail, the whole pass for this account is skipped and
// ErrEvaluationSkipped is returned: assuming zero loss on a read failure is
// not a safe default.
func (m *Monitor) Evaluate(ctx context.Context, accountID string) ([]domain.RiskAlert, error) {
	now := m.clk.Now()

	acct, err := m.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("risk: load account %s: %w", accountID, err)
	}

	positions, err := m.positions.GetOpen(ctx, accountID)
	if err != nil {
		m.skip(ctx, accountID, "positions", err)
		return nil, fmt.Errorf("risk: positions for %s: %w (%w)", accountID, err, domain.ErrEvaluationSkipped)
	}

	dayStart := dayStart(now)
	dailyLoss, err := m.trades.SumRealizedLoss(ctx, accountID, dayStart)
	if err != nil {
		m.skip(ctx, accountID, "trade_history", err)
		return nil, fmt.Errorf("risk: trade history for %s: %w (%w)", accountID, err, domain.ErrEvaluationSkipped)
	}

	// A pause expires at the next local calendar day; an evaluation pass
	// never reverts a same-day pause, only the rollover or an explicit
	// resume does.
	if acct.State == domain.AccountStatePaused && acct.PausedAt != nil && acct.PausedAt.Before(dayStart) {
		if ok, err := m.accounts.SetState(ctx, accountID, domain.AccountStateNormal, domain.AccountStatePaused); err != nil {
			m.logger.ErrorContext(ctx, "pause rollover failed",
				slog.String("account_id", accountID), slog.String("error", err.Error()))
		} else if ok {
			acct.State = domain.AccountStateNormal
			m.logger.InfoContext(ctx, "pause expired at day rollover", slog.String("account_id", accountID))
		}
	}

	var alerts []domain.RiskAlert

	alerts = m.checkDrawdown(ctx, acct, now, alerts)
	alerts = m.checkDailyLoss(ctx, acct, dailyLoss, now, alerts)
	alerts = m.checkConcentration(ctx, acct, positions, now, alerts)
	alerts = m.checkUnrealized(ctx, acct, positions, now, alerts)

	out := make([]domain.RiskAlert, 0, len(alerts))
	for _, alert := range alerts {
		out = append(out, m.emit(ctx, alert))
	}
	return out, nil
}

func (m *Monitor) checkDrawdown(ctx context.Context, acct domain.Account, now time.Time, alerts []domain.RiskAlert) []domain.RiskAlert {
	if acct.InitialBalance <= 0 {
		return alerts
	}
	drawdown := (acct.InitialBalance - acct.Balance) / acct.InitialBalance * 100

	switch {
	case drawdown >= m.cfg.MaxDrawdownPercent:
		alerts = append(alerts, domain.RiskAlert{
			AccountID:      acct.ID,
			RiskType:       domain.RiskTypeDrawdown,
			CurrentValue:   drawdown,
			ThresholdValue: m.cfg.MaxDrawdownPercent,
			Severity:       domain.SeverityEmergency,
			Message:        fmt.Sprintf("drawdown %.2f%% breached limit %.2f%%", drawdown, m.cfg.MaxDrawdownPercent),
			CreatedAt:      now,
		})
		if _, err := m.MaybeEmergencyStop(ctx, acct.ID, fmt.Sprintf("drawdown %.2f%%", drawdown)); err != nil {
			m.logger.ErrorContext(ctx, "emergency stop failed",
				slog.String("account_id", acct.ID), slog.String("error", err.Error()))
		}
		// Stopped from either Normal or Paused; repeating the transition on
		// later passes is a no-op.
		if _, err := m.accounts.SetState(ctx, acct.ID, domain.AccountStateStopped,
			domain.AccountStateNormal, domain.AccountStatePaused); err != nil {
			m.logger.ErrorContext(ctx, "stop transition failed",
				slog.String("account_id", acct.ID), slog.String("error", err.Error()))
		}

	case drawdown >= drawdownWarnRatio*m.cfg.MaxDrawdownPercent:
		// Early-warning band: alert only, no action.
		alerts = append(alerts, domain.RiskAlert{
			AccountID:      acct.ID,
			RiskType:       domain.RiskTypeDrawdown,
			CurrentValue:   drawdown,
			ThresholdValue: m.cfg.MaxDrawdownPercent,
			Severity:       domain.SeverityWarning,
			Message:        fmt.Sprintf("drawdown %.2f%% approaching limit %.2f%%", drawdown, m.cfg.MaxDrawdownPercent),
			CreatedAt:      now,
		})
	}
	return alerts
}

func (m *Monitor) checkDailyLoss(ctx context.Context, acct domain.Account, dailyLoss float64, now time.Time, alerts []domain.RiskAlert) []domain.RiskAlert {
	if acct.InitialBalance <= 0 {
		return alerts
	}
	lossPercent := dailyLoss / acct.InitialBalance * 100
	if lossPercent < m.cfg.MaxDailyLossPercent {
		return alerts
	}

	alerts = append(alerts, domain.RiskAlert{
		AccountID:      acct.ID,
		RiskType:       domain.RiskTypeDailyLoss,
		CurrentValue:   lossPercent,
		ThresholdValue: m.cfg.MaxDailyLossPercent,
		Severity:       domain.SeverityCritical,
		Message:        fmt.Sprintf("daily loss %.2f%% breached limit %.2f%%", lossPercent, m.cfg.MaxDailyLossPercent),
		CreatedAt:      now,
	})

	// Pause, not stop: the account resumes at the next day rollover or by
	// explicit resume. Stopped dominates; never downgrade it.
	if acct.State == domain.AccountStateNormal {
		if ok, err := m.accounts.SetState(ctx, acct.ID, domain.AccountStatePaused, domain.AccountStateNormal); err != nil {
			m.logger.ErrorContext(ctx, "pause transition failed",
				slog.String("account_id", acct.ID), slog.String("error", err.Error()))
		} else if ok {
			m.logger.WarnContext(ctx, "account paused on daily loss",
				slog.String("account_id", acct.ID),
				slog.Float64("daily_loss_percent", lossPercent),
			)
		}
	}
	return alerts
}

func (m *Monitor) checkConcentration(ctx context.Context, acct domain.Account, positions []domain.Position, now time.Time, alerts []domain.RiskAlert) []domain.RiskAlert {
	total := acct.Balance
	for _, p := range positions {
		total += p.Value()
	}
	if total <= 0 {
		return alerts
	}

	threshold := concentrationWarnRatio * m.cfg.MaxPositionPercent
	for _, p := range positions {
		share := p.Value() / total * 100
		if share > threshold {
			// Human-in-the-loop: warning only, no automatic action.
			alerts = append(alerts, domain.RiskAlert{
				AccountID:      acct.ID,
				RiskType:       domain.RiskTypeConcentration,
				CurrentValue:   share,
				ThresholdValue: threshold,
				Severity:       domain.SeverityWarning,
				Message:        fmt.Sprintf("%s is %.2f%% of portfolio (warn above %.2f%%)", p.Symbol, share, threshold),
				CreatedAt:      now,
			})
		}
	}
	_ = ctx
	return alerts
}

func (m *Monitor) checkUnrealized(ctx context.Context, acct domain.Account, positions []domain.Position, now time.Time, alerts []domain.RiskAlert) []domain.RiskAlert {
	for _, p := range positions {
		pnl := p.UnrealizedPnLPercent()
		if pnl < unrealizedLossWarnPercent {
			alerts = append(alerts, domain.RiskAlert{
				AccountID:      acct.ID,
				RiskType:       domain.RiskTypeUnrealizedLoss,
				CurrentValue:   pnl,
				ThresholdValue: unrealizedLossWarnPercent,
				Severity:       domain.SeverityWarning,
				Message:        fmt.Sprintf("%s unrealized PnL %.2f%%", p.Symbol, pnl),
				CreatedAt:      now,
			})
		}
	}
	_ = ctx
	return alerts
}

// emit appends the alert to the durable log, updates metrics, and notifies
// operators. Sink failures are logged and never block the evaluation.
func (m *Monitor) emit(ctx context.Context, alert domain.RiskAlert) domain.RiskAlert {
	stored, err := m.alerts.Append(ctx, alert)
	if err != nil {
		m.logger.ErrorContext(ctx, "append alert failed",
			slog.String("account_id", alert.AccountID),
			slog.String("risk_type", string(alert.RiskType)),
			slog.String("error", err.Error()),
		)
		stored = alert
	}

	metrics.RiskAlerts.WithLabelValues(string(alert.RiskType), string(alert.Severity)).Inc()
	m.logger.WarnContext(ctx, "risk alert",
		slog.String("account_id", alert.AccountID),
		slog.String("risk_type", string(alert.RiskType)),
		slog.String("severity", string(alert.Severity)),
		slog.Float64("current", alert.CurrentValue),
		slog.Float64("threshold", alert.ThresholdValue),
	)

	if m.notifier != nil {
		title := fmt.Sprintf("[%s] %s alert", alert.Severity, alert.RiskType)
		if err := m.notifier.Notify(ctx, domain.EventRiskAlert, title, alert.Message); err != nil {
			m.logger.ErrorContext(ctx, "alert notification failed", slog.String("error", err.Error()))
		}
	}
	if m.bus != nil {
		_ = m.bus.Publish(ctx, domain.Event{
			Type:      domain.EventRiskAlert,
			AccountID: alert.AccountID,
			Severity:  alert.Severity,
			Detail:    map[string]string{"risk_type": string(alert.RiskType), "message": alert.Message},
			At:        alert.CreatedAt,
		})
	}
	return stored
}

// skip surfaces a skipped evaluation pass as an observability event, not as a
// risk alert.
func (m *Monitor) skip(ctx context.Context, accountID, what string, err error) {
	m.logger.ErrorContext(ctx, "evaluation pass skipped",
		slog.String("account_id", accountID),
		slog.String("missing", what),
		slog.String("error", err.Error()),
	)
}

// MaybeEmergencyStop sets the account's emergency-stop flag and reports
// whether this call performed the flip. The flag is cleared only by explicit
// operator action, never by a timer.
func (m *Monitor) MaybeEmergencyStop(ctx context.Context, accountID, reason string) (bool, error) {
	flipped, err := m.accounts.SetEmergencyStop(ctx, accountID, true, reason)
	if err != nil {
		return false, fmt.Errorf("risk: emergency stop %s: %w", accountID, err)
	}
	if !flipped {
		return false, nil
	}

	metrics.EmergencyStops.Inc()
	m.logger.ErrorContext(ctx, "emergency stop set",
		slog.String("account_id", accountID),
		slog.String("reason", reason),
	)
	if m.audit != nil {
		_ = m.audit.Log(ctx, "risk.emergency_stop", map[string]any{
			"account_id": accountID,
			"reason":     reason,
		})
	}
	if m.notifier != nil {
		if err := m.notifier.Notify(ctx, domain.EventEmergencyStop,
			"EMERGENCY STOP", fmt.Sprintf("account %s: %s", accountID, reason)); err != nil {
			m.logger.ErrorContext(ctx, "emergency stop notification failed", slog.String("error", err.Error()))
		}
	}
	if m.bus != nil {
		_ = m.bus.Publish(ctx, domain.Event{
			Type:      domain.EventEmergencyStop,
			AccountID: accountID,
			Severity:  domain.SeverityEmergency,
			Detail:    map[string]string{"reason": reason},
			At:        m.clk.Now(),
		})
	}
	return true, nil
}

// ClearEmergencyStop is the operator action that clears the flag and returns
// a stopped account to normal. It is audited.
func (m *Monitor) ClearEmergencyStop(ctx context.Context, accountID string) error {
	if _, err := m.accounts.SetEmergencyStop(ctx, accountID, false, ""); err != nil {
		return fmt.Errorf("risk: clear emergency stop %s: %w", accountID, err)
	}
	if _, err := m.accounts.SetState(ctx, accountID, domain.AccountStateNormal, domain.AccountStateStopped); err != nil {
		return fmt.Errorf("risk: clear stopped state %s: %w", accountID, err)
	}
	m.logger.InfoContext(ctx, "emergency stop cleared by operator", slog.String("account_id", accountID))
	if m.audit != nil {
		_ = m.audit.Log(ctx, "risk.clear_emergency_stop", map[string]any{"account_id": accountID})
	}
	return nil
}

// Resume is the explicit external resume for a paused account.
func (m *Monitor) Resume(ctx context.Context, accountID string) error {
	ok, err := m.accounts.SetState(ctx, accountID, domain.AccountStateNormal, domain.AccountStatePaused)
	if err != nil {
		return fmt.Errorf("risk: resume %s: %w", accountID, err)
	}
	if !ok {
		return fmt.Errorf("risk: resume %s: account not paused", accountID)
	}
	m.logger.InfoContext(ctx, "account resumed", slog.String("account_id", accountID))
	if m.audit != nil {
		_ = m.audit.Log(ctx, "risk.resume", map[string]any{"account_id": accountID})
	}
	return nil
}

// EvaluateAll runs one evaluation pass over every account. Skipped passes are
// logged, not returned; one bad account never blocks the others.
func (m *Monitor) EvaluateAll(ctx context.Context, now time.Time) {
	accounts, err := m.accounts.List(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "list accounts failed", slog.String("error", err.Error()))
		return
	}
	for _, acct := range accounts {
		if _, err := m.Evaluate(ctx, acct.ID); err != nil {
			m.logger.WarnContext(ctx, "evaluation failed",
				slog.String("account_id", acct.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	_ = now
}

// RunEventLoop subscribes to market emergency events and applies an
// account-wide emergency stop when one arrives. The breaker stays decoupled:
// it only publishes the event, and the monitor decides what to do with it.
func (m *Monitor) RunEventLoop(ctx context.Context) error {
	if m.bus == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	events, err := m.bus.Subscribe(ctx, domain.EventMarketEmergency)
	if err != nil {
		return fmt.Errorf("risk: subscribe market emergency: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.applyMarketEmergency(ctx, ev)
		}
	}
}

func (m *Monitor) applyMarketEmergency(ctx context.Context, ev domain.Event) {
	accounts, err := m.accounts.List(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "list accounts for market emergency failed",
			slog.String("error", err.Error()))
		return
	}
	reason := fmt.Sprintf("market emergency (symbol %s)", ev.Symbol)
	for _, acct := range accounts {
		if _, err := m.MaybeEmergencyStop(ctx, acct.ID, reason); err != nil {
			m.logger.ErrorContext(ctx, "market emergency stop failed",
				slog.String("account_id", acct.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// dayStart returns local midnight for the instant's location.
func dayStart(now time.Time) time.Time {
	y, mo, d := now.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, now.Location())
}
