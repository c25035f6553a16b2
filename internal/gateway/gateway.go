// Package gateway implements the trade validation and confirmation gateway:
// a two-phase commit between a caller's trade intent and the external
// exchange. Validate composes every safety gate, CreateConfirmation mints a
// short-lived durable token, and Execute consumes the token exactly once
// before calling the exchange connector and recording the outcome.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quantrail/tradeguard/internal/clock"
	"github.com/quantrail/tradeguard/internal/domain"
	"github.com/quantrail/tradeguard/internal/metrics"
)

// Gate names reported on blocked validations. The recovery action differs per
// cause, so a blocked trade always names the gate that blocked it.
const (
	GateEmergencyStop = "emergency_stop"
	GateAccountState  = "account_state"
	GateSymbolHalt    = "symbol_halt"
	GateMarketHalt    = "market_halt"
	GateRateLimit     = "rate_limit"
	GateDomain        = "domain"
)

// Config holds the gateway tunables.
type Config struct {
	// ConfirmationTTL is the fixed, non-renewable lifetime of a confirmation
	// token. An expired intent must be re-validated fresh.
	ConfirmationTTL time.Duration
	// ExecuteEndpoint is the rate-limit endpoint name charged for an order
	// submission.
	ExecuteEndpoint string
}

// HaltChecker is the synchronous view of the volatility breaker.
type HaltChecker interface {
	IsHalted(symbol string) bool
	IsMarketHalted() bool
}

// QuotaChecker is the slice of the rate limiter the gateway uses: Peek during
// validate, Check (recording) during execute.
type QuotaChecker interface {
	Peek(ctx context.Context, exchange, endpoint, actor string, weight int) domain.RateLimitDecision
	Check(ctx context.Context, exchange, endpoint, actor string, weight int) domain.RateLimitDecision
}

// Decision is the result of a validation. When Valid is false, Gate names the
// blocking gate and Err carries the matching sentinel error.
type Decision struct {
	Valid   bool
	Gate    string
	Reason  string
	ResetAt time.Time // for rate-limit blocks
	Err     error
}

// Gateway ties the breaker, limiter, and risk state together in front of the
// exchange connector.
type Gateway struct {
	cfg           Config
	clk           clock.Clock
	breaker       HaltChecker
	limiter       QuotaChecker
	accounts      domain.AccountStore
	confirmations domain.ConfirmationStore
	trades        domain.TradeStore
	exchange      domain.ExchangeConnector
	bus           domain.EventBus
	logger        *slog.Logger
}

// New creates a Gateway with all required collaborators. The bus may be nil.
func New(
	cfg Config,
	clk clock.Clock,
	breaker HaltChecker,
	limiter QuotaChecker,
	accounts domain.AccountStore,
	confirmations domain.ConfirmationStore,
	trades domain.TradeStore,
	exchange domain.ExchangeConnector,
	bus domain.EventBus,
	logger *slog.Logger,
) *Gateway {
	if cfg.ConfirmationTTL <= 0 {
		cfg.ConfirmationTTL = 30 * time.Second
	}
	if cfg.ExecuteEndpoint == "" {
		cfg.ExecuteEndpoint = "order"
	}
	return &Gateway{
		cfg:           cfg,
		clk:           clk,
		breaker:       breaker,
		limiter:       limiter,
		accounts:      accounts,
		confirmations: confirmations,
		trades:        trades,
		exchange:      exchange,
		bus:           bus,
		logger:        logger.With(slog.String("component", "gateway")),
	}
}

// Validate runs every gate against the request. Gate order matters for
// operator diagnostics: safety gates come before the rate limiter so a trade
// blocked for safety is never misreported as rate limited. The rate-limit
// gate peeks without recording; Execute performs the recording check.
func (g *Gateway) Validate(ctx context.Context, req domain.TradeRequest) (Decision, error) {
	acct, err := g.accounts.GetByID(ctx, req.AccountID)
	if err != nil {
		return Decision{}, fmt.Errorf("gateway: load account %s: %w", req.AccountID, err)
	}

	if dec := g.safetyGates(acct, req); !dec.Valid {
		return dec, nil
	}

	if dec := g.rateGate(ctx, req, false); !dec.Valid {
		return dec, nil
	}

	if dec := g.domainGates(acct, req); !dec.Valid {
		return dec, nil
	}

	return Decision{Valid: true}, nil
}

// safetyGates checks the emergency stop, account state, and halts, in that
// order.
func (g *Gateway) safetyGates(acct domain.Account, req domain.TradeRequest) Decision {
	if acct.EmergencyStop {
		return Decision{
			Gate:   GateEmergencyStop,
			Reason: "emergency stop active for account",
			Err:    domain.ErrEmergencyStop,
		}
	}
	switch acct.State {
	case domain.AccountStateStopped:
		return Decision{
			Gate:   GateAccountState,
			Reason: "account is stopped; operator clear required",
			Err:    domain.ErrAccountStopped,
		}
	case domain.AccountStatePaused:
		return Decision{
			Gate:   GateAccountState,
			Reason: "account is paused until next day or explicit resume",
			Err:    domain.ErrAccountPaused,
		}
	}
	if g.breaker.IsHalted(req.Symbol) {
		return Decision{
			Gate:   GateSymbolHalt,
			Reason: fmt.Sprintf("trading halted for %s by volatility breaker", req.Symbol),
			Err:    domain.ErrSymbolHalted,
		}
	}
	if g.breaker.IsMarketHalted() {
		return Decision{
			Gate:   GateMarketHalt,
			Reason: "market-wide trading halt active",
			Err:    domain.ErrMarketHalted,
		}
	}
	return Decision{Valid: true}
}

func (g *Gateway) rateGate(ctx context.Context, req domain.TradeRequest, record bool) Decision {
	var dec domain.RateLimitDecision
	if record {
		dec = g.limiter.Check(ctx, req.Exchange, g.cfg.ExecuteEndpoint, req.AccountID, 1)
	} else {
		dec = g.limiter.Peek(ctx, req.Exchange, g.cfg.ExecuteEndpoint, req.AccountID, 1)
	}
	if dec.Allowed {
		return Decision{Valid: true}
	}
	return Decision{
		Gate:    GateRateLimit,
		Reason:  fmt.Sprintf("rate limited (%s); retry after %s", dec.Reason, dec.ResetAt.UTC().Format(time.RFC3339)),
		ResetAt: dec.ResetAt,
		Err:     domain.ErrRateLimited,
	}
}

// domainGates runs the basic request checks: positive amount, known symbol,
// sufficient balance.
func (g *Gateway) domainGates(acct domain.Account, req domain.TradeRequest) Decision {
	if req.Amount <= 0 {
		return Decision{Gate: GateDomain, Reason: "amount must be positive", Err: domain.ErrInvalidTrade}
	}
	if !g.exchange.KnownSymbol(req.Symbol) {
		return Decision{
			Gate:   GateDomain,
			Reason: fmt.Sprintf("unknown symbol %s", req.Symbol),
			Err:    domain.ErrInvalidTrade,
		}
	}
	if req.Side == domain.OrderSideBuy && req.Notional() > acct.Balance {
		return Decision{
			Gate:   GateDomain,
			Reason: fmt.Sprintf("insufficient balance: need %.2f, have %.2f", req.Notional(), acct.Balance),
			Err:    domain.ErrInvalidTrade,
		}
	}
	return Decision{Valid: true}
}

// CreateConfirmation validates the request and, if allowed, mints a durable
// single-use token with a fixed short TTL. The token is the only state shared
// between the ask and do halves of the commit, and it lives in the
// persistence layer so a restart between validate and execute cannot lead to
// a stale or duplicate execute.
func (g *Gateway) CreateConfirmation(ctx context.Context, req domain.TradeRequest) (domain.TradeConfirmation, error) {
	dec, err := g.Validate(ctx, req)
	if err != nil {
		return domain.TradeConfirmation{}, err
	}
	if !dec.Valid {
		return domain.TradeConfirmation{}, fmt.Errorf("gateway: blocked by %s gate: %s: %w", dec.Gate, dec.Reason, dec.Err)
	}

	now := g.clk.Now()
	conf := domain.TradeConfirmation{
		Token:     uuid.New().String(),
		Trade:     req,
		CreatedAt: now,
		ExpiresAt: now.Add(g.cfg.ConfirmationTTL),
		Outcome:   domain.ConfirmationOutcomePending,
	}
	if err := g.confirmations.Create(ctx, conf); err != nil {
		return domain.TradeConfirmation{}, fmt.Errorf("gateway: store confirmation: %w", err)
	}

	metrics.ConfirmationsActive.Inc()
	g.logger.InfoContext(ctx, "confirmation created",
		slog.String("token", conf.Token),
		slog.String("account_id", req.AccountID),
		slog.String("symbol", req.Symbol),
		slog.Time("expires_at", conf.ExpiresAt),
	)
	return conf, nil
}

// Execute consumes the token and performs the trade exactly once. Of any
// number of concurrent Execute calls for one token, exactly one wins the
// atomic consume and proceeds to the exchange; the rest observe
// ErrConfirmationUsed. A connector failure after the consume leaves the token
// consumed: a retry needs a fresh confirmation, since the intent may have
// gone stale during the failure.
func (g *Gateway) Execute(ctx context.Context, token string) (domain.ExecutionResult, error) {
	now := g.clk.Now()

	conf, err := g.confirmations.GetByToken(ctx, token)
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("gateway: load confirmation: %w", err)
	}
	if conf.Expired(now) {
		return domain.ExecutionResult{}, fmt.Errorf("gateway: token %s: %w", token, domain.ErrConfirmationExpired)
	}
	if conf.Confirmed {
		return domain.ExecutionResult{}, fmt.Errorf("gateway: token %s: %w", token, domain.ErrConfirmationUsed)
	}

	// Re-run the light gate subset: halts and the rate limit can change
	// between validate and execute. This check records quota.
	if dec := g.recheck(ctx, conf.Trade); !dec.Valid {
		// Consumed-but-failed: the token is spent and is never retried
		// automatically.
		if _, cerr := g.confirmations.Consume(ctx, token, now); cerr == nil {
			_ = g.confirmations.SetOutcome(ctx, token, domain.ConfirmationOutcomeBlocked)
			metrics.ConfirmationsActive.Dec()
		}
		metrics.Trades.WithLabelValues(string(domain.TradeStatusBlocked)).Inc()
		g.logger.WarnContext(ctx, "execute blocked at recheck",
			slog.String("token", token),
			slog.String("gate", dec.Gate),
			slog.String("reason", dec.Reason),
		)
		return domain.ExecutionResult{}, fmt.Errorf("gateway: blocked by %s gate: %s: %w", dec.Gate, dec.Reason, dec.Err)
	}

	// The atomic consume is the linearization point: flipping confirmed and
	// the right to call the exchange are a single step per token.
	conf, err = g.confirmations.Consume(ctx, token, now)
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("gateway: consume token %s: %w", token, err)
	}
	metrics.ConfirmationsActive.Dec()

	fill, err := g.exchange.SubmitOrder(ctx, domain.OrderRequest{
		Symbol:    conf.Trade.Symbol,
		Side:      conf.Trade.Side,
		OrderType: conf.Trade.OrderType,
		Amount:    conf.Trade.Amount,
		Price:     conf.Trade.Price,
	})
	if err != nil {
		g.recordOutcome(ctx, conf, domain.TradeRecord{
			ID:           uuid.New().String(),
			AccountID:    conf.Trade.AccountID,
			Exchange:     conf.Trade.Exchange,
			Symbol:       conf.Trade.Symbol,
			Side:         conf.Trade.Side,
			OrderType:    conf.Trade.OrderType,
			Amount:       conf.Trade.Amount,
			RequestPrice: conf.Trade.Price,
			Status:       domain.TradeStatusFailed,
			Token:        token,
			FailReason:   err.Error(),
			CreatedAt:    now,
		}, domain.ConfirmationOutcomeFailed)
		metrics.Trades.WithLabelValues(string(domain.TradeStatusFailed)).Inc()
		g.publish(ctx, domain.EventTradeFailed, conf.Trade, now)
		return domain.ExecutionResult{}, &domain.UpstreamExecutionError{Err: err}
	}

	record := domain.TradeRecord{
		ID:            uuid.New().String(),
		AccountID:     conf.Trade.AccountID,
		Exchange:      conf.Trade.Exchange,
		Symbol:        conf.Trade.Symbol,
		Side:          conf.Trade.Side,
		OrderType:     conf.Trade.OrderType,
		Amount:        fill.FilledAmount,
		RequestPrice:  conf.Trade.Price,
		ExecutedPrice: fill.ExecutedPrice,
		Fee:           fill.Fee,
		Status:        domain.TradeStatusExecuted,
		OrderID:       fill.OrderID,
		Token:         token,
		CreatedAt:     now,
	}
	g.recordOutcome(ctx, conf, record, domain.ConfirmationOutcomeExecuted)

	metrics.Trades.WithLabelValues(string(domain.TradeStatusExecuted)).Inc()
	g.logger.InfoContext(ctx, "trade executed",
		slog.String("trade_id", record.ID),
		slog.String("order_id", fill.OrderID),
		slog.String("symbol", record.Symbol),
		slog.Float64("filled", fill.FilledAmount),
		slog.Float64("price", fill.ExecutedPrice),
	)
	g.publish(ctx, domain.EventTradeExecuted, conf.Trade, now)

	return domain.ExecutionResult{
		TradeID:       record.ID,
		OrderID:       fill.OrderID,
		FilledAmount:  fill.FilledAmount,
		ExecutedPrice: fill.ExecutedPrice,
		Fee:           fill.Fee,
		ExecutedAt:    fill.ExecutedAt,
	}, nil
}

// recheck is the execute-time subset of Validate: only the conditions that
// can change between validate and execute.
func (g *Gateway) recheck(ctx context.Context, req domain.TradeRequest) Decision {
	if g.breaker.IsHalted(req.Symbol) {
		return Decision{Gate: GateSymbolHalt, Reason: "symbol halted", Err: domain.ErrSymbolHalted}
	}
	if g.breaker.IsMarketHalted() {
		return Decision{Gate: GateMarketHalt, Reason: "market halted", Err: domain.ErrMarketHalted}
	}
	return g.rateGate(ctx, req, true)
}

// recordOutcome persists the trade record and the token outcome. Persistence
// failures here are logged loudly; the exchange call has already happened and
// must not be hidden.
func (g *Gateway) recordOutcome(ctx context.Context, conf domain.TradeConfirmation, record domain.TradeRecord, outcome domain.ConfirmationOutcome) {
	if err := g.trades.Insert(ctx, record); err != nil {
		g.logger.ErrorContext(ctx, "persist trade record failed",
			slog.String("trade_id", record.ID),
			slog.String("token", conf.Token),
			slog.String("error", err.Error()),
		)
	}
	if err := g.confirmations.SetOutcome(ctx, conf.Token, outcome); err != nil {
		g.logger.ErrorContext(ctx, "persist confirmation outcome failed",
			slog.String("token", conf.Token),
			slog.String("error", err.Error()),
		)
	}
}

func (g *Gateway) publish(ctx context.Context, eventType string, req domain.TradeRequest, at time.Time) {
	if g.bus == nil {
		return
	}
	_ = g.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Symbol:    req.Symbol,
		AccountID: req.AccountID,
		At:        at,
	})
}

// CleanupExpired removes expired unconsumed confirmations. Scheduled as a
// periodic sweep.
func (g *Gateway) CleanupExpired(ctx context.Context, now time.Time) {
	n, err := g.confirmations.DeleteExpired(ctx, now)
	if err != nil {
		g.logger.ErrorContext(ctx, "confirmation cleanup failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		metrics.ConfirmationsActive.Sub(float64(n))
		g.logger.DebugContext(ctx, "expired confirmations removed", slog.Int64("count", n))
	}
}

// IsRetryable reports whether the caller may retry after the reset time
// (rate limits) as opposed to restarting the whole flow.
func IsRetryable(err error) bool {
	return errors.Is(err, domain.ErrRateLimited)
}
