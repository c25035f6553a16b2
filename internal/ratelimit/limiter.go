// Package ratelimit enforces per-exchange, per-endpoint request quotas with
// sliding windows, a small burst allowance, and progressive violation
// cooldowns. It exists to keep the service under the external exchanges' own
// limits; windows are partitioned per key so unrelated keys never contend.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quantrail/tradeguard/internal/clock"
	"github.com/quantrail/tradeguard/internal/domain"
	"github.com/quantrail/tradeguard/internal/metrics"
)

// Denial reasons reported in decisions and metrics.
const (
	ReasonCooldown     = "cooldown"
	ReasonLimit        = "limit_exceeded"
	ReasonUnconfigured = "unconfigured"
)

// Config holds the limiter rules and policy knobs.
type Config struct {
	// Rules maps "exchange:endpoint" to its quota.
	Rules map[string]domain.RateLimitRule

	// DefaultRule applies to unconfigured pairs when FailOpenUnknown is set.
	// It should be a generous ceiling: an unknown read-only endpoint must not
	// be silently bricked by a conservative guess.
	DefaultRule domain.RateLimitRule

	// FailOpenUnknown allows requests for unconfigured pairs under
	// DefaultRule. Endpoints listed in StrictEndpoints fail closed when
	// unconfigured regardless; order-class endpoints belong there.
	FailOpenUnknown bool
	StrictEndpoints []string

	// BaseCooldown is the first violation cooldown; each further violation
	// doubles it, capped at MaxCooldown.
	BaseCooldown time.Duration
	MaxCooldown  time.Duration

	// WaitPollCap bounds each sleep inside Wait.
	WaitPollCap time.Duration
}

type window struct {
	mu            sync.Mutex
	rule          domain.RateLimitRule
	exchange      string
	endpoint      string
	actor         string
	timestamps    []time.Time
	burstUsed     int
	violations    int
	cooldownUntil time.Time
	lastViolation time.Time
}

// Limiter is the in-process sliding-window rate limiter.
type Limiter struct {
	cfg    Config
	clk    clock.Clock
	reqLog domain.RequestLog // optional restart re-seed source
	logger *slog.Logger
	strict map[string]bool

	mu      sync.RWMutex
	windows map[string]*window
}

// New creates a Limiter. reqLog may be nil; request history is then neither
// recorded nor re-seeded.
func New(cfg Config, clk clock.Clock, reqLog domain.RequestLog, logger *slog.Logger) *Limiter {
	if cfg.WaitPollCap <= 0 {
		cfg.WaitPollCap = 250 * time.Millisecond
	}
	if cfg.BaseCooldown <= 0 {
		cfg.BaseCooldown = 5 * time.Second
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = 5 * time.Minute
	}
	strict := make(map[string]bool, len(cfg.StrictEndpoints))
	for _, e := range cfg.StrictEndpoints {
		strict[e] = true
	}
	return &Limiter{
		cfg:     cfg,
		clk:     clk,
		reqLog:  reqLog,
		logger:  logger.With(slog.String("component", "ratelimit")),
		strict:  strict,
		windows: make(map[string]*window),
	}
}

func ruleKey(exchange, endpoint string) string {
	return exchange + ":" + endpoint
}

func windowKey(exchange, endpoint, actor string) string {
	return exchange + "|" + endpoint + "|" + actor
}

// resolveRule returns the configured rule for the pair, or the default rule
// when fail-open applies. ok is false when the pair must be denied outright.
func (l *Limiter) resolveRule(exchange, endpoint string) (domain.RateLimitRule, bool) {
	if rule, configured := l.cfg.Rules[ruleKey(exchange, endpoint)]; configured {
		return rule, true
	}
	if !l.cfg.FailOpenUnknown || l.strict[endpoint] {
		return domain.RateLimitRule{}, false
	}
	return l.cfg.DefaultRule, true
}

func (l *Limiter) window(exchange, endpoint, actor string, rule domain.RateLimitRule) *window {
	key := windowKey(exchange, endpoint, actor)

	l.mu.RLock()
	w, ok := l.windows[key]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[key]; ok {
		return w
	}
	w = &window{rule: rule, exchange: exchange, endpoint: endpoint, actor: actor}
	l.windows[key] = w
	return w
}

// Check decides whether a request of the given weight is permitted and, if
// so, records it. Remaining on an allowed decision already accounts for the
// request just recorded.
func (l *Limiter) Check(ctx context.Context, exchange, endpoint, actor string, weight int) domain.RateLimitDecision {
	return l.decide(ctx, exchange, endpoint, actor, weight, true)
}

// Peek is the non-mutating variant of Check: it reports the decision that
// Check would make right now without recording the request, incrementing
// violation counters, or starting cooldowns. The gateway's validate phase
// uses it so a validate+execute pair consumes quota exactly once.
func (l *Limiter) Peek(ctx context.Context, exchange, endpoint, actor string, weight int) domain.RateLimitDecision {
	return l.decide(ctx, exchange, endpoint, actor, weight, false)
}

func (l *Limiter) decide(ctx context.Context, exchange, endpoint, actor string, weight int, record bool) domain.RateLimitDecision {
	if weight <= 0 {
		weight = 1
	}
	now := l.clk.Now()

	rule, ok := l.resolveRule(exchange, endpoint)
	if !ok {
		if record {
			metrics.RateLimitDenials.WithLabelValues(exchange, endpoint, ReasonUnconfigured).Inc()
			l.logger.WarnContext(ctx, "unconfigured rate limit key denied",
				slog.String("exchange", exchange),
				slog.String("endpoint", endpoint),
			)
		}
		return domain.RateLimitDecision{Allowed: false, ResetAt: now, Reason: ReasonUnconfigured}
	}

	w := l.window(exchange, endpoint, actor, rule)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cooldownUntil.After(now) {
		// An active cooldown denies immediately; it does not escalate.
		if record {
			metrics.RateLimitDenials.WithLabelValues(exchange, endpoint, ReasonCooldown).Inc()
		}
		return domain.RateLimitDecision{Allowed: false, ResetAt: w.cooldownUntil, Reason: ReasonCooldown}
	}

	w.pruneLocked(now)

	ceiling := rule.MaxRequests + rule.BurstAllowance
	usage := len(w.timestamps) + weight

	if usage > ceiling {
		if !record {
			return domain.RateLimitDecision{
				Allowed: false,
				ResetAt: w.resetAtLocked(now),
				Reason:  ReasonLimit,
			}
		}
		w.violations++
		w.lastViolation = now
		cooldown := l.violationCooldown(w.violations)
		w.cooldownUntil = now.Add(cooldown)

		metrics.RateLimitDenials.WithLabelValues(exchange, endpoint, ReasonLimit).Inc()
		l.logger.WarnContext(ctx, "rate limit exceeded",
			slog.String("exchange", exchange),
			slog.String("endpoint", endpoint),
			slog.String("actor", actor),
			slog.Int("usage", usage),
			slog.Int("ceiling", ceiling),
			slog.Int("violations", w.violations),
			slog.Duration("cooldown", cooldown),
		)
		return domain.RateLimitDecision{Allowed: false, ResetAt: w.cooldownUntil, Reason: ReasonLimit}
	}

	if !record {
		return domain.RateLimitDecision{
			Allowed:   true,
			Remaining: ceiling - usage,
			ResetAt:   w.resetAtLocked(now),
		}
	}

	for i := 0; i < weight; i++ {
		w.timestamps = append(w.timestamps, now)
	}
	if over := usage - rule.MaxRequests; over > 0 {
		// Informational: how many burst units this key has consumed.
		if over > weight {
			over = weight
		}
		w.burstUsed += over
	}

	if l.reqLog != nil {
		if err := l.reqLog.Record(ctx, windowKey(exchange, endpoint, actor), now, weight); err != nil {
			l.logger.WarnContext(ctx, "request log record failed",
				slog.String("exchange", exchange),
				slog.String("endpoint", endpoint),
				slog.String("error", err.Error()),
			)
		}
	}

	return domain.RateLimitDecision{
		Allowed:   true,
		Remaining: ceiling - usage,
		ResetAt:   w.resetAtLocked(now),
	}
}

// pruneLocked keeps only timestamps within [now-window, now].
func (w *window) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.rule.WindowSize)
	i := 0
	for i < len(w.timestamps) && w.timestamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.timestamps = w.timestamps[i:]
	}
}

// resetAtLocked is when the oldest in-window request slides out.
func (w *window) resetAtLocked(now time.Time) time.Time {
	if len(w.timestamps) == 0 {
		return now
	}
	return w.timestamps[0].Add(w.rule.WindowSize)
}

// violationCooldown grows geometrically with the violation count, capped.
func (l *Limiter) violationCooldown(violations int) time.Duration {
	cooldown := l.cfg.BaseCooldown
	for i := 1; i < violations; i++ {
		cooldown *= 2
		if cooldown >= l.cfg.MaxCooldown {
			return l.cfg.MaxCooldown
		}
	}
	if cooldown > l.cfg.MaxCooldown {
		return l.cfg.MaxCooldown
	}
	return cooldown
}

// Wait polls until a request is allowed (recording it) or maxWait elapses.
// Each retry sleeps for min(resetAt-now, poll cap); it never spins and never
// blocks other callers. Returns false on timeout or context cancellation.
func (l *Limiter) Wait(ctx context.Context, exchange, endpoint, actor string, weight int, maxWait time.Duration) bool {
	deadline := l.clk.Now().Add(maxWait)

	for {
		dec := l.Check(ctx, exchange, endpoint, actor, weight)
		if dec.Allowed {
			return true
		}

		now := l.clk.Now()
		if !now.Before(deadline) {
			return false
		}

		sleep := dec.ResetAt.Sub(now)
		if sleep > l.cfg.WaitPollCap {
			sleep = l.cfg.WaitPollCap
		}
		if sleep <= 0 {
			sleep = time.Millisecond
		}
		if remaining := deadline.Sub(now); sleep > remaining {
			sleep = remaining
		}

		if err := l.clk.Sleep(ctx, sleep); err != nil {
			return false
		}
	}
}

// DecaySweep resets violation and burst counters for keys whose last
// violation is older than the rule's decay period. It runs on its own
// scheduler interval, decoupled from the sliding windows.
func (l *Limiter) DecaySweep(ctx context.Context, now time.Time) {
	l.mu.RLock()
	windows := make([]*window, 0, len(l.windows))
	for _, w := range l.windows {
		windows = append(windows, w)
	}
	l.mu.RUnlock()

	for _, w := range windows {
		w.mu.Lock()
		decay := w.rule.DecayPeriod
		if decay > 0 && (w.violations > 0 || w.burstUsed > 0) && now.Sub(w.lastViolation) >= decay {
			w.violations = 0
			w.burstUsed = 0
		}
		w.mu.Unlock()
	}
	_ = ctx
}

// Status snapshots every key seen so far, sorted for stable output.
func (l *Limiter) Status() []domain.RateLimitStatus {
	now := l.clk.Now()

	l.mu.RLock()
	windows := make([]*window, 0, len(l.windows))
	for _, w := range l.windows {
		windows = append(windows, w)
	}
	l.mu.RUnlock()

	out := make([]domain.RateLimitStatus, 0, len(windows))
	for _, w := range windows {
		w.mu.Lock()
		w.pruneLocked(now)
		out = append(out, domain.RateLimitStatus{
			Exchange:      w.exchange,
			Endpoint:      w.endpoint,
			Actor:         w.actor,
			WindowUsage:   len(w.timestamps),
			MaxRequests:   w.rule.MaxRequests,
			BurstUsed:     w.burstUsed,
			Violations:    w.violations,
			CooldownUntil: w.cooldownUntil,
		})
		w.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Exchange != out[j].Exchange {
			return out[i].Exchange < out[j].Exchange
		}
		if out[i].Endpoint != out[j].Endpoint {
			return out[i].Endpoint < out[j].Endpoint
		}
		return out[i].Actor < out[j].Actor
	})
	return out
}

// Seed reloads recent request timestamps from the shared request log after a
// restart. Unparseable keys are skipped; seeding never restores violation
// counters or cooldowns (conservative: not penalised, but windows refilled).
func (l *Limiter) Seed(ctx context.Context) error {
	if l.reqLog == nil {
		return nil
	}
	keys, err := l.reqLog.Keys(ctx)
	if err != nil {
		return fmt.Errorf("ratelimit: seed keys: %w", err)
	}

	for _, key := range keys {
		parts := strings.SplitN(key, "|", 3)
		if len(parts) != 3 {
			continue
		}
		exchange, endpoint, actor := parts[0], parts[1], parts[2]

		rule, ok := l.resolveRule(exchange, endpoint)
		if !ok {
			continue
		}

		since := l.clk.Now().Add(-rule.WindowSize)
		stamps, err := l.reqLog.Recent(ctx, key, since)
		if err != nil {
			return fmt.Errorf("ratelimit: seed %s: %w", key, err)
		}
		if len(stamps) == 0 {
			continue
		}

		w := l.window(exchange, endpoint, actor, rule)
		w.mu.Lock()
		w.timestamps = append(stamps, w.timestamps...)
		w.pruneLocked(l.clk.Now())
		w.mu.Unlock()

		l.logger.InfoContext(ctx, "seeded rate limit window",
			slog.String("key", key),
			slog.Int("requests", len(stamps)),
		)
	}
	return nil
}
