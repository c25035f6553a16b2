package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrail/tradeguard/internal/clock"
	"github.com/quantrail/tradeguard/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	return New(cfg, fake, nil, testLogger()), fake
}

func orderRules() Config {
	return Config{
		Rules: map[string]domain.RateLimitRule{
			"paper:order": {
				WindowSize:     time.Minute,
				MaxRequests:    10,
				BurstAllowance: 3,
				DecayPeriod:    5 * time.Minute,
			},
		},
		BaseCooldown: 5 * time.Second,
		MaxCooldown:  5 * time.Minute,
	}
}

func TestAllowsUpToCeilingThenDenies(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t, orderRules())
	ctx := context.Background()

	for i := 0; i < 13; i++ { // 10 + 3 burst
		dec := l.Check(ctx, "paper", "order", "acct-1", 1)
		require.True(t, dec.Allowed, "request %d should be allowed", i)
	}

	dec := l.Check(ctx, "paper", "order", "acct-1", 1)
	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonLimit, dec.Reason)
}

func TestRemainingCountsDown(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t, orderRules())
	ctx := context.Background()

	dec := l.Check(ctx, "paper", "order", "acct-1", 1)
	assert.Equal(t, 12, dec.Remaining)
	dec = l.Check(ctx, "paper", "order", "acct-1", 1)
	assert.Equal(t, 11, dec.Remaining)
}

func TestWindowSlides(t *testing.T) {
	t.Parallel()
	l, fake := newTestLimiter(t, orderRules())
	ctx := context.Background()

	for i := 0; i < 13; i++ {
		require.True(t, l.Check(ctx, "paper", "order", "acct-1", 1).Allowed)
	}
	require.False(t, l.Check(ctx, "paper", "order", "acct-1", 1).Allowed)

	// After the violation cooldown and the window both pass, requests flow
	// again.
	fake.Advance(2 * time.Minute)
	assert.True(t, l.Check(ctx, "paper", "order", "acct-1", 1).Allowed)
}

func TestActorsArePartitioned(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t, orderRules())
	ctx := context.Background()

	for i := 0; i < 13; i++ {
		require.True(t, l.Check(ctx, "paper", "order", "acct-1", 1).Allowed)
	}
	require.False(t, l.Check(ctx, "paper", "order", "acct-1", 1).Allowed)

	assert.True(t, l.Check(ctx, "paper", "order", "acct-2", 1).Allowed)
}

func TestProgressiveCooldown(t *testing.T) {
	t.Parallel()
	l, fake := newTestLimiter(t, orderRules())
	ctx := context.Background()

	exhaust := func() {
		for l.Check(ctx, "paper", "order", "acct-1", 1).Allowed {
		}
	}

	// First violation: 5s cooldown.
	exhaust()
	dec := l.Check(ctx, "paper", "order", "acct-1", 1)
	assert.Equal(t, ReasonCooldown, dec.Reason)
	assert.Equal(t, fake.Now().Add(5*time.Second), dec.ResetAt)

	// Let cooldown and window pass, violate again: 10s.
	fake.Advance(90 * time.Second)
	exhaust()
	dec = l.Check(ctx, "paper", "order", "acct-1", 1)
	assert.Equal(t, fake.Now().Add(10*time.Second), dec.ResetAt)

	// Third violation: 20s.
	fake.Advance(90 * time.Second)
	exhaust()
	dec = l.Check(ctx, "paper", "order", "acct-1", 1)
	assert.Equal(t, fake.Now().Add(20*time.Second), dec.ResetAt)
}

func TestCooldownIsCapped(t *testing.T) {
	t.Parallel()
	cfg := orderRules()
	cfg.MaxCooldown = 15 * time.Second
	l, fake := newTestLimiter(t, cfg)
	ctx := context.Background()

	for round := 0; round < 5; round++ {
		for l.Check(ctx, "paper", "order", "acct-1", 1).Allowed {
		}
		fake.Advance(90 * time.Second)
	}
	for l.Check(ctx, "paper", "order", "acct-1", 1).Allowed {
	}
	dec := l.Check(ctx, "paper", "order", "acct-1", 1)
	assert.False(t, dec.ResetAt.After(fake.Now().Add(15*time.Second)))
}

func TestCooldownDeniesWithoutEscalating(t *testing.T) {
	t.Parallel()
	l, fake := newTestLimiter(t, orderRules())
	ctx := context.Background()

	for l.Check(ctx, "paper", "order", "acct-1", 1).Allowed {
	}
	first := l.Check(ctx, "paper", "order", "acct-1", 1)
	require.Equal(t, ReasonCooldown, first.Reason)

	// Hammering during the cooldown must not extend it.
	for i := 0; i < 20; i++ {
		dec := l.Check(ctx, "paper", "order", "acct-1", 1)
		assert.Equal(t, first.ResetAt, dec.ResetAt)
	}
	_ = fake
}

func TestDecaySweepResetsCounters(t *testing.T) {
	t.Parallel()
	l, fake := newTestLimiter(t, orderRules())
	ctx := context.Background()

	for l.Check(ctx, "paper", "order", "acct-1", 1).Allowed {
	}
	st := l.Status()
	require.Len(t, st, 1)
	require.Equal(t, 1, st[0].Violations)

	// Before the decay period the sweep keeps the counters.
	fake.Advance(time.Minute)
	l.DecaySweep(ctx, fake.Now())
	assert.Equal(t, 1, l.Status()[0].Violations)

	fake.Advance(5 * time.Minute)
	l.DecaySweep(ctx, fake.Now())
	st = l.Status()
	assert.Equal(t, 0, st[0].Violations)
	assert.Equal(t, 0, st[0].BurstUsed)
}

func TestUnconfiguredFailOpenUsesDefaultRule(t *testing.T) {
	t.Parallel()
	cfg := orderRules()
	cfg.FailOpenUnknown = true
	cfg.DefaultRule = domain.RateLimitRule{WindowSize: time.Minute, MaxRequests: 2}
	l, _ := newTestLimiter(t, cfg)
	ctx := context.Background()

	assert.True(t, l.Check(ctx, "paper", "ticker", "acct-1", 1).Allowed)
	assert.True(t, l.Check(ctx, "paper", "ticker", "acct-1", 1).Allowed)
	assert.False(t, l.Check(ctx, "paper", "ticker", "acct-1", 1).Allowed)
}

func TestUnconfiguredStrictEndpointFailsClosed(t *testing.T) {
	t.Parallel()
	cfg := orderRules()
	cfg.FailOpenUnknown = true
	cfg.DefaultRule = domain.RateLimitRule{WindowSize: time.Minute, MaxRequests: 100}
	cfg.StrictEndpoints = []string{"cancel"}
	l, _ := newTestLimiter(t, cfg)
	ctx := context.Background()

	dec := l.Check(ctx, "paper", "cancel", "acct-1", 1)
	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonUnconfigured, dec.Reason)
}

func TestUnconfiguredFailClosed(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t, orderRules()) // FailOpenUnknown false
	ctx := context.Background()

	dec := l.Check(ctx, "unknown", "ticker", "acct-1", 1)
	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonUnconfigured, dec.Reason)
}

func TestPeekDoesNotConsumeQuota(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t, orderRules())
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		dec := l.Peek(ctx, "paper", "order", "acct-1", 1)
		require.True(t, dec.Allowed)
		assert.Equal(t, 12, dec.Remaining)
	}

	// And a denied peek never starts a cooldown.
	for i := 0; i < 13; i++ {
		require.True(t, l.Check(ctx, "paper", "order", "acct-1", 1).Allowed)
	}
	dec := l.Peek(ctx, "paper", "order", "acct-1", 1)
	require.False(t, dec.Allowed)
	assert.Equal(t, ReasonLimit, dec.Reason)
	assert.Equal(t, 0, l.Status()[0].Violations)
}

func TestWeightedRequests(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t, orderRules())
	ctx := context.Background()

	dec := l.Check(ctx, "paper", "order", "acct-1", 10)
	require.True(t, dec.Allowed)
	assert.Equal(t, 3, dec.Remaining)

	dec = l.Check(ctx, "paper", "order", "acct-1", 4)
	assert.False(t, dec.Allowed)
}

func TestWaitSucceedsWhenWindowSlides(t *testing.T) {
	t.Parallel()
	cfg := orderRules()
	cfg.WaitPollCap = 10 * time.Millisecond
	fake := clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	l := New(cfg, fake, nil, testLogger())
	ctx := context.Background()

	for i := 0; i < 13; i++ {
		require.True(t, l.Check(ctx, "paper", "order", "acct-1", 1).Allowed)
	}

	done := make(chan bool, 1)
	go func() {
		done <- l.Wait(ctx, "paper", "order", "acct-1", 1, 10*time.Minute)
	}()

	// Drive the fake clock until the waiter gets through.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ok := <-done:
			require.True(t, ok)
			return
		case <-deadline:
			t.Fatal("Wait did not return")
		default:
			fake.Advance(500 * time.Millisecond)
			time.Sleep(time.Millisecond)
		}
	}
}

func TestWaitTimesOut(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t, orderRules())
	ctx := context.Background()

	dec := l.Check(ctx, "unknown", "ticker", "acct-1", 1)
	require.False(t, dec.Allowed)

	// Unconfigured keys never become allowed; maxWait zero returns at once.
	assert.False(t, l.Wait(ctx, "unknown", "ticker", "acct-1", 1, 0))
}

func TestStatusSorted(t *testing.T) {
	t.Parallel()
	cfg := orderRules()
	cfg.Rules["paper:cancel"] = domain.RateLimitRule{WindowSize: time.Minute, MaxRequests: 5}
	l, _ := newTestLimiter(t, cfg)
	ctx := context.Background()

	l.Check(ctx, "paper", "order", "b", 1)
	l.Check(ctx, "paper", "cancel", "a", 1)
	l.Check(ctx, "paper", "order", "a", 1)

	st := l.Status()
	require.Len(t, st, 3)
	assert.Equal(t, "cancel", st[0].Endpoint)
	assert.Equal(t, "a", st[1].Actor)
	assert.Equal(t, "b", st[2].Actor)
}
