package sched

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrail/tradeguard/internal/clock"
)

func newTestScheduler(t *testing.T) (*Scheduler, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(fake, logger), fake
}

func TestEveryFiresOnInterval(t *testing.T) {
	t.Parallel()
	s, fake := newTestScheduler(t)
	ctx := context.Background()

	var fired []time.Time
	s.Every(time.Minute, "sweep", func(_ context.Context, now time.Time) {
		fired = append(fired, now)
	})

	s.Fire(ctx)
	assert.Empty(t, fired, "not due yet")

	fake.Advance(time.Minute)
	s.Fire(ctx)
	require.Len(t, fired, 1)
	assert.Equal(t, fake.Now(), fired[0])

	fake.Advance(time.Minute)
	s.Fire(ctx)
	assert.Len(t, fired, 2)
}

func TestAfterFiresOnce(t *testing.T) {
	t.Parallel()
	s, fake := newTestScheduler(t)
	ctx := context.Background()

	count := 0
	s.After(30*time.Second, "once", func(context.Context, time.Time) { count++ })

	fake.Advance(30 * time.Second)
	s.Fire(ctx)
	assert.Equal(t, 1, count)

	fake.Advance(time.Hour)
	s.Fire(ctx)
	assert.Equal(t, 1, count)
}

func TestStopPreventsFiring(t *testing.T) {
	t.Parallel()
	s, fake := newTestScheduler(t)
	ctx := context.Background()

	count := 0
	stop := s.Every(time.Minute, "stopped", func(context.Context, time.Time) { count++ })
	stop()

	fake.Advance(5 * time.Minute)
	s.Fire(ctx)
	assert.Zero(t, count)
}

func TestJobsFireInDueOrder(t *testing.T) {
	t.Parallel()
	s, fake := newTestScheduler(t)
	ctx := context.Background()

	var order []string
	s.After(3*time.Second, "c", func(context.Context, time.Time) { order = append(order, "c") })
	s.After(time.Second, "a", func(context.Context, time.Time) { order = append(order, "a") })
	s.After(2*time.Second, "b", func(context.Context, time.Time) { order = append(order, "b") })

	fake.Advance(5 * time.Second)
	s.Fire(ctx)

	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestLaggingRepeatCatchesUp(t *testing.T) {
	t.Parallel()
	s, fake := newTestScheduler(t)
	ctx := context.Background()

	count := 0
	s.Every(time.Minute, "sweep", func(context.Context, time.Time) { count++ })

	// One Fire after a long gap runs the job for each overdue interval until
	// the next due time moves past now.
	fake.Advance(3 * time.Minute)
	s.Fire(ctx)
	assert.Equal(t, 1, count, "reschedule is relative to now, not to the missed slots")

	fake.Advance(time.Minute)
	s.Fire(ctx)
	assert.Equal(t, 2, count)
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
