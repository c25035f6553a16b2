package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeNowAndAdvance(t *testing.T) {
	t.Parallel()
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	assert.Equal(t, start, f.Now())

	f.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), f.Now())
}

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	t.Parallel()
	f := NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	ch := f.After(time.Minute)
	select {
	case <-ch:
		t.Fatal("fired before the deadline")
	default:
	}

	f.Advance(30 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired halfway")
	default:
	}

	f.Advance(30 * time.Second)
	select {
	case at := <-ch:
		assert.Equal(t, f.Now(), at)
	case <-time.After(time.Second):
		t.Fatal("did not fire at the deadline")
	}
}

func TestFakeAfterNonPositiveFiresImmediately(t *testing.T) {
	t.Parallel()
	f := NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	select {
	case <-f.After(0):
	default:
		t.Fatal("zero-duration After should be ready")
	}
}

func TestFakeSleepReleasedByAdvance(t *testing.T) {
	t.Parallel()
	f := NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	done := make(chan error, 1)
	go func() { done <- f.Sleep(context.Background(), time.Minute) }()

	// Give the sleeper a moment to register.
	time.Sleep(10 * time.Millisecond)
	f.Advance(time.Minute)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Sleep did not return after Advance")
	}
}

func TestFakeSleepCancelled(t *testing.T) {
	t.Parallel()
	f := NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Sleep(ctx, time.Hour) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Sleep did not return on cancel")
	}
}

func TestSystemSleep(t *testing.T) {
	t.Parallel()
	s := NewSystem()

	require.NoError(t, s.Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Sleep(ctx, time.Hour), context.Canceled)
}
