// Package sched is a single scheduler abstraction for the control plane's
// periodic sweeps: breaker cooldown expiry, rate-limit decay, risk
// evaluation passes, confirmation cleanup. Jobs sit in a min-heap ordered by
// due time and are driven by the injected clock, so tests advance virtual
// time instead of sleeping.
package sched

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/quantrail/tradeguard/internal/clock"
)

// Job is a scheduled callback. It receives the scheduler's context and the
// logical time it fired at.
type Job func(ctx context.Context, now time.Time)

type entry struct {
	at       time.Time
	interval time.Duration // 0 for one-shot
	job      Job
	name     string
	index    int
	stopped  bool
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x any)         { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler runs jobs at their due times against an injected clock.
type Scheduler struct {
	clk    clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	entries entryHeap
	wake    chan struct{}
}

// New creates an empty Scheduler on the given clock.
func New(clk clock.Clock, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		clk:    clk,
		logger: logger.With(slog.String("component", "scheduler")),
		wake:   make(chan struct{}, 1),
	}
}

// Every registers a repeating job with the given interval. The first run is
// one interval from now. It returns a stop function.
func (s *Scheduler) Every(interval time.Duration, name string, job Job) func() {
	return s.add(&entry{
		at:       s.clk.Now().Add(interval),
		interval: interval,
		job:      job,
		name:     name,
	})
}

// After registers a one-shot job d from now. It returns a stop function.
func (s *Scheduler) After(d time.Duration, name string, job Job) func() {
	return s.add(&entry{
		at:   s.clk.Now().Add(d),
		job:  job,
		name: name,
	})
}

func (s *Scheduler) add(e *entry) func() {
	s.mu.Lock()
	heap.Push(&s.entries, e)
	s.mu.Unlock()
	s.poke()

	return func() {
		s.mu.Lock()
		e.stopped = true
		s.mu.Unlock()
	}
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Fire synchronously runs every job that is due as of the clock's current
// time and reschedules repeating ones. Tests advance a fake clock and then
// call Fire; Run uses it internally.
func (s *Scheduler) Fire(ctx context.Context) {
	for {
		now := s.clk.Now()

		s.mu.Lock()
		if len(s.entries) == 0 || s.entries[0].at.After(now) {
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.entries).(*entry)
		if e.stopped {
			s.mu.Unlock()
			continue
		}
		if e.interval > 0 {
			e.at = now.Add(e.interval)
			heap.Push(&s.entries, e)
		}
		s.mu.Unlock()

		e.job(ctx, now)
	}
}

// Run drives the scheduler until the context is cancelled. It sleeps on the
// clock until the next job is due, waking early when new jobs are added.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "scheduler started")
	for {
		s.Fire(ctx)

		s.mu.Lock()
		var next time.Duration
		if len(s.entries) == 0 {
			next = time.Hour
		} else {
			next = s.entries[0].at.Sub(s.clk.Now())
		}
		s.mu.Unlock()

		if next < time.Millisecond {
			next = time.Millisecond
		}

		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "scheduler stopped")
			return ctx.Err()
		case <-s.wake:
		case <-s.clk.After(next):
		}
	}
}
