package domain

import (
	"context"
	"time"
)

// TickCache keeps a short rolling log of recent price points per symbol in
// shared storage. The volatility monitor re-seeds its in-memory windows from
// it after a restart; seeding is conservative and never restores a halt.
type TickCache interface {
	Record(ctx context.Context, p PricePoint) error
	Recent(ctx context.Context, symbol string, since time.Time) ([]PricePoint, error)
}

// RequestLog keeps recent rate-limited request timestamps per key in shared
// storage so the limiter can re-seed its sliding windows after a restart.
type RequestLog interface {
	Record(ctx context.Context, key string, ts time.Time, weight int) error
	Recent(ctx context.Context, key string, since time.Time) ([]time.Time, error)
	Keys(ctx context.Context) ([]string, error)
}

// LockManager provides distributed mutual exclusion keyed by string. Acquire
// returns an unlock function, or ErrLockHeld if another party holds the lock.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}
