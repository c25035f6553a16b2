package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantrail/tradeguard/internal/domain"
)

// requestRetention bounds how much request history is kept per key. It only
// needs to cover the widest configured sliding window.
const requestRetention = 10 * time.Minute

// RequestLog implements domain.RequestLog using one Redis sorted set per
// rate-limit key, scored by unix microseconds. The in-process limiter is
// authoritative; the log exists so windows can be re-seeded after a restart.
type RequestLog struct {
	rdb *redis.Client
}

// NewRequestLog creates a RequestLog backed by the given Client.
func NewRequestLog(c *Client) *RequestLog {
	return &RequestLog{rdb: c.Underlying()}
}

func requestKey(key string) string {
	return "reqlog:" + key
}

// Record appends weight entries at ts and trims the set by age.
func (rl *RequestLog) Record(ctx context.Context, key string, ts time.Time, weight int) error {
	if weight <= 0 {
		weight = 1
	}
	rkey := requestKey(key)
	score := float64(ts.UnixMicro())

	members := make([]redis.Z, 0, weight)
	for i := 0; i < weight; i++ {
		// Suffix keeps same-instant members distinct in the set.
		members = append(members, redis.Z{
			Score:  score,
			Member: strconv.FormatInt(ts.UnixMicro(), 10) + "-" + strconv.Itoa(i),
		})
	}

	pipe := rl.rdb.Pipeline()
	pipe.ZAdd(ctx, rkey, members...)
	pipe.ZRemRangeByScore(ctx, rkey, "-inf",
		strconv.FormatInt(ts.Add(-requestRetention).UnixMicro(), 10))
	pipe.Expire(ctx, rkey, requestRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: record request %s: %w", key, err)
	}
	return nil
}

// Recent returns request timestamps for the key since the given time, oldest
// first.
func (rl *RequestLog) Recent(ctx context.Context, key string, since time.Time) ([]time.Time, error) {
	results, err := rl.rdb.ZRangeByScoreWithScores(ctx, requestKey(key), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMicro(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: recent requests %s: %w", key, err)
	}

	stamps := make([]time.Time, 0, len(results))
	for _, z := range results {
		stamps = append(stamps, time.UnixMicro(int64(z.Score)))
	}
	return stamps, nil
}

// Keys lists every rate-limit key with recorded history.
func (rl *RequestLog) Keys(ctx context.Context) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := rl.rdb.Scan(ctx, cursor, requestKey("*"), 100).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: scan request keys: %w", err)
		}
		for _, k := range batch {
			keys = append(keys, k[len("reqlog:"):])
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

var _ domain.RequestLog = (*RequestLog)(nil)
