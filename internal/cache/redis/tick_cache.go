package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantrail/tradeguard/internal/domain"
)

// tickRetention bounds both the sorted-set span and the key TTL so an idle
// symbol's history expires on its own.
const (
	tickRetention = time.Hour
	tickMaxCount  = 2048
)

// TickCache implements domain.TickCache using one Redis sorted set per
// symbol, scored by unix nanoseconds. The volatility monitor re-seeds its
// in-memory windows from it after a restart.
type TickCache struct {
	rdb *redis.Client
}

// NewTickCache creates a TickCache backed by the given Client.
func NewTickCache(c *Client) *TickCache {
	return &TickCache{rdb: c.Underlying()}
}

func tickKey(symbol string) string {
	return "ticks:" + symbol
}

// Record appends one price point and trims the set by age and count.
func (tc *TickCache) Record(ctx context.Context, p domain.PricePoint) error {
	key := tickKey(p.Symbol)
	score := float64(p.Timestamp.UnixNano())
	member := strconv.FormatInt(p.Timestamp.UnixNano(), 10) + ":" + strconv.FormatFloat(p.Price, 'f', -1, 64)

	pipe := tc.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
	pipe.ZRemRangeByScore(ctx, key, "-inf",
		strconv.FormatInt(p.Timestamp.Add(-tickRetention).UnixNano(), 10))
	pipe.ZRemRangeByRank(ctx, key, 0, -(tickMaxCount + 1))
	pipe.Expire(ctx, key, tickRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: record tick %s: %w", p.Symbol, err)
	}
	return nil
}

// Recent returns the price points for the symbol since the given time, oldest
// first.
func (tc *TickCache) Recent(ctx context.Context, symbol string, since time.Time) ([]domain.PricePoint, error) {
	members, err := tc.rdb.ZRangeByScore(ctx, tickKey(symbol), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixNano(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: recent ticks %s: %w", symbol, err)
	}

	points := make([]domain.PricePoint, 0, len(members))
	for _, m := range members {
		ts, price, ok := parseTickMember(m)
		if !ok {
			continue
		}
		points = append(points, domain.PricePoint{
			Symbol:    symbol,
			Price:     price,
			Timestamp: time.Unix(0, ts),
		})
	}
	return points, nil
}

func parseTickMember(m string) (int64, float64, bool) {
	for i := 0; i < len(m); i++ {
		if m[i] == ':' {
			ts, err1 := strconv.ParseInt(m[:i], 10, 64)
			price, err2 := strconv.ParseFloat(m[i+1:], 64)
			if err1 != nil || err2 != nil {
				return 0, 0, false
			}
			return ts, price, true
		}
	}
	return 0, 0, false
}

var _ domain.TickCache = (*TickCache)(nil)
