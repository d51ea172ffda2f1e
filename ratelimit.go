package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimiter bounds how many probes start within a rolling window.
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// SlidingWindowLimiter allows at most limit events in any window-long span, counted
// inside this process. A non-positive limit disables it.
type SlidingWindowLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	events []time.Time
	now    func() time.Time
}

func NewSlidingWindowLimiter(limit int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// reserve records an event at now when there is room and returns zero. Otherwise it
// returns how long until the oldest event leaves the window.
func (l *SlidingWindowLimiter) reserve(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limit <= 0 {
		return 0
	}

	cutoff := now.Add(-l.window)
	expired := 0
	for expired < len(l.events) && !l.events[expired].After(cutoff) {
		expired++
	}
	l.events = l.events[expired:]

	if len(l.events) < l.limit {
		l.events = append(l.events, now)
		return 0
	}
	return l.events[0].Add(l.window).Sub(now)
}

func (l *SlidingWindowLimiter) Wait(ctx context.Context) error {
	return waitForReservation(ctx, func(ctx context.Context) (time.Duration, error) {
		return l.reserve(l.now()), nil
	})
}

var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
if redis.call('ZCARD', KEYS[1]) < limit then
	redis.call('ZADD', KEYS[1], now, ARGV[4])
	redis.call('PEXPIRE', KEYS[1], window)
	return 0
end
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
return tonumber(oldest[2]) + window - now
`)

// RedisRateLimiter shares one sliding window across every worker process.
type RedisRateLimiter struct {
	client redis.UniversalClient
	key    string
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRedisRateLimiter(client redis.UniversalClient, name string, limit int, window time.Duration) *RedisRateLimiter {
	if name == "" {
		name = "health-check"
	}
	return &RedisRateLimiter{
		client: client,
		key:    "{uptimeguard:" + name + "}:limiter",
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (l *RedisRateLimiter) reserve(ctx context.Context, now time.Time) (time.Duration, error) {
	if l.limit <= 0 {
		return 0, nil
	}

	waitMs, err := slidingWindowScript.Run(ctx, l.client, []string{l.key},
		now.UnixMilli(), l.window.Milliseconds(), l.limit, uuid.NewString(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("reserving rate limit slot: %w", err)
	}
	if waitMs <= 0 {
		return 0, nil
	}
	return time.Duration(waitMs) * time.Millisecond, nil
}

func (l *RedisRateLimiter) Wait(ctx context.Context) error {
	return waitForReservation(ctx, func(ctx context.Context) (time.Duration, error) {
		return l.reserve(ctx, l.now())
	})
}

func waitForReservation(ctx context.Context, reserve func(ctx context.Context) (time.Duration, error)) error {
	for {
		delay, err := reserve(ctx)
		if err != nil {
			return err
		}
		if delay <= 0 {
			return nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
