package upstream

import (
	"context"
	"sync"
	"time"

	"pricewatch/internal/logger"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Pacer blocks until the next upstream request is allowed under the
// configured requests-per-minute budget. Waiting is timer-based and scoped
// to the price-fetch path only.
type Pacer interface {
	Wait(ctx context.Context) error
}

// IntervalPacer spaces requests by a fixed minimum interval derived from
// the per-minute budget. It is process-local and is used when Redis is not
// available to share the budget.
type IntervalPacer struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
}

func NewIntervalPacer(requestsPerMinute int) *IntervalPacer {
	p := &IntervalPacer{}
	if requestsPerMinute > 0 {
		p.interval = time.Minute / time.Duration(requestsPerMinute)
	}
	return p
}

func (p *IntervalPacer) Wait(ctx context.Context) error {
	if p.interval <= 0 {
		return nil
	}
	p.mu.Lock()
	now := time.Now()
	at := p.next
	if at.Before(now) {
		at = now
	}
	p.next = at.Add(p.interval)
	p.mu.Unlock()

	d := time.Until(at)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RedisPacer enforces the request budget with a Redis-backed GCRA limiter
// so that every instance draws from the same per-minute allowance. Burst is
// pinned to 1 to keep requests evenly spaced.
type RedisPacer struct {
	limiter *redis_rate.Limiter
	key     string
	limit   redis_rate.Limit
}

func NewRedisPacer(client *redis.Client, requestsPerMinute int) *RedisPacer {
	return &RedisPacer{
		limiter: redis_rate.NewLimiter(client),
		key:     "pacer:coingecko",
		limit: redis_rate.Limit{
			Rate:   requestsPerMinute,
			Burst:  1,
			Period: time.Minute,
		},
	}
}

func (p *RedisPacer) Wait(ctx context.Context) error {
	if p.limit.Rate <= 0 {
		return nil
	}
	for {
		res, err := p.limiter.Allow(ctx, p.key, p.limit)
		if err != nil {
			// Fail open: a broken limiter backend must not stall
			// price fetching.
			logger.Log.Warn("Rate limiter unavailable, proceeding unpaced", zap.Error(err))
			return nil
		}
		if res.Allowed > 0 {
			return nil
		}
		timer := time.NewTimer(res.RetryAfter)
		select {
		case <-timer.C:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
