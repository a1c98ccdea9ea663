package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"pricewatch/internal/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache is a key/value store with per-entry TTL. Writes and deletes never
// surface errors: an unavailable backend degrades to always-miss, not to
// application failure.
//
// GetStaleAllowed returns entries past their TTL and exists solely as the
// upstream client's fallback when the price source is unreachable. Normal
// reads must use Get.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Get(ctx context.Context, key string) ([]byte, bool)
	GetStaleAllowed(ctx context.Context, key string) ([]byte, bool)
	Delete(ctx context.Context, key string)
	Exists(ctx context.Context, key string) bool
	// InvalidateByPrefix drops every key with the given prefix, used after
	// rule mutations to invalidate cached API responses.
	InvalidateByPrefix(ctx context.Context, prefix string)
}

var (
	cacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"keyspace", "instance"},
	)
	cacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"keyspace", "instance"},
	)
)

func init() {
	prometheus.MustRegister(cacheHitsTotal)
	prometheus.MustRegister(cacheMissesTotal)
}

// entry wraps every cached payload so freshness is derived from the stored
// creation time rather than from backend expiry. The backend key lives
// longer than the TTL to keep a stale copy around for fallback reads.
type entry struct {
	Payload  []byte        `json:"payload"`
	CachedAt time.Time     `json:"cached_at"`
	TTL      time.Duration `json:"ttl"`
}

func (e entry) fresh(now time.Time) bool {
	return now.Sub(e.CachedAt) < e.TTL
}

// staleRetention is how long past its TTL an entry is kept for
// stale-allowed fallback reads.
const staleRetention = 10

// expired reports whether the entry is past its retention window and no
// longer usable even for stale-allowed reads.
func (e entry) expired(now time.Time) bool {
	retain := e.TTL * staleRetention
	if retain < time.Minute {
		retain = time.Minute
	}
	return now.Sub(e.CachedAt) >= retain
}

// RedisCache implements Cache on a Redis backend.
type RedisCache struct {
	client   *redis.Client
	instance string
}

// NewRedisCache wraps an existing Redis client. The caller owns the client
// lifecycle.
func NewRedisCache(client *redis.Client, instance string) *RedisCache {
	return &RedisCache{client: client, instance: instance}
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	data, err := json.Marshal(entry{Payload: value, CachedAt: time.Now(), TTL: ttl})
	if err != nil {
		logger.Log.Error("Failed to encode cache entry", zap.String("key", key), zap.Error(err))
		return
	}
	retain := ttl * staleRetention
	if retain < time.Minute {
		retain = time.Minute
	}
	if err := c.client.Set(ctx, key, data, retain).Err(); err != nil {
		logger.Log.Warn("Failed to store cache entry",
			zap.String("key", key),
			zap.String("instance", c.instance),
			zap.Error(err),
		)
	}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	e, ok := c.load(ctx, key)
	if !ok {
		cacheMissesTotal.WithLabelValues(keyspace(key), c.instance).Inc()
		return nil, false
	}
	if !e.fresh(time.Now()) {
		// A stale entry is a miss but stays stored for fallback reads
		// until its backend expiry removes it.
		cacheMissesTotal.WithLabelValues(keyspace(key), c.instance).Inc()
		return nil, false
	}
	cacheHitsTotal.WithLabelValues(keyspace(key), c.instance).Inc()
	return e.Payload, true
}

func (c *RedisCache) GetStaleAllowed(ctx context.Context, key string) ([]byte, bool) {
	e, ok := c.load(ctx, key)
	if !ok {
		return nil, false
	}
	return e.Payload, true
}

func (c *RedisCache) Delete(ctx context.Context, key string) {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		logger.Log.Warn("Failed to delete cache entry",
			zap.String("key", key),
			zap.String("instance", c.instance),
			zap.Error(err),
		)
	}
}

func (c *RedisCache) Exists(ctx context.Context, key string) bool {
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		logger.Log.Warn("Failed to check cache entry",
			zap.String("key", key),
			zap.String("instance", c.instance),
			zap.Error(err),
		)
		return false
	}
	return n > 0
}

func (c *RedisCache) load(ctx context.Context, key string) (entry, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return entry{}, false
	}
	if err != nil {
		logger.Log.Warn("Failed to read cache entry",
			zap.String("key", key),
			zap.String("instance", c.instance),
			zap.Error(err),
		)
		return entry{}, false
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		logger.Log.Warn("Discarding undecodable cache entry",
			zap.String("key", key),
			zap.Error(err),
		)
		c.Delete(ctx, key)
		return entry{}, false
	}
	return e, true
}

func (c *RedisCache) InvalidateByPrefix(ctx context.Context, prefix string) {
	keys, err := c.scanKeys(ctx, prefix)
	if err != nil {
		logger.Log.Error("Failed to scan cache keys for invalidation",
			zap.String("prefix", prefix),
			zap.String("instance", c.instance),
			zap.Error(err),
		)
		return
	}

	invalidated := 0
	for _, key := range keys {
		if err := c.client.Del(ctx, key).Err(); err != nil {
			logger.Log.Warn("Failed to invalidate cache key",
				zap.String("key", key),
				zap.String("prefix", prefix),
				zap.Error(err),
			)
		} else {
			invalidated++
		}
	}

	logger.Log.Info("Cache invalidation completed",
		zap.String("prefix", prefix),
		zap.String("instance", c.instance),
		zap.Int("invalidated_keys", invalidated),
	)
}

func (c *RedisCache) scanKeys(ctx context.Context, prefix string) ([]string, error) {
	var cursor uint64
	var keys []string
	for {
		found, next, err := c.client.Scan(ctx, cursor, prefix+"*", 1000).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, found...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// keyspace is the metric label for a key, the segment before the first ':'.
func keyspace(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}
