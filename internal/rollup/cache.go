package rollup

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/jobcost/internal/model"
)

// StatsCache holds the latest dashboard snapshot.
type StatsCache interface {
	// Get returns the cached snapshot and whether it was present and fresh.
	Get(ctx context.Context) (*model.DashboardStats, bool, error)
	Set(ctx context.Context, stats *model.DashboardStats) error
	Invalidate(ctx context.Context) error
}

// CacheStats contains cache performance statistics.
type CacheStats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// MemoryCache keeps one snapshot in process memory with a TTL.
type MemoryCache struct {
	mu       sync.RWMutex
	stats    *model.DashboardStats
	storedAt time.Time
	ttl      time.Duration
	hits     atomic.Int64
	misses   atomic.Int64
	now      func() time.Time
}

// NewMemoryCache creates a MemoryCache. A non-positive ttl disables caching.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, now: time.Now}
}

func (c *MemoryCache) Get(context.Context) (*model.DashboardStats, bool, error) {
	c.mu.RLock()
	stats, storedAt := c.stats, c.storedAt
	c.mu.RUnlock()

	if stats == nil || c.ttl <= 0 || c.now().Sub(storedAt) >= c.ttl {
		c.misses.Add(1)
		return nil, false, nil
	}
	c.hits.Add(1)
	cp := *stats
	return &cp, true, nil
}

func (c *MemoryCache) Set(_ context.Context, stats *model.DashboardStats) error {
	cp := *stats
	c.mu.Lock()
	c.stats = &cp
	c.storedAt = c.now()
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Invalidate(context.Context) error {
	c.mu.Lock()
	c.stats = nil
	c.mu.Unlock()
	return nil
}

// Stats returns cache performance statistics.
func (c *MemoryCache) Stats() CacheStats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return CacheStats{Hits: hits, Misses: misses, HitRate: hitRate}
}

// RedisCache shares the snapshot between instances through Redis, relying
// on key expiry for the TTL.
type RedisCache struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

// NewRedisCache creates a RedisCache storing the snapshot under key.
func NewRedisCache(client redis.Cmdable, key string, ttl time.Duration) *RedisCache {
	if key == "" {
		key = "jobcost:dashboard"
	}
	return &RedisCache{client: client, key: key, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context) (*model.DashboardStats, bool, error) {
	data, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "rollup: redis get")
	}
	var stats model.DashboardStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, false, eris.Wrap(err, "rollup: decode cached dashboard")
	}
	return &stats, true, nil
}

func (c *RedisCache) Set(ctx context.Context, stats *model.DashboardStats) error {
	if c.ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return eris.Wrap(err, "rollup: encode dashboard")
	}
	return eris.Wrap(c.client.Set(ctx, c.key, data, c.ttl).Err(), "rollup: redis set")
}

func (c *RedisCache) Invalidate(ctx context.Context) error {
	return eris.Wrap(c.client.Del(ctx, c.key).Err(), "rollup: redis del")
}
