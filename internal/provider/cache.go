package provider

import (
	"context"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/g6run/g6run/internal/config"
)

// Cache is the byte cache behind the facade's instrument and quote layers.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, val []byte, ttl time.Duration)
	Len() int
}

type memoryCache struct {
	mu    sync.Mutex
	m     map[string]memoryEntry
	clock func() time.Time
}

type memoryEntry struct {
	b   []byte
	exp time.Time
}

// NewMemoryCache builds the default in-process cache.
func NewMemoryCache(clock func() time.Time) Cache {
	if clock == nil {
		clock = time.Now
	}
	return &memoryCache{m: make(map[string]memoryEntry), clock: clock}
}

func (c *memoryCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok {
		return nil, false
	}
	if !e.exp.IsZero() && c.clock().After(e.exp) {
		delete(c.m, key)
		return nil, false
	}
	return e.b, true
}

// Set stores val for ttl. A non-positive ttl means the entry is not
// cacheable and is dropped rather than pinned forever.
func (c *memoryCache) Set(key string, val []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = memoryEntry{b: append([]byte(nil), val...), exp: c.clock().Add(ttl)}
}

func (c *memoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	now := c.clock()
	for _, e := range c.m {
		if e.exp.IsZero() || now.Before(e.exp) {
			n++
		}
	}
	return n
}

// redisCache shares cached instruments across processes. Lookups are bounded
// so a slow redis degrades to a miss instead of stalling a cycle.
type redisCache struct {
	r      *redis.Client
	prefix string
}

const redisCallTimeout = 500 * time.Millisecond

// NewRedisCache connects a go-redis backed cache.
func NewRedisCache(addr string, db int, prefix string) Cache {
	return &redisCache{
		r:      redis.NewClient(&redis.Options{Addr: addr, DB: db}),
		prefix: prefix,
	}
}

func (c *redisCache) Get(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), redisCallTimeout)
	defer cancel()
	v, err := c.r.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	return v, true
}

func (c *redisCache) Set(key string, val []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisCallTimeout)
	defer cancel()
	_ = c.r.Set(ctx, c.prefix+key, val, ttl).Err()
}

func (c *redisCache) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), redisCallTimeout)
	defer cancel()
	var count int
	iter := c.r.Scan(ctx, 0, c.prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		count++
	}
	return count
}

// NewCacheFromSettings selects redis when enabled, memory otherwise.
func NewCacheFromSettings(cfg config.RedisConfig, prefix string, clock func() time.Time) Cache {
	if cfg.Enabled && cfg.Addr != "" {
		return NewRedisCache(cfg.Addr, cfg.DB, prefix)
	}
	return NewMemoryCache(clock)
}
