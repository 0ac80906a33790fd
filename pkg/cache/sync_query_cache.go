package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// =============================================================================
// QueryCache - two-level cache for retrieval results
// L1 in-process with short TTL, L2 Redis. Invalidated per user after an
// ingestion run lands new documents.
// =============================================================================

// QueryCacheConfig holds cache configuration.
type QueryCacheConfig struct {
	// L1 (local memory)
	L1MaxSize int
	L1TTL     time.Duration

	// L2 (Redis)
	L2TTL time.Duration
}

// DefaultQueryCacheConfig returns default cache configuration.
func DefaultQueryCacheConfig() *QueryCacheConfig {
	return &QueryCacheConfig{
		L1MaxSize: 1000,
		L1TTL:     30 * time.Second,
		L2TTL:     5 * time.Minute,
	}
}

// QueryCache provides two-level caching for retrieval query results.
type QueryCache struct {
	config *QueryCacheConfig
	l1     *L1Cache
	redis  *redis.Client
}

// NewQueryCache creates a new query cache.
func NewQueryCache(redisClient *redis.Client, config *QueryCacheConfig) *QueryCache {
	if config == nil {
		config = DefaultQueryCacheConfig()
	}

	return &QueryCache{
		config: config,
		l1:     NewL1Cache(config.L1MaxSize, config.L1TTL),
		redis:  redisClient,
	}
}

// QueryKey identifies one retrieval query.
type QueryKey struct {
	UserID  string
	Adapter string
	Query   string
	TopK    int
}

func (k *QueryKey) String() string {
	sum := sha256.Sum256([]byte(k.Query))
	return fmt.Sprintf("retrieval:%s:%s:%s:%d",
		k.UserID, k.Adapter, hex.EncodeToString(sum[:8]), k.TopK)
}

// Get retrieves cached retrieval results.
func (c *QueryCache) Get(ctx context.Context, key *QueryKey) ([]byte, bool) {
	keyStr := key.String()

	if data, ok := c.l1.Get(keyStr); ok {
		return data, true
	}

	if c.redis != nil {
		data, err := c.redis.Get(ctx, keyStr).Bytes()
		if err == nil {
			// Promote to L1
			c.l1.Set(keyStr, data)
			return data, true
		}
	}

	return nil, false
}

// Set stores retrieval results in both levels.
func (c *QueryCache) Set(ctx context.Context, key *QueryKey, data []byte) {
	keyStr := key.String()

	c.l1.Set(keyStr, data)

	if c.redis != nil {
		c.redis.Set(ctx, keyStr, data, c.config.L2TTL)
	}
}

// InvalidateByUser removes all cached queries for a user. Called after
// a sync run upserts new content so stale results are not served.
func (c *QueryCache) InvalidateByUser(ctx context.Context, userID string) {
	c.l1.InvalidateByPrefix(fmt.Sprintf("retrieval:%s:", userID))

	if c.redis != nil {
		pattern := fmt.Sprintf("retrieval:%s:*", userID)
		keys, _ := c.redis.Keys(ctx, pattern).Result()
		if len(keys) > 0 {
			c.redis.Del(ctx, keys...)
		}
	}
}

// =============================================================================
// L1Cache - in-process LRU with TTL
// =============================================================================

type cacheEntry struct {
	data      []byte
	expiresAt time.Time
}

// L1Cache is a simple LRU cache with TTL.
type L1Cache struct {
	maxSize int
	ttl     time.Duration
	items   map[string]*cacheEntry
	order   []string // LRU order
	mu      sync.RWMutex
}

// NewL1Cache creates a new L1 cache.
func NewL1Cache(maxSize int, ttl time.Duration) *L1Cache {
	cache := &L1Cache{
		maxSize: maxSize,
		ttl:     ttl,
		items:   make(map[string]*cacheEntry),
		order:   make([]string, 0, maxSize),
	}

	go cache.cleanupLoop()

	return cache
}

// Get retrieves value from cache.
func (c *L1Cache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	entry, exists := c.items[key]
	c.mu.RUnlock()

	if !exists {
		return nil, false
	}

	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return nil, false
	}

	return entry.data, true
}

// Set stores value in cache.
func (c *L1Cache) Set(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// LRU eviction if at capacity
	if len(c.items) >= c.maxSize {
		if len(c.order) > 0 {
			oldest := c.order[0]
			delete(c.items, oldest)
			c.order = c.order[1:]
		}
	}

	c.items[key] = &cacheEntry{
		data:      data,
		expiresAt: time.Now().Add(c.ttl),
	}
	c.order = append(c.order, key)
}

// InvalidateByPrefix removes all entries with matching prefix.
func (c *L1Cache) InvalidateByPrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.items {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.items, key)
		}
	}
}

func (c *L1Cache) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		c.cleanup()
	}
}

func (c *L1Cache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.items {
		if now.After(entry.expiresAt) {
			delete(c.items, key)
		}
	}
}
