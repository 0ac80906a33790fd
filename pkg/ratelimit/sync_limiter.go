// Package ratelimit protects upstream provider APIs from concurrent
// overload: semaphore, then debounce, then sliding window limiter.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds rate limiter configuration.
type Config struct {
	// Semaphore: concurrent request cap
	MaxConcurrent int

	// Rate limiter: calls per second with burst allowance
	RequestsPerSecond int
	BurstSize         int

	// Debounce: identical request suppression window
	DebounceDuration time.Duration
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrent:     100,
		RequestsPerSecond: 10,
		BurstSize:         20,
		DebounceDuration:  1 * time.Minute,
	}
}

// =============================================================================
// APIProtector
// =============================================================================

// APIProtector layers concurrency, debounce and rate protections in
// front of an upstream API.
type APIProtector struct {
	config      *Config
	semaphore   chan struct{}
	rateLimiter *SlidingWindowLimiter
	debouncer   *Debouncer
	redis       *redis.Client
}

// NewAPIProtector creates a new API protector.
func NewAPIProtector(redisClient *redis.Client, config *Config) *APIProtector {
	if config == nil {
		config = DefaultConfig()
	}

	return &APIProtector{
		config:      config,
		semaphore:   make(chan struct{}, config.MaxConcurrent),
		rateLimiter: NewSlidingWindowLimiter(redisClient, config.RequestsPerSecond, config.BurstSize),
		debouncer:   NewDebouncer(redisClient, config.DebounceDuration),
		redis:       redisClient,
	}
}

// ProtectionResult contains the result of protection check.
type ProtectionResult struct {
	Allowed      bool
	Reason       string
	ShouldWait   bool
	WaitDuration time.Duration
	FromDebounce bool
}

// Acquire tries to acquire permission for an API call.
// Returns a release function that must be called after the call completes.
func (p *APIProtector) Acquire(ctx context.Context, key string) (*ProtectionResult, func()) {
	select {
	case p.semaphore <- struct{}{}:
	default:
		return &ProtectionResult{
			Allowed: false,
			Reason:  "too many concurrent requests",
		}, nil
	}

	releaseFunc := func() {
		<-p.semaphore
	}

	if p.debouncer.IsDuplicate(ctx, key) {
		releaseFunc()
		return &ProtectionResult{
			Allowed:      false,
			Reason:       "duplicate request (debounced)",
			FromDebounce: true,
		}, nil
	}

	allowed, waitDuration := p.rateLimiter.Allow(ctx, key)
	if !allowed {
		releaseFunc()
		return &ProtectionResult{
			Allowed:      false,
			Reason:       "rate limit exceeded",
			ShouldWait:   waitDuration > 0,
			WaitDuration: waitDuration,
		}, nil
	}

	p.debouncer.Mark(ctx, key)

	return &ProtectionResult{Allowed: true}, releaseFunc
}

// AcquireWithWait tries to acquire, waiting out the rate limit window
// when it fits inside maxWait.
func (p *APIProtector) AcquireWithWait(ctx context.Context, key string, maxWait time.Duration) (*ProtectionResult, func()) {
	result, release := p.Acquire(ctx, key)

	if !result.Allowed && result.ShouldWait && result.WaitDuration <= maxWait {
		select {
		case <-time.After(result.WaitDuration):
			return p.Acquire(ctx, key)
		case <-ctx.Done():
			return &ProtectionResult{
				Allowed: false,
				Reason:  "context cancelled",
			}, nil
		}
	}

	return result, release
}

// =============================================================================
// SlidingWindowLimiter
// =============================================================================

// SlidingWindowLimiter implements sliding window rate limiting using Redis.
type SlidingWindowLimiter struct {
	redis     *redis.Client
	rate      int           // requests per window
	window    time.Duration // window size
	burstSize int           // allowed burst
}

// NewSlidingWindowLimiter creates a new sliding window rate limiter.
func NewSlidingWindowLimiter(redisClient *redis.Client, requestsPerSecond, burstSize int) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		redis:     redisClient,
		rate:      requestsPerSecond,
		window:    time.Second,
		burstSize: burstSize,
	}
}

// Allow checks if request is allowed and returns wait duration if not.
// Without Redis the limiter fails open.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) (bool, time.Duration) {
	if l.redis == nil {
		return true, 0
	}

	now := time.Now()
	windowStart := now.Add(-l.window)
	redisKey := fmt.Sprintf("ratelimit:%s", key)

	// Lua script for atomic sliding window check
	script := redis.NewScript(`
		local key = KEYS[1]
		local now = tonumber(ARGV[1])
		local window_start = tonumber(ARGV[2])
		local max_requests = tonumber(ARGV[3])
		local window_ms = tonumber(ARGV[4])

		-- Remove old entries
		redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

		-- Count current requests
		local count = redis.call('ZCARD', key)

		if count < max_requests then
			-- Add new request
			redis.call('ZADD', key, now, now .. '-' .. math.random())
			redis.call('PEXPIRE', key, window_ms * 2)
			return 1
		else
			-- Get oldest entry to calculate wait time
			local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
			if #oldest > 0 then
				return -(oldest[2] + window_ms - now)
			end
			return 0
		end
	`)

	result, err := script.Run(ctx, l.redis, []string{redisKey},
		now.UnixMilli(),
		windowStart.UnixMilli(),
		l.rate+l.burstSize,
		l.window.Milliseconds(),
	).Int64()

	if err != nil {
		return true, 0
	}

	if result == 1 {
		return true, 0
	}

	// result is negative wait time in milliseconds
	if result < 0 {
		return false, time.Duration(-result) * time.Millisecond
	}

	return false, l.window
}

// =============================================================================
// Debouncer
// =============================================================================

// Debouncer prevents duplicate requests within a time window.
type Debouncer struct {
	redis    *redis.Client
	duration time.Duration
	local    map[string]time.Time // fallback for no redis
	mu       sync.RWMutex
}

// NewDebouncer creates a new debouncer.
func NewDebouncer(redisClient *redis.Client, duration time.Duration) *Debouncer {
	return &Debouncer{
		redis:    redisClient,
		duration: duration,
		local:    make(map[string]time.Time),
	}
}

// IsDuplicate checks if this is a duplicate request.
func (d *Debouncer) IsDuplicate(ctx context.Context, key string) bool {
	redisKey := fmt.Sprintf("debounce:%s", key)

	if d.redis != nil {
		exists, err := d.redis.Exists(ctx, redisKey).Result()
		if err == nil {
			return exists > 0
		}
	}

	d.mu.RLock()
	lastTime, exists := d.local[key]
	d.mu.RUnlock()

	if exists && time.Since(lastTime) < d.duration {
		return true
	}

	return false
}

// Mark marks this request as processed.
func (d *Debouncer) Mark(ctx context.Context, key string) {
	redisKey := fmt.Sprintf("debounce:%s", key)

	if d.redis != nil {
		d.redis.Set(ctx, redisKey, "1", d.duration)
	}

	d.mu.Lock()
	d.local[key] = time.Now()
	d.mu.Unlock()

	go d.cleanup()
}

func (d *Debouncer) cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for k, v := range d.local {
		if now.Sub(v) > d.duration*2 {
			delete(d.local, k)
		}
	}
}
