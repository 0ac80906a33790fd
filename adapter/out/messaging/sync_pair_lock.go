package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"sync_server/core/domain"
	"sync_server/core/port/out"
)

const (
	lockKeyPrefix  = "sync:lock:"
	defaultLockTTL = 10 * time.Minute
)

// releaseScript deletes the lock only when the caller still owns it, so
// a lock that expired and was re-acquired elsewhere is never released by
// the old holder.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisPairLocker implements out.PairLocker with SET NX PX and a
// compare-and-delete release.
type RedisPairLocker struct {
	client *redis.Client
}

// NewRedisPairLocker creates a new pair locker.
func NewRedisPairLocker(client *redis.Client) *RedisPairLocker {
	return &RedisPairLocker{client: client}
}

// Acquire takes the (user, provider) lock for ttl. ok is false when
// another holder owns it.
func (l *RedisPairLocker) Acquire(ctx context.Context, userID string, p domain.Provider, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}

	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, lockKey(userID, p), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire pair lock: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release drops the lock if token still owns it; stale tokens are a
// no-op.
func (l *RedisPairLocker) Release(ctx context.Context, userID string, p domain.Provider, token string) error {
	if token == "" {
		return nil
	}
	err := releaseScript.Run(ctx, l.client, []string{lockKey(userID, p)}, token).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release pair lock: %w", err)
	}
	return nil
}

func lockKey(userID string, p domain.Provider) string {
	return lockKeyPrefix + userID + ":" + string(p)
}

// =============================================================================
// Local fallback
// =============================================================================

// LocalPairLocker serializes pairs within one process. It stands in for
// the Redis locker when Redis is not configured, which is only safe for
// single-instance deployments.
type LocalPairLocker struct {
	mu    sync.Mutex
	locks map[string]localLock
}

type localLock struct {
	token  string
	expiry time.Time
}

func NewLocalPairLocker() *LocalPairLocker {
	return &LocalPairLocker{locks: make(map[string]localLock)}
}

func (l *LocalPairLocker) Acquire(ctx context.Context, userID string, p domain.Provider, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := lockKey(userID, p)
	if held, ok := l.locks[key]; ok && time.Now().Before(held.expiry) {
		return "", false, nil
	}

	token := uuid.New().String()
	l.locks[key] = localLock{token: token, expiry: time.Now().Add(ttl)}
	return token, true, nil
}

func (l *LocalPairLocker) Release(ctx context.Context, userID string, p domain.Provider, token string) error {
	if token == "" {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := lockKey(userID, p)
	if held, ok := l.locks[key]; ok && held.token == token {
		delete(l.locks, key)
	}
	return nil
}

// =============================================================================
// Interface Compliance
// =============================================================================

var _ out.PairLocker = (*RedisPairLocker)(nil)
var _ out.PairLocker = (*LocalPairLocker)(nil)
