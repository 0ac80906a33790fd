package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"sync_server/core/port/out"
)

// ChannelSyncEvents is the pub/sub channel carrying sync lifecycle
// events.
const ChannelSyncEvents = "sync:events"

// RedisEventPublisher implements out.EventPublisher on Redis pub/sub.
// There is no delivery guarantee; observers that miss events read the
// sync_runs table instead.
type RedisEventPublisher struct {
	client *redis.Client
}

// NewRedisEventPublisher creates a new event publisher.
func NewRedisEventPublisher(client *redis.Client) *RedisEventPublisher {
	return &RedisEventPublisher{client: client}
}

// Publish sends the event to the shared channel.
func (p *RedisEventPublisher) Publish(ctx context.Context, ev *out.SyncEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal sync event: %w", err)
	}

	if err := p.client.Publish(ctx, ChannelSyncEvents, string(data)).Err(); err != nil {
		return fmt.Errorf("failed to publish sync event: %w", err)
	}
	return nil
}

// =============================================================================
// Interface Compliance
// =============================================================================

var _ out.EventPublisher = (*RedisEventPublisher)(nil)
