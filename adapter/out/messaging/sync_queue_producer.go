// Package messaging implements the Redis-backed queue, pair locks, and
// lifecycle event fan-out.
package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"sync_server/core/port/out"
	"sync_server/pkg/snowflake"
)

// Stream and group names shared with the consumer side.
const (
	StreamSyncJobs   = "sync:jobs"
	GroupSyncWorkers = "sync:workers"
)

// StreamJobQueue implements out.JobQueue on a Redis stream.
type StreamJobQueue struct {
	client *redis.Client
}

// NewStreamJobQueue creates a new stream-backed job queue.
func NewStreamJobQueue(client *redis.Client) *StreamJobQueue {
	return &StreamJobQueue{client: client}
}

// EnsureGroup creates the consumer group, tolerating an existing one.
func (q *StreamJobQueue) EnsureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, StreamSyncJobs, GroupSyncWorkers, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// EnqueueSync publishes the job and returns its job ID. A missing job ID
// and enqueue time are filled in here so callers can pass a bare pair.
func (q *StreamJobQueue) EnqueueSync(ctx context.Context, job *out.SyncJob) (string, error) {
	if job.JobID == "" {
		job.JobID = snowflake.StringID()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal sync job: %w", err)
	}

	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamSyncJobs,
		ID:     "*",
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Err()
	if err != nil {
		return "", fmt.Errorf("failed to publish to %s: %w", StreamSyncJobs, err)
	}

	return job.JobID, nil
}

// Pending reports the consumer group's pending message count.
func (q *StreamJobQueue) Pending(ctx context.Context) (int64, error) {
	info, err := q.client.XPending(ctx, StreamSyncJobs, GroupSyncWorkers).Result()
	if err != nil {
		return 0, err
	}
	return info.Count, nil
}

// =============================================================================
// Interface Compliance
// =============================================================================

var _ out.JobQueue = (*StreamJobQueue)(nil)
