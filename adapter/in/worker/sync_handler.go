package worker

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"sync_server/core/port/out"
)

// =============================================================================
// Stream handler
// =============================================================================

// StreamHandler adapts queue frames to pool submissions. Returning an
// error leaves the message pending so the consumer's claim cycle can
// retry it on another worker.
type StreamHandler struct {
	pool *Pool
	log  zerolog.Logger
}

func NewStreamHandler(pool *Pool, log zerolog.Logger) *StreamHandler {
	return &StreamHandler{
		pool: pool,
		log:  log.With().Str("component", "stream_handler").Logger(),
	}
}

func (h *StreamHandler) Handle(ctx context.Context, stream string, data []byte) error {
	var job out.SyncJob
	if err := json.Unmarshal(data, &job); err != nil {
		return fmt.Errorf("malformed sync job on %s: %w", stream, err)
	}
	if job.UserID == "" {
		return fmt.Errorf("sync job %s has no user", job.JobID)
	}
	if !job.Provider.Valid() {
		return fmt.Errorf("sync job %s has unknown provider %q", job.JobID, job.Provider)
	}

	if !h.pool.Submit(&job) {
		return fmt.Errorf("pool rejected sync job %s", job.JobID)
	}

	h.log.Debug().
		Str("job_id", job.JobID).
		Str("user_id", job.UserID).
		Str("provider", string(job.Provider)).
		Msg("sync job submitted to pool")
	return nil
}
