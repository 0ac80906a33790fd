package worker

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-pkgz/pool"
	"github.com/rs/zerolog"

	"sync_server/config"
	"sync_server/core/port/in"
	"sync_server/core/port/out"
	"sync_server/pkg/metrics"
)

// =============================================================================
// Sync worker pool
// =============================================================================

// PoolConfig holds worker pool configuration. One job is one
// (user, provider) sync run, so jobs are few and long-lived.
type PoolConfig struct {
	MaxWorkers     int
	BatchSize      int
	WorkerChanSize int
	JobTimeout     time.Duration
	MaxRetries     int
	RetryBase      time.Duration
}

// DefaultPoolConfig returns default pool configuration.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		MaxWorkers:     4,
		BatchSize:      1,
		WorkerChanSize: 16,
		JobTimeout:     10 * time.Minute,
		MaxRetries:     3,
		RetryBase:      5 * time.Second,
	}
}

// PoolConfigFrom maps the service configuration onto pool knobs.
func PoolConfigFrom(cfg *config.Config) *PoolConfig {
	pc := DefaultPoolConfig()
	if cfg.WorkerMax > 0 {
		pc.MaxWorkers = cfg.WorkerMax
	}
	if cfg.WorkerQueueSize > 0 {
		pc.WorkerChanSize = cfg.WorkerQueueSize
	}
	if cfg.ConsumerMaxRetries > 0 {
		pc.MaxRetries = cfg.ConsumerMaxRetries
	}
	if cfg.ConsumerRetryDelaySec > 0 {
		pc.RetryBase = time.Duration(cfg.ConsumerRetryDelaySec) * time.Second
	}
	return pc
}

// PoolMetrics holds pool counters, updated atomically.
type PoolMetrics struct {
	JobsProcessed int64
	JobsFailed    int64
	JobsRetried   int64
	RunsFailed    int64
	AvgProcessMS  int64
	QueueSize     int32
}

// Pool executes sync jobs on a go-pkgz worker group. Failed jobs are
// resubmitted with exponential backoff up to MaxRetries, then parked on
// the dead letter channel. A run that completed with Success=false is
// not a job failure; the run row already carries the report.
type Pool struct {
	syncs  in.SyncService
	config *PoolConfig

	pool *pool.WorkerGroup[*out.SyncJob]

	ctx    context.Context
	cancel context.CancelFunc

	metrics *PoolMetrics
	dlq     chan *out.SyncJob
	dlqWg   sync.WaitGroup

	started bool
	mu      sync.Mutex
	log     zerolog.Logger
}

// syncWorker implements pool.Worker for sync jobs.
type syncWorker struct {
	pool *Pool
}

func (w *syncWorker) Do(ctx context.Context, job *out.SyncJob) error {
	return w.pool.processJob(ctx, job)
}

// NewPool creates the worker pool. Start must be called before Submit.
func NewPool(syncs in.SyncService, config *PoolConfig, log zerolog.Logger) *Pool {
	if config == nil {
		config = DefaultPoolConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		syncs:   syncs,
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		metrics: &PoolMetrics{},
		dlq:     make(chan *out.SyncJob, 100),
		log:     log.With().Str("component", "sync_pool").Logger(),
	}
}

// Start starts the worker group and its side goroutines.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}

	p.pool = pool.New[*out.SyncJob](p.config.MaxWorkers, &syncWorker{pool: p}).
		WithBatchSize(p.config.BatchSize).
		WithWorkerChanSize(p.config.WorkerChanSize).
		WithContinueOnError()

	if err := p.pool.Go(p.ctx); err != nil {
		p.log.Error().Err(err).Msg("failed to start worker group")
		return
	}

	p.started = true

	p.dlqWg.Add(1)
	go p.dlqProcessor()
	go p.metricsReporter()

	p.log.Info().
		Int("max_workers", p.config.MaxWorkers).
		Dur("job_timeout", p.config.JobTimeout).
		Int("max_retries", p.config.MaxRetries).
		Msg("sync worker pool started")
}

// Stop drains the pool and stops the side goroutines.
func (p *Pool) Stop() {
	p.log.Info().Msg("stopping sync worker pool")

	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer closeCancel()

	if p.pool != nil {
		if err := p.pool.Close(closeCtx); err != nil {
			p.log.Warn().Err(err).Msg("error closing worker group")
		}
	}

	p.cancel()
	close(p.dlq)
	p.dlqWg.Wait()

	p.log.Info().
		Int64("processed", atomic.LoadInt64(&p.metrics.JobsProcessed)).
		Int64("failed", atomic.LoadInt64(&p.metrics.JobsFailed)).
		Msg("sync worker pool stopped")
}

// Submit hands one job to the pool. False means the pool is not running.
func (p *Pool) Submit(job *out.SyncJob) bool {
	p.mu.Lock()
	if !p.started || p.pool == nil {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	p.pool.Submit(job)
	atomic.AddInt32(&p.metrics.QueueSize, 1)
	return true
}

// Wait blocks until every submitted job has been processed.
func (p *Pool) Wait() error {
	p.mu.Lock()
	grp := p.pool
	p.mu.Unlock()

	if grp != nil {
		return grp.Wait(p.ctx)
	}
	return nil
}

// processJob runs one pair sync with the configured timeout.
func (p *Pool) processJob(ctx context.Context, job *out.SyncJob) error {
	start := time.Now()
	defer atomic.AddInt32(&p.metrics.QueueSize, -1)

	jobCtx, cancel := context.WithTimeout(ctx, p.config.JobTimeout)
	defer cancel()

	result, err := p.syncs.SyncPair(jobCtx, job.UserID, job.Provider, job.Force)

	elapsed := time.Since(start)
	p.updateAvgProcessTime(elapsed.Milliseconds())
	metrics.RecordLatency("sync_job", elapsed)

	if err != nil {
		p.log.Error().
			Err(err).
			Str("job_id", job.JobID).
			Str("user_id", job.UserID).
			Str("provider", string(job.Provider)).
			Int("retries", job.Retries).
			Msg("sync job failed")
		p.retryOrPark(job)
		return err
	}

	atomic.AddInt64(&p.metrics.JobsProcessed, 1)
	if result != nil && !result.Success {
		atomic.AddInt64(&p.metrics.RunsFailed, 1)
		p.log.Warn().
			Str("job_id", job.JobID).
			Str("user_id", job.UserID).
			Str("provider", string(job.Provider)).
			Int("items_failed", result.ItemsFailed).
			Msg("sync run completed with failures")
		return nil
	}

	if result != nil {
		p.log.Info().
			Str("job_id", job.JobID).
			Str("user_id", job.UserID).
			Str("provider", string(job.Provider)).
			Int("ingested", result.ItemsIngested).
			Int("skipped", result.ItemsSkipped).
			Dur("elapsed", elapsed).
			Msg("sync job completed")
	}
	return nil
}

// retryOrPark resubmits with exponential backoff plus jitter, parking
// the job on the DLQ channel once retries are spent.
func (p *Pool) retryOrPark(job *out.SyncJob) {
	if job.Retries < p.config.MaxRetries {
		job.Retries++
		atomic.AddInt64(&p.metrics.JobsRetried, 1)

		backoff := p.config.RetryBase*time.Duration(1<<job.Retries) +
			time.Duration(rand.Intn(500))*time.Millisecond
		time.AfterFunc(backoff, func() {
			p.Submit(job)
		})
		return
	}

	atomic.AddInt64(&p.metrics.JobsFailed, 1)
	select {
	case p.dlq <- job:
		p.log.Warn().
			Str("job_id", job.JobID).
			Str("user_id", job.UserID).
			Msg("job parked on DLQ after max retries")
	default:
		p.log.Error().
			Str("job_id", job.JobID).
			Msg("DLQ full, job dropped")
	}
}

func (p *Pool) updateAvgProcessTime(elapsed int64) {
	current := atomic.LoadInt64(&p.metrics.AvgProcessMS)
	if current == 0 {
		atomic.StoreInt64(&p.metrics.AvgProcessMS, elapsed)
		return
	}
	atomic.StoreInt64(&p.metrics.AvgProcessMS, (current*9+elapsed)/10)
}

// dlqProcessor logs permanently failed jobs so an operator can replay
// them by re-triggering the pair.
func (p *Pool) dlqProcessor() {
	defer p.dlqWg.Done()

	for job := range p.dlq {
		p.log.Error().
			Str("job_id", job.JobID).
			Str("user_id", job.UserID).
			Str("provider", string(job.Provider)).
			Int("retries", job.Retries).
			Time("enqueued_at", job.EnqueuedAt).
			Msg("DLQ: sync job permanently failed")
	}
}

func (p *Pool) metricsReporter() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.log.Info().
				Int64("processed", atomic.LoadInt64(&p.metrics.JobsProcessed)).
				Int64("failed", atomic.LoadInt64(&p.metrics.JobsFailed)).
				Int64("retried", atomic.LoadInt64(&p.metrics.JobsRetried)).
				Int64("runs_failed", atomic.LoadInt64(&p.metrics.RunsFailed)).
				Int64("avg_process_ms", atomic.LoadInt64(&p.metrics.AvgProcessMS)).
				Int32("queue_size", atomic.LoadInt32(&p.metrics.QueueSize)).
				Msg("sync pool metrics")
		}
	}
}

// GetMetrics returns a copy of the current counters.
func (p *Pool) GetMetrics() PoolMetrics {
	return PoolMetrics{
		JobsProcessed: atomic.LoadInt64(&p.metrics.JobsProcessed),
		JobsFailed:    atomic.LoadInt64(&p.metrics.JobsFailed),
		JobsRetried:   atomic.LoadInt64(&p.metrics.JobsRetried),
		RunsFailed:    atomic.LoadInt64(&p.metrics.RunsFailed),
		AvgProcessMS:  atomic.LoadInt64(&p.metrics.AvgProcessMS),
		QueueSize:     atomic.LoadInt32(&p.metrics.QueueSize),
	}
}
