package bootstrap

import (
	"context"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"sync_server/adapter/in/worker"
	"sync_server/adapter/out/messaging"
	"sync_server/config"
	"sync_server/core/port/out"
	"sync_server/pkg/logger"
)

// Worker ties the job pool, the stream consumer and the interval
// scheduler together for the background run mode.
type Worker struct {
	pool      *worker.Pool
	consumer  *messaging.Consumer
	scheduler *worker.Scheduler
	deps      *Dependencies
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	zlog      zerolog.Logger
}

// NewWorker assembles the worker on top of an already built dependency
// graph. Without Redis the consumer is skipped and only the scheduler
// feeds the pool.
func NewWorker(cfg *config.Config, deps *Dependencies) *Worker {
	zlog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		With().Timestamp().Str("component", "worker").Logger()

	pool := worker.NewPool(deps.Syncs, worker.PoolConfigFrom(cfg), zlog)

	ctx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		pool:   pool,
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
		zlog:   zlog,
	}

	if deps.Redis != nil {
		handler := worker.NewStreamHandler(pool, zlog)
		w.consumer = messaging.NewConsumer(deps.Redis, cfg, &messaging.ConsumerConfig{
			Group:    messaging.GroupSyncWorkers,
			Consumer: cfg.WorkerID,
			Streams:  []string{messaging.StreamSyncJobs},
			Handler:  handler,
			Logger:   zlog,
		})
		logger.Info("Stream consumer configured (group=%s consumer=%s)", messaging.GroupSyncWorkers, cfg.WorkerID)
	} else {
		logger.Warn("Redis not available, worker runs on the scheduler alone")
	}

	if cfg.SchedulerEnabled {
		w.scheduler = worker.NewScheduler(cfg, deps.Syncs)
	} else {
		logger.Info("Interval scheduler disabled")
	}

	return w
}

// Start runs the pool, the consumer and the scheduler, then blocks
// until Stop cancels the worker context.
func (w *Worker) Start() {
	w.pool.Start()

	if w.consumer != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.zlog.Info().Msg("starting stream consumer")
			if err := w.consumer.Run(w.ctx); err != nil && err != context.Canceled {
				w.zlog.Error().Err(err).Msg("stream consumer stopped")
			}
		}()
	}

	if w.scheduler != nil {
		w.scheduler.Start()
		w.zlog.Info().Msg("started interval scheduler")
	}

	<-w.ctx.Done()
}

// Stop shuts the worker down: consumer first so no new jobs arrive,
// then the scheduler, then the pool drains in-flight jobs.
func (w *Worker) Stop() {
	w.cancel()

	if w.scheduler != nil {
		w.scheduler.Stop()
	}

	w.pool.Stop()
	w.wg.Wait()
}

// Submit hands a job straight to the pool, bypassing the queue. Used
// by the combined run mode when Redis is absent.
func (w *Worker) Submit(job *out.SyncJob) bool {
	return w.pool.Submit(job)
}

// GetMetrics exposes pool counters for the stats endpoint.
func (w *Worker) GetMetrics() worker.PoolMetrics {
	return w.pool.GetMetrics()
}

// Dependencies returns the shared graph.
func (w *Worker) Dependencies() *Dependencies {
	return w.deps
}
