package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"sync_server/config"
	"sync_server/core/domain"
	"sync_server/core/port/out"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeSyncService struct {
	mu       sync.Mutex
	pairs    []string
	allCalls int
	result   *domain.SyncResult
	results  []*domain.SyncResult
	err      error
}

func (f *fakeSyncService) SyncPair(ctx context.Context, userID string, p domain.Provider, force bool) (*domain.SyncResult, error) {
	f.mu.Lock()
	f.pairs = append(f.pairs, userID+"/"+string(p))
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeSyncService) SyncAll(ctx context.Context) ([]*domain.SyncResult, error) {
	f.mu.Lock()
	f.allCalls++
	f.mu.Unlock()
	return f.results, f.err
}

func (f *fakeSyncService) TriggerSync(ctx context.Context, userID string, p domain.Provider, force bool) (string, error) {
	return "job-1", nil
}

func (f *fakeSyncService) Status(ctx context.Context, userID string) ([]*domain.SyncRun, error) {
	return nil, nil
}

func (f *fakeSyncService) History(ctx context.Context, userID string, limit int) ([]*domain.SyncRun, error) {
	return nil, nil
}

func (f *fakeSyncService) pairCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pairs...)
}

func testJob() *out.SyncJob {
	return &out.SyncJob{
		JobID:      "job-1",
		UserID:     "u1",
		Provider:   domain.ProviderGoogleEmail,
		EnqueuedAt: time.Now(),
	}
}

func testPool(syncs *fakeSyncService, pc *PoolConfig) *Pool {
	return NewPool(syncs, pc, zerolog.Nop())
}

// =============================================================================
// Pool config
// =============================================================================

func TestPoolConfigFrom(t *testing.T) {
	tests := []struct {
		name string
		cfg  *config.Config
		want PoolConfig
	}{
		{
			name: "defaults when config is empty",
			cfg:  &config.Config{},
			want: *DefaultPoolConfig(),
		},
		{
			name: "service config overrides",
			cfg: &config.Config{
				WorkerMax:             8,
				WorkerQueueSize:       64,
				ConsumerMaxRetries:    5,
				ConsumerRetryDelaySec: 2,
			},
			want: PoolConfig{
				MaxWorkers:     8,
				BatchSize:      1,
				WorkerChanSize: 64,
				JobTimeout:     10 * time.Minute,
				MaxRetries:     5,
				RetryBase:      2 * time.Second,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PoolConfigFrom(tt.cfg)
			if *got != tt.want {
				t.Errorf("PoolConfigFrom() = %+v, want %+v", *got, tt.want)
			}
		})
	}
}

// =============================================================================
// Job processing
// =============================================================================

func TestProcessJobSuccess(t *testing.T) {
	syncs := &fakeSyncService{result: &domain.SyncResult{
		UserID:        "u1",
		SourceType:    domain.ProviderGoogleEmail,
		Success:       true,
		ItemsIngested: 3,
	}}
	p := testPool(syncs, nil)

	if err := p.processJob(context.Background(), testJob()); err != nil {
		t.Fatalf("processJob() error = %v", err)
	}

	if got := syncs.pairCalls(); len(got) != 1 || got[0] != "u1/google_email" {
		t.Errorf("pair calls = %v, want [u1/google_email]", got)
	}
	m := p.GetMetrics()
	if m.JobsProcessed != 1 || m.RunsFailed != 0 || m.JobsRetried != 0 {
		t.Errorf("metrics = %+v, want 1 processed, 0 failed runs, 0 retried", m)
	}
}

func TestProcessJobRunFailureIsTerminal(t *testing.T) {
	// A run that reports Success=false already wrote its report to the
	// run row. The job must not be retried.
	syncs := &fakeSyncService{result: &domain.SyncResult{
		UserID:      "u1",
		SourceType:  domain.ProviderGoogleEmail,
		Success:     false,
		ItemsFailed: 2,
	}}
	p := testPool(syncs, nil)

	if err := p.processJob(context.Background(), testJob()); err != nil {
		t.Fatalf("processJob() error = %v", err)
	}

	m := p.GetMetrics()
	if m.JobsProcessed != 1 || m.RunsFailed != 1 || m.JobsRetried != 0 {
		t.Errorf("metrics = %+v, want 1 processed, 1 failed run, 0 retried", m)
	}
}

func TestProcessJobErrorSchedulesRetry(t *testing.T) {
	syncs := &fakeSyncService{err: errors.New("provider unavailable")}
	pc := DefaultPoolConfig()
	pc.RetryBase = time.Millisecond
	p := testPool(syncs, pc)

	job := testJob()
	if err := p.processJob(context.Background(), job); err == nil {
		t.Fatal("processJob() error = nil, want provider error")
	}

	if job.Retries != 1 {
		t.Errorf("job.Retries = %d, want 1", job.Retries)
	}
	m := p.GetMetrics()
	if m.JobsRetried != 1 || m.JobsFailed != 0 {
		t.Errorf("metrics = %+v, want 1 retried, 0 failed", m)
	}
}

func TestProcessJobParksOnDLQAfterMaxRetries(t *testing.T) {
	syncs := &fakeSyncService{err: errors.New("provider unavailable")}
	p := testPool(syncs, nil)

	job := testJob()
	job.Retries = p.config.MaxRetries
	if err := p.processJob(context.Background(), job); err == nil {
		t.Fatal("processJob() error = nil, want provider error")
	}

	select {
	case parked := <-p.dlq:
		if parked.JobID != "job-1" {
			t.Errorf("parked job = %s, want job-1", parked.JobID)
		}
	default:
		t.Fatal("job not parked on DLQ")
	}
	if m := p.GetMetrics(); m.JobsFailed != 1 {
		t.Errorf("JobsFailed = %d, want 1", m.JobsFailed)
	}
}

func TestSubmitBeforeStart(t *testing.T) {
	p := testPool(&fakeSyncService{}, nil)
	if p.Submit(testJob()) {
		t.Error("Submit() = true on a pool that was never started")
	}
}

// =============================================================================
// Stream handler
// =============================================================================

func TestHandlerRejectsBadFrames(t *testing.T) {
	p := testPool(&fakeSyncService{}, nil)
	h := NewStreamHandler(p, zerolog.Nop())

	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{
			name:    "malformed frame",
			data:    "{not json",
			wantErr: "malformed sync job",
		},
		{
			name:    "missing user",
			data:    `{"job_id":"job-1","provider":"google_email"}`,
			wantErr: "has no user",
		},
		{
			name:    "unknown provider",
			data:    `{"job_id":"job-1","user_id":"u1","provider":"carrier_pigeon"}`,
			wantErr: "unknown provider",
		},
		{
			name:    "pool not running",
			data:    `{"job_id":"job-1","user_id":"u1","provider":"google_email"}`,
			wantErr: "pool rejected",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.Handle(context.Background(), "sync:jobs", []byte(tt.data))
			if err == nil {
				t.Fatal("Handle() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Handle() error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

// =============================================================================
// Scheduler
// =============================================================================

func TestSchedulerPassAggregates(t *testing.T) {
	syncs := &fakeSyncService{results: []*domain.SyncResult{
		{UserID: "u1", SourceType: domain.ProviderGoogleEmail, Success: true, ItemsIngested: 4},
		{UserID: "u1", SourceType: domain.ProviderGoogleDrive, Success: false},
	}}
	s := NewScheduler(&config.Config{SyncIntervalSec: 600}, syncs)

	s.pass()

	if syncs.allCalls != 1 {
		t.Errorf("SyncAll calls = %d, want 1", syncs.allCalls)
	}
}

func TestSchedulerPassSurvivesError(t *testing.T) {
	syncs := &fakeSyncService{err: errors.New("discovery failed")}
	s := NewScheduler(&config.Config{SyncIntervalSec: 600}, syncs)

	s.pass()
	s.pass()

	if syncs.allCalls != 2 {
		t.Errorf("SyncAll calls = %d, want 2", syncs.allCalls)
	}
}

func TestSchedulerIntervalFallback(t *testing.T) {
	s := NewScheduler(&config.Config{}, &fakeSyncService{})
	if s.interval != 10*time.Minute {
		t.Errorf("interval = %s, want 10m fallback", s.interval)
	}
	if s.timeout >= s.interval {
		t.Errorf("timeout %s not below interval %s", s.timeout, s.interval)
	}

	s.SetInterval(time.Second)
	if s.interval != time.Second {
		t.Errorf("interval after SetInterval = %s, want 1s", s.interval)
	}
}
