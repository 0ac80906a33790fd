package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"sync_server/config"
	"sync_server/core/domain"
)

func TestNewConsumerDefaults(t *testing.T) {
	tests := []struct {
		name           string
		cfg            *config.Config
		cc             *ConsumerConfig
		wantGroup      string
		wantStreams    int
		wantBatch      int
		wantBlock      time.Duration
		wantPending    time.Duration
		wantIdle       time.Duration
		wantMaxRetries int
	}{
		{
			name:           "all defaults",
			cfg:            &config.Config{},
			cc:             &ConsumerConfig{Consumer: "w1", Logger: zerolog.Nop()},
			wantGroup:      GroupSyncWorkers,
			wantStreams:    1,
			wantBatch:      10,
			wantBlock:      5 * time.Second,
			wantPending:    30 * time.Second,
			wantIdle:       2 * time.Minute,
			wantMaxRetries: 3,
		},
		{
			name: "service config wins over defaults",
			cfg: &config.Config{
				ConsumerBatchSize:       25,
				ConsumerBlockMS:         1500,
				ConsumerPendingCheckSec: 10,
				ConsumerMaxRetries:      5,
			},
			cc:             &ConsumerConfig{Consumer: "w1", Logger: zerolog.Nop()},
			wantGroup:      GroupSyncWorkers,
			wantStreams:    1,
			wantBatch:      25,
			wantBlock:      1500 * time.Millisecond,
			wantPending:    10 * time.Second,
			wantIdle:       2 * time.Minute,
			wantMaxRetries: 5,
		},
		{
			name: "explicit config wins over everything",
			cfg: &config.Config{
				ConsumerBatchSize: 25,
			},
			cc: &ConsumerConfig{
				Group:           "custom:group",
				Consumer:        "w1",
				Streams:         []string{"a", "b"},
				Logger:          zerolog.Nop(),
				BatchSize:       2,
				BlockTime:       time.Second,
				PendingCheck:    time.Minute,
				PendingIdleTime: 3 * time.Minute,
				MaxRetries:      1,
			},
			wantGroup:      "custom:group",
			wantStreams:    2,
			wantBatch:      2,
			wantBlock:      time.Second,
			wantPending:    time.Minute,
			wantIdle:       3 * time.Minute,
			wantMaxRetries: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConsumer(nil, tt.cfg, tt.cc)
			if c.group != tt.wantGroup {
				t.Errorf("group = %s, want %s", c.group, tt.wantGroup)
			}
			if len(c.streams) != tt.wantStreams {
				t.Errorf("streams = %d, want %d", len(c.streams), tt.wantStreams)
			}
			if c.batchSize != tt.wantBatch {
				t.Errorf("batchSize = %d, want %d", c.batchSize, tt.wantBatch)
			}
			if c.blockTime != tt.wantBlock {
				t.Errorf("blockTime = %v, want %v", c.blockTime, tt.wantBlock)
			}
			if c.pendingCheck != tt.wantPending {
				t.Errorf("pendingCheck = %v, want %v", c.pendingCheck, tt.wantPending)
			}
			if c.pendingIdleTime != tt.wantIdle {
				t.Errorf("pendingIdleTime = %v, want %v", c.pendingIdleTime, tt.wantIdle)
			}
			if c.maxRetries != tt.wantMaxRetries {
				t.Errorf("maxRetries = %d, want %d", c.maxRetries, tt.wantMaxRetries)
			}
		})
	}
}

func TestLocalPairLockerExclusive(t *testing.T) {
	ctx := context.Background()
	l := NewLocalPairLocker()

	token, ok, err := l.Acquire(ctx, "u1", domain.ProviderGoogleEmail, time.Minute)
	if err != nil || !ok {
		t.Fatalf("Acquire() = %v, %v; want held", ok, err)
	}

	_, ok, err = l.Acquire(ctx, "u1", domain.ProviderGoogleEmail, time.Minute)
	if err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}
	if ok {
		t.Fatal("second Acquire() succeeded while lock held")
	}

	// A different pair is independent.
	_, ok, err = l.Acquire(ctx, "u1", domain.ProviderMicrosoftEmail, time.Minute)
	if err != nil || !ok {
		t.Fatalf("Acquire(other pair) = %v, %v; want held", ok, err)
	}

	// Release with the wrong token keeps the lock.
	if err := l.Release(ctx, "u1", domain.ProviderGoogleEmail, "stale"); err != nil {
		t.Fatalf("Release(stale) error = %v", err)
	}
	_, ok, _ = l.Acquire(ctx, "u1", domain.ProviderGoogleEmail, time.Minute)
	if ok {
		t.Fatal("Acquire() succeeded after stale release")
	}

	if err := l.Release(ctx, "u1", domain.ProviderGoogleEmail, token); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	_, ok, err = l.Acquire(ctx, "u1", domain.ProviderGoogleEmail, time.Minute)
	if err != nil || !ok {
		t.Fatalf("Acquire() after release = %v, %v; want held", ok, err)
	}
}

func TestLocalPairLockerExpiry(t *testing.T) {
	ctx := context.Background()
	l := NewLocalPairLocker()

	if _, ok, _ := l.Acquire(ctx, "u1", domain.ProviderGoogleEmail, 5*time.Millisecond); !ok {
		t.Fatal("initial Acquire() failed")
	}

	time.Sleep(10 * time.Millisecond)

	if _, ok, _ := l.Acquire(ctx, "u1", domain.ProviderGoogleEmail, time.Minute); !ok {
		t.Fatal("Acquire() after expiry failed")
	}
}
