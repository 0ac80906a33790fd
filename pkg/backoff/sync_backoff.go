// Package backoff implements exponential backoff retry for upstream calls.
package backoff

import (
	"context"
	"errors"
	"time"
)

// Policy controls retry behavior. Delays follow Base * Factor^attempt.
type Policy struct {
	Base       time.Duration
	Factor     float64
	MaxRetries int

	// Retryable decides whether an error is worth another attempt.
	// When nil, no error is retried.
	Retryable func(error) bool
}

// Default returns the standard upstream retry policy: 1s base, doubling,
// three retries after the initial attempt.
func Default(retryable func(error) bool) *Policy {
	return &Policy{
		Base:       1 * time.Second,
		Factor:     2.0,
		MaxRetries: 3,
		Retryable:  retryable,
	}
}

// Delay returns the sleep duration before retry attempt n (0-based).
func (p *Policy) Delay(attempt int) time.Duration {
	d := float64(p.Base)
	for i := 0; i < attempt; i++ {
		d *= p.Factor
	}
	return time.Duration(d)
}

// Execute runs fn, retrying retryable failures with exponential delays.
// Context cancellation aborts the wait and returns ctx.Err joined with
// the last failure.
func (p *Policy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt >= p.MaxRetries {
			return lastErr
		}
		if p.Retryable == nil || !p.Retryable(lastErr) {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), lastErr)
		case <-time.After(p.Delay(attempt)):
		}
	}
}

// ExecuteResult is the generic variant of Execute for calls returning a value.
func ExecuteResult[T any](ctx context.Context, p *Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := p.Execute(ctx, func(ctx context.Context) error {
		var callErr error
		result, callErr = fn(ctx)
		return callErr
	})
	return result, err
}
