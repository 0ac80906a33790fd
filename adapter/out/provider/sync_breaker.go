package provider

import (
	"errors"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"google.golang.org/api/googleapi"

	"sync_server/core/domain"
	"sync_server/core/port/out"
	"sync_server/pkg/logger"
)

// =============================================================================
// Circuit Breaker
// =============================================================================

// newBreaker builds the per-adapter circuit breaker. Trips on more than
// five consecutive failures, or a 60% failure ratio once ten calls have
// been seen in the window.
func newBreaker(name string) *gobreaker.CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithField("component", "circuit_breaker").
				Warn("%s: state changed from %s to %s", name, from.String(), to.String())
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var nce *nonCircuitError
			return errors.As(err, &nce)
		},
	}
	return gobreaker.NewCircuitBreaker(settings)
}

// nonCircuitError wraps errors that should not trip the circuit breaker:
// client-side failures (auth, not-found, bad arguments) say nothing
// about upstream health.
type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string {
	return e.err.Error()
}

func (e *nonCircuitError) Unwrap() error {
	return e.err
}

// breakerDo runs fn through the breaker, keeping non-retryable provider
// errors out of the failure counts.
func breakerDo[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	result, err := cb.Execute(func() (interface{}, error) {
		v, err := fn()
		if err != nil && !retryableForBreaker(err) {
			return v, &nonCircuitError{err: err}
		}
		return v, err
	})
	if nce, ok := err.(*nonCircuitError); ok {
		err = nce.err
	}
	if result == nil {
		var zero T
		return zero, err
	}
	return result.(T), err
}

func retryableForBreaker(err error) bool {
	var pe *out.ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}

// =============================================================================
// Google API Error Mapping
// =============================================================================

// wrapGoogleError maps a googleapi error onto the provider taxonomy.
// Shared by the Gmail, Drive and Calendar adapters; anything that is not
// a structured API error counts as transient (network-level failure).
func wrapGoogleError(p domain.Provider, err error, defaultMsg string) error {
	if err == nil {
		return nil
	}

	if apiErr, ok := err.(*googleapi.Error); ok {
		switch apiErr.Code {
		case 401:
			return out.NewProviderError(p, out.ProviderErrAuthFailed, "token rejected", err)
		case 403:
			if strings.Contains(apiErr.Message, "Rate Limit") || strings.Contains(apiErr.Message, "rateLimitExceeded") {
				return out.NewProviderError(p, out.ProviderErrRateLimited, "rate limit exceeded", err)
			}
			return out.NewProviderError(p, out.ProviderErrAuthFailed, "access denied", err)
		case 404:
			return out.NewProviderError(p, out.ProviderErrNotFound, "not found", err)
		case 429:
			return out.NewProviderError(p, out.ProviderErrRateLimited, "too many requests", err)
		case 500, 502, 503, 504:
			return out.NewProviderError(p, out.ProviderErrTransientUpstream, "server error", err)
		default:
			if apiErr.Code >= 400 && apiErr.Code < 500 {
				return out.NewProviderError(p, out.ProviderErrPermanentUpstream, defaultMsg, err)
			}
		}
	}

	return out.NewProviderError(p, out.ProviderErrTransientUpstream, defaultMsg, err)
}
