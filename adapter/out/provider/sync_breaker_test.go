package provider

import (
	"errors"
	"testing"

	"github.com/sony/gobreaker"
	"google.golang.org/api/googleapi"

	"sync_server/core/domain"
	"sync_server/core/port/out"
)

func TestWrapGoogleError(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantCode      out.ProviderErrorCode
		wantRetryable bool
	}{
		{
			"unauthorized",
			&googleapi.Error{Code: 401},
			out.ProviderErrAuthFailed, false,
		},
		{
			"forbidden",
			&googleapi.Error{Code: 403, Message: "insufficient permissions"},
			out.ProviderErrAuthFailed, false,
		},
		{
			"forbidden rate limit",
			&googleapi.Error{Code: 403, Message: "User Rate Limit Exceeded"},
			out.ProviderErrRateLimited, true,
		},
		{
			"forbidden quota reason",
			&googleapi.Error{Code: 403, Message: "rateLimitExceeded"},
			out.ProviderErrRateLimited, true,
		},
		{
			"not found",
			&googleapi.Error{Code: 404},
			out.ProviderErrNotFound, false,
		},
		{
			"too many requests",
			&googleapi.Error{Code: 429},
			out.ProviderErrRateLimited, true,
		},
		{
			"server error",
			&googleapi.Error{Code: 503},
			out.ProviderErrTransientUpstream, true,
		},
		{
			"bad request is permanent",
			&googleapi.Error{Code: 400},
			out.ProviderErrPermanentUpstream, false,
		},
		{
			"network failure is transient",
			errors.New("dial tcp: connection refused"),
			out.ProviderErrTransientUpstream, true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := wrapGoogleError(domain.ProviderGoogleEmail, tt.err, "call failed")

			var pe *out.ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("wrapGoogleError returned %T, want *out.ProviderError", err)
			}
			if pe.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", pe.Code, tt.wantCode)
			}
			if pe.Retryable != tt.wantRetryable {
				t.Errorf("retryable = %v, want %v", pe.Retryable, tt.wantRetryable)
			}
			if pe.Provider != domain.ProviderGoogleEmail {
				t.Errorf("provider = %q, want %q", pe.Provider, domain.ProviderGoogleEmail)
			}
			if !errors.Is(err, tt.err) {
				t.Error("wrapped error lost its cause")
			}
		})
	}
}

func TestWrapGoogleError_Nil(t *testing.T) {
	if err := wrapGoogleError(domain.ProviderGoogleDrive, nil, "x"); err != nil {
		t.Errorf("nil in should be nil out, got %v", err)
	}
}

func TestGraphWrapHTTPError(t *testing.T) {
	g := &graphClient{provider: domain.ProviderMicrosoftEmail}

	tests := []struct {
		status        int
		wantCode      out.ProviderErrorCode
		wantRetryable bool
	}{
		{401, out.ProviderErrAuthFailed, false},
		{403, out.ProviderErrAuthFailed, false},
		{404, out.ProviderErrNotFound, false},
		{429, out.ProviderErrRateLimited, true},
		{500, out.ProviderErrTransientUpstream, true},
		{503, out.ProviderErrTransientUpstream, true},
		{400, out.ProviderErrPermanentUpstream, false},
		{409, out.ProviderErrPermanentUpstream, false},
	}

	for _, tt := range tests {
		err := g.wrapHTTPError(tt.status, "body")

		var pe *out.ProviderError
		if !errors.As(err, &pe) {
			t.Fatalf("status %d: got %T, want *out.ProviderError", tt.status, err)
		}
		if pe.Code != tt.wantCode {
			t.Errorf("status %d: code = %q, want %q", tt.status, pe.Code, tt.wantCode)
		}
		if pe.Retryable != tt.wantRetryable {
			t.Errorf("status %d: retryable = %v, want %v", tt.status, pe.Retryable, tt.wantRetryable)
		}
	}
}

func TestBreakerDo_NonRetryableStaysOutOfCounts(t *testing.T) {
	cb := newBreaker("test-breaker")
	authErr := out.NewProviderError(domain.ProviderGoogleEmail, out.ProviderErrAuthFailed, "token rejected", nil)

	// Well past the consecutive-failure trip threshold. Auth failures must
	// not open the breaker, and the caller has to see the original error.
	for i := 0; i < 20; i++ {
		_, err := breakerDo(cb, func() (string, error) {
			return "", authErr
		})
		if !errors.Is(err, authErr) {
			t.Fatalf("call %d: err = %v, want the auth error", i, err)
		}
	}

	got, err := breakerDo(cb, func() (string, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("breaker tripped on non-retryable failures: %v", err)
	}
	if got != "ok" {
		t.Errorf("result = %q, want %q", got, "ok")
	}
}

func TestBreakerDo_OpensOnConsecutiveTransientFailures(t *testing.T) {
	cb := newBreaker("test-breaker-trip")
	transient := out.NewProviderError(domain.ProviderGoogleEmail, out.ProviderErrTransientUpstream, "server error", nil)

	for i := 0; i < 6; i++ {
		_, _ = breakerDo(cb, func() (int, error) { return 0, transient })
	}

	_, err := breakerDo(cb, func() (int, error) { return 42, nil })
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("breaker should be open after consecutive transient failures, got %v", err)
	}
}

func TestRetryableForBreaker_UnknownErrorsCount(t *testing.T) {
	if !retryableForBreaker(errors.New("plain failure")) {
		t.Error("non-provider errors should count against the breaker")
	}
	pe := out.NewProviderError(domain.ProviderMbox, out.ProviderErrInvalidArgument, "bad", nil)
	if retryableForBreaker(pe) {
		t.Error("invalid_argument must not count against the breaker")
	}
}
