package resilience

import (
	"errors"
	"testing"
	"time"
)

var errUpstream = errors.New("upstream failed")

func testBreaker(timeout time.Duration) *CircuitBreaker {
	return NewCircuitBreaker(&CircuitBreakerConfig{
		Name:               "test",
		FailureThreshold:   3,
		SuccessThreshold:   2,
		Timeout:            timeout,
		MaxHalfOpenRequest: 1,
	})
}

func fail(cb *CircuitBreaker) error {
	return cb.Execute(func() error { return errUpstream })
}

func succeed(cb *CircuitBreaker) error {
	return cb.Execute(func() error { return nil })
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	cb := testBreaker(time.Minute)

	for i := 0; i < 3; i++ {
		if err := fail(cb); !errors.Is(err, errUpstream) {
			t.Fatalf("attempt %d: error = %v, want %v", i, err, errUpstream)
		}
	}

	if got := cb.State(); got != StateOpen {
		t.Fatalf("State() = %v, want open", got)
	}

	// Requests now fail fast without invoking the function.
	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Execute() error = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("function should not run while circuit is open")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := testBreaker(time.Minute)

	fail(cb)
	fail(cb)
	succeed(cb)
	fail(cb)
	fail(cb)

	if got := cb.State(); got != StateClosed {
		t.Errorf("State() = %v, want closed after interleaved successes", got)
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	cb := testBreaker(10 * time.Millisecond)

	for i := 0; i < 3; i++ {
		fail(cb)
	}
	if cb.State() != StateOpen {
		t.Fatal("breaker should be open")
	}

	time.Sleep(20 * time.Millisecond)

	// First probe transitions to half-open.
	if err := succeed(cb); err != nil {
		t.Fatalf("probe error = %v", err)
	}
	if err := succeed(cb); err != nil {
		t.Fatalf("second probe error = %v", err)
	}

	if got := cb.State(); got != StateClosed {
		t.Errorf("State() = %v, want closed after recovery", got)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := testBreaker(10 * time.Millisecond)

	for i := 0; i < 3; i++ {
		fail(cb)
	}
	time.Sleep(20 * time.Millisecond)

	fail(cb)

	if got := cb.State(); got != StateOpen {
		t.Errorf("State() = %v, want open after half-open failure", got)
	}
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		Name:               "watched",
		FailureThreshold:   2,
		SuccessThreshold:   1,
		Timeout:            time.Minute,
		MaxHalfOpenRequest: 1,
		OnStateChange: func(name string, from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	fail(cb)
	fail(cb)

	if len(transitions) != 1 || transitions[0] != "closed->open" {
		t.Errorf("transitions = %v, want [closed->open]", transitions)
	}
}

func TestBreaker_Reset(t *testing.T) {
	cb := testBreaker(time.Minute)
	for i := 0; i < 3; i++ {
		fail(cb)
	}

	cb.Reset()

	if got := cb.State(); got != StateClosed {
		t.Errorf("State() = %v, want closed after Reset", got)
	}
	if err := succeed(cb); err != nil {
		t.Errorf("Execute() after Reset error = %v", err)
	}
}
