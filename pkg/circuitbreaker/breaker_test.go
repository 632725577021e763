package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

func newTestBreaker(threshold uint32, timeout time.Duration) *CircuitBreaker {
	return NewCircuitBreaker(Settings{
		Name:        "smtp_test",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := newTestBreaker(3, time.Minute)
	failure := errors.New("connection refused")

	for i := 0; i < 3; i++ {
		_, err := cb.Execute(func() (interface{}, error) { return nil, failure })
		if !errors.Is(err, failure) {
			t.Fatalf("attempt %d: unexpected error %v", i, err)
		}
	}

	if cb.State() != StateOpen {
		t.Fatalf("expected OPEN state, got %s", cb.State())
	}

	_, err := cb.Execute(func() (interface{}, error) { return nil, nil })
	if !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Errorf("expected ErrCircuitBreakerOpen, got %v", err)
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := newTestBreaker(1, 10*time.Millisecond)

	_, _ = cb.Execute(func() (interface{}, error) { return nil, errors.New("down") })
	if cb.State() != StateOpen {
		t.Fatalf("expected OPEN state, got %s", cb.State())
	}

	time.Sleep(20 * time.Millisecond)

	if cb.State() != StateHalfOpen {
		t.Fatalf("expected HALF_OPEN after timeout, got %s", cb.State())
	}

	_, err := cb.Execute(func() (interface{}, error) { return nil, nil })
	if err != nil {
		t.Fatalf("probe request failed: %v", err)
	}

	if cb.State() != StateClosed {
		t.Errorf("expected CLOSED after successful probe, got %s", cb.State())
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := newTestBreaker(3, time.Minute)
	failure := errors.New("timeout")

	_, _ = cb.Execute(func() (interface{}, error) { return nil, failure })
	_, _ = cb.Execute(func() (interface{}, error) { return nil, failure })
	_, _ = cb.Execute(func() (interface{}, error) { return nil, nil })
	_, _ = cb.Execute(func() (interface{}, error) { return nil, failure })

	if cb.State() != StateClosed {
		t.Errorf("expected CLOSED, got %s", cb.State())
	}
	if got := cb.Counts().ConsecutiveFailures; got != 1 {
		t.Errorf("consecutive failures = %d, want 1", got)
	}
}
