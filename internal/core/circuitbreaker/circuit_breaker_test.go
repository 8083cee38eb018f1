package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"fleetsync.live/internal/core/domain"
	"github.com/sony/gobreaker"
)

func TestCircuitBreaker_OpensOnTransportFailures(t *testing.T) {
	cb := NewWithSettings("test", Settings{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, MinRequests: 2, FailureRatio: 0.5})
	ctx := context.Background()
	down := fmt.Errorf("%w: connection refused", domain.ErrUnreachable)

	for i := 0; i < 2; i++ {
		if err := cb.Execute(ctx, func() error { return down }); !errors.Is(err, domain.ErrUnreachable) {
			t.Fatalf("Execute() error = %v", err)
		}
	}
	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("State() = %v, want open", cb.State())
	}

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	if called {
		t.Error("open breaker must short-circuit")
	}
	if !errors.Is(err, ErrCircuitOpen) || domain.KindOf(err) != domain.KindTransient {
		t.Errorf("Execute() error = %v, want transient open-circuit error", err)
	}
}

func TestCircuitBreaker_RejectionsKeepItClosed(t *testing.T) {
	cb := NewWithSettings("test", Settings{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, MinRequests: 2, FailureRatio: 0.5})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := cb.Execute(ctx, func() error { return domain.ErrStaleCompletion })
		if !errors.Is(err, domain.ErrStaleCompletion) {
			t.Fatalf("Execute() error = %v", err)
		}
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("State() = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_FallbackAndCanceledContext(t *testing.T) {
	cb := New("test")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := cb.Execute(ctx, func() error { t.Error("fn called"); return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("Execute() error = %v, want canceled", err)
	}

	err := cb.ExecuteWithFallback(context.Background(),
		func() error { return errors.New("boom") },
		func(error) error { return nil },
	)
	if err != nil {
		t.Errorf("ExecuteWithFallback() error = %v", err)
	}
}
