package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/octup/fulfillment-core/core"
)

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), DefaultRetryConfig(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRetryEventualSuccess(t *testing.T) {
	calls := 0
	cfg := DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond

	err := Retry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("ai service timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryExhaustsMaxAttempts(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = 3
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond

	calls := 0
	persistent := errors.New("ai service unavailable")
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return persistent
	})
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if !errors.Is(err, core.ErrMaxRetriesExceeded) {
		t.Fatalf("expected core.ErrMaxRetriesExceeded, got %v", err)
	}
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = 10
	cfg.InitialDelay = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, cfg, func() error {
		calls++
		return errors.New("still failing")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls >= cfg.MaxAttempts {
		t.Fatalf("expected cancellation to cut attempts short, got %d calls", calls)
	}
}

func TestRetryNilConfigUsesDefaults(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), nil, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRetryBackoffEnforcesMaxDelay(t *testing.T) {
	cfg := &RetryConfig{
		MaxAttempts:   4,
		InitialDelay:  10 * time.Millisecond,
		MaxDelay:      15 * time.Millisecond,
		BackoffFactor: 10.0,
		JitterEnabled: false,
	}

	start := time.Now()
	calls := 0
	_ = Retry(context.Background(), cfg, func() error {
		calls++
		return errors.New("fail")
	})
	elapsed := time.Since(start)

	// 3 waits between 4 attempts, each capped at MaxDelay: well under what
	// an uncapped 10x-per-attempt backoff would take.
	if elapsed > 200*time.Millisecond {
		t.Fatalf("expected backoff to respect MaxDelay, took %v", elapsed)
	}
}

// TestRetryWithCircuitBreakerOpensAfterConsecutiveFailures mirrors how
// ai/adapter.go wraps chat-completion calls: retry attempts are routed
// through the circuit breaker, so once the breaker trips, remaining
// attempts fail fast with core.ErrCircuitOpen instead of calling fn.
func TestRetryWithCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cbCfg := AIServiceConfig()
	cbCfg.Logger = testLogger()
	cb, err := NewCircuitBreaker(cbCfg)
	if err != nil {
		t.Fatalf("NewCircuitBreaker: %v", err)
	}

	retryCfg := DefaultRetryConfig()
	retryCfg.MaxAttempts = 10
	retryCfg.InitialDelay = time.Millisecond
	retryCfg.MaxDelay = 2 * time.Millisecond

	calls := 0
	err = RetryWithCircuitBreaker(context.Background(), retryCfg, cb, func() error {
		calls++
		return errors.New("ai service down")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != cbCfg.FailureThreshold {
		t.Fatalf("expected fn to run only until the breaker opened after %d failures, got %d calls", cbCfg.FailureThreshold, calls)
	}
	if cb.GetState() != StateOpen.String() {
		t.Fatalf("expected breaker to be open by the end, got %s", cb.GetState())
	}
}

func TestRetryWithCircuitBreakerShortCircuitsOnceOpen(t *testing.T) {
	cbCfg := AIServiceConfig()
	cbCfg.Logger = testLogger()
	cb, err := NewCircuitBreaker(cbCfg)
	if err != nil {
		t.Fatalf("NewCircuitBreaker: %v", err)
	}
	cb.ForceOpen()

	retryCfg := DefaultRetryConfig()
	retryCfg.MaxAttempts = 5
	retryCfg.InitialDelay = time.Millisecond
	retryCfg.MaxDelay = 2 * time.Millisecond

	calls := 0
	err = RetryWithCircuitBreaker(context.Background(), retryCfg, cb, func() error {
		calls++
		return nil
	})
	if err == nil {
		t.Fatal("expected error from an open circuit")
	}
	if calls != 0 {
		t.Fatalf("expected fn to never run while the breaker is forced open, got %d calls", calls)
	}
}

func TestRetryPanicIsRecoveredByCaller(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected Retry to propagate a panic from fn, not swallow it")
		}
	}()
	_ = Retry(context.Background(), DefaultRetryConfig(), func() error {
		panic("boom")
	})
}
