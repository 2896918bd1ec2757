package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/boddenberg/card-usage-reports/internal/domain"
	"github.com/boddenberg/card-usage-reports/internal/infra/resilience"
)

func TestRetryWithBackoff_Success(t *testing.T) {
	cfg := resilience.Config{
		MaxRetries:     3,
		InitialBackoff: 10 * time.Millisecond,
	}

	callCount := 0
	err := resilience.RetryWithBackoff(context.Background(), cfg, func() error {
		callCount++
		return nil
	})

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
}

func TestRetryWithBackoff_RetriesOnFailure(t *testing.T) {
	cfg := resilience.Config{
		MaxRetries:     3,
		InitialBackoff: 10 * time.Millisecond,
	}

	callCount := 0
	err := resilience.RetryWithBackoff(context.Background(), cfg, func() error {
		callCount++
		if callCount < 3 {
			return errors.New("temporary error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("expected 3 calls, got %d", callCount)
	}
}

func TestRetryWithBackoff_ExhaustsRetries(t *testing.T) {
	cfg := resilience.Config{
		MaxRetries:     2,
		InitialBackoff: 10 * time.Millisecond,
	}

	err := resilience.RetryWithBackoff(context.Background(), cfg, func() error {
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("expected error after retries exhausted")
	}
}

func TestRetryWithBackoff_RespectsContext(t *testing.T) {
	cfg := resilience.Config{
		MaxRetries:     5,
		InitialBackoff: 1 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := resilience.RetryWithBackoff(ctx, cfg, func() error {
		return errors.New("error")
	})

	if err == nil {
		t.Fatal("expected context error")
	}
}

func TestBulkhead_AcquireRelease(t *testing.T) {
	bh := resilience.NewBulkhead(2)

	if err := bh.Acquire(context.Background()); err != nil {
		t.Fatalf("expected acquire, got %v", err)
	}
	if err := bh.Acquire(context.Background()); err != nil {
		t.Fatalf("expected acquire, got %v", err)
	}

	// Third acquire should block - test with timeout context
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := bh.Acquire(ctx)
	if err == nil {
		t.Fatal("expected timeout on third acquire")
	}

	// Release one slot
	bh.Release()

	if err := bh.Acquire(context.Background()); err != nil {
		t.Fatalf("expected acquire after release, got %v", err)
	}
}

func TestRetryWithBackoff_StopsOnPermanent(t *testing.T) {
	cfg := resilience.Config{
		MaxRetries:     5,
		InitialBackoff: 10 * time.Millisecond,
	}

	cause := errors.New("bad request")
	callCount := 0
	err := resilience.RetryWithBackoff(context.Background(), cfg, func() error {
		callCount++
		return resilience.Permanent(cause)
	})

	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be returned, got %v", err)
	}
	if resilience.IsPermanent(err) {
		t.Error("expected permanent marker to be stripped")
	}
	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
}

func TestBulkhead_Unlimited(t *testing.T) {
	bh := resilience.NewBulkhead(0)
	for i := 0; i < 100; i++ {
		if err := bh.Acquire(context.Background()); err != nil {
			t.Fatalf("expected acquire, got %v", err)
		}
	}
	bh.Release()
}

func TestStatusError(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		status    int
		permanent bool
	}{
		{400, true},
		{401, true},
		{404, true},
		{429, false},
		{500, false},
		{503, false},
	}
	for _, tt := range tests {
		err := resilience.StatusError(tt.status, cause)
		if got := resilience.IsPermanent(err); got != tt.permanent {
			t.Errorf("status %d: expected permanent=%v, got %v", tt.status, tt.permanent, got)
		}
		if !errors.Is(err, cause) {
			t.Errorf("status %d: expected cause to be preserved", tt.status)
		}
	}
}

func TestGuard_TripsToCircuitOpen(t *testing.T) {
	guard := resilience.NewGuard("firebase", resilience.NewCircuitBreaker("guard-test"), resilience.Config{})
	failing := func() error { return errors.New("unavailable") }

	for i := 0; i < 5; i++ {
		if err := guard.Do(context.Background(), failing); err == nil {
			t.Fatal("expected failure")
		}
	}

	calls := 0
	err := guard.Do(context.Background(), func() error {
		calls++
		return nil
	})
	var open *domain.ErrCircuitOpen
	if !errors.As(err, &open) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if open.Service != "firebase" {
		t.Errorf("unexpected service %q", open.Service)
	}
	if calls != 0 {
		t.Errorf("expected fn to be skipped while open, got %d calls", calls)
	}
}

func TestGuard_RetriesInsideOneRequest(t *testing.T) {
	guard := resilience.NewGuard("webhook", resilience.NewCircuitBreaker("guard-retry"),
		resilience.Config{MaxRetries: 2, InitialBackoff: time.Millisecond})

	calls := 0
	err := guard.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}
