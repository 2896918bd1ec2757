package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/boddenberg/card-usage-reports/internal/domain"

	"go.uber.org/zap"
)

func TestLocalLocker_ExclusiveUntilRelease(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	u, err := l.Obtain(ctx, "recalc", time.Minute)
	if err != nil {
		t.Fatalf("expected lock, got %v", err)
	}

	_, err = l.Obtain(ctx, "recalc", time.Minute)
	var locked *domain.ErrLocked
	if !errors.As(err, &locked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}

	if _, err := l.Obtain(ctx, "sweep", time.Minute); err != nil {
		t.Fatalf("other names must be independent, got %v", err)
	}

	if err := u.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := l.Obtain(ctx, "recalc", time.Minute); err != nil {
		t.Fatalf("expected lock after release, got %v", err)
	}
}

func TestLocalLocker_Expires(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()
	now := time.Date(2024, 1, 1, 4, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	first, err := l.Obtain(ctx, "recalc", time.Minute)
	if err != nil {
		t.Fatalf("obtain: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := l.Obtain(ctx, "recalc", time.Minute); err != nil {
		t.Fatalf("expected expired lock to be re-obtainable, got %v", err)
	}

	// A stale release must not drop the new holder.
	first.Release(ctx)
	if _, err := l.Obtain(ctx, "recalc", time.Minute); err == nil {
		t.Fatal("expected lock still held by second owner")
	}
}

func TestDial_UnreachableRedis(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, _, err := Dial(ctx, "127.0.0.1:1", zap.NewNop())
	var ext *domain.ErrExternalService
	if !errors.As(err, &ext) {
		t.Fatalf("expected ErrExternalService, got %v", err)
	}
}
