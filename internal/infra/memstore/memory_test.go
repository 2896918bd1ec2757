package memstore_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/boddenberg/card-usage-reports/internal/domain"
	"github.com/boddenberg/card-usage-reports/internal/infra/memstore"
	"github.com/boddenberg/card-usage-reports/internal/port"
)

func TestMemory_SetGetList(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	if err := s.Set(ctx, "details/2024/01/term1/01/a", map[string]any{"amount": 1000}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, "details/2024/01/term1/02/b", map[string]any{"amount": 2000}); err != nil {
		t.Fatalf("set: %v", err)
	}

	var doc map[string]int
	found, err := s.Get(ctx, "details/2024/01/term1/01/a", &doc)
	if err != nil || !found {
		t.Fatalf("expected document, found=%v err=%v", found, err)
	}
	if doc["amount"] != 1000 {
		t.Errorf("expected amount 1000, got %d", doc["amount"])
	}

	days, err := s.ListChildren(ctx, "details/2024/01/term1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(days) != 2 || days[0] != "01" || days[1] != "02" {
		t.Errorf("unexpected children: %v", days)
	}

	missing, err := s.ListChildren(ctx, "details/1999")
	if err != nil || len(missing) != 0 {
		t.Errorf("expected empty listing for missing branch, got %v %v", missing, err)
	}
}

func TestMemory_UpdateMergesAndDeleteRemovesSubtree(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	_ = s.Set(ctx, "reports/daily/2024-01/01", map[string]any{"totalAmount": 10, "notifiedForDelivery": false})
	if err := s.Update(ctx, "reports/daily/2024-01/01", map[string]any{"notifiedForDelivery": true}); err != nil {
		t.Fatalf("update: %v", err)
	}

	var doc map[string]any
	_, _ = s.Get(ctx, "reports/daily/2024-01/01", &doc)
	if doc["totalAmount"] != float64(10) || doc["notifiedForDelivery"] != true {
		t.Errorf("expected merged document, got %v", doc)
	}

	_ = s.Set(ctx, "details/2024/01/term1/01/a", map[string]any{"amount": 1})
	if err := s.Delete(ctx, "details/2024/01"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if found, _ := s.Get(ctx, "details/2024/01/term1/01/a", &doc); found {
		t.Error("expected subtree to be deleted")
	}
}

func TestMemory_TransactResolvesTimestampAndSkips(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	err := s.Transact(ctx, "reports/monthly/2024/01", func(cur json.RawMessage) (any, error) {
		if cur != nil {
			t.Errorf("expected absent document, got %s", cur)
		}
		agg := &domain.MonthlyAggregate{}
		agg.TotalAmount = 5
		agg.Touch(domain.ActorTrigger)
		return agg, nil
	})
	if err != nil {
		t.Fatalf("transact: %v", err)
	}

	var got domain.MonthlyAggregate
	_, _ = s.Get(ctx, "reports/monthly/2024/01", &got)
	if got.LastUpdatedAt == 0 {
		t.Error("expected server timestamp to be resolved")
	}

	writes := s.Writes()
	err = s.Transact(ctx, "reports/monthly/2024/01", func(json.RawMessage) (any, error) {
		return nil, port.ErrSkipWrite
	})
	if err != nil || s.Writes() != writes {
		t.Errorf("expected skipped write, err=%v writes=%d->%d", err, writes, s.Writes())
	}
}

func TestMemory_InjectFault(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	boom := errors.New("boom")
	s.InjectFault(memstore.OpSet, "reports/daily/2024-01", boom)

	err := s.Set(ctx, "reports/daily/2024-01/05", map[string]any{})
	var storeErr *domain.ErrStoreAccess
	if !errors.As(err, &storeErr) || !errors.Is(err, boom) {
		t.Fatalf("expected injected store error, got %v", err)
	}
	if err := s.Set(ctx, "reports/daily/2024-02/05", map[string]any{}); err != nil {
		t.Errorf("expected other paths to work, got %v", err)
	}
}
