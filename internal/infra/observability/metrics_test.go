package observability_test

import (
	"testing"

	"github.com/boddenberg/card-usage-reports/internal/domain"
	"github.com/boddenberg/card-usage-reports/internal/infra/observability"
)

func TestSnapshot(t *testing.T) {
	m := observability.NewMetrics()

	m.IncrAggregateWrite(domain.GranularityDaily, "created")
	m.IncrAggregateWrite(domain.GranularityDaily, "created")
	m.IncrRecalcRun("success")
	m.IncrRecalcRun("partial")
	m.IncrNotification(domain.ChannelAlert, "sent")
	m.IncrNotification(domain.ChannelDaily, "error")
	m.IncrStoreError("get")
	m.AddExploredRecords(3)
	m.IncrTrigger("duplicate")

	s := m.Snapshot()

	if got := s.AggregateWrites["daily/created"]; got != 2 {
		t.Errorf("expected 2 daily creates, got %v", got)
	}
	if s.RecalcErrorRate != 0.5 {
		t.Errorf("expected error rate 0.5, got %v", s.RecalcErrorRate)
	}
	if s.Notifications["alert"] != 1 || s.NotificationErrors != 1 {
		t.Errorf("unexpected notification counters: %+v / %v", s.Notifications, s.NotificationErrors)
	}
	if s.StoreErrors != 1 || s.ExploredRecords != 3 || s.DuplicateTriggers != 1 {
		t.Errorf("unexpected counters: %+v", s)
	}
}
