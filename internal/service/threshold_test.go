package service_test

import (
	"errors"
	"testing"

	"github.com/boddenberg/card-usage-reports/internal/domain"
	"github.com/boddenberg/card-usage-reports/internal/service"
)

func TestNewThresholdEvaluator_RejectsMisorderedLevels(t *testing.T) {
	for _, l := range []service.Levels{
		{L1: 100, L2: 100, L3: 300},
		{L1: 100, L2: 300, L3: 200},
		{L1: 300, L2: 200, L3: 100},
	} {
		_, err := service.NewThresholdEvaluator("WEEKLY_THRESHOLDS", l)
		var cfgErr *domain.ErrConfig
		if !errors.As(err, &cfgErr) {
			t.Errorf("levels %+v: expected ErrConfig, got %v", l, err)
		}
	}
}

func TestEvaluate(t *testing.T) {
	ev, err := service.NewThresholdEvaluator("WEEKLY_THRESHOLDS", service.Levels{L1: 30000, L2: 50000, L3: 70000})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		total     int64
		flags     domain.AlertFlags
		wantLevel int
		wantFire  bool
	}{
		{"below all", 29999, domain.AlertFlags{}, 0, false},
		{"exactly L1", 30000, domain.AlertFlags{}, 1, true},
		{"exactly L2 with L1 set", 50000, domain.AlertFlags{NotifiedLevel1: true}, 2, true},
		{"L2 crossed, L1 unset, highest wins", 50000, domain.AlertFlags{}, 2, true},
		{"already notified", 50000, domain.AlertFlags{NotifiedLevel1: true, NotifiedLevel2: true}, 0, false},
		{"above L3", 90000, domain.AlertFlags{NotifiedLevel1: true}, 3, true},
		{"L3 set, L2 pending", 90000, domain.AlertFlags{NotifiedLevel3: true}, 2, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, fired := ev.Evaluate(tt.total, tt.flags)
			if fired != tt.wantFire || c.Level != tt.wantLevel {
				t.Errorf("expected (%d, %v), got (%d, %v)", tt.wantLevel, tt.wantFire, c.Level, fired)
			}
		})
	}
}

func TestEvaluate_LeavesLowerFlagsUntouched(t *testing.T) {
	ev, _ := service.NewThresholdEvaluator("WEEKLY_THRESHOLDS", service.Levels{L1: 30000, L2: 50000, L3: 70000})
	flags := domain.AlertFlags{NotifiedLevel1: true}

	c, fired := ev.Evaluate(50000, flags)
	if !fired || c.Level != 2 || c.Threshold != 50000 {
		t.Fatalf("expected level 2 at 50000, got %+v fired=%v", c, fired)
	}
	flags.Set(c.Level)
	if !flags.NotifiedLevel1 || !flags.NotifiedLevel2 || flags.NotifiedLevel3 {
		t.Errorf("unexpected flags %+v", flags)
	}
}
