package service

import (
	"fmt"

	"github.com/boddenberg/card-usage-reports/internal/domain"
)

// Levels are the three ordered alert thresholds of one granularity.
type Levels struct {
	L1 int64
	L2 int64
	L3 int64
}

// Crossing is a newly reached threshold level.
type Crossing struct {
	Level     int
	Threshold int64
}

// ThresholdEvaluator decides which alert level, if any, a total newly crosses.
type ThresholdEvaluator struct {
	levels [3]int64
}

// NewThresholdEvaluator fails unless L1 < L2 < L3.
func NewThresholdEvaluator(field string, l Levels) (*ThresholdEvaluator, error) {
	if l.L1 >= l.L2 || l.L2 >= l.L3 {
		return nil, &domain.ErrConfig{Field: field, Message: fmt.Sprintf("levels must be strictly increasing, got %d,%d,%d", l.L1, l.L2, l.L3)}
	}
	return &ThresholdEvaluator{levels: [3]int64{l.L1, l.L2, l.L3}}, nil
}

// Evaluate checks L3, L2, L1 in that order and returns the first level whose
// threshold total meets and whose flag is still unset. At most one level
// fires per call.
func (e *ThresholdEvaluator) Evaluate(total int64, flags domain.AlertFlags) (Crossing, bool) {
	for level := 3; level >= 1; level-- {
		threshold := e.levels[level-1]
		if total >= threshold && !flags.Has(level) {
			return Crossing{Level: level, Threshold: threshold}, true
		}
	}
	return Crossing{}, false
}
