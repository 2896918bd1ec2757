package domain

import (
	"fmt"
	"time"
)

// ============================================================
// Batch recalculation
// ============================================================

// DateLayout is the civil date format used by every range input and bound field.
const DateLayout = "2006-01-02"

// RecalcRequest describes one recalculation run.
type RecalcRequest struct {
	StartDate string        `json:"startDate"`
	EndDate   string        `json:"endDate"`
	Types     []Granularity `json:"types"`
	Actor     string        `json:"actor"`
	DryRun    bool          `json:"dryRun"`
}

// BucketError identifies one bucket that failed during a batch run.
type BucketError struct {
	Granularity Granularity `json:"granularity"`
	Bucket      string      `json:"bucket"`
	Message     string      `json:"message"`
}

// DaySubtotal is one entry of the dry-run per-day preview.
type DaySubtotal struct {
	Date   string `json:"date"`
	Amount int64  `json:"amount"`
	Count  int    `json:"count"`
}

// RecalcPreview is returned instead of writes when DryRun is set.
type RecalcPreview struct {
	ExpectedProcessing map[Granularity]int `json:"expectedProcessing"`
	TopDays            []DaySubtotal       `json:"topDays"`
}

// RecalcResult is the machine-readable outcome of a recalculation.
type RecalcResult struct {
	RunID          string         `json:"runId"`
	Success        bool           `json:"success"`
	DryRun         bool           `json:"dryRun"`
	Actor          string         `json:"actor"`
	StartDate      string         `json:"startDate"`
	EndDate        string         `json:"endDate"`
	ProcessedTypes []Granularity  `json:"processedTypes"`
	TotalProcessed int            `json:"totalProcessed"`
	Created        int            `json:"created"`
	Updated        int            `json:"updated"`
	Errors         []BucketError  `json:"errors"`
	Preview        *RecalcPreview `json:"preview,omitempty"`
	DurationMs     int64          `json:"durationMs"`
}

// ValidateRange checks a civil date range before any I/O.
// maxDays <= 0 disables the span cap.
func ValidateRange(start, end string, maxDays int) (time.Time, time.Time, error) {
	s, err := time.Parse(DateLayout, start)
	if err != nil {
		return time.Time{}, time.Time{}, &ErrValidation{Field: "startDate", Message: fmt.Sprintf("expected YYYY-MM-DD, got %q", start)}
	}
	e, err := time.Parse(DateLayout, end)
	if err != nil {
		return time.Time{}, time.Time{}, &ErrValidation{Field: "endDate", Message: fmt.Sprintf("expected YYYY-MM-DD, got %q", end)}
	}
	if e.Before(s) {
		return time.Time{}, time.Time{}, &ErrValidation{Field: "endDate", Message: "must not be before startDate"}
	}
	if maxDays > 0 {
		if span := int(e.Sub(s).Hours()/24) + 1; span > maxDays {
			return time.Time{}, time.Time{}, &ErrValidation{Field: "endDate", Message: fmt.Sprintf("range of %d days exceeds the %d day limit", span, maxDays)}
		}
	}
	return s, e, nil
}

// ============================================================
// Incremental updates
// ============================================================

// Outcome is the per-bucket result of an incremental update.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged" // record already a member
	OutcomeSkipped   Outcome = "skipped"   // inactive record
)

// ApplyResult reports what an incremental update did to each bucket.
type ApplyResult struct {
	Record   RecordKey               `json:"record"`
	Outcomes map[Granularity]Outcome `json:"outcomes"`
	Alerts   []Alert                 `json:"alerts,omitempty"`
}

// Alert is a newly crossed threshold level on a weekly or monthly bucket.
type Alert struct {
	Granularity Granularity `json:"granularity"`
	Bucket      string      `json:"bucket"`
	Level       int         `json:"level"`
	Threshold   int64       `json:"threshold"`
	Total       int64       `json:"total"`
}

// ============================================================
// Consistency repair
// ============================================================

// ResumResult compares stored totals with a re-sum over member records.
type ResumResult struct {
	Bucket             string   `json:"bucket"`
	StoredAmount       int64    `json:"storedAmount"`
	StoredCount        int      `json:"storedCount"`
	RecalculatedAmount int64    `json:"recalculatedAmount"`
	RecalculatedCount  int      `json:"recalculatedCount"`
	Changed            bool     `json:"changed"`
	MissingMembers     []string `json:"missingMembers,omitempty"`
	InactiveMembers    []string `json:"inactiveMembers,omitempty"`
	Applied            bool     `json:"applied"`
}

// PruneResult lists the membership after dangling ids are removed.
type PruneResult struct {
	Bucket           string   `json:"bucket"`
	UpdatedMemberIDs []string `json:"updatedMemberIds"`
	RemovedMemberIDs []string `json:"removedMemberIds"`
	Applied          bool     `json:"applied"`
}

// DeleteRecordResult reports the repairs made after a hard delete.
type DeleteRecordResult struct {
	Record RecordKey     `json:"record"`
	Pruned []PruneResult `json:"pruned"`
	Resums []ResumResult `json:"resums"`
	Errors []BucketError `json:"errors,omitempty"`
}

// ============================================================
// Delivery sweep
// ============================================================

// SweepResult reports which summaries the daily delivery sweep sent.
type SweepResult struct {
	TargetDate string        `json:"targetDate"`
	Delivered  []string      `json:"delivered"`
	Skipped    []string      `json:"skipped"`
	Errors     []BucketError `json:"errors,omitempty"`
}
