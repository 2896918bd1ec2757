// Package bucket is the single source of truth for storage keys: it maps
// calendar fields and record keys to the daily, weekly and monthly aggregate
// paths and to the source-record path family.
//
// Layout:
//
//	details/{year}/{month}/{weekToken}/{day}/{sequence}
//	reports/daily/{year}-{month}/{day}
//	reports/weekly/{year}-{month}/{weekToken}
//	reports/monthly/{year}/{month}
package bucket

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/boddenberg/card-usage-reports/internal/calendar"
	"github.com/boddenberg/card-usage-reports/internal/domain"
)

const (
	DetailsRoot = "details"
	ReportsRoot = "reports"

	weekTokenPrefix = "term"
)

// Ref identifies one aggregate bucket.
type Ref struct {
	Granularity domain.Granularity
	Year        int
	Month       int
	Day         int    // daily only
	Week        string // weekly only
}

// Keys holds every key derived from one set of calendar fields.
type Keys struct {
	Daily     Ref
	Weekly    Ref
	Monthly   Ref
	RecordDir string
}

// For returns the bucket ref of the given granularity.
func (k Keys) For(g domain.Granularity) Ref {
	switch g {
	case domain.GranularityWeekly:
		return k.Weekly
	case domain.GranularityMonthly:
		return k.Monthly
	}
	return k.Daily
}

// KeysFor derives all bucket keys from calendar fields.
func KeysFor(f calendar.Fields) Keys {
	week := WeekToken(f.WeekOfMonth)
	return Keys{
		Daily:     Ref{Granularity: domain.GranularityDaily, Year: f.Year, Month: f.Month, Day: f.Day},
		Weekly:    Ref{Granularity: domain.GranularityWeekly, Year: f.Year, Month: f.Month, Week: week},
		Monthly:   Ref{Granularity: domain.GranularityMonthly, Year: f.Year, Month: f.Month},
		RecordDir: DayPath(f.Year, f.Month, week, f.Day),
	}
}

// RefForRecord derives the bucket of a record from its stored key.
// The weekly bucket uses the week token stored in the record path, so a
// record keeps its historic term even if the numbering rule changes.
func RefForRecord(g domain.Granularity, k domain.RecordKey) Ref {
	switch g {
	case domain.GranularityWeekly:
		return Ref{Granularity: g, Year: k.Year, Month: k.Month, Week: k.Week}
	case domain.GranularityMonthly:
		return Ref{Granularity: g, Year: k.Year, Month: k.Month}
	}
	return Ref{Granularity: domain.GranularityDaily, Year: k.Year, Month: k.Month, Day: k.Day}
}

// RecordKeyFor builds the key ingestion uses for a new record.
func RecordKeyFor(f calendar.Fields, sequence string) domain.RecordKey {
	return domain.RecordKey{
		Year:     f.Year,
		Month:    f.Month,
		Week:     WeekToken(f.WeekOfMonth),
		Day:      f.Day,
		Sequence: sequence,
	}
}

// Path returns the storage path of the aggregate.
func (r Ref) Path() string {
	switch r.Granularity {
	case domain.GranularityDaily:
		return fmt.Sprintf("%s/daily/%d-%s/%s", ReportsRoot, r.Year, Pad2(r.Month), Pad2(r.Day))
	case domain.GranularityWeekly:
		return fmt.Sprintf("%s/weekly/%d-%s/%s", ReportsRoot, r.Year, Pad2(r.Month), r.Week)
	case domain.GranularityMonthly:
		return fmt.Sprintf("%s/monthly/%d/%s", ReportsRoot, r.Year, Pad2(r.Month))
	}
	return ""
}

// String is the bucket identity used in logs and error entries,
// e.g. "daily:2024-01-05", "weekly:2024-01/term2", "monthly:2024-01".
func (r Ref) String() string {
	switch r.Granularity {
	case domain.GranularityDaily:
		return fmt.Sprintf("daily:%d-%s-%s", r.Year, Pad2(r.Month), Pad2(r.Day))
	case domain.GranularityWeekly:
		return fmt.Sprintf("weekly:%d-%s/%s", r.Year, Pad2(r.Month), r.Week)
	case domain.GranularityMonthly:
		return fmt.Sprintf("monthly:%d-%s", r.Year, Pad2(r.Month))
	}
	return string(r.Granularity)
}

// Validate checks a ref built from operator input.
func (r Ref) Validate() error {
	if r.Year < 1970 || r.Year > 9999 {
		return &domain.ErrValidation{Field: "year", Message: fmt.Sprintf("out of range: %d", r.Year)}
	}
	if r.Month < 1 || r.Month > 12 {
		return &domain.ErrValidation{Field: "month", Message: fmt.Sprintf("out of range: %d", r.Month)}
	}
	switch r.Granularity {
	case domain.GranularityDaily:
		if r.Day < 1 || r.Day > calendar.DaysIn(r.Year, r.Month) {
			return &domain.ErrValidation{Field: "day", Message: fmt.Sprintf("out of range: %d", r.Day)}
		}
	case domain.GranularityWeekly:
		n, err := ParseWeekToken(r.Week)
		if err != nil {
			return err
		}
		if n > calendar.WeeksIn(r.Year, r.Month) {
			return &domain.ErrValidation{Field: "week", Message: fmt.Sprintf("%s does not exist in %d-%s", r.Week, r.Year, Pad2(r.Month))}
		}
	case domain.GranularityMonthly:
	default:
		return &domain.ErrValidation{Field: "granularity", Message: fmt.Sprintf("unknown granularity %q", r.Granularity)}
	}
	return nil
}

// WeekToken formats a week-of-month number, e.g. 2 -> "term2".
func WeekToken(week int) string {
	return weekTokenPrefix + strconv.Itoa(week)
}

// ParseWeekToken extracts the week number from a token such as "term3".
func ParseWeekToken(token string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(token, weekTokenPrefix))
	if err != nil || !strings.HasPrefix(token, weekTokenPrefix) || n < 1 || n > 6 {
		return 0, &domain.ErrValidation{Field: "week", Message: fmt.Sprintf("invalid week token %q", token)}
	}
	return n, nil
}

// Pad2 zero-pads a month or day.
func Pad2(n int) string {
	return fmt.Sprintf("%02d", n)
}

// ============================================================
// Source record paths
// ============================================================

// MonthPath is details/{year}/{month}.
func MonthPath(year, month int) string {
	return fmt.Sprintf("%s/%d/%s", DetailsRoot, year, Pad2(month))
}

// WeekPath is details/{year}/{month}/{weekToken}.
func WeekPath(year, month int, week string) string {
	return MonthPath(year, month) + "/" + week
}

// DayPath is details/{year}/{month}/{weekToken}/{day}.
func DayPath(year, month int, week string, day int) string {
	return WeekPath(year, month, week) + "/" + Pad2(day)
}

// RecordPath is the full path of a source record; it doubles as the member id.
func RecordPath(k domain.RecordKey) string {
	return DayPath(k.Year, k.Month, k.Week, k.Day) + "/" + k.Sequence
}

// ParseRecordPath is the inverse of RecordPath.
func ParseRecordPath(p string) (domain.RecordKey, error) {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) != 6 || parts[0] != DetailsRoot {
		return domain.RecordKey{}, &domain.ErrValidation{Field: "record", Message: fmt.Sprintf("not a record path: %q", p)}
	}
	year, errY := strconv.Atoi(parts[1])
	month, errM := strconv.Atoi(parts[2])
	day, errD := strconv.Atoi(parts[4])
	if errY != nil || errM != nil || errD != nil {
		return domain.RecordKey{}, &domain.ErrValidation{Field: "record", Message: fmt.Sprintf("not a record path: %q", p)}
	}
	if _, err := ParseWeekToken(parts[3]); err != nil {
		return domain.RecordKey{}, err
	}
	if parts[5] == "" {
		return domain.RecordKey{}, &domain.ErrValidation{Field: "record", Message: "empty sequence"}
	}
	return domain.RecordKey{Year: year, Month: month, Week: parts[3], Day: day, Sequence: parts[5]}, nil
}

// ValidateRecordKey checks a record key received from a trigger or operator.
func ValidateRecordKey(k domain.RecordKey) error {
	_, err := ParseRecordPath(RecordPath(k))
	if err != nil {
		return err
	}
	if k.Month < 1 || k.Month > 12 {
		return &domain.ErrValidation{Field: "month", Message: fmt.Sprintf("out of range: %d", k.Month)}
	}
	if k.Day < 1 || k.Day > calendar.DaysIn(k.Year, k.Month) {
		return &domain.ErrValidation{Field: "day", Message: fmt.Sprintf("out of range: %d", k.Day)}
	}
	if strings.Contains(k.Sequence, "/") {
		return &domain.ErrValidation{Field: "sequence", Message: "must not contain '/'"}
	}
	return nil
}
