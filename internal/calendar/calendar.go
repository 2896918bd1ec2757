// Package calendar converts instants into the civil calendar fields used to
// bucket card usage: day, week-of-month ("term") and month.
//
// All calculations run in one fixed civil offset so day and week boundaries
// do not depend on the host locale. Weeks start on Sunday and never span two
// months: a week crossing a month edge is clamped to that month.
package calendar

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/boddenberg/card-usage-reports/internal/domain"
)

// DefaultOffset is the civil offset used when none is configured (UTC+09:00).
const DefaultOffset = "+09:00"

// Fields is the full calendar breakdown of one instant.
type Fields struct {
	Year             int
	Month            int
	Day              int
	WeekOfMonth      int
	WeekStart        time.Time
	WeekEnd          time.Time
	MonthStart       time.Time
	MonthEnd         time.Time
	IsLastDayOfWeek  bool
	IsLastDayOfMonth bool
}

// Date returns the civil date of the instant as YYYY-MM-DD.
func (f Fields) Date() string {
	return fmt.Sprintf("%04d-%02d-%02d", f.Year, f.Month, f.Day)
}

// Calculator is the Calendar/Term calculator. The zero value is not usable;
// build one with New or NewWithOffset.
type Calculator struct {
	loc *time.Location
}

// New returns a calculator pinned to loc.
func New(loc *time.Location) Calculator {
	return Calculator{loc: loc}
}

// NewWithOffset parses a "+HH:MM" / "-HH:MM" offset and returns a calculator for it.
func NewWithOffset(offset string) (Calculator, error) {
	loc, err := ParseOffset(offset)
	if err != nil {
		return Calculator{}, err
	}
	return New(loc), nil
}

// ParseOffset turns "+09:00" into a fixed zone.
func ParseOffset(offset string) (*time.Location, error) {
	s := strings.TrimSpace(offset)
	if s == "" || s == "Z" || s == "UTC" {
		return time.FixedZone("UTC", 0), nil
	}
	sign := 1
	switch s[0] {
	case '+':
	case '-':
		sign = -1
	default:
		return nil, &domain.ErrConfig{Field: "CIVIL_UTC_OFFSET", Message: fmt.Sprintf("offset must start with + or -, got %q", offset)}
	}
	hh, mm, ok := strings.Cut(s[1:], ":")
	if !ok {
		return nil, &domain.ErrConfig{Field: "CIVIL_UTC_OFFSET", Message: fmt.Sprintf("offset must look like +09:00, got %q", offset)}
	}
	h, errH := strconv.Atoi(hh)
	m, errM := strconv.Atoi(mm)
	if errH != nil || errM != nil || h > 14 || m > 59 || h < 0 || m < 0 {
		return nil, &domain.ErrConfig{Field: "CIVIL_UTC_OFFSET", Message: fmt.Sprintf("invalid offset %q", offset)}
	}
	return time.FixedZone("UTC"+s, sign*(h*3600+m*60)), nil
}

// Location returns the fixed civil zone.
func (c Calculator) Location() *time.Location {
	return c.loc
}

// Now returns the current instant in the civil zone.
func (c Calculator) Now() time.Time {
	return time.Now().In(c.loc)
}

// Date builds midnight of a civil date.
func (c Calculator) Date(year, month, day int) time.Time {
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, c.loc)
}

// ParseDate parses YYYY-MM-DD as a civil date.
func (c Calculator) ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(domain.DateLayout, s, c.loc)
	if err != nil {
		return time.Time{}, &domain.ErrValidation{Field: "date", Message: fmt.Sprintf("expected YYYY-MM-DD, got %q", s)}
	}
	return t, nil
}

// At computes the calendar fields of an instant.
func (c Calculator) At(t time.Time) Fields {
	local := t.In(c.loc)
	day := c.Date(local.Year(), int(local.Month()), local.Day())
	f := c.fieldsOf(day)

	next := c.fieldsOf(day.AddDate(0, 0, 1))
	f.IsLastDayOfMonth = next.Month != f.Month
	f.IsLastDayOfWeek = f.IsLastDayOfMonth || next.WeekOfMonth != f.WeekOfMonth
	return f
}

func (c Calculator) fieldsOf(day time.Time) Fields {
	y, m, d := day.Year(), int(day.Month()), day.Day()
	start, end := c.WeekBounds(y, m, WeekOfMonth(y, m, d))
	return Fields{
		Year:        y,
		Month:       m,
		Day:         d,
		WeekOfMonth: WeekOfMonth(y, m, d),
		WeekStart:   start,
		WeekEnd:     end,
		MonthStart:  c.Date(y, m, 1),
		MonthEnd:    c.Date(y, m, DaysIn(y, m)),
	}
}

// WeekBounds returns the first and last day of a week-of-month, clamped to the month.
func (c Calculator) WeekBounds(year, month, week int) (time.Time, time.Time) {
	offset := FirstWeekdayOffset(year, month)
	first := 7*(week-1) - offset + 1
	last := 7*week - offset
	if first < 1 {
		first = 1
	}
	if n := DaysIn(year, month); last > n {
		last = n
	}
	return c.Date(year, month, first), c.Date(year, month, last)
}

// Days lists every civil date in [start, end].
func (c Calculator) Days(start, end time.Time) []time.Time {
	var days []time.Time
	s := c.At(start)
	e := c.At(end)
	cur := c.Date(s.Year, s.Month, s.Day)
	last := c.Date(e.Year, e.Month, e.Day)
	for !cur.After(last) {
		days = append(days, cur)
		cur = cur.AddDate(0, 0, 1)
	}
	return days
}

// WeekOfMonth is ceil((day + weekday of the 1st) / 7), 1-based, Sunday-first.
func WeekOfMonth(year, month, day int) int {
	return (day + FirstWeekdayOffset(year, month) + 6) / 7
}

// FirstWeekdayOffset is the weekday (Sunday = 0) of the first day of the month.
func FirstWeekdayOffset(year, month int) int {
	return int(time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC).Weekday())
}

// DaysIn returns the number of days in the month.
func DaysIn(year, month int) int {
	return time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// WeeksIn returns how many week-of-month buckets the month has (4 to 6).
func WeeksIn(year, month int) int {
	return WeekOfMonth(year, month, DaysIn(year, month))
}

// DateKey folds a civil date into a sortable integer (YYYYMMDD).
func DateKey(year, month, day int) int {
	return year*10000 + month*100 + day
}
