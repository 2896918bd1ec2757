// Package domain defines the core entities of the card-usage reporting engine.
// These models are independent of the backing store and represent the
// canonical data structures shared by the trigger, batch and repair paths.
package domain

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ============================================================
// Granularity
// ============================================================

// Granularity selects one of the three aggregate families.
type Granularity string

const (
	GranularityDaily   Granularity = "daily"
	GranularityWeekly  Granularity = "weekly"
	GranularityMonthly Granularity = "monthly"
)

// AllGranularities returns the three families in canonical order.
func AllGranularities() []Granularity {
	return []Granularity{GranularityDaily, GranularityWeekly, GranularityMonthly}
}

// ParseGranularity validates a single granularity name.
func ParseGranularity(s string) (Granularity, error) {
	switch g := Granularity(strings.ToLower(strings.TrimSpace(s))); g {
	case GranularityDaily, GranularityWeekly, GranularityMonthly:
		return g, nil
	}
	return "", &ErrValidation{Field: "types", Message: fmt.Sprintf("unknown granularity %q", s)}
}

// ParseGranularities parses names (each may itself be comma separated),
// drops duplicates and returns them in canonical order.
// An empty input selects all granularities.
func ParseGranularities(names []string) ([]Granularity, error) {
	seen := make(map[Granularity]bool)
	for _, n := range names {
		for _, part := range strings.Split(n, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			g, err := ParseGranularity(part)
			if err != nil {
				return nil, err
			}
			seen[g] = true
		}
	}
	if len(seen) == 0 {
		return AllGranularities(), nil
	}
	out := make([]Granularity, 0, len(seen))
	for _, g := range AllGranularities() {
		if seen[g] {
			out = append(out, g)
		}
	}
	return out, nil
}

// ============================================================
// Source records
// ============================================================

// RecordKey identifies a source record inside the details hierarchy.
type RecordKey struct {
	Year     int    `json:"year"`
	Month    int    `json:"month"`
	Week     string `json:"week"` // term token, e.g. "term2"
	Day      int    `json:"day"`
	Sequence string `json:"sequence"`
}

// SourceRecord is one card-usage event produced by ingestion.
type SourceRecord struct {
	Key        RecordKey `json:"-"`
	Amount     int64     `json:"amount"`
	OccurredAt time.Time `json:"datetime"`
	Shop       string    `json:"shop,omitempty"`
	Card       string    `json:"card,omitempty"`
	Memo       string    `json:"memo,omitempty"`
	Active     bool      `json:"active"`
}

// ============================================================
// Server timestamps
// ============================================================

// ServerTimestampJSON is the placeholder a store replaces with its own clock.
const ServerTimestampJSON = `{".sv":"timestamp"}`

// Timestamp is a store-assigned write time in unix milliseconds.
// The zero value encodes as the server timestamp placeholder.
type Timestamp int64

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t == 0 {
		return []byte(ServerTimestampJSON), nil
	}
	return strconv.AppendInt(nil, int64(t), 10), nil
}

// UnmarshalJSON implements json.Unmarshaler. An unresolved placeholder decodes as zero.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] == '{' || bytes.Equal(b, []byte("null")) {
		*t = 0
		return nil
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	*t = Timestamp(int64(f))
	return nil
}

// Time converts the timestamp to a time.Time (zero time when unset).
func (t Timestamp) Time() time.Time {
	if t == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(t))
}

// ============================================================
// Actors
// ============================================================

// Values written to lastUpdatedBy.
const (
	ActorTrigger              = "trigger"
	ActorScheduledRecalc      = "scheduled-recalculation"
	ActorManualRecalcPrefix   = "manual-recalculation"
	ActorMaintenance          = "maintenance"
	DefaultRecalcExecutorName = "operator"
)

// ManualRecalcActor names a recalculation started by a person or script.
func ManualRecalcActor(executor string) string {
	if executor == "" {
		executor = DefaultRecalcExecutorName
	}
	return ActorManualRecalcPrefix + ":" + executor
}
