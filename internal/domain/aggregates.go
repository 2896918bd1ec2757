package domain

// ============================================================
// Aggregates (daily / weekly "term" / monthly)
// ============================================================

// Totals is the summed part shared by every aggregate.
type Totals struct {
	TotalAmount int64    `json:"totalAmount"`
	TotalCount  int      `json:"totalCount"`
	MemberIDs   []string `json:"memberIds"`
}

// HasMember reports whether id is already part of the membership list.
func (t *Totals) HasMember(id string) bool {
	for _, m := range t.MemberIDs {
		if m == id {
			return true
		}
	}
	return false
}

// Audit records who wrote an aggregate last.
type Audit struct {
	LastUpdatedBy string    `json:"lastUpdatedBy"`
	LastUpdatedAt Timestamp `json:"lastUpdatedAt"`
}

// Touch stamps the aggregate for the given actor; the store assigns the time.
func (a *Audit) Touch(actor string) {
	a.LastUpdatedBy = actor
	a.LastUpdatedAt = 0
}

// AlertFlags are the three monotonic threshold-notification flags.
type AlertFlags struct {
	NotifiedLevel1 bool `json:"notifiedLevel1"`
	NotifiedLevel2 bool `json:"notifiedLevel2"`
	NotifiedLevel3 bool `json:"notifiedLevel3"`
}

// Has reports whether the flag for level (1..3) is set.
func (f AlertFlags) Has(level int) bool {
	switch level {
	case 1:
		return f.NotifiedLevel1
	case 2:
		return f.NotifiedLevel2
	case 3:
		return f.NotifiedLevel3
	}
	return false
}

// Set raises the flag for level. Flags are never lowered.
func (f *AlertFlags) Set(level int) {
	switch level {
	case 1:
		f.NotifiedLevel1 = true
	case 2:
		f.NotifiedLevel2 = true
	case 3:
		f.NotifiedLevel3 = true
	}
}

// Merge ORs other into f.
func (f *AlertFlags) Merge(other AlertFlags) {
	f.NotifiedLevel1 = f.NotifiedLevel1 || other.NotifiedLevel1
	f.NotifiedLevel2 = f.NotifiedLevel2 || other.NotifiedLevel2
	f.NotifiedLevel3 = f.NotifiedLevel3 || other.NotifiedLevel3
}

// Aggregate is implemented by the three aggregate documents so the
// incremental, batch and repair paths can share their bookkeeping.
type Aggregate interface {
	TotalsRef() *Totals
	AuditRef() *Audit
	// Flags returns nil for aggregates without threshold levels.
	Flags() *AlertFlags
	// CarryForward copies monotonic notification state from prev.
	CarryForward(prev Aggregate)
}

// DailyAggregate is stored at reports/daily/{year}-{month}/{day}.
type DailyAggregate struct {
	Totals
	Day                 string `json:"day"`
	NotifiedForDelivery bool   `json:"notifiedForDelivery"`
	Audit
}

func (a *DailyAggregate) TotalsRef() *Totals { return &a.Totals }
func (a *DailyAggregate) AuditRef() *Audit   { return &a.Audit }
func (a *DailyAggregate) Flags() *AlertFlags { return nil }

func (a *DailyAggregate) CarryForward(prev Aggregate) {
	if p, ok := prev.(*DailyAggregate); ok && p != nil {
		a.NotifiedForDelivery = a.NotifiedForDelivery || p.NotifiedForDelivery
	}
}

// WeeklyAggregate is stored at reports/weekly/{year}-{month}/{weekToken}.
type WeeklyAggregate struct {
	Totals
	WeekStart string `json:"weekStart"`
	WeekEnd   string `json:"weekEnd"`
	AlertFlags
	ReportDelivered bool `json:"reportDelivered"`
	Audit
}

func (a *WeeklyAggregate) TotalsRef() *Totals { return &a.Totals }
func (a *WeeklyAggregate) AuditRef() *Audit   { return &a.Audit }
func (a *WeeklyAggregate) Flags() *AlertFlags { return &a.AlertFlags }

func (a *WeeklyAggregate) CarryForward(prev Aggregate) {
	if p, ok := prev.(*WeeklyAggregate); ok && p != nil {
		a.AlertFlags.Merge(p.AlertFlags)
		a.ReportDelivered = a.ReportDelivered || p.ReportDelivered
	}
}

// MonthlyAggregate is stored at reports/monthly/{year}/{month}.
type MonthlyAggregate struct {
	Totals
	MonthStart string `json:"monthStart"`
	MonthEnd   string `json:"monthEnd"`
	AlertFlags
	ReportDelivered bool `json:"reportDelivered"`
	Audit
}

func (a *MonthlyAggregate) TotalsRef() *Totals { return &a.Totals }
func (a *MonthlyAggregate) AuditRef() *Audit   { return &a.Audit }
func (a *MonthlyAggregate) Flags() *AlertFlags { return &a.AlertFlags }

func (a *MonthlyAggregate) CarryForward(prev Aggregate) {
	if p, ok := prev.(*MonthlyAggregate); ok && p != nil {
		a.AlertFlags.Merge(p.AlertFlags)
		a.ReportDelivered = a.ReportDelivered || p.ReportDelivered
	}
}
