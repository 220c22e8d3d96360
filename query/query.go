// Package query defines the SemanticQuery wire contract (spec §3): the
// abstract analytical request the planner and builders consume.
package query

// Granularity is a time-bucket size for a time dimension.
type Granularity string

const (
	Second  Granularity = "second"
	Minute  Granularity = "minute"
	Hour    Granularity = "hour"
	Day     Granularity = "day"
	Week    Granularity = "week"
	Month   Granularity = "month"
	Quarter Granularity = "quarter"
	Year    Granularity = "year"
)

// DateRange is either an explicit [start, end] pair or a single relative
// string such as "last 30 days", "this month", "today".
type DateRange struct {
	Start    string
	End      string
	Relative string
}

func (d DateRange) IsRelative() bool { return d.Relative != "" }
func (d DateRange) IsZero() bool     { return d.Start == "" && d.End == "" && d.Relative == "" }

// TimeDimension is a time-typed dimension reference with optional
// granularity truncation and date range restriction.
type TimeDimension struct {
	Dimension         string
	Granularity       Granularity // empty means no truncation
	DateRange         DateRange
	CompareDateRange  *DateRange // triggers period-comparison expansion (spec §4.7)
}

// Order is a single ORDER BY entry; Desc false means ascending.
type Order struct {
	Member string
	Desc   bool
}

// SemanticQuery is the abstract request the engine compiles to SQL.
type SemanticQuery struct {
	Measures      []string
	Dimensions    []string
	TimeDimensions []TimeDimension
	Filters       []Filter
	Segments      []string

	Order  []Order
	Limit  int
	Offset int

	// At most one of these may be set.
	Funnel    *FunnelConfig
	Retention *RetentionConfig
	Flow      *FlowConfig
}

// AnalyticsKind reports which specialized builder (if any) this query
// selects, per spec §4.8 dispatch.
type AnalyticsKind int

const (
	Standard AnalyticsKind = iota
	AnalyticsFunnel
	AnalyticsRetention
	AnalyticsFlow
)

func (q *SemanticQuery) Kind() AnalyticsKind {
	switch {
	case q.Funnel != nil:
		return AnalyticsFunnel
	case q.Retention != nil:
		return AnalyticsRetention
	case q.Flow != nil:
		return AnalyticsFlow
	default:
		return Standard
	}
}

// HasComparison reports whether any time dimension declares a
// CompareDateRange, triggering the period-comparison expansion.
func (q *SemanticQuery) HasComparison() bool {
	for _, td := range q.TimeDimensions {
		if td.CompareDateRange != nil {
			return true
		}
	}
	return false
}

// IsAnalytics reports whether this is a specialized-builder query rather
// than the standard measure/dimension path.
func (q *SemanticQuery) IsAnalytics() bool { return q.Kind() != Standard }
