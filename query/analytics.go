package query

// FunnelStep is one stage of a funnel query (spec §4.7).
type FunnelStep struct {
	Name          string
	Filters       []Filter // dimension-only; measure filters are a validation error
	TimeToConvert string   // ISO-8601 duration, e.g. "P7D"; empty means unbounded
}

// FunnelConfig configures a funnel analysis.
type FunnelConfig struct {
	BindingKey          string // e.g. "Users.id"
	TimeDimension       string // e.g. "Events.createdAt"
	Steps               []FunnelStep
	IncludeTimeMetrics  bool
	GlobalTimeWindow    string // ISO-8601 duration bounding step_0 -> last step
}

// RetentionType selects the cohort accounting method (spec §4.7).
type RetentionType string

const (
	RetentionClassic RetentionType = "classic"
	RetentionRolling RetentionType = "rolling"
)

// RetentionConfig configures a retention analysis.
type RetentionConfig struct {
	BindingKey          string
	TimeDimension       string
	DateRange           DateRange
	Granularity         Granularity
	Periods             int // 1..52
	RetentionType       RetentionType
	CohortFilters       []Filter
	ActivityFilters     []Filter
	BreakdownDimensions []string
}

// FlowConfig configures a flow/sankey analysis.
type FlowConfig struct {
	BindingKey    string
	TimeDimension string
	StartStep     FunnelStep
	Steps         int // how many hops forward/back of StartStep to trace
}
