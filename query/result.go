package query

// MemberAnnotation is the display metadata the executor attaches to each
// selected member in a Result (spec §6 Result envelope).
type MemberAnnotation struct {
	Title      string
	ShortTitle string
	Type       string
	Format     string      `json:",omitempty"`
	Granularity Granularity `json:",omitempty"`
}

// Annotation is the annotation block of the Result envelope.
type Annotation struct {
	Measures       map[string]MemberAnnotation
	Dimensions     map[string]MemberAnnotation
	TimeDimensions map[string]MemberAnnotation
	Segments       map[string]MemberAnnotation

	Periods   *PeriodAnnotation      `json:",omitempty"`
	Funnel    *FunnelConfig          `json:",omitempty"`
	Flow      *FlowConfig            `json:",omitempty"`
	Retention *RetentionConfig       `json:",omitempty"`
}

// PeriodAnnotation describes the per-period breakdown of a comparison query.
type PeriodAnnotation struct {
	Ranges        []DateRange
	Labels        []string
	TimeDimension string
	Granularity   Granularity
}

// CacheInfo reports whether a Result was served from the result cache.
type CacheInfo struct {
	Hit            bool
	CachedAt       int64 // unix millis, zero when Hit is false
	TTLMs          int64
	TTLRemainingMs int64
}

// Result is the executor's output envelope (spec §6).
type Result struct {
	Data       []map[string]interface{}
	Annotation Annotation
	Cache      *CacheInfo `json:",omitempty"`
}
