// Package adapter defines DatabaseAdapter, the capability surface an
// embedding application must supply (spec §6). The core never talks to a
// database driver directly; every dialect-specific SQL fragment — window
// functions, date truncation, conditional aggregation — is produced by the
// adapter the caller plugs in. Concrete adapters live in adapter/postgres
// and adapter/gormadapter.
package adapter

import (
	"context"
	"time"
)

// WindowFunctionType enumerates the window-function kinds MeasureBuilder
// may ask an adapter to render (spec §3 window measure types).
type WindowFunctionType string

const (
	WindowFnRowNumber     WindowFunctionType = "row_number"
	WindowFnRank          WindowFunctionType = "rank"
	WindowFnDenseRank     WindowFunctionType = "dense_rank"
	WindowFnPercentRank   WindowFunctionType = "percent_rank"
	WindowFnNTile         WindowFunctionType = "ntile"
	WindowFnLag           WindowFunctionType = "lag"
	WindowFnLead          WindowFunctionType = "lead"
	WindowFnFirstValue    WindowFunctionType = "first_value"
	WindowFnLastValue     WindowFunctionType = "last_value"
	WindowFnSum           WindowFunctionType = "sum" // running total / moving average base
)

// WindowOptions configures a single buildWindowFunction call.
type WindowOptions struct {
	Frame  string // e.g. "ROWS BETWEEN UNBOUNDED PRECEDING AND CURRENT ROW"
	Offset int    // for lag/lead
	N      int    // for ntile
	Default string // SQL literal for lag/lead default, already quoted if needed
}

// Capabilities describes what an adapter can do, so planners/builders can
// degrade gracefully (spec §6 getCapabilities()).
type Capabilities struct {
	SupportsPercentileSubqueries bool
	SupportsFilterClause         bool // native FILTER (WHERE ...) vs CASE WHEN fallback
	Dialect                      string
}

// DatabaseAdapter is the interface the embedding application supplies.
// Every method is a pure SQL-string builder except Execute/Explain, which
// perform (or simulate, for dry-run callers) the actual roundtrip.
type DatabaseAdapter interface {
	BuildAvg(expr string) string
	BuildSum(expr string) string
	BuildMin(expr string) string
	BuildMax(expr string) string
	BuildCount(expr string) string
	BuildCountDistinct(expr string) string

	// BuildConditionalAggregation renders an aggregate restricted by
	// condition, using FILTER (WHERE ...) when the adapter supports it,
	// else CASE WHEN condition THEN expr END wrapped by op.
	BuildConditionalAggregation(op, expr, condition string) string

	// BuildTimeDimension truncates expr to the given granularity.
	BuildTimeDimension(granularity string, expr string) string

	// BuildDateDiffPeriods returns the number of whole granularity periods
	// between a and b (b - a), used to align comparison-period offsets.
	BuildDateDiffPeriods(a, b, granularity string) string

	// BuildDateAddInterval adds an ISO-8601 duration to expr.
	BuildDateAddInterval(expr, isoDuration string) string

	// BuildTimeDifferenceSeconds returns b - a in seconds.
	BuildTimeDifferenceSeconds(a, b string) string

	// BuildPercentile returns a percentile expression for p in [0,1], or
	// ("", false) when the adapter doesn't support it as a plain
	// expression. Capabilities.SupportsPercentileSubqueries reports the
	// same support up front.
	BuildPercentile(expr string, p float64) (string, bool)

	// BuildPeriodSeriesSubquery emits a subquery producing rows 0..n
	// inclusive, aliased as "period_number".
	BuildPeriodSeriesSubquery(n int) string

	// BuildWindowFunction renders a window function call (without the
	// trailing OVER (...) — callers append PARTITION BY/ORDER BY/frame
	// themselves using the same expression builder for consistency).
	BuildWindowFunction(fn WindowFunctionType, base string, opts WindowOptions) string

	// ConvertTimeDimensionResult normalizes a driver-returned time value
	// (e.g. string vs time.Time vs *time.Time) to time.Time.
	ConvertTimeDimensionResult(value interface{}) (time.Time, error)

	GetCapabilities() Capabilities

	// Execute runs sql with params and returns rows as maps keyed by
	// column name, in column order is not guaranteed by the map itself —
	// callers needing order use the accompanying Annotation.
	Execute(ctx context.Context, sqlText string, params []interface{}) ([]map[string]interface{}, error)

	// Explain delegates EXPLAIN (or dialect equivalent) to the database.
	Explain(ctx context.Context, sqlText string, params []interface{}) (string, error)
}
