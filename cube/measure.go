package cube

// MeasureType enumerates the measure kinds from spec §3.
type MeasureType string

const (
	MeasureCount         MeasureType = "count"
	MeasureCountDistinct MeasureType = "countDistinct"
	MeasureSum           MeasureType = "sum"
	MeasureAvg           MeasureType = "avg"
	MeasureMin           MeasureType = "min"
	MeasureMax           MeasureType = "max"
	MeasureNumber        MeasureType = "number"
	MeasureCalculated    MeasureType = "calculated"

	// Window measure variants (post-aggregation).
	MeasureRunningTotal   MeasureType = "runningTotal"
	MeasureLag            MeasureType = "lag"
	MeasureLead           MeasureType = "lead"
	MeasureRank           MeasureType = "rank"
	MeasureDenseRank      MeasureType = "denseRank"
	MeasurePercentRank    MeasureType = "percentRank"
	MeasureNTile          MeasureType = "nTile"
	MeasureFirstValue     MeasureType = "firstValue"
	MeasureLastValue      MeasureType = "lastValue"
	MeasureMovingAverage  MeasureType = "movingAverage"
	MeasurePercentOfTotal MeasureType = "percentOfTotal"
)

// IsWindow reports whether this measure type is one of the window variants.
func (t MeasureType) IsWindow() bool {
	switch t {
	case MeasureRunningTotal, MeasureLag, MeasureLead, MeasureRank, MeasureDenseRank,
		MeasurePercentRank, MeasureNTile, MeasureFirstValue, MeasureLastValue,
		MeasureMovingAverage, MeasurePercentOfTotal:
		return true
	}
	return false
}

// IsAdditive reports whether re-aggregating this measure's value across a
// pre-aggregation CTE with SUM preserves its meaning (spec §4.6).
func (t MeasureType) IsAdditive() bool {
	switch t {
	case MeasureCount, MeasureSum, MeasureNumber:
		return true
	}
	return false
}

// WindowOperation is how a window measure's raw window value is combined
// with its base measure (spec §4.4).
type WindowOperation string

const (
	WindowRaw            WindowOperation = "raw"
	WindowDifference      WindowOperation = "difference"
	WindowRatio           WindowOperation = "ratio"
	WindowPercentChange   WindowOperation = "percentChange"
)

// WindowConfig configures a window-function measure.
type WindowConfig struct {
	Measure     string // base measure name this window operates over
	PartitionBy []string
	OrderBy     []OrderSpec
	Frame       string // e.g. "ROWS BETWEEN UNBOUNDED PRECEDING AND CURRENT ROW"
	Offset      int    // for lag/lead
	DefaultValue interface{}
	Operation   WindowOperation
	N           int // for nTile
}

type OrderSpec struct {
	Member string
	Desc   bool
}

// Measure is a single aggregatable field on a cube.
type Measure struct {
	Name string
	Type MeasureType

	// SQL is the base column expression this measure aggregates. Unused for
	// Calculated measures.
	SQL SQLExpression

	// Filters, when present, restrict a CASE WHEN guard applied before
	// aggregation (conditional measures).
	Filters []ConditionalFilter

	// CalculatedSQL is a template like "{ordersTotal} - {refundsTotal}" or
	// "{Orders.count}" referencing other measures, used when Type is
	// MeasureCalculated.
	CalculatedSQL string

	// Dependencies lists the measures this one's CalculatedSQL references,
	// qualified as "Cube.field". Populated by CalculatedMeasureResolver when
	// left empty.
	Dependencies []string

	WindowConfig *WindowConfig

	Title      string
	ShortTitle string
	Format     string
}

// ConditionalFilter guards a conditional (CASE WHEN) measure.
type ConditionalFilter struct {
	SQL SQLExpression
}
