package retention

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cliftonc/drizzle-cube-sub010/adapter"
	"github.com/cliftonc/drizzle-cube-sub010/cube"
	"github.com/cliftonc/drizzle-cube-sub010/internal/datetime"
	"github.com/cliftonc/drizzle-cube-sub010/internal/filtercache"
	"github.com/cliftonc/drizzle-cube-sub010/internal/joinpath"
	"github.com/cliftonc/drizzle-cube-sub010/query"
)

type testAdapter struct{}

func (testAdapter) BuildAvg(expr string) string           { return "AVG(" + expr + ")" }
func (testAdapter) BuildSum(expr string) string           { return "SUM(" + expr + ")" }
func (testAdapter) BuildMin(expr string) string           { return "MIN(" + expr + ")" }
func (testAdapter) BuildMax(expr string) string           { return "MAX(" + expr + ")" }
func (testAdapter) BuildCount(expr string) string         { return "COUNT(" + expr + ")" }
func (testAdapter) BuildCountDistinct(expr string) string { return "COUNT(DISTINCT " + expr + ")" }

func (testAdapter) BuildConditionalAggregation(op, expr, condition string) string {
	return op + "(CASE WHEN " + condition + " THEN " + expr + " END)"
}
func (testAdapter) BuildTimeDimension(granularity string, expr string) string {
	return "DATE_TRUNC('" + granularity + "', " + expr + ")"
}
func (testAdapter) BuildDateDiffPeriods(a, b, granularity string) string {
	return fmt.Sprintf("FLOOR(EXTRACT(EPOCH FROM (%s - %s)) / EXTRACT(EPOCH FROM INTERVAL '1 %s'))", b, a, granularity)
}
func (testAdapter) BuildDateAddInterval(expr, isoDuration string) string {
	return expr + " + INTERVAL '" + isoDuration + "'"
}
func (testAdapter) BuildTimeDifferenceSeconds(a, b string) string {
	return fmt.Sprintf("EXTRACT(EPOCH FROM (%s - %s))", b, a)
}
func (testAdapter) BuildPercentile(expr string, p float64) (string, bool) {
	return fmt.Sprintf("PERCENTILE_CONT(%v) WITHIN GROUP (ORDER BY %s)", p, expr), true
}
func (testAdapter) BuildPeriodSeriesSubquery(n int) string {
	return fmt.Sprintf("(SELECT generate_series(0, %d) AS period_number)", n)
}
func (testAdapter) BuildWindowFunction(fn adapter.WindowFunctionType, base string, opts adapter.WindowOptions) string {
	return string(fn) + "(" + base + ")"
}
func (testAdapter) ConvertTimeDimensionResult(value interface{}) (time.Time, error) {
	return time.Time{}, nil
}
func (testAdapter) GetCapabilities() adapter.Capabilities {
	return adapter.Capabilities{SupportsFilterClause: true, SupportsPercentileSubqueries: true, Dialect: "postgres"}
}
func (testAdapter) Execute(ctx context.Context, sqlText string, params []interface{}) ([]map[string]interface{}, error) {
	panic("not used by retention tests")
}
func (testAdapter) Explain(ctx context.Context, sqlText string, params []interface{}) (string, error) {
	panic("not used by retention tests")
}

func eventsSQL(cube.SecurityContext) cube.BaseSQL {
	return cube.BaseSQL{
		From:  cube.Raw("events"),
		Where: &cube.SQLExpression{Template: "org_id = ?", Args: []cube.SQLExpression{cube.Raw("'acme'")}},
	}
}

func usersSQL(cube.SecurityContext) cube.BaseSQL {
	return cube.BaseSQL{
		From:  cube.Raw("users"),
		Where: &cube.SQLExpression{Template: "org_id = ?", Args: []cube.SQLExpression{cube.Raw("'acme'")}},
	}
}

func orphanSQL(cube.SecurityContext) cube.BaseSQL {
	return cube.BaseSQL{From: cube.Raw("orphans")}
}

// eventsFixture wires Events (primary, time-dimension cube) belongsTo Users,
// plus an unjoined Orphan cube used to exercise the missing-join-path error.
func eventsFixture() *cube.Registry {
	events := &cube.Cube{
		Name: "Events",
		SQL:  eventsSQL,
		Dimensions: map[string]*cube.Dimension{
			"id":        {Name: "id", Type: cube.DimensionNumber, PrimaryKey: true, SQL: cube.Col("id")},
			"userId":    {Name: "userId", Type: cube.DimensionNumber, SQL: cube.Col("user_id")},
			"eventName": {Name: "eventName", Type: cube.DimensionString, SQL: cube.Col("event_name")},
			"createdAt": {Name: "createdAt", Type: cube.DimensionTime, SQL: cube.Col("created_at")},
		},
		Measures: map[string]*cube.Measure{
			"count": {Name: "count", Type: cube.MeasureCount, SQL: cube.Col("id")},
		},
		Joins: map[string]*cube.Join{
			"Users": {
				Target:       "Users",
				Relationship: cube.BelongsTo,
				On:           []cube.JoinKeyPair{{Source: "user_id", Target: "id"}},
			},
		},
	}
	users := &cube.Cube{
		Name: "Users",
		SQL:  usersSQL,
		Dimensions: map[string]*cube.Dimension{
			"id":      {Name: "id", Type: cube.DimensionNumber, PrimaryKey: true, SQL: cube.Col("id")},
			"country": {Name: "country", Type: cube.DimensionString, SQL: cube.Col("country")},
		},
	}
	orphan := &cube.Cube{
		Name: "Orphan",
		SQL:  orphanSQL,
		Dimensions: map[string]*cube.Dimension{
			"label": {Name: "label", Type: cube.DimensionString, SQL: cube.Col("label")},
		},
	}
	return cube.NewRegistry(events, users, orphan)
}

type fakeSecurity struct{}

func (fakeSecurity) TenantID() string { return "acme" }

func newTestBuilder(reg *cube.Registry, adp testAdapter) *Builder {
	dt := datetime.New(adp)
	fc := filtercache.NewManager(filtercache.NewBuilder(dt))
	return New(reg, joinpath.New(reg), fc, dt, adp)
}

func baseConfig() *query.RetentionConfig {
	return &query.RetentionConfig{
		BindingKey:    "Events.userId",
		TimeDimension: "Events.createdAt",
		DateRange:     query.DateRange{Start: "2024-01-01", End: "2024-03-01"},
		Granularity:   query.Week,
		Periods:       4,
		RetentionType: query.RetentionClassic,
	}
}

func TestBuild_ClassicRetentionProducesExpectedCTEChain(t *testing.T) {
	reg := eventsFixture()
	b := newTestBuilder(reg, testAdapter{})

	res, err := b.Build(baseConfig(), fakeSecurity{})
	require.NoError(t, err)
	require.Contains(t, res.SQL, "WITH cohort_base AS (SELECT")
	require.Contains(t, res.SQL, "activity_periods AS (SELECT")
	require.Contains(t, res.SQL, "cohort_sizes AS (SELECT")
	require.Contains(t, res.SQL, "retention_counts AS (SELECT")
	require.Contains(t, res.SQL, "period_number BETWEEN 0 AND 4")
	require.Contains(t, res.SQL, "COUNT(DISTINCT binding_key) AS retained")
	require.Contains(t, res.SQL, "CAST(retention_counts.retained AS FLOAT) / NULLIF(cohort_sizes.cohort_size, 0) AS retention_rate")
	require.Contains(t, res.SQL, "Events.user_id AS binding_key")
	require.Contains(t, res.SQL, "MIN(DATE_TRUNC('week', Events.created_at)) AS cohort_entry")
	require.NotContains(t, res.SQL, "user_max")
}

func TestBuild_RollingRetentionUsesUserMaxAndPeriodSeries(t *testing.T) {
	reg := eventsFixture()
	b := newTestBuilder(reg, testAdapter{})

	cfg := baseConfig()
	cfg.RetentionType = query.RetentionRolling

	res, err := b.Build(cfg, fakeSecurity{})
	require.NoError(t, err)
	require.Contains(t, res.SQL, "user_max AS (SELECT binding_key, MAX(period_number) AS max_period FROM activity_periods GROUP BY binding_key)")
	require.Contains(t, res.SQL, "CROSS JOIN (SELECT generate_series(0, 4) AS period_number) AS series")
	require.Contains(t, res.SQL, "series.period_number <= user_max.max_period")
	require.Contains(t, res.SQL, "COUNT(DISTINCT user_max.binding_key) AS retained")
}

func TestBuild_BreakdownDimensionThreadsThroughEveryCTE(t *testing.T) {
	reg := eventsFixture()
	b := newTestBuilder(reg, testAdapter{})

	cfg := baseConfig()
	cfg.BreakdownDimensions = []string{"Users.country"}

	res, err := b.Build(cfg, fakeSecurity{})
	require.NoError(t, err)
	require.Contains(t, res.SQL, "Users.country AS breakdown_0")
	require.Contains(t, res.SQL, "LEFT JOIN users AS Users ON Events.user_id = Users.id")
	require.Contains(t, res.SQL, "GROUP BY Events.user_id, Users.country")
	require.Contains(t, res.SQL, "retention_counts.breakdown_0 = cohort_sizes.breakdown_0")
}

func TestBuild_CohortFilterScopesCohortBaseOnly(t *testing.T) {
	reg := eventsFixture()
	b := newTestBuilder(reg, testAdapter{})

	cfg := baseConfig()
	cfg.CohortFilters = []query.Filter{
		{Member: "Events.eventName", Operator: query.OpEquals, Values: []string{"signup"}},
	}

	res, err := b.Build(cfg, fakeSecurity{})
	require.NoError(t, err)
	require.Contains(t, res.Params, "signup")
	// Rendered once, in cohort_base; activity_periods adds no copy of it.
	require.Equal(t, []interface{}{"signup"}, res.Params)
}

func TestValidate_PeriodsOutOfRangeIsError(t *testing.T) {
	reg := eventsFixture()
	b := newTestBuilder(reg, testAdapter{})

	cfg := baseConfig()
	cfg.Periods = 53

	err := b.Validate(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "periods must be in 1..52")
}

func TestValidate_UnknownRetentionTypeIsError(t *testing.T) {
	reg := eventsFixture()
	b := newTestBuilder(reg, testAdapter{})

	cfg := baseConfig()
	cfg.RetentionType = "bogus"

	err := b.Validate(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown retentionType")
}

func TestValidate_MeasureCohortFilterIsError(t *testing.T) {
	reg := eventsFixture()
	b := newTestBuilder(reg, testAdapter{})

	cfg := baseConfig()
	cfg.CohortFilters = []query.Filter{
		{Member: "Events.count", Operator: query.OpGt, Values: []string{"1"}},
	}

	err := b.Validate(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "measure filter")
}

func TestValidate_UnreachableActivityFilterIsError(t *testing.T) {
	reg := eventsFixture()
	b := newTestBuilder(reg, testAdapter{})

	cfg := baseConfig()
	cfg.ActivityFilters = []query.Filter{
		{Member: "Orphan.label", Operator: query.OpEquals, Values: []string{"x"}},
	}

	err := b.Validate(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no join path")
}

func TestValidate_MalformedDateRangeIsError(t *testing.T) {
	reg := eventsFixture()
	b := newTestBuilder(reg, testAdapter{})

	cfg := baseConfig()
	cfg.DateRange = query.DateRange{Start: "not-a-date", End: "2024-03-01"}

	err := b.Validate(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "dateRange")
}
