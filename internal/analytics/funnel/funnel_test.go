package funnel

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

type testAdapter struct{ supportsPercentile bool }

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
	return fmt.Sprintf("DATE_PART('%s', %s - %s)", granularity, b, a)
}
func (testAdapter) BuildDateAddInterval(expr, isoDuration string) string {
	return expr + " + INTERVAL '" + isoDuration + "'"
}
func (testAdapter) BuildTimeDifferenceSeconds(a, b string) string {
	return fmt.Sprintf("EXTRACT(EPOCH FROM (%s - %s))", b, a)
}
func (t testAdapter) BuildPercentile(expr string, p float64) (string, bool) {
	if !t.supportsPercentile {
		return "", false
	}
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
func (t testAdapter) GetCapabilities() adapter.Capabilities {
	return adapter.Capabilities{SupportsFilterClause: true, SupportsPercentileSubqueries: t.supportsPercentile, Dialect: "postgres"}
}
func (testAdapter) Execute(ctx context.Context, sqlText string, params []interface{}) ([]map[string]interface{}, error) {
	panic("not used by funnel tests")
}
func (testAdapter) Explain(ctx context.Context, sqlText string, params []interface{}) (string, error) {
	panic("not used by funnel tests")
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

func twoStepConfig() *query.FunnelConfig {
	return &query.FunnelConfig{
		BindingKey:    "Events.userId",
		TimeDimension: "Events.createdAt",
		Steps: []query.FunnelStep{
			{Name: "Signup", Filters: []query.Filter{
				{Member: "Events.eventName", Operator: query.OpEquals, Values: []string{"signup"}},
			}},
			{Name: "Purchase", Filters: []query.Filter{
				{Member: "Events.eventName", Operator: query.OpEquals, Values: []string{"purchase"}},
			}},
		},
	}
}

func TestBuild_TwoStepFunnelProducesExpectedCTEChain(t *testing.T) {
	reg := eventsFixture()
	b := newTestBuilder(reg, testAdapter{})

	res, err := b.Build(twoStepConfig(), fakeSecurity{})
	require.NoError(t, err)
	require.Contains(t, res.SQL, "WITH step_0 AS (SELECT")
	require.Contains(t, res.SQL, "step_1 AS (SELECT")
	require.Contains(t, res.SQL, "funnel_joined AS (SELECT")
	require.Contains(t, res.SQL, "funnel_metrics AS (SELECT")
	require.Contains(t, res.SQL, "SELECT * FROM funnel_metrics")
	require.Contains(t, res.SQL, "INNER JOIN events AS Events ON Events.user_id = step_0.binding_key")
	require.Contains(t, res.SQL, "Events.created_at > step_0.step_time")
	require.Contains(t, res.SQL, "COUNT(*) AS step_0_count")
	require.Contains(t, res.SQL, "COUNT(step_1_time) AS step_1_count")
	require.Contains(t, res.Params, "signup")
	require.Contains(t, res.Params, "purchase")
}

func TestBuild_TimeToConvertAddsUpperBound(t *testing.T) {
	reg := eventsFixture()
	b := newTestBuilder(reg, testAdapter{})

	cfg := twoStepConfig()
	cfg.Steps[1].TimeToConvert = "P7D"

	res, err := b.Build(cfg, fakeSecurity{})
	require.NoError(t, err)
	require.Contains(t, res.SQL, "Events.created_at <= step_0.step_time + INTERVAL 'P7D'")
}

func TestBuild_IncludeTimeMetricsAddsAvgMinMaxAndPercentiles(t *testing.T) {
	reg := eventsFixture()
	b := newTestBuilder(reg, testAdapter{supportsPercentile: true})

	cfg := twoStepConfig()
	cfg.IncludeTimeMetrics = true

	res, err := b.Build(cfg, fakeSecurity{})
	require.NoError(t, err)
	require.Contains(t, res.SQL, "AVG(EXTRACT(EPOCH FROM (step_1_time - step_0_time))) AS step_1_avg_seconds")
	require.Contains(t, res.SQL, "MIN(EXTRACT(EPOCH FROM (step_1_time - step_0_time))) AS step_1_min_seconds")
	require.Contains(t, res.SQL, "MAX(EXTRACT(EPOCH FROM (step_1_time - step_0_time))) AS step_1_max_seconds")
	require.Contains(t, res.SQL, "step_1_median_seconds")
	require.Contains(t, res.SQL, "step_1_p90_seconds")
}

func TestBuild_IncludeTimeMetricsOmitsPercentilesWhenAdapterLacksSupport(t *testing.T) {
	reg := eventsFixture()
	b := newTestBuilder(reg, testAdapter{supportsPercentile: false})

	cfg := twoStepConfig()
	cfg.IncludeTimeMetrics = true

	res, err := b.Build(cfg, fakeSecurity{})
	require.NoError(t, err)
	require.Contains(t, res.SQL, "step_1_avg_seconds")
	require.NotContains(t, res.SQL, "median_seconds")
	require.NotContains(t, res.SQL, "p90_seconds")
}

func TestBuild_CrossCubeStepFilterJoinsSiblingCube(t *testing.T) {
	reg := eventsFixture()
	b := newTestBuilder(reg, testAdapter{})

	cfg := twoStepConfig()
	cfg.Steps[1].Filters = append(cfg.Steps[1].Filters, query.Filter{
		Member: "Users.country", Operator: query.OpEquals, Values: []string{"US"},
	})

	res, err := b.Build(cfg, fakeSecurity{})
	require.NoError(t, err)
	require.Contains(t, res.SQL, "LEFT JOIN users AS Users ON Events.user_id = Users.id")
	require.Contains(t, res.SQL, "Users.country")
	require.Contains(t, res.Params, "US")
}

func TestValidate_FewerThanTwoStepsIsError(t *testing.T) {
	reg := eventsFixture()
	b := newTestBuilder(reg, testAdapter{})

	cfg := twoStepConfig()
	cfg.Steps = cfg.Steps[:1]

	err := b.Validate(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "at least 2 steps")
}

func TestValidate_MeasureFilterInStepIsError(t *testing.T) {
	reg := eventsFixture()
	b := newTestBuilder(reg, testAdapter{})

	cfg := twoStepConfig()
	cfg.Steps[0].Filters = []query.Filter{
		{Member: "Events.count", Operator: query.OpGt, Values: []string{"1"}},
	}

	err := b.Validate(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "measure filter")
}

func TestValidate_UnreachableCrossCubeFilterIsError(t *testing.T) {
	reg := eventsFixture()
	b := newTestBuilder(reg, testAdapter{})

	cfg := twoStepConfig()
	cfg.Steps[1].Filters = append(cfg.Steps[1].Filters, query.Filter{
		Member: "Orphan.label", Operator: query.OpEquals, Values: []string{"x"},
	})

	err := b.Validate(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no join path")
}

func TestValidate_MalformedTimeToConvertIsError(t *testing.T) {
	reg := eventsFixture()
	b := newTestBuilder(reg, testAdapter{})

	cfg := twoStepConfig()
	cfg.Steps[1].TimeToConvert = "not-a-duration"

	err := b.Validate(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "timeToConvert")
}
