package flow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cliftonc/drizzle-cube-sub010/adapter"
	"github.com/cliftonc/drizzle-cube-sub010/cube"
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
	return string(fn) + "()"
}
func (testAdapter) ConvertTimeDimensionResult(value interface{}) (time.Time, error) {
	return time.Time{}, nil
}
func (testAdapter) GetCapabilities() adapter.Capabilities {
	return adapter.Capabilities{SupportsFilterClause: true, SupportsPercentileSubqueries: true, Dialect: "postgres"}
}
func (testAdapter) Execute(ctx context.Context, sqlText string, params []interface{}) ([]map[string]interface{}, error) {
	panic("not used by flow tests")
}
func (testAdapter) Explain(ctx context.Context, sqlText string, params []interface{}) (string, error) {
	panic("not used by flow tests")
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
	fc := filtercache.NewManager(filtercache.NewBuilder(nil))
	return New(reg, joinpath.New(reg), fc, adp)
}

func baseConfig() *query.FlowConfig {
	return &query.FlowConfig{
		BindingKey:    "Events.userId",
		TimeDimension: "Events.createdAt",
		StartStep: query.FunnelStep{
			Name: "Checkout",
			Filters: []query.Filter{
				{Member: "Events.eventName", Operator: query.OpEquals, Values: []string{"checkout"}},
			},
		},
		Steps: 2,
	}
}

func TestBuild_ProducesExpectedCTEChainAndPayload(t *testing.T) {
	reg := eventsFixture()
	b := newTestBuilder(reg, testAdapter{})

	res, err := b.Build(baseConfig(), fakeSecurity{})
	require.NoError(t, err)
	require.Contains(t, res.SQL, "WITH all_events AS (SELECT")
	require.Contains(t, res.SQL, "sequenced AS (SELECT")
	require.Contains(t, res.SQL, "anchor_seq AS (SELECT")
	require.Contains(t, res.SQL, "offsets AS (SELECT")
	require.Contains(t, res.SQL, "BETWEEN -2 AND 2")
	require.Contains(t, res.SQL, "transitions AS (SELECT")
	require.Contains(t, res.SQL, "nodes AS (SELECT DISTINCT step_name, step_offset FROM offsets)")
	require.Contains(t, res.SQL, "SELECT (SELECT COALESCE(json_agg(json_build_object('step', step_name, 'offset', step_offset)), '[]') FROM nodes) AS nodes")
	require.Contains(t, res.SQL, "links")
	require.Contains(t, res.Params, "checkout")
}

func TestBuild_BindingKeyAndStepOnSameCubeNeedNoExtraJoin(t *testing.T) {
	reg := eventsFixture()
	b := newTestBuilder(reg, testAdapter{})

	res, err := b.Build(baseConfig(), fakeSecurity{})
	require.NoError(t, err)
	require.NotContains(t, res.SQL, "LEFT JOIN users")
	require.Contains(t, res.SQL, "Events.user_id AS binding_key, Events.event_name AS step_name")
}

func TestValidate_ZeroStepsIsError(t *testing.T) {
	reg := eventsFixture()
	b := newTestBuilder(reg, testAdapter{})

	cfg := baseConfig()
	cfg.Steps = 0

	err := b.Validate(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "steps must be >= 1")
}

func TestValidate_NoStartStepFiltersIsError(t *testing.T) {
	reg := eventsFixture()
	b := newTestBuilder(reg, testAdapter{})

	cfg := baseConfig()
	cfg.StartStep.Filters = nil

	err := b.Validate(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "at least one filter")
}

func TestValidate_MeasureStartStepFilterIsError(t *testing.T) {
	reg := eventsFixture()
	b := newTestBuilder(reg, testAdapter{})

	cfg := baseConfig()
	cfg.StartStep.Filters = []query.Filter{
		{Member: "Events.count", Operator: query.OpGt, Values: []string{"1"}},
	}

	err := b.Validate(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "measure filter")
}

func TestValidate_UnreachableStartStepFilterIsError(t *testing.T) {
	reg := eventsFixture()
	b := newTestBuilder(reg, testAdapter{})

	cfg := baseConfig()
	cfg.StartStep.Filters = append(cfg.StartStep.Filters, query.Filter{
		Member: "Orphan.label", Operator: query.OpEquals, Values: []string{"x"},
	})

	err := b.Validate(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no join path")
}
