package querybuilder

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cliftonc/drizzle-cube-sub010/adapter"
	"github.com/cliftonc/drizzle-cube-sub010/cube"
	"github.com/cliftonc/drizzle-cube-sub010/internal/annotations"
	"github.com/cliftonc/drizzle-cube-sub010/internal/calcmeasure"
	"github.com/cliftonc/drizzle-cube-sub010/internal/datetime"
	"github.com/cliftonc/drizzle-cube-sub010/internal/filtercache"
	"github.com/cliftonc/drizzle-cube-sub010/internal/joinpath"
	"github.com/cliftonc/drizzle-cube-sub010/internal/measurebuilder"
	"github.com/cliftonc/drizzle-cube-sub010/internal/planner"
	"github.com/cliftonc/drizzle-cube-sub010/query"
)

// testAdapter is a minimal postgres-flavored DatabaseAdapter stand-in; the
// query builder never calls Execute/Explain, so those just panic if reached.
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
	return fmt.Sprintf("DATE_PART('%s', %s - %s)", granularity, b, a)
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
	return adapter.Capabilities{SupportsFilterClause: true, Dialect: "postgres"}
}
func (testAdapter) Execute(ctx context.Context, sqlText string, params []interface{}) ([]map[string]interface{}, error) {
	panic("not used by querybuilder tests")
}
func (testAdapter) Explain(ctx context.Context, sqlText string, params []interface{}) (string, error) {
	panic("not used by querybuilder tests")
}

func testSQL(ctx cube.SecurityContext) cube.BaseSQL {
	return cube.BaseSQL{
		From:  cube.Raw("orders"),
		Where: &cube.SQLExpression{Template: "org_id = ?", Args: []cube.SQLExpression{cube.Raw("'acme'")}},
	}
}

// ordersFixture mirrors the planner package's own fixture: Orders (primary)
// belongsTo Customers, hasMany LineItems, and belongsToMany Tags through a
// junction table.
func ordersFixture() *cube.Registry {
	orders := &cube.Cube{
		Name: "Orders",
		SQL:  testSQL,
		Measures: map[string]*cube.Measure{
			"count": {Name: "count", Type: cube.MeasureCount, SQL: cube.Col("id")},
		},
		Dimensions: map[string]*cube.Dimension{
			"id":     {Name: "id", Type: cube.DimensionNumber, PrimaryKey: true, SQL: cube.Col("id")},
			"status": {Name: "status", Type: cube.DimensionString, SQL: cube.Col("status")},
		},
		Joins: map[string]*cube.Join{
			"Customers": {
				Target:       "Customers",
				Relationship: cube.BelongsTo,
				On:           []cube.JoinKeyPair{{Source: "customer_id", Target: "id"}},
			},
			"LineItems": {
				Target:       "LineItems",
				Relationship: cube.HasMany,
				On:           []cube.JoinKeyPair{{Source: "id", Target: "order_id"}},
			},
			"Tags": {
				Target:       "Tags",
				Relationship: cube.BelongsToMany,
				On:           []cube.JoinKeyPair{{Source: "id", Target: "id"}},
				Through: &cube.Through{
					Table:      "order_tags",
					SourceKeys: []string{"order_id"},
					TargetKeys: []string{"tag_id"},
				},
			},
		},
	}
	customers := &cube.Cube{
		Name: "Customers",
		SQL:  testSQL,
		Dimensions: map[string]*cube.Dimension{
			"id":   {Name: "id", Type: cube.DimensionNumber, PrimaryKey: true, SQL: cube.Col("id")},
			"name": {Name: "name", Type: cube.DimensionString, SQL: cube.Col("name")},
		},
	}
	lineItems := &cube.Cube{
		Name: "LineItems",
		SQL:  testSQL,
		Measures: map[string]*cube.Measure{
			"total": {Name: "total", Type: cube.MeasureSum, SQL: cube.Col("price")},
		},
		Dimensions: map[string]*cube.Dimension{
			"sku": {Name: "sku", Type: cube.DimensionString, SQL: cube.Col("sku")},
		},
	}
	tags := &cube.Cube{
		Name: "Tags",
		SQL:  testSQL,
		Dimensions: map[string]*cube.Dimension{
			"id":   {Name: "id", Type: cube.DimensionNumber, PrimaryKey: true, SQL: cube.Col("id")},
			"name": {Name: "name", Type: cube.DimensionString, SQL: cube.Col("name")},
		},
	}
	return cube.NewRegistry(orders, customers, lineItems, tags)
}

type fakeSecurity struct{}

func (fakeSecurity) TenantID() string { return "acme" }

func newTestBuilder(reg *cube.Registry) (*Builder, *planner.Planner) {
	adp := testAdapter{}
	mb := measurebuilder.New(adp)
	dt := datetime.New(adp)
	fc := filtercache.NewManager(filtercache.NewBuilder(dt))
	b := New(reg, mb, dt, fc)
	p := planner.New(reg, joinpath.New(reg), calcmeasure.New(reg), annotations.NewCollector(nil))
	return b, p
}

func TestBuild_SingleCubeAggregation(t *testing.T) {
	reg := ordersFixture()
	b, p := newTestBuilder(reg)

	q := &query.SemanticQuery{Measures: []string{"Orders.count"}}
	plan, err := p.Plan(q)
	require.NoError(t, err)

	res, err := b.Build(plan, q, fakeSecurity{})
	require.NoError(t, err)
	require.Contains(t, res.SQL, "SELECT COUNT(id) AS \"Orders.count\"")
	require.Contains(t, res.SQL, "FROM orders AS Orders")
	require.Contains(t, res.SQL, "WHERE org_id = 'acme'")
	require.NotContains(t, res.SQL, "GROUP BY")
}

func TestBuild_BelongsToDimensionJoin(t *testing.T) {
	reg := ordersFixture()
	b, p := newTestBuilder(reg)

	q := &query.SemanticQuery{
		Measures:   []string{"Orders.count"},
		Dimensions: []string{"Customers.name"},
	}
	plan, err := p.Plan(q)
	require.NoError(t, err)

	res, err := b.Build(plan, q, fakeSecurity{})
	require.NoError(t, err)
	require.Contains(t, res.SQL, "LEFT JOIN orders AS Customers ON")
	require.Contains(t, res.SQL, "Customers.name")
	require.Contains(t, res.SQL, "GROUP BY")
}

func TestBuild_HasManyMeasureRoutesThroughCTE(t *testing.T) {
	reg := ordersFixture()
	b, p := newTestBuilder(reg)

	q := &query.SemanticQuery{
		Measures: []string{"Orders.count", "LineItems.total"},
	}
	plan, err := p.Plan(q)
	require.NoError(t, err)
	require.Len(t, plan.PreAggregationCTEs, 1)

	res, err := b.Build(plan, q, fakeSecurity{})
	require.NoError(t, err)
	require.Contains(t, res.SQL, "WITH LineItems_cte AS (SELECT")
	require.Contains(t, res.SQL, "LEFT JOIN LineItems_cte ON")
	require.Contains(t, res.SQL, "SUM(LineItems_cte.total) AS \"LineItems.total\"")
}

func TestBuild_DimensionFilterRoutesToWhere(t *testing.T) {
	reg := ordersFixture()
	b, p := newTestBuilder(reg)

	q := &query.SemanticQuery{
		Measures: []string{"Orders.count"},
		Filters: []query.Filter{
			{Member: "Orders.status", Operator: query.OpEquals, Values: []string{"shipped"}},
		},
	}
	plan, err := p.Plan(q)
	require.NoError(t, err)

	res, err := b.Build(plan, q, fakeSecurity{})
	require.NoError(t, err)
	require.Contains(t, res.SQL, "Orders.status")
	require.Contains(t, res.Params, "shipped")
}

func TestBuild_MeasureFilterRoutesToHaving(t *testing.T) {
	reg := ordersFixture()
	b, p := newTestBuilder(reg)

	q := &query.SemanticQuery{
		Measures: []string{"Orders.count"},
		Filters: []query.Filter{
			{Member: "Orders.count", Operator: query.OpGt, Values: []string{"10"}},
		},
	}
	plan, err := p.Plan(q)
	require.NoError(t, err)

	res, err := b.Build(plan, q, fakeSecurity{})
	require.NoError(t, err)
	require.Contains(t, res.SQL, "HAVING")
}

func TestBuild_BelongsToManyJoinsThroughJunctionTable(t *testing.T) {
	reg := ordersFixture()
	b, p := newTestBuilder(reg)

	q := &query.SemanticQuery{
		Measures:   []string{"Orders.count"},
		Dimensions: []string{"Tags.name"},
	}
	plan, err := p.Plan(q)
	require.NoError(t, err)
	require.Len(t, plan.JoinCubes, 1)
	require.NotNil(t, plan.JoinCubes[0].JunctionTable)

	res, err := b.Build(plan, q, fakeSecurity{})
	require.NoError(t, err)
	require.Contains(t, res.SQL, "order_tags AS Tags_junction")
	require.Contains(t, res.SQL, "Tags_junction.order_id")
	require.Contains(t, res.SQL, "Tags_junction.tag_id = Tags.id")
}

func TestBuild_DimensionNeitherJoinKeyNorDownstreamKeyIsError(t *testing.T) {
	reg := ordersFixture()
	b, p := newTestBuilder(reg)

	// LineItems becomes a CTE (its measure is requested); LineItems.sku is
	// neither a join key nor a declared downstream join key of that CTE, so
	// it cannot be projected through it.
	q := &query.SemanticQuery{
		Measures:   []string{"Orders.count", "LineItems.total"},
		Dimensions: []string{"LineItems.sku"},
	}
	plan, err := p.Plan(q)
	require.NoError(t, err)

	_, err = b.Build(plan, q, fakeSecurity{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "neither a join key nor a downstream join key")
}
