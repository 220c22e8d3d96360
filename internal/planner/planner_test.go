package planner

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cliftonc/drizzle-cube-sub010/cube"
	"github.com/cliftonc/drizzle-cube-sub010/internal/annotations"
	"github.com/cliftonc/drizzle-cube-sub010/internal/calcmeasure"
	"github.com/cliftonc/drizzle-cube-sub010/internal/joinpath"
	"github.com/cliftonc/drizzle-cube-sub010/query"
)

func testSQL(ctx cube.SecurityContext) cube.BaseSQL {
	return cube.BaseSQL{From: cube.Raw("dummy")}
}

// ordersLineItemsRegistry models a primary Orders cube with a hasMany edge
// to LineItems (a measure-contributing cube, so it becomes a CTE) and a
// belongsTo edge to Customers (a plain dimension join).
func ordersLineItemsRegistry() *cube.Registry {
	orders := &cube.Cube{
		Name: "Orders",
		SQL:  testSQL,
		Measures: map[string]*cube.Measure{
			"count": {Name: "count", Type: cube.MeasureCount},
		},
		Dimensions: map[string]*cube.Dimension{
			"id":     {Name: "id", Type: cube.DimensionNumber, PrimaryKey: true, SQL: cube.Col("id")},
			"status": {Name: "status", Type: cube.DimensionString, SQL: cube.Col("status")},
		},
		Joins: map[string]*cube.Join{
			"LineItems": {
				Target:       "LineItems",
				Relationship: cube.HasMany,
				On:           []cube.JoinKeyPair{{Source: "id", Target: "order_id"}},
			},
			"Customers": {
				Target:       "Customers",
				Relationship: cube.BelongsTo,
				On:           []cube.JoinKeyPair{{Source: "customer_id", Target: "id"}},
			},
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
	lineItems.Joins = map[string]*cube.Join{
		"Vendors": {
			Target:       "Vendors",
			Relationship: cube.BelongsTo,
			On:           []cube.JoinKeyPair{{Source: "vendor_id", Target: "id"}},
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
	vendors := &cube.Cube{
		Name: "Vendors",
		SQL:  testSQL,
		Dimensions: map[string]*cube.Dimension{
			"id":   {Name: "id", Type: cube.DimensionNumber, PrimaryKey: true, SQL: cube.Col("id")},
			"name": {Name: "name", Type: cube.DimensionString, SQL: cube.Col("name")},
		},
	}
	return cube.NewRegistry(orders, lineItems, customers, vendors)
}

func newTestPlanner(reg *cube.Registry) *Planner {
	return New(reg, joinpath.New(reg), calcmeasure.New(reg), annotations.NewCollector(nil))
}

func TestPlan_SingleCube(t *testing.T) {
	reg := ordersLineItemsRegistry()
	p := newTestPlanner(reg)

	plan, err := p.Plan(&query.SemanticQuery{Measures: []string{"Orders.count"}})
	require.NoError(t, err)
	require.Equal(t, "Orders", plan.PrimaryCube)
	require.Empty(t, plan.JoinCubes)
	require.Empty(t, plan.PreAggregationCTEs)
}

func TestPlan_BelongsToDimensionJoin(t *testing.T) {
	reg := ordersLineItemsRegistry()
	p := newTestPlanner(reg)

	plan, err := p.Plan(&query.SemanticQuery{
		Measures:   []string{"Orders.count"},
		Dimensions: []string{"Customers.name"},
	})
	require.NoError(t, err)
	require.Equal(t, "Orders", plan.PrimaryCube)
	require.Len(t, plan.JoinCubes, 1)
	require.Equal(t, "Customers", plan.JoinCubes[0].Cube)
	require.Equal(t, LeftJoin, plan.JoinCubes[0].JoinType)
	require.Contains(t, plan.JoinCubes[0].JoinCondition, "customer_id")
}

func TestPlan_HasManyMeasureBecomesCTE(t *testing.T) {
	reg := ordersLineItemsRegistry()
	p := newTestPlanner(reg)

	plan, err := p.Plan(&query.SemanticQuery{
		Measures: []string{"Orders.count", "LineItems.total"},
	})
	require.NoError(t, err)
	require.Equal(t, "Orders", plan.PrimaryCube)
	require.Empty(t, plan.JoinCubes)
	require.Len(t, plan.PreAggregationCTEs, 1)

	c := plan.PreAggregationCTEs[0]
	require.Equal(t, "LineItems", c.Cube)
	require.Equal(t, "LineItems_cte", c.CTEAlias)
	require.Equal(t, []JoinKey{{PrimaryColumn: "id", CTEColumn: "order_id"}}, c.JoinKeys)
	require.Contains(t, c.Measures, "LineItems.total")
}

func TestPlan_DownstreamDimensionThroughCTE(t *testing.T) {
	reg := ordersLineItemsRegistry()
	p := newTestPlanner(reg)

	// Vendors.name is a dimension one hop beyond LineItems, which becomes a
	// CTE because LineItems.total is also requested; the outer query must
	// join Vendors against the CTE's downstream join key rather than against
	// the primary cube directly.
	plan, err := p.Plan(&query.SemanticQuery{
		Measures:   []string{"Orders.count", "LineItems.total"},
		Dimensions: []string{"Vendors.name"},
	})
	require.NoError(t, err)
	require.Len(t, plan.PreAggregationCTEs, 1)
	require.Len(t, plan.PreAggregationCTEs[0].DownstreamJoinKeys, 1)
	require.Equal(t, "Vendors", plan.PreAggregationCTEs[0].DownstreamJoinKeys[0].TargetCube)

	require.Len(t, plan.JoinCubes, 1)
	require.Equal(t, "Vendors", plan.JoinCubes[0].Cube)
	require.Contains(t, plan.JoinCubes[0].JoinCondition, "LineItems_cte")
}

func TestPlan_UnknownCubeIsValidationError(t *testing.T) {
	reg := ordersLineItemsRegistry()
	p := newTestPlanner(reg)

	_, err := p.Plan(&query.SemanticQuery{Measures: []string{"Nope.count"}})
	require.Error(t, err)
}

func TestPlan_NoCubesIsPlanningError(t *testing.T) {
	reg := ordersLineItemsRegistry()
	p := newTestPlanner(reg)

	_, err := p.Plan(&query.SemanticQuery{})
	require.Error(t, err)
}

func TestAnalyzeQueryPlan_NeverExecutesAndMirrorsPlan(t *testing.T) {
	reg := ordersLineItemsRegistry()
	p := newTestPlanner(reg)

	q := &query.SemanticQuery{Measures: []string{"Orders.count"}, Dimensions: []string{"Customers.name"}}
	analysis, err := p.AnalyzeQueryPlan(q)
	require.NoError(t, err)
	require.Equal(t, "Orders", analysis.PrimaryCube)
	require.Len(t, analysis.Hops, 1)
	require.Equal(t, cube.BelongsTo, analysis.Hops[0].Relationship)
}
