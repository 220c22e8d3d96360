package planner

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cliftonc/drizzle-cube-sub010/query"
)

func TestQueryAnalysis_StringRendersHopsAndCTEs(t *testing.T) {
	reg := ordersLineItemsRegistry()
	p := newTestPlanner(reg)

	q := &query.SemanticQuery{Measures: []string{"Orders.count", "LineItems.total"}, Dimensions: []string{"Customers.name"}}
	analysis, err := p.AnalyzeQueryPlan(q)
	require.NoError(t, err)

	out := analysis.String()
	require.Contains(t, out, "primary cube: Orders")
	require.Contains(t, out, "Customers")
	require.Contains(t, out, "LineItems")
}
