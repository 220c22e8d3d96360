package querybuilder

import (
	"fmt"

	"github.com/cliftonc/drizzle-cube-sub010/cube"
	"github.com/cliftonc/drizzle-cube-sub010/internal/filtercache"
	"github.com/cliftonc/drizzle-cube-sub010/query"
)

// fieldResolver maps a qualified member name to the SQL expression it
// should render against in the current build context (outer query or a
// single CTE) plus its Dimension metadata (nil for measures, which reach
// FilterBuilder only as HAVING targets).
type fieldResolver func(member string) (string, *cube.Dimension, error)

// renderFilter renders a (possibly logical) filter tree to a single SQL
// boolean expression, reusing the filter cache's canonical fragments so
// identical leaves share one set of bind parameters wherever they appear
// (spec §4.3, §8 "exactly one SQL fragment and one bind parameter set").
// Params accumulates in left-to-right textual order, matching "?"
// placeholders.
func renderFilter(f query.Filter, fc *filtercache.Manager, resolve fieldResolver, params *[]interface{}) (string, error) {
	if f.IsLeaf() {
		frag, _, err := fc.Render(f, resolve)
		if err != nil {
			return "", err
		}
		if frag == nil {
			return "", nil
		}
		*params = append(*params, frag.Params...)
		return frag.SQL, nil
	}

	var rendered []string
	for _, sub := range f.Filters {
		s, err := renderFilter(sub, fc, resolve, params)
		if err != nil {
			return "", err
		}
		if s != "" {
			rendered = append(rendered, s)
		}
	}
	if len(rendered) == 0 {
		return "", nil
	}
	joiner := " AND "
	if f.Logical == query.LogicalOr {
		joiner = " OR "
	}
	if len(rendered) == 1 {
		return rendered[0], nil
	}
	return "(" + joinNonEmpty(rendered, joiner) + ")", nil
}

// timeDimensionFilters synthesizes a query.Filter for every time dimension
// that declares a DateRange, so date-range restrictions flow through the
// same cache-and-render path as ordinary filters (spec §4.3: "the executor
// walks all simple filters and time-dimension date ranges").
func timeDimensionFilters(q *query.SemanticQuery) []query.Filter {
	var out []query.Filter
	for _, td := range q.TimeDimensions {
		if td.DateRange.IsZero() {
			continue
		}
		dr := td.DateRange
		out = append(out, query.Filter{Member: td.Dimension, Operator: query.OpInDateRange, DateRange: &dr})
	}
	return out
}

// cubesOf returns the set of cube names f references (recursing through
// logical groupings).
func cubesOf(f query.Filter) map[string]bool {
	out := map[string]bool{}
	for _, c := range f.CubesReferenced() {
		out[c] = true
	}
	return out
}

// subset reports whether every element of a is present in b.
func subset(a map[string]bool, b map[string]bool) bool {
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

// TimeDimensionFilters exports timeDimensionFilters for the executor's
// filter cache preload step (spec §4.3, §4.8), which needs the same
// date-range-derived filter leaves the outer build pass renders.
func TimeDimensionFilters(q *query.SemanticQuery) []query.Filter {
	return timeDimensionFilters(q)
}

// SeedResolver returns a resolveField function suitable for
// filtercache.Manager.Seed, built the same registry-only way Build's own
// resolver is (resolveFieldExpr), so a preloaded fragment is never stale
// relative to what the real build pass renders for the same filter leaf.
func SeedResolver(reg *cube.Registry) func(member string) (string, *cube.Dimension, error) {
	return resolverFor(reg, func(cubeName, field string) (string, error) {
		return resolveFieldExpr(reg, cubeName, field)
	})
}

func resolverFor(reg *cube.Registry, fieldExprOf func(cubeName, field string) (string, error)) fieldResolver {
	return func(member string) (string, *cube.Dimension, error) {
		m, err := cube.ParseMember(member)
		if err != nil {
			return "", nil, err
		}
		c, ok := reg.Get(m.Cube)
		if !ok {
			return "", nil, fmt.Errorf("querybuilder: unknown cube %q", m.Cube)
		}
		dim, isDim := c.Dimensions[m.Field]
		expr, err := fieldExprOf(m.Cube, m.Field)
		if err != nil {
			return "", nil, err
		}
		if isDim {
			return expr, dim, nil
		}
		return expr, nil, nil
	}
}
