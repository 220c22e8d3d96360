// Package common holds the small set of field-resolution and
// filter-rendering helpers every specialized builder (funnel, retention,
// flow, comparison) needs but that don't belong to querybuilder itself,
// since each specialized builder emits its own sequence of CTEs rather than
// QueryBuilder's single-pass SELECT (spec §4.7).
package common

import (
	"fmt"
	"strings"

	"github.com/cliftonc/drizzle-cube-sub010/cube"
	"github.com/cliftonc/drizzle-cube-sub010/internal/filtercache"
	"github.com/cliftonc/drizzle-cube-sub010/internal/joinpath"
	"github.com/cliftonc/drizzle-cube-sub010/internal/sqlexpr"
	"github.com/cliftonc/drizzle-cube-sub010/query"
)

// FieldExpr resolves "cubeName.field" against its own base table, the same
// rule querybuilder.Builder.fieldExprForCube applies.
func FieldExpr(reg *cube.Registry, cubeName, field string) (string, error) {
	c, ok := reg.Get(cubeName)
	if !ok {
		return "", fmt.Errorf("analytics: unknown cube %q", cubeName)
	}
	if dim, ok := c.Dimensions[field]; ok {
		return sqlexpr.Resolve(sqlexpr.Qualify(dim.SQL, cubeName))
	}
	if m, ok := c.Measures[field]; ok {
		return sqlexpr.Resolve(sqlexpr.Qualify(m.SQL, cubeName))
	}
	return "", fmt.Errorf("analytics: unknown member %s.%s", cubeName, field)
}

// Resolver builds a filtercache fieldResolver scoped to a single cube —
// every specialized builder renders step/cohort/activity filters against
// exactly one cube's own table per CTE, never across a join.
func Resolver(reg *cube.Registry, cubeName string) func(member string) (string, *cube.Dimension, error) {
	return func(member string) (string, *cube.Dimension, error) {
		m, err := cube.ParseMember(member)
		if err != nil {
			return "", nil, err
		}
		if m.Cube != cubeName {
			return "", nil, fmt.Errorf("analytics: filter on %s cannot be rendered against %s's own CTE", member, cubeName)
		}
		c, ok := reg.Get(m.Cube)
		if !ok {
			return "", nil, fmt.Errorf("analytics: unknown cube %q", m.Cube)
		}
		dim, isDim := c.Dimensions[m.Field]
		expr, err := FieldExpr(reg, m.Cube, m.Field)
		if err != nil {
			return "", nil, err
		}
		if isDim {
			return expr, dim, nil
		}
		return expr, nil, nil
	}
}

// RenderFilters ANDs every filter's rendered fragment together, threading
// shared bind parameters through the same filter cache manager the standard
// builder uses so identical predicates reuse one Fragment (spec §4.3/§8).
func RenderFilters(filters []query.Filter, fc *filtercache.Manager, resolve func(string) (string, *cube.Dimension, error), params *[]interface{}) (string, error) {
	var preds []string
	for _, f := range filters {
		rendered, err := renderOne(f, fc, resolve, params)
		if err != nil {
			return "", err
		}
		if rendered != "" {
			preds = append(preds, rendered)
		}
	}
	if len(preds) == 0 {
		return "", nil
	}
	out := preds[0]
	for _, p := range preds[1:] {
		out += " AND " + p
	}
	return out, nil
}

func renderOne(f query.Filter, fc *filtercache.Manager, resolve func(string) (string, *cube.Dimension, error), params *[]interface{}) (string, error) {
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
		s, err := renderOne(sub, fc, resolve, params)
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
	out := rendered[0]
	for _, r := range rendered[1:] {
		out += joiner + r
	}
	if len(rendered) == 1 {
		return out, nil
	}
	return "(" + out + ")", nil
}

// ForeignCubes returns the distinct cube names referenced by filters other
// than primaryCubeName, in first-seen order — the set of sibling cubes a
// funnel step or retention cohort/activity filter needs joined in.
func ForeignCubes(filters []query.Filter, primaryCubeName string) []string {
	seen := map[string]bool{primaryCubeName: true}
	var out []string
	for _, f := range filters {
		for _, c := range f.CubesReferenced() {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// JoinChainSQL renders one LEFT JOIN per hop of path, aliasing each target
// cube by its own name (the convention querybuilder's outer query also
// uses), and collects each hop's security predicate.
func JoinChainSQL(reg *cube.Registry, path *joinpath.Path, sec cube.SecurityContext) (string, []string, error) {
	var parts []string
	var security []string
	for _, hop := range path.Hops {
		target, ok := reg.Get(hop.To)
		if !ok {
			return "", nil, fmt.Errorf("analytics: unknown cube %q", hop.To)
		}
		base := target.SQL(sec)
		from, err := sqlexpr.Resolve(base.From)
		if err != nil {
			return "", nil, err
		}
		cond, err := joinpath.BuildJoinCondition(hop.Join, hop.From, hop.To)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, fmt.Sprintf("LEFT JOIN %s AS %s ON %s", from, hop.To, cond))
		if w, err := sqlexpr.ResolveSecurity(base.Where); err == nil && w != "" {
			security = append(security, w)
		}
	}
	return strings.Join(parts, " "), security, nil
}

// RequireJoins resolves the join chains needed to bring every cube filters
// references into scope from primaryCubeName, returning the combined JOIN
// SQL, the combined security predicates, and the set of cubes now in scope.
// Returns an error naming the unreachable cube when no join path exists.
func RequireJoins(reg *cube.Registry, jp *joinpath.Resolver, primaryCubeName string, filters []query.Filter, sec cube.SecurityContext) (string, []string, map[string]bool, error) {
	var joinSQL []string
	var security []string
	allowed := map[string]bool{primaryCubeName: true}
	for _, foreign := range ForeignCubes(filters, primaryCubeName) {
		path := jp.FindPath(primaryCubeName, foreign, nil)
		if path == nil {
			return "", nil, nil, fmt.Errorf("analytics: no join path from %s to filter cube %s", primaryCubeName, foreign)
		}
		sql, sec2, err := JoinChainSQL(reg, path, sec)
		if err != nil {
			return "", nil, nil, err
		}
		joinSQL = append(joinSQL, sql)
		security = append(security, sec2...)
		for _, c := range path.Cubes {
			allowed[c] = true
		}
	}
	return strings.Join(joinSQL, " "), security, allowed, nil
}

// ScopedResolver builds a fieldResolver scoped to every cube in allowed,
// qualifying each member against its own cube's alias. Filters on a cube
// outside allowed are a rendering error (the caller didn't join it in).
func ScopedResolver(reg *cube.Registry, allowed map[string]bool) func(string) (string, *cube.Dimension, error) {
	return func(member string) (string, *cube.Dimension, error) {
		m, err := cube.ParseMember(member)
		if err != nil {
			return "", nil, err
		}
		if !allowed[m.Cube] {
			return "", nil, fmt.Errorf("analytics: filter on %s is not reachable from this join set", member)
		}
		c, ok := reg.Get(m.Cube)
		if !ok {
			return "", nil, fmt.Errorf("analytics: unknown cube %q", m.Cube)
		}
		dim, isDim := c.Dimensions[m.Field]
		expr, err := FieldExpr(reg, m.Cube, m.Field)
		if err != nil {
			return "", nil, err
		}
		if isDim {
			return expr, dim, nil
		}
		return expr, nil, nil
	}
}

// ValidateDimensionOnlyFilters rejects any filter leaf targeting a measure —
// funnel step filters and retention cohort/activity filters are
// dimension-only (spec §4.7, §7 ValidationError "illegal filter target").
func ValidateDimensionOnlyFilters(reg *cube.Registry, filters []query.Filter, context string) error {
	for _, f := range filters {
		for _, leaf := range f.Leaves() {
			_, isMeasure, err := reg.ResolveMember(leaf.Member)
			if err != nil {
				return fmt.Errorf("%s: %w", context, err)
			}
			if isMeasure {
				return fmt.Errorf("%s: measure filter on %s is not allowed; step/cohort/activity filters must target dimensions", context, leaf.Member)
			}
		}
	}
	return nil
}
