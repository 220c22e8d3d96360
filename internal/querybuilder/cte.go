package querybuilder

import (
	"fmt"
	"strings"

	"github.com/cliftonc/drizzle-cube-sub010/cube"
	"github.com/cliftonc/drizzle-cube-sub010/internal/planner"
	"github.com/cliftonc/drizzle-cube-sub010/internal/sqlexpr"
	"github.com/cliftonc/drizzle-cube-sub010/query"
)

// cteColumns is the set of field -> projected column name a single
// pre-aggregation CTE exposes, used by the outer builder to resolve
// dimension/measure references against that CTE instead of the cube's own
// base table (spec §4.6).
type cteColumns struct {
	joinKeyByPrimaryColumn map[string]string // primary.col -> cte column
	fkByColumn             map[string]string // cte's own fk column name -> itself (downstream join keys)
	measureColumn          map[string]string // measure field -> cte column
}

// builtCTE is one fully rendered pre-aggregation CTE.
type builtCTE struct {
	cube    string
	alias   string
	sql     string // "<alias> AS (SELECT ...)"
	params  []interface{}
	columns cteColumns
}

// buildCTEs renders every planned pre-aggregation CTE (spec §4.6's
// pseudo-SQL). Each CTE is independent: its own FROM, its own security
// predicate, its own GROUP BY on the join keys it projects.
func (b *Builder) buildCTEs(plan *planner.QueryPlan, q *query.SemanticQuery, sec cube.SecurityContext) ([]builtCTE, error) {
	var out []builtCTE
	for _, pc := range plan.PreAggregationCTEs {
		built, err := b.buildOneCTE(pc, q, sec)
		if err != nil {
			return nil, fmt.Errorf("cte %s: %w", pc.Cube, err)
		}
		out = append(out, built)
	}
	return out, nil
}

func (b *Builder) buildOneCTE(pc planner.PreAggregationCTE, q *query.SemanticQuery, sec cube.SecurityContext) (builtCTE, error) {
	c, ok := b.reg.Get(pc.Cube)
	if !ok {
		return builtCTE{}, fmt.Errorf("unknown cube %q", pc.Cube)
	}
	base := c.SQL(sec)
	from, err := sqlexpr.Resolve(base.From)
	if err != nil {
		return builtCTE{}, err
	}
	security, err := sqlexpr.ResolveSecurity(base.Where)
	if err != nil {
		return builtCTE{}, err
	}

	var selectCols []string
	cols := cteColumns{
		joinKeyByPrimaryColumn: map[string]string{},
		fkByColumn:             map[string]string{},
		measureColumn:          map[string]string{},
	}
	var groupBy []string

	for _, jk := range pc.JoinKeys {
		expr := sqlexpr.Qualify(cube.Col(jk.CTEColumn), pc.Cube).Column
		selectCols = append(selectCols, fmt.Sprintf("%s AS %s", expr, jk.CTEColumn))
		groupBy = append(groupBy, expr)
		cols.joinKeyByPrimaryColumn[jk.PrimaryColumn] = jk.CTEColumn
	}
	for _, dk := range pc.DownstreamJoinKeys {
		if _, dup := cols.fkByColumn[dk.CTEColumn]; dup {
			continue
		}
		expr := sqlexpr.Qualify(cube.Col(dk.CTEColumn), pc.Cube).Column
		selectCols = append(selectCols, fmt.Sprintf("%s AS %s", expr, dk.CTEColumn))
		groupBy = append(groupBy, expr)
		cols.fkByColumn[dk.CTEColumn] = dk.CTEColumn
	}

	var params []interface{}
	for _, qualified := range pc.Measures {
		_, m, err := b.reg.ResolveMeasure(qualified)
		if err != nil {
			return builtCTE{}, err
		}
		if m.Type == cube.MeasureCalculated {
			continue // calculated measures are re-derived in the outer query
		}
		aggSQL, err := b.mb.BuildAggregate(m)
		if err != nil {
			return builtCTE{}, err
		}
		selectCols = append(selectCols, fmt.Sprintf("%s AS %s", aggSQL, m.Name))
		cols.measureColumn[m.Name] = m.Name
	}

	// Filters directly targeting this CTE's own cube.
	resolve := resolverFor(b.reg, func(cubeName, field string) (string, error) {
		if cubeName != pc.Cube {
			return "", fmt.Errorf("filter on %s.%s cannot be rendered inside the %s CTE", cubeName, field, pc.Cube)
		}
		return b.fieldExprForCube(cubeName, field)
	})

	var wherePreds []string
	if security != "" {
		wherePreds = append(wherePreds, security)
	}
	for _, f := range allFiltersFor(q, pc.Cube) {
		rendered, err := renderFilter(f, b.fc, resolve, &params)
		if err != nil {
			return builtCTE{}, err
		}
		if rendered != "" {
			wherePreds = append(wherePreds, rendered)
		}
	}

	for _, pf := range pc.PropagatingFilters {
		clause, pfParams, err := b.buildPropagatingFilterClause(pc.Cube, pf, q, sec)
		if err != nil {
			return builtCTE{}, err
		}
		if clause != "" {
			wherePreds = append(wherePreds, clause)
			params = append(params, pfParams...)
		}
	}

	var sb strings.Builder
	sb.WriteString(pc.CTEAlias)
	sb.WriteString(" AS (SELECT ")
	sb.WriteString(strings.Join(selectCols, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(from)
	sb.WriteString(" AS ")
	sb.WriteString(pc.Cube)
	for _, j := range base.Joins {
		joinSQL, err := sqlexpr.Resolve(j)
		if err != nil {
			return builtCTE{}, err
		}
		sb.WriteString(" ")
		sb.WriteString(joinSQL)
	}
	if len(wherePreds) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(joinNonEmpty(wherePreds, " AND "))
	}
	if len(groupBy) > 0 {
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(groupBy, ", "))
	}
	sb.WriteString(")")

	return builtCTE{cube: pc.Cube, alias: pc.CTEAlias, sql: sb.String(), params: params, columns: cols}, nil
}

// buildPropagatingFilterClause renders a propagating filter as an IN
// (SELECT ...) subselect restricting the CTE by a sibling cube's own
// filters (spec §3 Glossary, §4.6). The sibling's predicate reuses the
// same cached Fragment as wherever else it's rendered (outer WHERE, or a
// second propagating filter) so bind parameters are shared (spec §8).
func (b *Builder) buildPropagatingFilterClause(cteCube string, pf planner.PropagatingFilter, q *query.SemanticQuery, sec cube.SecurityContext) (string, []interface{}, error) {
	sibling, ok := b.reg.Get(pf.SourceCube)
	if !ok {
		return "", nil, fmt.Errorf("unknown sibling cube %q in propagating filter", pf.SourceCube)
	}
	base := sibling.SQL(sec)
	from, err := sqlexpr.Resolve(base.From)
	if err != nil {
		return "", nil, err
	}
	security, err := sqlexpr.ResolveSecurity(base.Where)
	if err != nil {
		return "", nil, err
	}

	resolve := resolverFor(b.reg, func(cubeName, field string) (string, error) {
		if cubeName != pf.SourceCube {
			return "", fmt.Errorf("propagating filter subselect on %s cannot reference %s.%s", pf.SourceCube, cubeName, field)
		}
		return b.fieldExprForCube(cubeName, field)
	})

	var params []interface{}
	var preds []string
	if security != "" {
		preds = append(preds, security)
	}
	for _, f := range allFiltersFor(q, pf.SourceCube) {
		rendered, err := renderFilter(f, b.fc, resolve, &params)
		if err != nil {
			return "", nil, err
		}
		if rendered != "" {
			preds = append(preds, rendered)
		}
	}
	if len(preds) == 0 {
		return "", nil, nil
	}

	var lhs, pk []string
	for _, jk := range pf.JoinColumns {
		lhs = append(lhs, sqlexpr.Qualify(cube.Col(jk.PrimaryColumn), cteCube).Column)
		pk = append(pk, jk.CTEColumn)
	}
	subSelect := fmt.Sprintf("SELECT %s FROM %s AS %s WHERE %s",
		strings.Join(qualifyAll(pk, pf.SourceCube), ", "), from, pf.SourceCube, joinNonEmpty(preds, " AND "))

	if len(lhs) == 1 {
		return fmt.Sprintf("%s IN (%s)", lhs[0], subSelect), params, nil
	}
	return fmt.Sprintf("(%s) IN (%s)", strings.Join(lhs, ", "), subSelect), params, nil
}

func qualifyAll(cols []string, alias string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = sqlexpr.Qualify(cube.Col(c), alias).Column
	}
	return out
}

// allFiltersFor returns every top-level filter (and synthesized
// time-dimension filter) whose leaves all reference cubeName — the
// condition under which a filter can be rendered against a single cube's
// own table (a CTE's FROM, or the sibling in a propagating subselect).
func allFiltersFor(q *query.SemanticQuery, cubeName string) []query.Filter {
	only := map[string]bool{cubeName: true}
	var out []query.Filter
	for _, f := range q.Filters {
		if subset(cubesOf(f), only) {
			out = append(out, f)
		}
	}
	for _, f := range timeDimensionFilters(q) {
		if subset(cubesOf(f), only) {
			out = append(out, f)
		}
	}
	return out
}
