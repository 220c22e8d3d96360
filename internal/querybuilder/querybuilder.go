package querybuilder

import (
	"fmt"
	"strings"

	"github.com/cliftonc/drizzle-cube-sub010/cube"
	"github.com/cliftonc/drizzle-cube-sub010/internal/planner"
	"github.com/cliftonc/drizzle-cube-sub010/internal/sqlexpr"
	"github.com/cliftonc/drizzle-cube-sub010/query"
)

// Build assembles the full outer SQL statement (CTEs + SELECT/FROM/JOIN/
// WHERE/GROUP BY/HAVING/ORDER BY/LIMIT/OFFSET) for plan+q against sec
// (spec §4.6). The same filter cache supplied at construction is used for
// every fragment rendered here and inside each CTE, so a filter appearing
// in both the outer WHERE and a propagating subselect shares one set of
// bind parameters (spec §4.3, §8).
func (b *Builder) Build(plan *planner.QueryPlan, q *query.SemanticQuery, sec cube.SecurityContext) (*Result, error) {
	ctes, err := b.buildCTEs(plan, q, sec)
	if err != nil {
		return nil, err
	}
	state := b.newSelectState(ctes)
	if err := b.renderMeasuresInOrder(plan, state); err != nil {
		return nil, err
	}

	primary, ok := b.reg.Get(plan.PrimaryCube)
	if !ok {
		return nil, fmt.Errorf("querybuilder: unknown primary cube %q", plan.PrimaryCube)
	}
	primaryBase := primary.SQL(sec)
	primaryFrom, err := sqlexpr.Resolve(primaryBase.From)
	if err != nil {
		return nil, err
	}
	primarySecurity, err := sqlexpr.ResolveSecurity(primaryBase.Where)
	if err != nil {
		return nil, err
	}

	outerCubes := map[string]bool{plan.PrimaryCube: true}
	for _, jc := range plan.JoinCubes {
		outerCubes[jc.Cube] = true
	}

	var params []interface{}

	selectCols, groupBy, err := b.buildSelectList(q, state, &params)
	if err != nil {
		return nil, err
	}

	joinSQL, joinSecurity, err := b.buildJoins(plan, sec)
	if err != nil {
		return nil, err
	}

	wherePreds, havingPreds, err := b.buildWhereAndHaving(q, outerCubes, &params)
	if err != nil {
		return nil, err
	}

	segmentPreds, err := b.buildSegments(q, outerCubes)
	if err != nil {
		return nil, err
	}
	wherePreds = append(wherePreds, segmentPreds...)

	var cteParams []interface{}
	var sb strings.Builder
	if len(ctes) > 0 {
		sb.WriteString("WITH ")
		var cteParts []string
		for _, c := range ctes {
			cteParts = append(cteParts, c.sql)
			cteParams = append(cteParams, c.params...)
		}
		sb.WriteString(strings.Join(cteParts, ", "))
		sb.WriteString(" ")
	}

	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(selectCols, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(primaryFrom)
	sb.WriteString(" AS ")
	sb.WriteString(plan.PrimaryCube)
	for _, j := range primaryBase.Joins {
		extra, err := sqlexpr.Resolve(j)
		if err != nil {
			return nil, err
		}
		sb.WriteString(" ")
		sb.WriteString(extra)
	}
	if joinSQL != "" {
		sb.WriteString(" ")
		sb.WriteString(joinSQL)
	}
	for _, c := range ctes {
		sb.WriteString(fmt.Sprintf(" LEFT JOIN %s ON %s", cteJoinRef(c), cteJoinCondition(plan, c)))
	}

	allWhere := append([]string{}, wherePreds...)
	if primarySecurity != "" {
		allWhere = append([]string{primarySecurity}, allWhere...)
	}
	allWhere = append(allWhere, joinSecurity...)
	if len(allWhere) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(joinNonEmpty(allWhere, " AND "))
	}

	if len(groupBy) > 0 {
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(groupBy, ", "))
	}

	if len(havingPreds) > 0 {
		sb.WriteString(" HAVING ")
		sb.WriteString(joinNonEmpty(havingPreds, " AND "))
	}

	if len(q.Order) > 0 {
		var parts []string
		for _, o := range q.Order {
			dir := "ASC"
			if o.Desc {
				dir = "DESC"
			}
			parts = append(parts, memberAlias(o.Member)+" "+dir)
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(parts, ", "))
	}

	if q.Limit > 0 {
		sb.WriteString(fmt.Sprintf(" LIMIT %d", q.Limit))
	}
	if q.Offset > 0 {
		sb.WriteString(fmt.Sprintf(" OFFSET %d", q.Offset))
	}

	return &Result{SQL: sb.String(), Params: append(cteParams, params...)}, nil
}

func cteJoinRef(c builtCTE) string { return c.alias }

// cteJoinCondition renders the ON clause joining a pre-aggregation CTE
// back to the primary cube on its declared join keys.
func cteJoinCondition(plan *planner.QueryPlan, c builtCTE) string {
	for _, pc := range plan.PreAggregationCTEs {
		if pc.CTEAlias != c.alias {
			continue
		}
		var parts []string
		for _, jk := range pc.JoinKeys {
			parts = append(parts, fmt.Sprintf("%s.%s = %s.%s", plan.PrimaryCube, jk.PrimaryColumn, c.alias, jk.CTEColumn))
		}
		return strings.Join(parts, " AND ")
	}
	return "1=1"
}

// buildSelectList renders every requested dimension, time dimension, and
// measure into the outer SELECT list, and returns the GROUP BY expressions
// (every non-aggregate column) alongside it (spec §4.6).
func (b *Builder) buildSelectList(q *query.SemanticQuery, s *selectState, params *[]interface{}) ([]string, []string, error) {
	var cols []string
	var groupBy []string

	for _, ref := range q.Dimensions {
		mm, err := cube.ParseMember(ref)
		if err != nil {
			return nil, nil, err
		}
		expr, err := b.dimensionExpr(mm.Cube, mm.Field, s)
		if err != nil {
			return nil, nil, err
		}
		cols = append(cols, quoteMeasureSQL(ref, expr))
		groupBy = append(groupBy, expr)
	}

	for _, td := range q.TimeDimensions {
		expr, err := b.timeDimensionExpr(td, s)
		if err != nil {
			return nil, nil, err
		}
		cols = append(cols, quoteMeasureSQL(td.Dimension, expr))
		groupBy = append(groupBy, expr)
	}

	for _, ref := range q.Measures {
		expr, ok := s.rendered[ref]
		if !ok {
			return nil, nil, fmt.Errorf("querybuilder: measure %s was not rendered", ref)
		}
		cols = append(cols, quoteMeasureSQL(ref, expr))
	}

	if len(cols) == 0 {
		return nil, nil, fmt.Errorf("querybuilder: query selects no measures or dimensions")
	}
	// No GROUP BY needed when every selected column is an aggregate.
	if len(q.Dimensions) == 0 && len(q.TimeDimensions) == 0 {
		return cols, nil, nil
	}
	return cols, groupBy, nil
}

// buildJoins renders every plan.JoinCubes entry: plain joins use their
// already-resolved JoinCondition; belongsToMany joins route through their
// junction table (spec §3's Through descriptor).
func (b *Builder) buildJoins(plan *planner.QueryPlan, sec cube.SecurityContext) (string, []string, error) {
	var parts []string
	var security []string

	for _, jc := range plan.JoinCubes {
		target, ok := b.reg.Get(jc.Cube)
		if !ok {
			return "", nil, fmt.Errorf("querybuilder: unknown joined cube %q", jc.Cube)
		}
		base := target.SQL(sec)
		from, err := sqlexpr.Resolve(base.From)
		if err != nil {
			return "", nil, err
		}

		if jc.JunctionTable != nil {
			junctionSQL, junctionOn, targetOn, err := b.buildJunctionJoin(plan, jc, target, sec)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, fmt.Sprintf("%s JOIN %s ON %s", jc.JoinType, junctionSQL, junctionOn))
			parts = append(parts, fmt.Sprintf("%s JOIN %s AS %s ON %s", jc.JoinType, from, jc.Alias, targetOn))
		} else {
			parts = append(parts, fmt.Sprintf("%s %s AS %s ON %s", jc.JoinType, from, jc.Alias, jc.JoinCondition))
		}

		if w, err := sqlexpr.ResolveSecurity(base.Where); err == nil && w != "" {
			security = append(security, w)
		}
	}

	return strings.Join(parts, " "), security, nil
}

// buildJunctionJoin renders the two-hop belongsToMany join: primary cube
// -> junction table -> target cube. The join is looked up on the primary
// cube only; a belongsToMany hop that starts from any other cube is an
// error. The junction's own
// key columns are matched positionally against the declaring join's on[]
// pairs (source side) and the target cube's primary-key dimension (target
// side) — a deliberate implementation choice documented in DESIGN.md.
func (b *Builder) buildJunctionJoin(plan *planner.QueryPlan, jc planner.JoinCube, target *cube.Cube, sec cube.SecurityContext) (junctionSQL, junctionOn, targetOn string, err error) {
	jt := jc.JunctionTable
	junctionAlias := jc.Alias + "_junction"

	referring, ok := b.reg.Get(plan.PrimaryCube)
	if !ok {
		return "", "", "", fmt.Errorf("querybuilder: unknown primary cube %q", plan.PrimaryCube)
	}
	join, ok := referring.Joins[jc.Cube]
	if !ok || join.Through == nil {
		return "", "", "", fmt.Errorf("querybuilder: %s has no belongsToMany join to %s", plan.PrimaryCube, jc.Cube)
	}

	var onParts []string
	for i, sk := range jt.SourceKeys {
		if i >= len(join.On) {
			return "", "", "", fmt.Errorf("querybuilder: junction %s has more sourceKeys than on[] pairs", jt.Table)
		}
		onParts = append(onParts, fmt.Sprintf("%s.%s = %s.%s", plan.PrimaryCube, join.On[i].Source, junctionAlias, sk))
	}
	if jt.Security != "" {
		onParts = append(onParts, jt.Security)
	}
	if join.Through.SecurityFrom != nil {
		w, err := sqlexpr.ResolveSecurity(join.Through.SecurityFrom(sec))
		if err != nil {
			return "", "", "", err
		}
		if w != "" {
			onParts = append(onParts, w)
		}
	}

	targetPK := ""
	for _, d := range target.Dimensions {
		if d.PrimaryKey {
			targetPK = d.Name
			break
		}
	}
	if targetPK == "" {
		return "", "", "", fmt.Errorf("querybuilder: target cube %s of belongsToMany join has no PrimaryKey dimension", target.Name)
	}
	var targetOnParts []string
	for _, tk := range jt.TargetKeys {
		targetOnParts = append(targetOnParts, fmt.Sprintf("%s.%s = %s.%s", junctionAlias, tk, jc.Alias, targetPK))
	}

	return fmt.Sprintf("%s AS %s", jt.Table, junctionAlias), strings.Join(onParts, " AND "), strings.Join(targetOnParts, " AND "), nil
}

// buildWhereAndHaving renders q.Filters (plus synthesized time-dimension
// filters) into outer WHERE and HAVING predicate lists. A filter routes to
// HAVING when every leaf resolves to a measure; otherwise it routes to
// WHERE. Only filters whose referenced cubes are all present in the outer
// FROM/JOIN set are rendered here — filters exclusively on a CTE-only cube
// are rendered inside that CTE instead (spec §4.6).
func (b *Builder) buildWhereAndHaving(q *query.SemanticQuery, outerCubes map[string]bool, params *[]interface{}) ([]string, []string, error) {
	resolve := resolverFor(b.reg, b.fieldExprForCube)

	var where, having []string
	// HAVING follows WHERE in the rendered SQL, so its params are collected
	// apart and appended after every WHERE param.
	var havingParams []interface{}
	allFilters := append(append([]query.Filter{}, q.Filters...), timeDimensionFilters(q)...)
	for _, f := range allFilters {
		cubes := cubesOf(f)
		if !subset(cubes, outerCubes) {
			continue // rendered inside a CTE instead
		}
		if isMeasureFilter(b, f) {
			rendered, err := renderFilter(f, b.fc, resolve, &havingParams)
			if err != nil {
				return nil, nil, err
			}
			if rendered != "" {
				having = append(having, rendered)
			}
			continue
		}
		rendered, err := renderFilter(f, b.fc, resolve, params)
		if err != nil {
			return nil, nil, err
		}
		if rendered != "" {
			where = append(where, rendered)
		}
	}
	*params = append(*params, havingParams...)
	return where, having, nil
}

// buildSegments resolves each q.Segments reference to its declaring cube's
// named predicate and qualifies it against that cube's outer alias. Every
// segment's cube must already be part of the outer FROM/JOIN set — segments
// do not influence primary-cube selection or CTE routing the way filters
// do (spec §3 segments[]; a deliberate scope decision, see DESIGN.md).
func (b *Builder) buildSegments(q *query.SemanticQuery, outerCubes map[string]bool) ([]string, error) {
	var preds []string
	for _, ref := range q.Segments {
		c, seg, err := b.reg.ResolveSegment(ref)
		if err != nil {
			return nil, fmt.Errorf("querybuilder: segment %s: %w", ref, err)
		}
		if !outerCubes[c.Name] {
			return nil, fmt.Errorf("querybuilder: segment %s's cube %s is not joined into this query", ref, c.Name)
		}
		resolved, err := sqlexpr.Resolve(sqlexpr.Qualify(seg.SQL, c.Name))
		if err != nil {
			return nil, err
		}
		preds = append(preds, resolved)
	}
	return preds, nil
}

// isMeasureFilter reports whether every leaf of f resolves to a measure
// member, making it a HAVING predicate rather than a WHERE predicate.
func isMeasureFilter(b *Builder, f query.Filter) bool {
	leaves := f.Leaves()
	if len(leaves) == 0 {
		return false
	}
	for _, l := range leaves {
		_, isMeasure, err := b.reg.ResolveMember(l.Member)
		if err != nil || !isMeasure {
			return false
		}
	}
	return true
}
