package querybuilder

import (
	"fmt"

	"github.com/cliftonc/drizzle-cube-sub010/cube"
	"github.com/cliftonc/drizzle-cube-sub010/internal/calcmeasure"
	"github.com/cliftonc/drizzle-cube-sub010/internal/planner"
	"github.com/cliftonc/drizzle-cube-sub010/query"
)

// selectState carries the per-build working set the outer SELECT list
// construction needs: which cubes are CTE-backed and their column
// projections, plus a memo of already-rendered measure SQL so calculated
// measures can reference their dependencies (spec §4.2/§4.6).
type selectState struct {
	ctesByCube map[string]builtCTE
	rendered   map[string]string // qualified measure name -> rendered SQL (unaliased)
}

func (b *Builder) newSelectState(ctes []builtCTE) *selectState {
	s := &selectState{ctesByCube: map[string]builtCTE{}, rendered: map[string]string{}}
	for _, c := range ctes {
		s.ctesByCube[c.cube] = c
	}
	return s
}

// renderMeasuresInOrder renders every measure in a plan's dependency-safe
// evaluation order (calculated measures first resolve their own
// dependencies, in order, per spec §4.2/§8).
func (b *Builder) renderMeasuresInOrder(plan *planner.QueryPlan, s *selectState) error {
	for _, qualified := range plan.CalculatedMeasureOrder {
		if _, done := s.rendered[qualified]; done {
			continue
		}
		c, m, err := b.reg.ResolveMeasure(qualified)
		if err != nil {
			return err
		}
		switch {
		case m.Type == cube.MeasureCalculated:
			declaringCube := c.Name
			sqlText, err := calcmeasure.Substitute(m.CalculatedSQL, func(ref calcmeasure.Ref) (string, error) {
				depCube := ref.Cube
				if depCube == "" {
					depCube = declaringCube
				}
				depQualified := depCube + "." + ref.Field
				if v, ok := s.rendered[depQualified]; ok {
					return "(" + v + ")", nil
				}
				return "", fmt.Errorf("calculated measure %s: dependency %s not rendered before use", qualified, depQualified)
			})
			if err != nil {
				return err
			}
			s.rendered[qualified] = sqlText
		case m.Type.IsWindow():
			expr, err := b.renderWindowMeasure(c, m, s)
			if err != nil {
				return err
			}
			s.rendered[qualified] = expr
		default:
			expr, err := b.renderBaseMeasure(c.Name, m, s)
			if err != nil {
				return err
			}
			s.rendered[qualified] = expr
		}
	}
	return nil
}

// renderBaseMeasure renders a non-calculated, non-window measure: either
// its ordinary aggregate expression against the cube's own base table, or
// — when the cube was pre-aggregated into a CTE — a re-aggregation of the
// CTE's own projected column (SUM/MIN/MAX/AVG per spec §4.6).
func (b *Builder) renderBaseMeasure(cubeName string, m *cube.Measure, s *selectState) (string, error) {
	if cte, ok := s.ctesByCube[cubeName]; ok {
		col, ok := cte.columns.measureColumn[m.Name]
		if !ok {
			return "", fmt.Errorf("measure %s.%s was not projected by its pre-aggregation CTE", cubeName, m.Name)
		}
		return b.mb.ReaggregateFromCTE(m, cte.alias+"."+col)
	}
	return b.mb.BuildAggregate(m)
}

func (b *Builder) renderWindowMeasure(c *cube.Cube, m *cube.Measure, s *selectState) (string, error) {
	wc := m.WindowConfig
	if wc == nil {
		return "", fmt.Errorf("measurebuilder: window measure %s has no WindowConfig", m.Name)
	}

	baseExpr := ""
	if wc.Measure != "" {
		baseQualified := c.Name + "." + wc.Measure
		if v, ok := s.rendered[baseQualified]; ok {
			baseExpr = v
		} else {
			_, baseMeasure, err := b.reg.ResolveMeasure(baseQualified)
			if err != nil {
				return "", err
			}
			baseExpr, err = b.renderBaseMeasure(c.Name, baseMeasure, s)
			if err != nil {
				return "", err
			}
			s.rendered[baseQualified] = baseExpr
		}
	}

	var partitionBy, orderBy []string
	for _, p := range wc.PartitionBy {
		expr, err := b.resolveOrderPartitionMember(p, s)
		if err != nil {
			return "", err
		}
		partitionBy = append(partitionBy, expr)
	}
	for _, o := range wc.OrderBy {
		expr, err := b.resolveOrderPartitionMember(o.Member, s)
		if err != nil {
			return "", err
		}
		if o.Desc {
			expr += " DESC"
		}
		orderBy = append(orderBy, expr)
	}

	return b.mb.BuildWindow(m, baseExpr, partitionBy, orderBy)
}

func (b *Builder) resolveOrderPartitionMember(member string, s *selectState) (string, error) {
	mm, err := cube.ParseMember(member)
	if err != nil {
		return "", err
	}
	return b.dimensionExpr(mm.Cube, mm.Field, s)
}

// dimensionExpr resolves a dimension member for SELECT/GROUP BY/ORDER BY
// purposes: a CTE-backed cube's own dimension must come from the CTE's
// projection (a join key or downstream join key); any other dimension is
// read straight off its cube's base table (spec §4.6, and the Open
// Question on CTE dimension fallback — resolved here as a build-time
// error, see DESIGN.md).
func (b *Builder) dimensionExpr(cubeName, field string, s *selectState) (string, error) {
	if cte, ok := s.ctesByCube[cubeName]; ok {
		for _, cteCol := range cte.columns.joinKeyByPrimaryColumn {
			if cteCol == field {
				return cte.alias + "." + cteCol, nil
			}
		}
		if col, ok := cte.columns.fkByColumn[field]; ok {
			return cte.alias + "." + col, nil
		}
		return "", fmt.Errorf(
			"dimension %s.%s is neither a join key nor a downstream join key of its pre-aggregation CTE; "+
				"it cannot be projected through %s (spec open question: elevated to an error, see DESIGN.md)",
			cubeName, field, cte.alias)
	}
	return b.fieldExprForCube(cubeName, field)
}

// timeDimensionExpr resolves a time dimension, truncating to its
// granularity when set.
func (b *Builder) timeDimensionExpr(td query.TimeDimension, s *selectState) (string, error) {
	mm, err := cube.ParseMember(td.Dimension)
	if err != nil {
		return "", err
	}
	expr, err := b.dimensionExpr(mm.Cube, mm.Field, s)
	if err != nil {
		return "", err
	}
	return b.dt.Truncate(td.Granularity, expr), nil
}

// quoteMeasureSQL wraps a member's qualified SQL expression with its
// identifier alias for use in a SELECT list.
func quoteMeasureSQL(member, sql string) string {
	return sql + " AS " + memberAlias(member)
}
