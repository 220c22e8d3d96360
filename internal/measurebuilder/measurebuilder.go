// Package measurebuilder implements MeasureBuilder (spec §4.4): aggregate
// and conditional-measure SQL, and the post-aggregation window-function
// rewrite rules (raw/difference/ratio/percentChange). Grounded on the
// window-function taxonomy used throughout dolthub/go-mysql-server's
// sql/expression/function (row_number/rank/lag/lead/percent_rank/ntile,
// read as reference only — not imported, see SPEC_FULL.md §11) and on the
// adapter capability surface from spec §6.
package measurebuilder

import (
	"fmt"

	"github.com/cliftonc/drizzle-cube-sub010/adapter"
	"github.com/cliftonc/drizzle-cube-sub010/cube"
	"github.com/cliftonc/drizzle-cube-sub010/internal/sqlexpr"
)

// Builder renders measure SQL against a supplied adapter.
type Builder struct {
	adp adapter.DatabaseAdapter
}

func New(adp adapter.DatabaseAdapter) *Builder {
	return &Builder{adp: adp}
}

// BuildAggregate renders the aggregate expression for a non-window,
// non-calculated measure, applying its conditional-filter guard (if any)
// as a CASE WHEN / FILTER clause.
func (b *Builder) BuildAggregate(m *cube.Measure) (string, error) {
	if m.Type.IsWindow() {
		return "", fmt.Errorf("measurebuilder: %s is a window measure; use BuildWindow", m.Name)
	}
	if m.Type == cube.MeasureCalculated {
		return "", fmt.Errorf("measurebuilder: %s is calculated; use the calculated-measure rewrite path", m.Name)
	}

	baseExpr := "*"
	if !m.SQL.IsZero() {
		resolved, err := sqlexpr.Resolve(m.SQL)
		if err != nil {
			return "", err
		}
		baseExpr = resolved
	}

	aggFn := func(expr string) string {
		switch m.Type {
		case cube.MeasureCount:
			return b.adp.BuildCount(expr)
		case cube.MeasureCountDistinct:
			return b.adp.BuildCountDistinct(expr)
		case cube.MeasureSum:
			return b.adp.BuildSum(expr)
		case cube.MeasureAvg:
			return b.adp.BuildAvg(expr)
		case cube.MeasureMin:
			return b.adp.BuildMin(expr)
		case cube.MeasureMax:
			return b.adp.BuildMax(expr)
		case cube.MeasureNumber:
			return expr
		default:
			return expr
		}
	}

	if len(m.Filters) == 0 {
		return aggFn(baseExpr), nil
	}

	condition, err := b.andFilters(m.Filters)
	if err != nil {
		return "", err
	}
	if m.Type == cube.MeasureNumber {
		return fmt.Sprintf("CASE WHEN %s THEN %s ELSE NULL END", condition, baseExpr), nil
	}
	op := string(m.Type)
	return b.adp.BuildConditionalAggregation(op, baseExpr, condition), nil
}

func (b *Builder) andFilters(filters []cube.ConditionalFilter) (string, error) {
	var resolved []string
	for _, f := range filters {
		r, err := sqlexpr.Resolve(f.SQL)
		if err != nil {
			return "", err
		}
		resolved = append(resolved, r)
	}
	return sqlexpr.AndAll(resolved...), nil
}

// ReaggregateFromCTE renders how a measure pulled from a pre-aggregation
// CTE should be re-aggregated in the outer query (spec §4.6): SUM for
// additive measures, MIN/MAX for extrema, AVG for averages (an average of
// group averages, with the documented caveat from spec §9 Open Questions).
// Any other measure type is an error.
func (b *Builder) ReaggregateFromCTE(m *cube.Measure, cteColumn string) (string, error) {
	switch {
	case m.Type.IsAdditive():
		return b.adp.BuildSum(cteColumn), nil
	case m.Type == cube.MeasureMin:
		return b.adp.BuildMin(cteColumn), nil
	case m.Type == cube.MeasureMax:
		return b.adp.BuildMax(cteColumn), nil
	case m.Type == cube.MeasureAvg:
		return b.adp.BuildAvg(cteColumn), nil
	default:
		return "", fmt.Errorf("measurebuilder: measure %s of type %s cannot be re-aggregated from a CTE", m.Name, m.Type)
	}
}

// RequiresPreAggregation reports whether a window measure must be computed
// over already-grouped rows in the outer query — i.e. its base measure must
// appear in a CTE (spec §4.4).
func (b *Builder) RequiresPreAggregation(m *cube.Measure) bool {
	return m.Type.IsWindow() && m.WindowConfig != nil && m.WindowConfig.Measure != ""
}

// BuildWindow renders a window measure's full SQL, given the already
// resolved SQL for its base measure (baseExpr — either the direct
// aggregate, or a CTE column when RequiresPreAggregation is true).
func (b *Builder) BuildWindow(m *cube.Measure, baseExpr string, partitionBy, orderBy []string) (string, error) {
	if m.WindowConfig == nil {
		return "", fmt.Errorf("measurebuilder: window measure %s has no WindowConfig", m.Name)
	}
	wc := m.WindowConfig

	fn, opts, err := windowFnFor(m.Type, wc)
	if err != nil {
		return "", err
	}

	winExpr := b.adp.BuildWindowFunction(fn, baseExpr, opts)
	over := buildOverClause(partitionBy, orderBy, wc.Frame)
	windowSQL := winExpr + " " + over

	switch wc.Operation {
	case "", cube.WindowRaw:
		return windowSQL, nil
	case cube.WindowDifference:
		return fmt.Sprintf("(%s - %s)", baseExpr, windowSQL), nil
	case cube.WindowRatio:
		return fmt.Sprintf("(%s / NULLIF(%s, 0))", baseExpr, windowSQL), nil
	case cube.WindowPercentChange:
		return fmt.Sprintf("(((%s - %s) / NULLIF(%s, 0)) * 100)", baseExpr, windowSQL, windowSQL), nil
	default:
		return "", fmt.Errorf("measurebuilder: unknown window operation %q", wc.Operation)
	}
}

func windowFnFor(t cube.MeasureType, wc *cube.WindowConfig) (adapter.WindowFunctionType, adapter.WindowOptions, error) {
	opts := adapter.WindowOptions{Frame: wc.Frame, Offset: wc.Offset, N: wc.N}
	if wc.DefaultValue != nil {
		opts.Default = fmt.Sprintf("%v", wc.DefaultValue)
	}
	switch t {
	case cube.MeasureRunningTotal:
		opts.Frame = "ROWS BETWEEN UNBOUNDED PRECEDING AND CURRENT ROW"
		return adapter.WindowFnSum, opts, nil
	case cube.MeasureLag:
		return adapter.WindowFnLag, opts, nil
	case cube.MeasureLead:
		return adapter.WindowFnLead, opts, nil
	case cube.MeasureRank:
		return adapter.WindowFnRank, opts, nil
	case cube.MeasureDenseRank:
		return adapter.WindowFnDenseRank, opts, nil
	case cube.MeasurePercentRank:
		return adapter.WindowFnPercentRank, opts, nil
	case cube.MeasureNTile:
		return adapter.WindowFnNTile, opts, nil
	case cube.MeasureFirstValue:
		return adapter.WindowFnFirstValue, opts, nil
	case cube.MeasureLastValue:
		return adapter.WindowFnLastValue, opts, nil
	case cube.MeasureMovingAverage:
		if opts.Frame == "" {
			opts.Frame = "ROWS BETWEEN 6 PRECEDING AND CURRENT ROW"
		}
		return adapter.WindowFnSum, opts, nil
	case cube.MeasurePercentOfTotal:
		opts.Frame = ""
		return adapter.WindowFnSum, opts, nil
	default:
		return "", adapter.WindowOptions{}, fmt.Errorf("measurebuilder: %s is not a window measure type", t)
	}
}

func buildOverClause(partitionBy, orderBy []string, frame string) string {
	clause := "OVER ("
	if len(partitionBy) > 0 {
		clause += "PARTITION BY "
		for i, p := range partitionBy {
			if i > 0 {
				clause += ", "
			}
			clause += p
		}
	}
	if len(orderBy) > 0 {
		if len(partitionBy) > 0 {
			clause += " "
		}
		clause += "ORDER BY "
		for i, o := range orderBy {
			if i > 0 {
				clause += ", "
			}
			clause += o
		}
	}
	if frame != "" {
		clause += " " + frame
	}
	clause += ")"
	return clause
}
