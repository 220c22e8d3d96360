// Package filtercache implements FilterBuilder and FilterCacheManager
// (spec §4.3): rendering a filter leaf to SQL + bind values, and
// deduplicating identical filter predicates across the main query and
// every CTE so bind parameters are reused. The cache is a per-request
// map, allocated and discarded with the request the same way a teacher
// Collector is (spec §3 Lifecycle) — never shared across requests, unlike
// joinpath's Resolver cache, which is safe to share because it depends
// only on immutable cube metadata.
package filtercache

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cliftonc/drizzle-cube-sub010/cube"
	"github.com/cliftonc/drizzle-cube-sub010/internal/datetime"
	"github.com/cliftonc/drizzle-cube-sub010/query"
)

// Fragment is a rendered filter predicate: SQL text with "?" placeholders
// and the bind values to substitute positionally.
type Fragment struct {
	SQL    string
	Params []interface{}
}

// Builder renders a single filter leaf to a Fragment.
type Builder struct {
	dt *datetime.Builder
}

func NewBuilder(dt *datetime.Builder) *Builder {
	return &Builder{dt: dt}
}

// BuildCondition renders operator over fieldExpr and values. Returns a nil
// Fragment (no error) to mean "skip this filter" — e.g. empty Values for a
// comparative operator.
func (b *Builder) BuildCondition(fieldExpr string, op query.Operator, values []string, dim *cube.Dimension, dateRange *query.DateRange) (*Fragment, error) {
	switch op {
	case query.OpSet:
		return &Fragment{SQL: fmt.Sprintf("%s IS NOT NULL", fieldExpr)}, nil
	case query.OpNotSet:
		return &Fragment{SQL: fmt.Sprintf("%s IS NULL", fieldExpr)}, nil
	case query.OpEquals, query.OpNotEquals:
		if len(values) == 0 {
			return nil, nil
		}
		neg := op == query.OpNotEquals
		if len(values) == 1 {
			cmp := "="
			if neg {
				cmp = "!="
			}
			return &Fragment{SQL: fmt.Sprintf("%s %s ?", fieldExpr, cmp), Params: toIface(values)}, nil
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
		in := "IN"
		if neg {
			in = "NOT IN"
		}
		return &Fragment{SQL: fmt.Sprintf("%s %s (%s)", fieldExpr, in, placeholders), Params: toIface(values)}, nil
	case query.OpContains, query.OpNotContains, query.OpStartsWith, query.OpEndsWith:
		if len(values) == 0 {
			return nil, nil
		}
		var clauses []string
		var params []interface{}
		for _, v := range values {
			pattern, like := likePattern(op, v)
			clauses = append(clauses, fmt.Sprintf("%s %s ?", fieldExpr, like))
			params = append(params, pattern)
		}
		joiner := " OR "
		wrapped := "(" + strings.Join(clauses, joiner) + ")"
		if op == query.OpNotContains {
			wrapped = "NOT " + wrapped
		}
		return &Fragment{SQL: wrapped, Params: params}, nil
	case query.OpGt, query.OpGte, query.OpLt, query.OpLte:
		if len(values) == 0 {
			return nil, nil
		}
		return &Fragment{SQL: fmt.Sprintf("%s %s ?", fieldExpr, comparator(op)), Params: toIface(values[:1])}, nil
	case query.OpInDateRange, query.OpBeforeDate, query.OpAfterDate:
		return b.buildDateRangeCondition(fieldExpr, op, values, dateRange)
	default:
		return nil, fmt.Errorf("filterbuilder: unsupported operator %q (array operators bypass the cache; see BuildArrayCondition)", op)
	}
}

func (b *Builder) buildDateRangeCondition(fieldExpr string, op query.Operator, values []string, dateRange *query.DateRange) (*Fragment, error) {
	switch op {
	case query.OpBeforeDate:
		if len(values) == 0 {
			return nil, nil
		}
		return &Fragment{SQL: fmt.Sprintf("%s < ?", fieldExpr), Params: toIface(values[:1])}, nil
	case query.OpAfterDate:
		if len(values) == 0 {
			return nil, nil
		}
		return &Fragment{SQL: fmt.Sprintf("%s > ?", fieldExpr), Params: toIface(values[:1])}, nil
	case query.OpInDateRange:
		var r query.DateRange
		switch {
		case dateRange != nil:
			r = *dateRange
		case len(values) == 2:
			r = query.DateRange{Start: values[0], End: values[1]}
		case len(values) == 1:
			r = query.DateRange{Relative: values[0]}
		default:
			return nil, nil
		}
		bounds, err := b.dt.ResolveRange(r)
		if err != nil {
			return nil, err
		}
		return &Fragment{
			SQL:    fmt.Sprintf("%s >= ? AND %s < ?", fieldExpr, fieldExpr),
			Params: []interface{}{bounds.Start, bounds.End},
		}, nil
	}
	return nil, fmt.Errorf("filterbuilder: unreachable date-range operator %q", op)
}

// BuildArrayCondition renders an array operator directly against the
// dimension's raw column object, bypassing the cache (spec §4.3) because
// array bind encoding is driver-specific and must not be shared with
// scalar predicates.
func (b *Builder) BuildArrayCondition(fieldExpr string, op query.Operator, values []string) (*Fragment, error) {
	if len(values) == 0 {
		return nil, nil
	}
	switch op {
	case query.OpArrayContains:
		return &Fragment{SQL: fmt.Sprintf("%s @> ?", fieldExpr), Params: []interface{}{values}}, nil
	case query.OpArrayOverlaps:
		return &Fragment{SQL: fmt.Sprintf("%s && ?", fieldExpr), Params: []interface{}{values}}, nil
	case query.OpArrayContained:
		return &Fragment{SQL: fmt.Sprintf("%s <@ ?", fieldExpr), Params: []interface{}{values}}, nil
	default:
		return nil, fmt.Errorf("filterbuilder: %q is not an array operator", op)
	}
}

func comparator(op query.Operator) string {
	switch op {
	case query.OpGt:
		return ">"
	case query.OpGte:
		return ">="
	case query.OpLt:
		return "<"
	case query.OpLte:
		return "<="
	}
	return "="
}

func likePattern(op query.Operator, v string) (string, string) {
	escaped := strings.NewReplacer("%", `\%`, "_", `\_`).Replace(v)
	switch op {
	case query.OpStartsWith:
		return escaped + "%", "LIKE"
	case query.OpEndsWith:
		return "%" + escaped, "LIKE"
	default:
		return "%" + escaped + "%", "LIKE"
	}
}

func toIface(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// Key is the canonical cache key for a filter leaf: member, operator, and
// normalized sorted values (plus date range, when present).
type Key string

func CanonicalKey(member string, op query.Operator, values []string, dr *query.DateRange) Key {
	sorted := append([]string(nil), values...)
	sort.Strings(sorted)
	drPart := ""
	if dr != nil {
		drPart = dr.Start + "|" + dr.End + "|" + dr.Relative
	}
	return Key(fmt.Sprintf("%s\x1f%s\x1f%s\x1f%s", member, op, strings.Join(sorted, "\x1e"), drPart))
}
