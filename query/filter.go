package query

// Operator enumerates the filter predicate operators from spec §3.
type Operator string

const (
	// String predicates.
	OpEquals         Operator = "equals"
	OpNotEquals      Operator = "notEquals"
	OpContains       Operator = "contains"
	OpNotContains    Operator = "notContains"
	OpStartsWith     Operator = "startsWith"
	OpEndsWith       Operator = "endsWith"

	// Numeric comparisons.
	OpGt  Operator = "gt"
	OpGte Operator = "gte"
	OpLt  Operator = "lt"
	OpLte Operator = "lte"

	// Null tests.
	OpSet    Operator = "set"
	OpNotSet Operator = "notSet"

	// Date range operators.
	OpInDateRange  Operator = "inDateRange"
	OpBeforeDate   Operator = "beforeDate"
	OpAfterDate    Operator = "afterDate"

	// Array operators.
	OpArrayContains  Operator = "arrayContains"
	OpArrayOverlaps  Operator = "arrayOverlaps"
	OpArrayContained Operator = "arrayContained"
)

// IsArrayOperator reports whether op requires the raw typed column object
// and therefore bypasses the filter cache (spec §4.3).
func (op Operator) IsArrayOperator() bool {
	switch op {
	case OpArrayContains, OpArrayOverlaps, OpArrayContained:
		return true
	}
	return false
}

// IsDateRangeOperator reports whether op is rendered via DateTimeBuilder.
func (op Operator) IsDateRangeOperator() bool {
	switch op {
	case OpInDateRange, OpBeforeDate, OpAfterDate:
		return true
	}
	return false
}

// LogicalType is the kind of a logical filter grouping.
type LogicalType string

const (
	LogicalAnd LogicalType = "and"
	LogicalOr  LogicalType = "or"
)

// Filter is either a simple leaf predicate or a logical grouping of
// sub-filters. Exactly one of (Member != "") or (len(Filters) > 0) holds.
type Filter struct {
	// Simple leaf fields.
	Member    string
	Operator  Operator
	Values    []string
	DateRange *DateRange

	// Logical grouping fields.
	Logical LogicalType
	Filters []Filter
}

// IsLeaf reports whether this is a simple member/operator/values predicate.
func (f Filter) IsLeaf() bool { return f.Member != "" }

// IsLogical reports whether this is an AND/OR grouping.
func (f Filter) IsLogical() bool { return len(f.Filters) > 0 }

// Leaves returns every simple leaf filter reachable from f, recursing
// through logical groupings. Used by the executor to pre-seed the filter
// cache (spec §4.3) before planning.
func (f Filter) Leaves() []Filter {
	if f.IsLeaf() {
		return []Filter{f}
	}
	var out []Filter
	for _, sub := range f.Filters {
		out = append(out, sub.Leaves()...)
	}
	return out
}

// CubesReferenced returns the set of cube names referenced by this filter's
// leaves (recursing through logical groupings), used during cube-usage
// analysis (spec §4.5 step 1).
func (f Filter) CubesReferenced() []string {
	seen := map[string]bool{}
	var out []string
	for _, leaf := range f.Leaves() {
		m, err := parseMemberCube(leaf.Member)
		if err != nil {
			continue
		}
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

func parseMemberCube(ref string) (string, error) {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '.' {
			return ref[:i], nil
		}
	}
	return "", errNoDot
}

var errNoDot = filterErr("malformed member reference: no '.' separator")

type filterErr string

func (e filterErr) Error() string { return string(e) }

// SameCube reports whether every leaf of a logical filter targets the same
// cube — the condition under which an OR group may still be decomposed into
// a propagating-filter subselect (spec §3 invariants, last bullet).
func (f Filter) SameCube() (string, bool) {
	leaves := f.Leaves()
	if len(leaves) == 0 {
		return "", false
	}
	first, err := parseMemberCube(leaves[0].Member)
	if err != nil {
		return "", false
	}
	for _, l := range leaves[1:] {
		c, err := parseMemberCube(l.Member)
		if err != nil || c != first {
			return "", false
		}
	}
	return first, true
}
