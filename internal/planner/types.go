// Package planner implements QueryPlanner (spec §4.5): cube-usage
// analysis, primary-cube selection, join-plan construction, and
// pre-aggregation CTE planning. Structurally grounded on the teacher's own
// Planner (datalog/planner/planner.go, planner_phases.go): a stateless
// Plan() entry point over an immutable stats/options pair, an optional
// PlanCache, and a Phase-like intermediate (our PreAggregationCTE plays
// the role the teacher's Phase plays — a grouped unit of work downstream
// builders consume).
package planner

import (
	"github.com/google/uuid"
)

// JoinType mirrors the SQL join keyword a JoinCube should be rendered
// with.
type JoinType string

const (
	InnerJoin JoinType = "INNER JOIN"
	LeftJoin  JoinType = "LEFT JOIN"
)

// JunctionTable describes a belongsToMany routing hop (spec §3).
type JunctionTable struct {
	Table      string
	SourceKeys []string
	TargetKeys []string
	Security   string // resolved security predicate SQL, or ""
}

// JoinCube is one non-primary cube joined directly into the outer query
// (as opposed to pre-aggregated into a CTE).
type JoinCube struct {
	Cube          string
	JoinType      JoinType
	JoinCondition string // resolved SQL, already alias-qualified
	Alias         string
	JunctionTable *JunctionTable
}

// JoinKey is a (primary column, cte column) pair a pre-aggregation CTE
// groups by and the outer query joins on.
type JoinKey struct {
	PrimaryColumn string
	CTEColumn     string
}

// PropagatingFilter is a filter declared on a sibling cube that must
// restrict a pre-aggregation CTE through an IN (SELECT pk FROM sibling
// WHERE ...) subselect (spec §3 Glossary).
type PropagatingFilter struct {
	SourceCube   string
	JoinColumns  []JoinKey // CTE-side columns restricted; sibling-side pk columns
	PredicateSQL string
	Params       []interface{}
}

// DownstreamJoinKey is a foreign-key column a CTE must retain so a further
// cube's dimensions can be joined through it (spec §3 Glossary).
type DownstreamJoinKey struct {
	CTEColumn    string
	TargetCube   string
	TargetColumn string
}

// PreAggregationCTE is one planned pre-aggregation CTE (spec §3).
type PreAggregationCTE struct {
	Cube               string
	CTEAlias           string
	JoinKeys           []JoinKey
	Measures           []string // qualified "Cube.field", including transitively required bases
	PropagatingFilters []PropagatingFilter
	DownstreamJoinKeys []DownstreamJoinKey
	CTEType            string // "aggregate"
}

// QueryPlan is the planner's output (spec §3).
type QueryPlan struct {
	PlanID           string
	PrimaryCube      string
	JoinCubes        []JoinCube
	PreAggregationCTEs []PreAggregationCTE

	// CalculatedMeasureOrder lists every calculated measure (and its
	// transitive dependencies) in dependency-safe evaluation order.
	CalculatedMeasureOrder []string
}

func newPlanID() string { return uuid.New().String() }

// cubeSet is a small ordered-set helper used throughout planning to keep
// iteration deterministic (map iteration order is not).
type cubeSet struct {
	seen  map[string]bool
	order []string
}

func newCubeSet() *cubeSet { return &cubeSet{seen: map[string]bool{}} }

func (s *cubeSet) Add(name string) {
	if !s.seen[name] {
		s.seen[name] = true
		s.order = append(s.order, name)
	}
}

func (s *cubeSet) Has(name string) bool { return s.seen[name] }
func (s *cubeSet) List() []string       { return s.order }
