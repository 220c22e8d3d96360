package filtercache

import (
	"github.com/cliftonc/drizzle-cube-sub010/cube"
	"github.com/cliftonc/drizzle-cube-sub010/query"
)

// Manager deduplicates rendered filter fragments within a single request.
// Logical (AND/OR) filters are never cached wholesale — only their
// leaves — because a logical filter's evaluation context (which cubes are
// in CTE form) varies by where it's applied; see Manager.Render vs the
// builder layer's own handling of Filter.Filters recursion.
type Manager struct {
	builder *Builder
	cache   map[Key]*Fragment
	order   []Key // insertion order, for deterministic explain output
}

func NewManager(b *Builder) *Manager {
	return &Manager{builder: b, cache: make(map[Key]*Fragment)}
}

// Seed pre-renders every simple filter leaf (and time-dimension date
// ranges) before planning, per spec §4.3's "before planning, the executor
// walks all simple filters... and stores them".
func (m *Manager) Seed(filters []query.Filter, resolveField func(member string) (string, *cube.Dimension, error)) error {
	for _, leaf := range allLeaves(filters) {
		if leaf.Operator.IsArrayOperator() {
			continue // array operators bypass the cache
		}
		if _, _, err := m.Render(leaf, resolveField); err != nil {
			return err
		}
	}
	return nil
}

func allLeaves(filters []query.Filter) []query.Filter {
	var out []query.Filter
	for _, f := range filters {
		out = append(out, f.Leaves()...)
	}
	return out
}

// Render returns the cached Fragment for this filter leaf, rendering and
// storing it on first use. Two calls with the same canonical key (spec
// §4.3) return the identical *Fragment instance so callers can detect
// reuse (e.g. for bind-parameter deduplication) via pointer equality.
func (m *Manager) Render(leaf query.Filter, resolveField func(member string) (string, *cube.Dimension, error)) (*Fragment, bool, error) {
	key := CanonicalKey(leaf.Member, leaf.Operator, leaf.Values, leaf.DateRange)
	if cached, ok := m.cache[key]; ok {
		return cached, true, nil
	}

	fieldExpr, dim, err := resolveField(leaf.Member)
	if err != nil {
		return nil, false, err
	}

	var frag *Fragment
	if leaf.Operator.IsArrayOperator() {
		frag, err = m.builder.BuildArrayCondition(fieldExpr, leaf.Operator, leaf.Values)
	} else {
		frag, err = m.builder.BuildCondition(fieldExpr, leaf.Operator, leaf.Values, dim, leaf.DateRange)
	}
	if err != nil {
		return nil, false, err
	}
	if frag == nil {
		return nil, false, nil
	}

	if !leaf.Operator.IsArrayOperator() {
		m.cache[key] = frag
		m.order = append(m.order, key)
	}
	return frag, false, nil
}

// Fragments returns every cached fragment in insertion order (for
// debugging/analysis views — never executes SQL).
func (m *Manager) Fragments() []*Fragment {
	out := make([]*Fragment, 0, len(m.order))
	for _, k := range m.order {
		out = append(out, m.cache[k])
	}
	return out
}

// Size reports how many distinct filter fragments are cached.
func (m *Manager) Size() int { return len(m.cache) }
