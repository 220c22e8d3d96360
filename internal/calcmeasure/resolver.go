package calcmeasure

import (
	"fmt"
	"sort"

	"github.com/cliftonc/drizzle-cube-sub010/cube"
)

// Resolver resolves calculated-measure dependency graphs against a cube
// registry.
type Resolver struct {
	reg *cube.Registry
}

func New(reg *cube.Registry) *Resolver {
	return &Resolver{reg: reg}
}

// qualifiedRef resolves a Ref relative to the cube declaring the measure,
// rejecting self-references and unknown cubes/measures.
func (r *Resolver) qualifiedRef(declaringCube string, ref Ref) (string, error) {
	cubeName := ref.Cube
	if cubeName == "" {
		cubeName = declaringCube
	}
	c, ok := r.reg.Get(cubeName)
	if !ok {
		return "", fmt.Errorf("calculated measure references unknown cube %q", cubeName)
	}
	if _, ok := c.Measures[ref.Field]; !ok {
		return "", fmt.Errorf("calculated measure references unknown measure %q on cube %q", ref.Field, cubeName)
	}
	return cubeName + "." + ref.Field, nil
}

// PopulateDependencies fills measure.Dependencies from its CalculatedSQL
// template when empty, qualifying every {ref} against the declaring cube.
// Rejects a measure that references itself.
func (r *Resolver) PopulateDependencies(declaringCube string, m *cube.Measure) error {
	if m.Type != cube.MeasureCalculated {
		return nil
	}
	if len(m.Dependencies) > 0 {
		return nil
	}
	refs, err := ExtractRefs(m.CalculatedSQL)
	if err != nil {
		return err
	}
	self := declaringCube + "." + m.Name
	seen := map[string]bool{}
	var deps []string
	for _, ref := range refs {
		q, err := r.qualifiedRef(declaringCube, ref)
		if err != nil {
			return fmt.Errorf("measure %s: %w", self, err)
		}
		if q == self {
			return fmt.Errorf("measure %s: self-reference in calculated SQL", self)
		}
		if !seen[q] {
			seen[q] = true
			deps = append(deps, q)
		}
	}
	m.Dependencies = deps
	return nil
}

// PopulateAll runs PopulateDependencies over every calculated measure in
// the registry. Call once after registration.
func (r *Resolver) PopulateAll() error {
	for _, name := range sortedNames(r.reg) {
		c := r.reg.MustGet(name)
		for _, m := range c.Measures {
			if err := r.PopulateDependencies(name, m); err != nil {
				return err
			}
		}
	}
	return nil
}

func sortedNames(reg *cube.Registry) []string {
	names := reg.Names()
	sort.Strings(names)
	return names
}

// Order topologically sorts the requested measure set (qualified
// "Cube.field" names) plus their transitive dependencies, using Kahn's
// algorithm over the subgraph induced by that set — dependencies outside
// the requested set are treated as already satisfied (spec §4.2). Returns
// the qualified names in evaluation order (dependencies first).
func (r *Resolver) Order(requested []string) ([]string, error) {
	// Build the induced subgraph via a closure walk from requested, then
	// Kahn's algorithm restricted to discovered nodes.
	inDegree := map[string]int{}
	adj := map[string][]string{} // dep -> dependents
	discovered := map[string]bool{}

	var visit func(name string, stack []string) error
	visit = func(name string, stack []string) error {
		for _, s := range stack {
			if s == name {
				return fmt.Errorf("circular calculated-measure dependency: %s", cyclePath(append(stack, name)))
			}
		}
		if discovered[name] {
			return nil
		}
		discovered[name] = true
		if _, ok := inDegree[name]; !ok {
			inDegree[name] = 0
		}

		c, meas, err := r.reg.ResolveMeasure(name)
		if err != nil {
			return err
		}
		_ = c
		if meas.Type != cube.MeasureCalculated {
			return nil
		}
		for _, dep := range meas.Dependencies {
			adj[dep] = append(adj[dep], name)
			inDegree[name]++
			if err := visit(dep, append(stack, name)); err != nil {
				return err
			}
		}
		return nil
	}

	for _, name := range requested {
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}

	// Kahn's algorithm.
	var queue []string
	for _, n := range sortedKeys(discovered) {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}
	var order []string
	for len(queue) > 0 {
		sort.Strings(queue) // deterministic order among ties
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, dependent := range adj[n] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(order) != len(discovered) {
		// A cycle exists somewhere not caught by the DFS stack check above
		// (e.g. disjoint cycle not reachable from `requested` in recursion
		// order); report generically.
		return nil, fmt.Errorf("circular calculated-measure dependency detected among: %v", sortedKeys(discovered))
	}
	return order, nil
}

func cyclePath(stack []string) string {
	out := stack[0]
	for _, s := range stack[1:] {
		out += " -> " + s
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
