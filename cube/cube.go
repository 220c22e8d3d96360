// Package cube defines the registry data model: cubes, their measures,
// dimensions, and join declarations. Cubes are process-wide and immutable
// once registered; nothing in this package mutates after construction.
package cube

import "fmt"

// SecurityContext is an opaque, caller-supplied record passed through to
// every cube's SQL() method. The semantic engine never inspects it.
type SecurityContext interface {
	// TenantID is used only by example cubes/adapters in this repo; a real
	// embedding application is free to ignore it and read its own claims.
	TenantID() string
}

// BaseSQL is what a cube's SQL method returns: the relation to select from,
// plus optional extra joins and a security predicate.
type BaseSQL struct {
	From  SQLExpression
	Joins []SQLExpression
	Where *SQLExpression // nil only for cubes marked Public
}

// Cube is a named semantic entity: a relation plus the measures and
// dimensions defined over it, and its join edges to other cubes.
type Cube struct {
	Name string

	// Public marks a cube whose BaseSQL may omit a tenant predicate (e.g.
	// reference/lookup data shared across tenants).
	Public bool

	// SQL returns the base relation for this cube. The security context is
	// threaded through here; the returned Where MUST restrict by tenant
	// unless Public is true.
	SQL func(ctx SecurityContext) BaseSQL

	Measures   map[string]*Measure
	Dimensions map[string]*Dimension
	Joins      map[string]*Join
	Segments   map[string]*Segment
}

// Member looks up "Cube.field" style references against the registry.
type Member struct {
	Cube  string
	Field string
}

func ParseMember(ref string) (Member, error) {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '.' {
			return Member{Cube: ref[:i], Field: ref[i+1:]}, nil
		}
	}
	return Member{}, fmt.Errorf("malformed member reference %q: expected Cube.field", ref)
}

func (m Member) String() string { return m.Cube + "." + m.Field }

// Registry is the immutable, process-wide set of known cubes.
type Registry struct {
	cubes map[string]*Cube
}

func NewRegistry(cubes ...*Cube) *Registry {
	r := &Registry{cubes: make(map[string]*Cube, len(cubes))}
	for _, c := range cubes {
		r.cubes[c.Name] = c
	}
	return r
}

func (r *Registry) Get(name string) (*Cube, bool) {
	c, ok := r.cubes[name]
	return c, ok
}

func (r *Registry) MustGet(name string) *Cube {
	c, ok := r.cubes[name]
	if !ok {
		panic(fmt.Sprintf("cube %q not registered", name))
	}
	return c
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.cubes))
	for n := range r.cubes {
		names = append(names, n)
	}
	return names
}

// ResolveMeasure looks up a measure by qualified member reference.
func (r *Registry) ResolveMeasure(ref string) (*Cube, *Measure, error) {
	m, err := ParseMember(ref)
	if err != nil {
		return nil, nil, err
	}
	c, ok := r.cubes[m.Cube]
	if !ok {
		return nil, nil, fmt.Errorf("unknown cube %q (from member %q)", m.Cube, ref)
	}
	meas, ok := c.Measures[m.Field]
	if !ok {
		return nil, nil, fmt.Errorf("unknown measure %q on cube %q", m.Field, m.Cube)
	}
	return c, meas, nil
}

// ResolveDimension looks up a dimension by qualified member reference.
func (r *Registry) ResolveDimension(ref string) (*Cube, *Dimension, error) {
	m, err := ParseMember(ref)
	if err != nil {
		return nil, nil, err
	}
	c, ok := r.cubes[m.Cube]
	if !ok {
		return nil, nil, fmt.Errorf("unknown cube %q (from member %q)", m.Cube, ref)
	}
	dim, ok := c.Dimensions[m.Field]
	if !ok {
		return nil, nil, fmt.Errorf("unknown dimension %q on cube %q", m.Field, m.Cube)
	}
	return c, dim, nil
}

// ResolveMember looks up either a measure or a dimension by qualified name.
func (r *Registry) ResolveMember(ref string) (cubeName string, isMeasure bool, err error) {
	m, err := ParseMember(ref)
	if err != nil {
		return "", false, err
	}
	c, ok := r.cubes[m.Cube]
	if !ok {
		return "", false, fmt.Errorf("unknown cube %q (from member %q)", m.Cube, ref)
	}
	if _, ok := c.Measures[m.Field]; ok {
		return m.Cube, true, nil
	}
	if _, ok := c.Dimensions[m.Field]; ok {
		return m.Cube, false, nil
	}
	return "", false, fmt.Errorf("unknown member %q on cube %q", m.Field, m.Cube)
}
