package cube

import "fmt"

// Segment is a named, reusable boolean predicate a cube declares once and
// queries reference by name (spec §3 SemanticQuery.segments[]) instead of
// repeating the equivalent filter inline.
type Segment struct {
	Name string
	SQL  SQLExpression

	Title      string
	ShortTitle string
}

// ResolveSegment looks up a segment by qualified "Cube.segmentName"
// reference.
func (r *Registry) ResolveSegment(ref string) (*Cube, *Segment, error) {
	m, err := ParseMember(ref)
	if err != nil {
		return nil, nil, err
	}
	c, ok := r.cubes[m.Cube]
	if !ok {
		return nil, nil, fmt.Errorf("unknown cube %q (from member %q)", m.Cube, ref)
	}
	seg, ok := c.Segments[m.Field]
	if !ok {
		return nil, nil, fmt.Errorf("unknown segment %q on cube %q", m.Field, m.Cube)
	}
	return c, seg, nil
}
