package planner

import (
	"fmt"

	"github.com/cliftonc/drizzle-cube-sub010/cube"
	"github.com/cliftonc/drizzle-cube-sub010/internal/joinpath"
)

// downstreamRequest records that targetCube must be joined against a
// pre-aggregation CTE's projected foreign key rather than directly against
// the primary cube (spec §3 Glossary: "downstream join key").
type downstreamRequest struct {
	cteCube    string
	targetCube string
	hop        joinpath.Hop // cteCube -> targetCube
}

// detectCTECandidates implements spec §4.6's CTE trigger: a cube reached
// from the primary by a direct hasMany edge, whose measures contribute to
// the query (via SELECT or HAVING; see usage.measuresByCube).
func (p *Planner) detectCTECandidates(primary string, u *usage) *cubeSet {
	out := newCubeSet()
	c, ok := p.reg.Get(primary)
	if !ok {
		return out
	}
	for _, name := range joinTargetsSorted(c) {
		j := c.Joins[name]
		if j.Relationship != cube.HasMany {
			continue
		}
		if len(u.measuresByCube[j.Target]) > 0 {
			out.Add(j.Target)
		}
	}
	return out
}

func joinTargetsSorted(c *cube.Cube) []string {
	names := make([]string, 0, len(c.Joins))
	for n := range c.Joins {
		names = append(names, n)
	}
	// Deterministic order matches joinpath's own traversal; duplicated here
	// (rather than exported from joinpath) since this is a cube-graph
	// concern the planner needs independently of path resolution.
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j-1] > names[j]; j-- {
			names[j-1], names[j] = names[j], names[j-1]
		}
	}
	return names
}

// propagatingCandidate records that filterCube is only reachable one hop
// below a pre-aggregation CTE cube, so its filter must restrict the CTE via
// an IN (SELECT pk ...) subselect rather than a direct join (spec §3
// Glossary: "propagating filter"). Unlike a downstreamRequest, no dimension
// from filterCube needs to appear in the outer query's output, so no join
// is emitted for it.
type propagatingCandidate struct {
	cteCube    string
	filterCube string
	hop        joinpath.Hop // cteCube -> filterCube
}

// buildJoinPlan resolves a join path from primary to every cube whose
// dimensions or measures the query references, excluding cteCubes as
// intermediate hops (spec §4.5 step 3). A cube only reachable by routing
// through a CTE cube's immediate downstream edge is reported as a
// downstreamRequest instead of a JoinCube; planCTEs resolves those once the
// CTE's join keys are known.
func (p *Planner) buildJoinPlan(primary string, cteCubes *cubeSet, u *usage) ([]JoinCube, []downstreamRequest, error) {
	preferred := u.measureCubes.List()
	excluded := cteCubes.List()

	added := newCubeSet()
	processed := newCubeSet()
	processed.Add(primary)

	var joinCubes []JoinCube
	var downstream []downstreamRequest

	addHop := func(h joinpath.Hop) {
		if added.Has(h.To) {
			return
		}
		joinCubes = append(joinCubes, buildJoinCube(h))
		added.Add(h.To)
		processed.Add(h.To)
	}

	needed := newCubeSet()
	for _, c := range u.dimensionCubes.List() {
		needed.Add(c)
	}
	for _, c := range u.measureCubes.List() {
		needed.Add(c)
	}

	for _, target := range sortedStrings(needed.List()) {
		if target == primary || cteCubes.Has(target) || added.Has(target) {
			continue
		}

		if path := p.resolver.FindPathPreferring(primary, target, preferred, processed.List(), excluded); path != nil {
			for _, h := range path.Hops {
				addHop(h)
			}
			continue
		}

		full := p.resolver.FindPath(primary, target, nil)
		if full == nil {
			return nil, nil, fmt.Errorf("no join path from %q to %q", primary, target)
		}
		cteHopIdx := -1
		for i, h := range full.Hops {
			if cteCubes.Has(h.To) {
				cteHopIdx = i
				break
			}
		}
		if cteHopIdx == -1 || cteHopIdx != len(full.Hops)-2 {
			return nil, nil, fmt.Errorf(
				"no join path from %q to %q that doesn't route through more than one pre-aggregated cube", primary, target)
		}
		for _, h := range full.Hops[:cteHopIdx] {
			addHop(h)
		}
		downstream = append(downstream, downstreamRequest{
			cteCube:    full.Hops[cteHopIdx].To,
			targetCube: target,
			hop:        full.Hops[cteHopIdx+1],
		})
	}

	return joinCubes, downstream, nil
}

// resolveFilterRouting handles filter-only cubes (referenced by a filter
// leaf but by neither a measure nor a dimension): joined directly when
// reachable without crossing a CTE boundary, else turned into a
// propagatingCandidate for planCTEs.
func (p *Planner) resolveFilterRouting(primary string, cteCubes *cubeSet, joinCubes []JoinCube, u *usage) ([]JoinCube, []propagatingCandidate, error) {
	preferred := u.measureCubes.List()
	already := newCubeSet()
	already.Add(primary)
	for _, jc := range joinCubes {
		already.Add(jc.Cube)
	}
	processed := append([]string(nil), already.List()...)

	var extra []JoinCube
	var propagating []propagatingCandidate

	for _, f := range sortedStrings(u.filterCubes.List()) {
		if already.Has(f) || cteCubes.Has(f) {
			continue
		}

		if path := p.resolver.FindPathPreferring(primary, f, preferred, processed, cteCubes.List()); path != nil {
			for _, h := range path.Hops {
				if already.Has(h.To) {
					continue
				}
				extra = append(extra, buildJoinCube(h))
				already.Add(h.To)
			}
			continue
		}

		found := false
		for _, c := range sortedStrings(cteCubes.List()) {
			cc, ok := p.reg.Get(c)
			if !ok {
				continue
			}
			j, ok := cc.Joins[f]
			if !ok {
				continue
			}
			propagating = append(propagating, propagatingCandidate{
				cteCube:    c,
				filterCube: f,
				hop:        joinpath.Hop{From: c, To: f, Relationship: j.Relationship, Join: j},
			})
			found = true
			break
		}
		if !found {
			return nil, nil, fmt.Errorf(
				"no join path (direct or via a pre-aggregated cube) from %q to filtered cube %q", primary, f)
		}
	}

	return extra, propagating, nil
}

func sortedStrings(xs []string) []string {
	out := append([]string(nil), xs...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

func buildJoinCube(h joinpath.Hop) JoinCube {
	jt := LeftJoin
	var junction *JunctionTable
	var cond string

	if h.Relationship == cube.BelongsToMany && h.Join.Through != nil {
		jt = InnerJoin
		t := h.Join.Through
		junction = &JunctionTable{Table: t.Table, SourceKeys: t.SourceKeys, TargetKeys: t.TargetKeys}
		// Security predicate (if Through.SecurityFrom is set) is resolved at
		// build time once a SecurityContext is available; planning only
		// records the junction's shape.
	} else {
		cond, _ = joinpath.BuildJoinCondition(h.Join, h.From, h.To)
	}

	return JoinCube{
		Cube:          h.To,
		JoinType:      jt,
		JoinCondition: cond,
		Alias:         h.To,
		JunctionTable: junction,
	}
}
