package planner

import (
	"github.com/cliftonc/drizzle-cube-sub010/cube"
	"github.com/cliftonc/drizzle-cube-sub010/query"
)

// QueryAnalysis mirrors QueryPlan but is purely informational: a debugging
// view of planner decisions (spec §3). It is built by walking the same
// steps Plan runs and never touches SQL or a connection.
type QueryAnalysis struct {
	PrimaryCube     string
	PrimaryCubeTier string
	Candidates      []string

	Hops []HopAnalysis
	CTEs []CTEAnalysis
}

// HopAnalysis describes one joined cube and, where it could be determined,
// the relationship of the edge that reaches it.
type HopAnalysis struct {
	Cube         string
	Relationship cube.Relationship // empty when reached via a CTE's downstream join key
	ViaCTE       string            // set instead of Relationship when routed through a CTE
}

// CTEAnalysis describes one planned pre-aggregation CTE and why it exists.
type CTEAnalysis struct {
	Cube                   string
	Alias                  string
	Reason                 string
	Measures               []string
	PropagatingFilterCount int
	DownstreamJoinKeyCount int
}

// AnalyzeQueryPlan runs the same planning steps as Plan and returns a
// QueryAnalysis instead of a QueryPlan. It never executes SQL.
func (p *Planner) AnalyzeQueryPlan(q *query.SemanticQuery) (*QueryAnalysis, error) {
	u, err := extractUsage(p.reg, q)
	if err != nil {
		return nil, err
	}
	primary, tier, err := p.choosePrimaryCube(u)
	if err != nil {
		return nil, err
	}
	cteCubes := p.detectCTECandidates(primary, u)

	joinCubes, downstream, err := p.buildJoinPlan(primary, cteCubes, u)
	if err != nil {
		return nil, err
	}
	filterJoins, propagating, err := p.resolveFilterRouting(primary, cteCubes, joinCubes, u)
	if err != nil {
		return nil, err
	}
	joinCubes = append(joinCubes, filterJoins...)

	ctes, downstreamJoins, err := p.planCTEs(primary, cteCubes.List(), u, downstream, propagating)
	if err != nil {
		return nil, err
	}
	joinCubes = append(joinCubes, downstreamJoins...)

	analysis := &QueryAnalysis{
		PrimaryCube:     primary,
		PrimaryCubeTier: tier,
		Candidates:      u.sortedAllCubes(),
	}

	downstreamCTE := map[string]string{}
	for _, jc := range downstreamJoins {
		downstreamCTE[jc.Cube] = cteAlias(findCTEForTarget(downstream, jc.Cube))
	}

	for _, jc := range joinCubes {
		h := HopAnalysis{Cube: jc.Cube}
		if alias, ok := downstreamCTE[jc.Cube]; ok {
			h.ViaCTE = alias
		} else {
			h.Relationship = p.edgeRelationship(primary, joinCubes, jc.Cube)
		}
		analysis.Hops = append(analysis.Hops, h)
	}

	for _, c := range ctes {
		analysis.CTEs = append(analysis.CTEs, CTEAnalysis{
			Cube:                   c.Cube,
			Alias:                  c.CTEAlias,
			Reason:                 "hasMany join from " + primary + " contributing an aggregated measure",
			Measures:               c.Measures,
			PropagatingFilterCount: len(c.PropagatingFilters),
			DownstreamJoinKeyCount: len(c.DownstreamJoinKeys),
		})
	}

	return analysis, nil
}

func findCTEForTarget(downstream []downstreamRequest, target string) string {
	for _, d := range downstream {
		if d.targetCube == target {
			return d.cteCube
		}
	}
	return ""
}

// edgeRelationship best-effort identifies which already-joined cube (the
// primary or an earlier JoinCube) declares the edge reaching target, for
// display purposes only.
func (p *Planner) edgeRelationship(primary string, joinCubes []JoinCube, target string) cube.Relationship {
	candidates := append([]string{primary}, joinCubeNames(joinCubes)...)
	for _, name := range candidates {
		c, ok := p.reg.Get(name)
		if !ok {
			continue
		}
		if j, ok := c.Joins[target]; ok {
			return j.Relationship
		}
	}
	return ""
}

func joinCubeNames(joinCubes []JoinCube) []string {
	out := make([]string, 0, len(joinCubes))
	for _, jc := range joinCubes {
		out = append(out, jc.Cube)
	}
	return out
}
