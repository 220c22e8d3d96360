package planner

import (
	"github.com/cliftonc/drizzle-cube-sub010/cube"
	"github.com/cliftonc/drizzle-cube-sub010/internal/annotations"
	"github.com/cliftonc/drizzle-cube-sub010/internal/calcmeasure"
	"github.com/cliftonc/drizzle-cube-sub010/internal/joinpath"
	"github.com/cliftonc/drizzle-cube-sub010/internal/semerr"
	"github.com/cliftonc/drizzle-cube-sub010/query"
)

// Planner builds QueryPlans from a SemanticQuery (spec §4.5). It holds no
// per-request state of its own — the join-path resolver's cache is the only
// thing shared across calls, the same split the teacher's own Planner keeps
// between its immutable Statistics/PlannerOptions and its per-call
// PlanCache lookups (datalog/planner/planner.go).
type Planner struct {
	reg      *cube.Registry
	resolver *joinpath.Resolver
	calc     *calcmeasure.Resolver
	events   *annotations.Collector
}

// New builds a Planner. events may be nil, in which case planning proceeds
// without emitting annotations.
func New(reg *cube.Registry, resolver *joinpath.Resolver, calc *calcmeasure.Resolver, events *annotations.Collector) *Planner {
	return &Planner{reg: reg, resolver: resolver, calc: calc, events: events}
}

// Plan builds a QueryPlan for q (spec §4.5 steps 1-5).
func (p *Planner) Plan(q *query.SemanticQuery) (*QueryPlan, error) {
	u, err := extractUsage(p.reg, q)
	if err != nil {
		return nil, semerr.Validation("cube-usage", "%w", err)
	}
	p.events.Add(annotations.Event{
		Name: annotations.PlanCubeUsageAnalyzed,
		Data: map[string]interface{}{
			"measureCubes":   u.measureCubes.List(),
			"dimensionCubes": u.dimensionCubes.List(),
			"filterCubes":    u.filterCubes.List(),
		},
	})

	primary, tier, err := p.choosePrimaryCube(u)
	if err != nil {
		return nil, semerr.Planning("primary-cube", "%w", err)
	}
	p.events.Add(annotations.Event{
		Name: annotations.PlanPrimarySelected,
		Data: map[string]interface{}{"cube": primary, "tier": tier},
	})

	cteCubes := p.detectCTECandidates(primary, u)

	joinCubes, downstream, err := p.buildJoinPlan(primary, cteCubes, u)
	if err != nil {
		return nil, semerr.Planning("join-plan", "%w", err)
	}
	filterJoins, propagating, err := p.resolveFilterRouting(primary, cteCubes, joinCubes, u)
	if err != nil {
		return nil, semerr.Planning("join-plan", "%w", err)
	}
	joinCubes = append(joinCubes, filterJoins...)
	for _, jc := range joinCubes {
		p.events.Add(annotations.Event{Name: annotations.PlanJoinResolved, Data: map[string]interface{}{"cube": jc.Cube}})
	}

	ctes, downstreamJoins, err := p.planCTEs(primary, cteCubes.List(), u, downstream, propagating)
	if err != nil {
		return nil, semerr.Planning("pre-aggregation-cte", "%w", err)
	}
	joinCubes = append(joinCubes, downstreamJoins...)
	for _, c := range ctes {
		data := map[string]interface{}{"cube": c.Cube, "alias": c.CTEAlias, "measures": c.Measures}
		p.events.Add(annotations.Event{Name: annotations.PlanCTECreated, Data: data})
		for range c.PropagatingFilters {
			p.events.Add(annotations.Event{Name: annotations.PlanPropagatingFilter, Data: map[string]interface{}{"cte": c.CTEAlias}})
		}
	}

	calcOrder, err := p.calc.Order(allRequestedMeasures(u))
	if err != nil {
		return nil, semerr.Planning("calculated-measure-order", "%w", err)
	}
	p.events.Add(annotations.Event{Name: annotations.PlanCalcMeasureOrdered, Data: map[string]interface{}{"order": calcOrder}})

	return &QueryPlan{
		PlanID:                 newPlanID(),
		PrimaryCube:            primary,
		JoinCubes:              joinCubes,
		PreAggregationCTEs:     ctes,
		CalculatedMeasureOrder: calcOrder,
	}, nil
}

func allRequestedMeasures(u *usage) []string {
	var out []string
	for _, c := range u.measureCubes.List() {
		out = append(out, u.measuresByCube[c]...)
	}
	return out
}
