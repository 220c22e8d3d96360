package executor

import (
	"github.com/cliftonc/drizzle-cube-sub010/cube"
	"github.com/cliftonc/drizzle-cube-sub010/internal/annotations"
	"github.com/cliftonc/drizzle-cube-sub010/internal/planner"
)

// checkSecurityContext emits a warning event for every non-Public cube in
// plan whose BaseSQL carries no Where predicate under sec. Only called
// when the Executor was built with dev true — this is a development-time
// guardrail, not a runtime validation the library enforces unconditionally
// (a Public cube, or an adapter-level row-level-security policy, may
// legitimately have no Where).
func checkSecurityContext(reg *cube.Registry, plan *planner.QueryPlan, sec cube.SecurityContext, events *annotations.Collector) {
	for _, name := range planCubes(plan) {
		c, ok := reg.Get(name)
		if !ok || c.Public {
			continue
		}
		if c.SQL(sec).Where != nil {
			continue
		}
		events.Add(annotations.Event{
			Name: annotations.ExecSecurityContextMissing,
			Data: map[string]interface{}{"cube": name},
		})
	}
}

// planCubes lists every cube a plan touches — the primary cube, every
// directly joined cube, and every cube pre-aggregated into a CTE —
// deduplicated, in first-seen order.
func planCubes(plan *planner.QueryPlan) []string {
	seen := map[string]bool{}
	var out []string
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}
	add(plan.PrimaryCube)
	for _, jc := range plan.JoinCubes {
		add(jc.Cube)
	}
	for _, pc := range plan.PreAggregationCTEs {
		add(pc.Cube)
	}
	return out
}
