package planner

import (
	"sort"
)

// choosePrimaryCube implements spec §4.5 step 2's three tiers, each
// breaking ties alphabetically.
func (p *Planner) choosePrimaryCube(u *usage) (string, string, error) {
	all := u.sortedAllCubes()
	if len(all) == 0 {
		return "", "", errNoCubes
	}
	if len(all) == 1 {
		return all[0], "single-cube", nil
	}

	// Tier (a): if any dimensions exist, the cube with the most dimension
	// references that can reach all other referenced cubes.
	if len(u.dimensionCubes.List()) > 0 {
		if name, ok := p.bestByCount(all, u.dimensionsByCube); ok {
			return name, "most-dimensions-reaching-all", nil
		}
	}

	// Tier (b): otherwise the cube with the highest join out-degree that
	// can reach all others.
	if name, ok := p.bestByOutDegree(all); ok {
		return name, "highest-out-degree-reaching-all", nil
	}

	// Tier (c): alphabetical fallback among all referenced cubes, ignoring
	// reachability (spec: "ambiguous primary cube only when no tie-break
	// applies (shouldn't happen given alphabetical fallback)").
	sorted := append([]string(nil), all...)
	sort.Strings(sorted)
	return sorted[0], "alphabetical-fallback", nil
}

func (p *Planner) bestByCount(all []string, byCube map[string][]string) (string, bool) {
	best := ""
	bestCount := -1
	for _, name := range all {
		if !p.resolver.CanReachAll(name, all) {
			continue
		}
		count := len(byCube[name])
		if count > bestCount || (count == bestCount && name < best) {
			best, bestCount = name, count
		}
	}
	if best == "" {
		return "", false
	}
	return best, true
}

func (p *Planner) bestByOutDegree(all []string) (string, bool) {
	best := ""
	bestDegree := -1
	for _, name := range all {
		if !p.resolver.CanReachAll(name, all) {
			continue
		}
		c, ok := p.reg.Get(name)
		if !ok {
			continue
		}
		degree := len(c.Joins)
		if degree > bestDegree || (degree == bestDegree && name < best) {
			best, bestDegree = name, degree
		}
	}
	if best == "" {
		return "", false
	}
	return best, true
}

var errNoCubes = planningErrorf("no cubes referenced by query")

type planningErrorf string

func (e planningErrorf) Error() string { return string(e) }
