// Package joinpath implements JoinPathResolver (spec §4.1): BFS shortest
// path over the cube join graph, scored path preference for routing
// through cubes whose measures appear in a query, and join-condition
// construction. The path cache is safe to share across requests because it
// depends only on cube metadata, which is immutable after registration
// (spec §5) — the same shape as the teacher's PlanCache
// (datalog/planner/cache.go), keyed here by (from, to, excluded) instead of
// by query text.
package joinpath

import (
	"sort"
	"strings"
	"sync"

	"github.com/cliftonc/drizzle-cube-sub010/cube"
	"github.com/cliftonc/drizzle-cube-sub010/internal/sqlexpr"
)

// Hop is one edge traversed by a Path.
type Hop struct {
	From         string
	To           string
	Relationship cube.Relationship
	Join         *cube.Join
}

// Path is a sequence of hops connecting two cubes (possibly zero hops when
// From == To).
type Path struct {
	Cubes []string // every cube visited, in order, including From and To
	Hops  []Hop
}

func (p Path) Len() int { return len(p.Hops) }

// Resolver resolves join paths over a registry's join graph.
type Resolver struct {
	reg *cube.Registry

	mu    sync.RWMutex
	cache map[string]*Path // "" value path cached as nil entry vs miss tracked by ok
	miss  map[string]bool
}

func New(reg *cube.Registry) *Resolver {
	return &Resolver{
		reg:   reg,
		cache: make(map[string]*Path),
		miss:  make(map[string]bool),
	}
}

func cacheKey(from, to string, excluded []string) string {
	sorted := append([]string(nil), excluded...)
	sort.Strings(sorted)
	return from + "->" + to + "|" + strings.Join(sorted, ",")
}

// FindPath returns the shortest path from `from` to `to` via BFS over
// cube.joins, skipping any cube in excluded. Returns nil when unreachable.
func (r *Resolver) FindPath(from, to string, excluded []string) *Path {
	key := cacheKey(from, to, excluded)

	r.mu.RLock()
	if p, ok := r.cache[key]; ok {
		r.mu.RUnlock()
		return p
	}
	if r.miss[key] {
		r.mu.RUnlock()
		return nil
	}
	r.mu.RUnlock()

	p := r.bfs(from, to, excluded)

	r.mu.Lock()
	if p != nil {
		r.cache[key] = p
	} else {
		r.miss[key] = true
	}
	r.mu.Unlock()

	return p
}

func (r *Resolver) bfs(from, to string, excluded []string) *Path {
	if from == to {
		return &Path{Cubes: []string{from}}
	}
	excludeSet := toSet(excluded)

	type frame struct {
		cube string
		path Path
	}

	visited := map[string]bool{from: true}
	queue := []frame{{cube: from, path: Path{Cubes: []string{from}}}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		c, ok := r.reg.Get(cur.cube)
		if !ok {
			continue
		}

		// Deterministic traversal order for reproducible shortest paths.
		names := joinTargetsSorted(c)
		for _, targetName := range names {
			j := c.Joins[targetName]
			if excludeSet[j.Target] && j.Target != to {
				continue
			}
			if visited[j.Target] {
				continue
			}
			nextCubes := append(append([]string(nil), cur.path.Cubes...), j.Target)
			nextHops := append(append([]Hop(nil), cur.path.Hops...), Hop{
				From: cur.cube, To: j.Target, Relationship: j.Relationship, Join: j,
			})
			nextPath := Path{Cubes: nextCubes, Hops: nextHops}
			if j.Target == to {
				return &nextPath
			}
			visited[j.Target] = true
			queue = append(queue, frame{cube: j.Target, path: nextPath})
		}
	}
	return nil
}

func joinTargetsSorted(c *cube.Cube) []string {
	names := make([]string, 0, len(c.Joins))
	for n := range c.Joins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func toSet(xs []string) map[string]bool {
	m := make(map[string]bool, len(xs))
	for _, x := range xs {
		m[x] = true
	}
	return m
}

// FindPathPreferring enumerates paths up to depth 4 from `from` to `to`,
// scoring each as 10*(first hop has PreferredFor(to)) + |pathCubes ∩
// preferred| - (length-1). Ties break by reusing already-processed cubes,
// then by shorter length (spec §4.1). excluded cubes are never used as an
// intermediate hop (the target itself is exempt), so routing never threads
// through a cube the planner has already committed to a pre-aggregation CTE.
func (r *Resolver) FindPathPreferring(from, to string, preferred []string, alreadyProcessed []string, excluded []string) *Path {
	const maxDepth = 4
	preferredSet := toSet(preferred)
	processedSet := toSet(alreadyProcessed)
	excludeSet := toSet(excluded)

	var all []Path
	var walk func(cur string, path Path, visited map[string]bool)
	walk = func(cur string, path Path, visited map[string]bool) {
		if len(path.Hops) > maxDepth {
			return
		}
		if cur == to && len(path.Hops) > 0 {
			all = append(all, path)
			return
		}
		if len(path.Hops) == maxDepth {
			return
		}
		c, ok := r.reg.Get(cur)
		if !ok {
			return
		}
		for _, targetName := range joinTargetsSorted(c) {
			j := c.Joins[targetName]
			if excludeSet[j.Target] && j.Target != to {
				continue
			}
			if visited[j.Target] {
				continue
			}
			nv := make(map[string]bool, len(visited)+1)
			for k := range visited {
				nv[k] = true
			}
			nv[j.Target] = true
			nextCubes := append(append([]string(nil), path.Cubes...), j.Target)
			nextHops := append(append([]Hop(nil), path.Hops...), Hop{
				From: cur, To: j.Target, Relationship: j.Relationship, Join: j,
			})
			walk(j.Target, Path{Cubes: nextCubes, Hops: nextHops}, nv)
		}
	}
	walk(from, Path{Cubes: []string{from}}, map[string]bool{from: true})

	if len(all) == 0 {
		return nil
	}

	best := -1
	bestScore := 0
	bestReusesProcessed := false
	for i, p := range all {
		score := 0
		if len(p.Hops) > 0 && hasPreferredFor(p.Hops[0].Join, to) {
			score += 10
		}
		for _, c := range p.Cubes {
			if preferredSet[c] {
				score++
			}
		}
		score -= len(p.Hops) - 1

		reusesProcessed := false
		for _, c := range p.Cubes {
			if processedSet[c] {
				reusesProcessed = true
				break
			}
		}

		if best == -1 ||
			score > bestScore ||
			(score == bestScore && reusesProcessed && !bestReusesProcessed) ||
			(score == bestScore && reusesProcessed == bestReusesProcessed && len(p.Hops) < len(all[best].Hops)) {
			best = i
			bestScore = score
			bestReusesProcessed = reusesProcessed
		}
	}
	return &all[best]
}

func hasPreferredFor(j *cube.Join, target string) bool {
	if j == nil {
		return false
	}
	for _, pf := range j.PreferredFor {
		if pf == target || strings.HasSuffix(pf, "."+target) {
			return true
		}
	}
	return false
}

// CanReachAll reports whether every cube in `cubes` is reachable from
// `from` (ignoring direction back to from itself).
func (r *Resolver) CanReachAll(from string, cubes []string) bool {
	for _, to := range cubes {
		if to == from {
			continue
		}
		if r.FindPath(from, to, nil) == nil {
			return false
		}
	}
	return true
}

// BuildJoinCondition folds a join's on[] pairs with AND. When sourceAlias
// or targetAlias is empty, the raw (cloned) column expressions are used
// instead of alias-qualified ones so downstream mutation cannot leak back
// into the cube's own Join definition (spec §4.1, §9).
func BuildJoinCondition(j *cube.Join, sourceAlias, targetAlias string) (string, error) {
	var parts []string
	for _, pair := range j.On {
		srcCol := pair.Source
		tgtCol := pair.Target
		if sourceAlias != "" {
			srcCol = sqlexpr.Qualify(cube.Col(pair.Source), sourceAlias).Column
		}
		if targetAlias != "" {
			tgtCol = sqlexpr.Qualify(cube.Col(pair.Target), targetAlias).Column
		}
		cmp := pair.Comparator
		if cmp == "" {
			cmp = "="
		}
		parts = append(parts, srcCol+" "+cmp+" "+tgtCol)
	}
	return strings.Join(parts, " AND "), nil
}
