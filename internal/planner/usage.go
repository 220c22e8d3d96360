package planner

import (
	"sort"

	"github.com/cliftonc/drizzle-cube-sub010/cube"
	"github.com/cliftonc/drizzle-cube-sub010/query"
)

// usage captures every cube referenced by a query, split by whether the
// reference is a measure, a dimension, or a filter leaf — spec §4.5 step 1.
type usage struct {
	measureCubes   *cubeSet
	dimensionCubes *cubeSet
	filterCubes    *cubeSet
	allCubes       *cubeSet

	measuresByCube   map[string][]string // cube -> qualified measure refs
	dimensionsByCube map[string][]string
}

// extractUsage walks measures, dimensions, time dimensions, and (recursively)
// simple filter leaves, validating every referenced cube/member exists.
func extractUsage(reg *cube.Registry, q *query.SemanticQuery) (*usage, error) {
	u := &usage{
		measureCubes:     newCubeSet(),
		dimensionCubes:   newCubeSet(),
		filterCubes:      newCubeSet(),
		allCubes:         newCubeSet(),
		measuresByCube:   map[string][]string{},
		dimensionsByCube: map[string][]string{},
	}

	for _, ref := range q.Measures {
		c, _, err := reg.ResolveMeasure(ref)
		if err != nil {
			return nil, err
		}
		u.measureCubes.Add(c.Name)
		u.allCubes.Add(c.Name)
		u.measuresByCube[c.Name] = append(u.measuresByCube[c.Name], ref)
	}

	for _, ref := range q.Dimensions {
		c, _, err := reg.ResolveDimension(ref)
		if err != nil {
			return nil, err
		}
		u.dimensionCubes.Add(c.Name)
		u.allCubes.Add(c.Name)
		u.dimensionsByCube[c.Name] = append(u.dimensionsByCube[c.Name], ref)
	}

	for _, td := range q.TimeDimensions {
		c, _, err := reg.ResolveDimension(td.Dimension)
		if err != nil {
			return nil, err
		}
		u.dimensionCubes.Add(c.Name)
		u.allCubes.Add(c.Name)
		u.dimensionsByCube[c.Name] = append(u.dimensionsByCube[c.Name], td.Dimension)
	}

	for _, f := range q.Filters {
		if err := addFilterUsage(reg, u, f); err != nil {
			return nil, err
		}
	}

	return u, nil
}

func addFilterUsage(reg *cube.Registry, u *usage, f query.Filter) error {
	for _, leaf := range f.Leaves() {
		cubeName, isMeasure, err := reg.ResolveMember(leaf.Member)
		if err != nil {
			return err
		}
		u.filterCubes.Add(cubeName)
		u.allCubes.Add(cubeName)
		// A HAVING-style filter on a measure makes that cube's aggregate
		// contribute to the query the same way a SELECT measure does, so CTE
		// detection (ctes.go) must see it too.
		if isMeasure {
			u.measureCubes.Add(cubeName)
			u.measuresByCube[cubeName] = append(u.measuresByCube[cubeName], leaf.Member)
		}
	}
	return nil
}

// sortedAllCubes returns every referenced cube name alphabetically, used for
// deterministic tie-breaks and for the analysis view's candidate list.
func (u *usage) sortedAllCubes() []string {
	out := append([]string(nil), u.allCubes.List()...)
	sort.Strings(out)
	return out
}
