package planner

import "fmt"

// cteAlias is the table alias a pre-aggregation CTE is projected under in
// the outer query.
func cteAlias(cteCube string) string { return cteCube + "_cte" }

// planCTEs builds one PreAggregationCTE per CTE-candidate cube (spec §4.6):
// its join keys back to the primary cube, the measures (and transitive
// window bases) it must aggregate, any propagating filters routed through
// it, and any downstream join keys a further cube's dimensions need. It
// also returns the JoinCube entries for cubes joined against a CTE's
// downstream join key rather than against the primary directly.
func (p *Planner) planCTEs(primary string, cteCubes []string, u *usage, downstream []downstreamRequest, propagating []propagatingCandidate) ([]PreAggregationCTE, []JoinCube, error) {
	var ctes []PreAggregationCTE
	var extraJoins []JoinCube

	primaryCube, ok := p.reg.Get(primary)
	if !ok {
		return nil, nil, fmt.Errorf("unknown primary cube %q", primary)
	}

	for _, name := range sortedStrings(cteCubes) {
		j, ok := primaryCube.Joins[name]
		if !ok {
			return nil, nil, fmt.Errorf("cube %q is not a direct hasMany join of primary cube %q", name, primary)
		}

		var joinKeys []JoinKey
		for _, pair := range j.On {
			col := pair.Target
			if pair.As != "" {
				col = pair.As
			}
			joinKeys = append(joinKeys, JoinKey{PrimaryColumn: pair.Source, CTEColumn: col})
		}

		measures, err := p.cteMeasures(name, u)
		if err != nil {
			return nil, nil, err
		}

		var propFilters []PropagatingFilter
		for _, cand := range propagating {
			if cand.cteCube != name {
				continue
			}
			pf, err := buildPropagatingFilter(cand)
			if err != nil {
				return nil, nil, err
			}
			propFilters = append(propFilters, pf)
		}

		var dsKeys []DownstreamJoinKey
		alias := cteAlias(name)
		for _, req := range downstream {
			if req.cteCube != name {
				continue
			}
			if len(req.hop.Join.On) == 0 {
				return nil, nil, fmt.Errorf("join %s -> %s has no on[] pairs to derive a downstream join key from", name, req.targetCube)
			}
			var condParts []string
			for _, pair := range req.hop.Join.On {
				col := pair.Source
				dsKeys = append(dsKeys, DownstreamJoinKey{CTEColumn: col, TargetCube: req.targetCube, TargetColumn: pair.Target})
				condParts = append(condParts, fmt.Sprintf("%s.%s = %s.%s", alias, col, req.targetCube, pair.Target))
			}
			extraJoins = append(extraJoins, JoinCube{
				Cube:          req.targetCube,
				JoinType:      LeftJoin,
				JoinCondition: joinAll(condParts),
				Alias:         req.targetCube,
			})
		}

		ctes = append(ctes, PreAggregationCTE{
			Cube:               name,
			CTEAlias:           alias,
			JoinKeys:           joinKeys,
			Measures:           measures,
			PropagatingFilters: propFilters,
			DownstreamJoinKeys: dsKeys,
			CTEType:            "aggregate",
		})
	}

	return ctes, extraJoins, nil
}

// cteMeasures returns every measure this CTE must aggregate: the requested
// measures on this cube, plus (for window measures) their base measure, in
// calculated-measure dependency order.
func (p *Planner) cteMeasures(cteCube string, u *usage) ([]string, error) {
	requested := append([]string(nil), u.measuresByCube[cteCube]...)

	seen := map[string]bool{}
	for _, ref := range requested {
		seen[ref] = true
	}
	for _, ref := range u.measuresByCube[cteCube] {
		_, m, err := p.reg.ResolveMeasure(ref)
		if err != nil {
			return nil, err
		}
		if m.Type.IsWindow() && m.WindowConfig != nil && m.WindowConfig.Measure != "" {
			base := cteCube + "." + m.WindowConfig.Measure
			if !seen[base] {
				seen[base] = true
				requested = append(requested, base)
			}
		}
	}

	return p.calc.Order(requested)
}

// buildPropagatingFilter records the routing for a sibling-cube filter that
// must restrict a CTE via an IN (SELECT ...) subselect. The predicate text
// itself (and its bind values) is rendered later by the filter cache once
// the sibling's field expression and filter operator are resolved — the
// same deferral the query builder applies to JunctionTable security
// predicates, since neither is available at planning time.
func buildPropagatingFilter(cand propagatingCandidate) (PropagatingFilter, error) {
	if len(cand.hop.Join.On) == 0 {
		return PropagatingFilter{}, fmt.Errorf("join %s -> %s has no on[] pairs to propagate a filter through", cand.cteCube, cand.filterCube)
	}
	var cols []JoinKey
	for _, pair := range cand.hop.Join.On {
		// PrimaryColumn here is the CTE cube's own FK column; CTEColumn is the
		// sibling's primary-key column selected in the IN (SELECT ...)
		// subselect — the JoinKey type's field names are reused, not
		// redefined, for this second purpose.
		cols = append(cols, JoinKey{PrimaryColumn: pair.Source, CTEColumn: pair.Target})
	}
	return PropagatingFilter{SourceCube: cand.filterCube, JoinColumns: cols}, nil
}

func joinAll(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " AND "
		}
		out += p
	}
	return out
}
