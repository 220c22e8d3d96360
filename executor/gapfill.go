package executor

import (
	"fmt"
	"strings"
	"time"

	"github.com/cliftonc/drizzle-cube-sub010/adapter"
	"github.com/cliftonc/drizzle-cube-sub010/internal/datetime"
	"github.com/cliftonc/drizzle-cube-sub010/query"
)

// normalizeTimeDimensions runs every time-dimension column of every row
// through the adapter's ConvertTimeDimensionResult (spec §4.8 step 4
// "convert time values per the adapter"), so downstream consumers —
// gap-filling here, comparison.Merge's __periodDayIndex elsewhere — always
// see a time.Time rather than whatever shape the driver returned.
func normalizeTimeDimensions(rows []map[string]interface{}, q *query.SemanticQuery, adp adapter.DatabaseAdapter) error {
	if len(q.TimeDimensions) == 0 {
		return nil
	}
	for _, row := range rows {
		for _, td := range q.TimeDimensions {
			v, ok := row[td.Dimension]
			if !ok || v == nil {
				continue
			}
			t, err := adp.ConvertTimeDimensionResult(v)
			if err != nil {
				return fmt.Errorf("normalize time dimension %s: %w", td.Dimension, err)
			}
			row[td.Dimension] = t
		}
	}
	return nil
}

// gapFillTimeDimension returns the single time dimension gap-filling
// applies to: one with both a Granularity and a resolvable DateRange.
// Queries with more than one such dimension, or none, are left alone —
// gap-filling is an optional, single-series convenience (spec §4.8
// "optional gap-filling for time series"), not a general cross-product
// fill.
func gapFillTimeDimension(q *query.SemanticQuery) (query.TimeDimension, bool) {
	var found query.TimeDimension
	n := 0
	for _, td := range q.TimeDimensions {
		if td.Granularity != "" && !td.DateRange.IsZero() {
			found = td
			n++
		}
	}
	if n != 1 {
		return query.TimeDimension{}, false
	}
	return found, true
}

// gapFill inserts zero-measure rows for every bucket within td's date
// range, at its granularity, that isn't already present in rows (spec
// §4.8 "emit missing buckets with zeroed measures within the date range
// at the declared granularity"). Existing rows are grouped by their
// non-time dimension values so a gap is only filled within a combination
// of dimension values the query actually returned — gap-filling never
// invents a dimension value the underlying data didn't produce. Groups
// are filled in the order they're first seen; inserted rows are appended
// after their group's existing rows, ordered by bucket.
func gapFill(q *query.SemanticQuery, rows []map[string]interface{}, dt *datetime.Builder) ([]map[string]interface{}, int, error) {
	td, ok := gapFillTimeDimension(q)
	if !ok {
		return rows, 0, nil
	}

	bounds, err := dt.ResolveRange(td.DateRange)
	if err != nil {
		return nil, 0, fmt.Errorf("gap-fill: %w", err)
	}
	buckets, err := dt.Buckets(td.Granularity, bounds)
	if err != nil {
		return nil, 0, fmt.Errorf("gap-fill: %w", err)
	}
	if len(buckets) == 0 {
		return rows, 0, nil
	}

	type group struct {
		sample map[string]interface{}
		rows   []map[string]interface{}
		seen   map[int64]bool
	}
	groups := map[string]*group{}
	var order []string

	keyOf := func(row map[string]interface{}) string {
		if len(q.Dimensions) == 0 {
			return ""
		}
		var sb strings.Builder
		for _, d := range q.Dimensions {
			fmt.Fprintf(&sb, "%v\x1f", row[d])
		}
		return sb.String()
	}

	for _, row := range rows {
		k := keyOf(row)
		g, ok := groups[k]
		if !ok {
			g = &group{sample: row, seen: map[int64]bool{}}
			groups[k] = g
			order = append(order, k)
		}
		g.rows = append(g.rows, row)
		if t, ok := row[td.Dimension].(time.Time); ok {
			g.seen[t.UTC().Unix()] = true
		}
	}
	// A dimensionless query always has exactly one implicit series, filled
	// across the whole range even if the query returned no rows at all.
	if len(q.Dimensions) == 0 && len(groups) == 0 {
		groups[""] = &group{sample: map[string]interface{}{}, seen: map[int64]bool{}}
		order = append(order, "")
	}

	out := make([]map[string]interface{}, 0, len(rows))
	inserted := 0
	for _, k := range order {
		g := groups[k]
		out = append(out, g.rows...)
		for _, bucket := range buckets {
			if g.seen[bucket.Unix()] {
				continue
			}
			filled := make(map[string]interface{}, len(q.Dimensions)+len(q.Measures)+1)
			for _, d := range q.Dimensions {
				filled[d] = g.sample[d]
			}
			for _, m := range q.Measures {
				filled[m] = 0
			}
			filled[td.Dimension] = bucket
			out = append(out, filled)
			inserted++
		}
	}
	return out, inserted, nil
}
