// Package comparison implements the period-comparison expansion (spec
// §4.7): when a time dimension carries a compareDateRange, the query is
// split into one sub-query per period, each executed independently, then
// merged back into a single result tagged with __period, __periodIndex,
// and __periodDayIndex. Grounded on datetime.Builder's relative-range
// resolution and parallel fan-out pattern noted in spec §4.8's suspension
// points (N roundtrips via a parallel-wait combinator).
package comparison

import (
	"fmt"
	"sort"
	"time"

	"github.com/cliftonc/drizzle-cube-sub010/internal/datetime"
	"github.com/cliftonc/drizzle-cube-sub010/query"
)

// Period describes one leg of a comparison expansion: the sub-query to
// run, a human label, and the resolved bounds used to compute
// __periodDayIndex once rows come back.
type Period struct {
	Label  string
	Query  *query.SemanticQuery
	Bounds datetime.Bounds
	Index  int
}

// Expand locates the first time dimension carrying a CompareDateRange and
// produces one Period per leg (the declared dateRange, then the compare
// range), each a deep-enough clone of q with that dimension's DateRange
// substituted and CompareDateRange cleared. Returns an error if q has no
// comparison, or if the two ranges don't span the same number of days
// (spec requires periods to be comparable like-for-like).
func Expand(q *query.SemanticQuery, dt *datetime.Builder) ([]Period, string, query.Granularity, error) {
	idx := -1
	for i, td := range q.TimeDimensions {
		if td.CompareDateRange != nil {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, "", "", fmt.Errorf("comparison: query has no compareDateRange")
	}
	td := q.TimeDimensions[idx]

	currentBounds, err := dt.ResolveRange(td.DateRange)
	if err != nil {
		return nil, "", "", fmt.Errorf("comparison: dateRange: %w", err)
	}
	compareBounds, err := dt.ResolveRange(*td.CompareDateRange)
	if err != nil {
		return nil, "", "", fmt.Errorf("comparison: compareDateRange: %w", err)
	}
	if spanDays(currentBounds) != spanDays(compareBounds) {
		return nil, "", "", fmt.Errorf("comparison: dateRange spans %d days but compareDateRange spans %d days; periods must be equal length",
			spanDays(currentBounds), spanDays(compareBounds))
	}

	ranges := []struct {
		label  string
		bounds datetime.Bounds
	}{
		{"current", currentBounds},
		{"previous", compareBounds},
	}

	periods := make([]Period, 0, len(ranges))
	for i, r := range ranges {
		sub := cloneQuery(q)
		sub.TimeDimensions[idx].DateRange = query.DateRange{
			Start: r.bounds.Start.UTC().Format(time.RFC3339),
			End:   r.bounds.End.UTC().Format(time.RFC3339),
		}
		sub.TimeDimensions[idx].CompareDateRange = nil
		periods = append(periods, Period{Label: r.label, Query: sub, Bounds: r.bounds, Index: i})
	}

	return periods, td.Dimension, td.Granularity, nil
}

func spanDays(b datetime.Bounds) int {
	return int(b.End.Sub(b.Start).Hours() / 24)
}

// cloneQuery makes a shallow copy of q deep enough that mutating
// TimeDimensions[i] in one clone never affects another — every other
// field is shared by reference since sub-queries never mutate them.
func cloneQuery(q *query.SemanticQuery) *query.SemanticQuery {
	cp := *q
	cp.TimeDimensions = make([]query.TimeDimension, len(q.TimeDimensions))
	copy(cp.TimeDimensions, q.TimeDimensions)
	return &cp
}

// Merge tags every row of each period's result with __period,
// __periodIndex, and __periodDayIndex (the row's offset from its period's
// start, counted in units of granularity), then sorts the combined rows by
// (periodIndex, timeDimension) as spec §4.8's ordering guarantee requires.
func Merge(periods []Period, rowsByPeriod [][]map[string]interface{}, timeDimensionField string, granularity query.Granularity) ([]map[string]interface{}, error) {
	var out []map[string]interface{}
	for i, rows := range rowsByPeriod {
		if i >= len(periods) {
			return nil, fmt.Errorf("comparison: more result sets (%d) than periods (%d)", len(rowsByPeriod), len(periods))
		}
		p := periods[i]
		for _, row := range rows {
			tagged := make(map[string]interface{}, len(row)+3)
			for k, v := range row {
				tagged[k] = v
			}
			tagged["__period"] = p.Label
			tagged["__periodIndex"] = p.Index
			if t, ok := row[timeDimensionField].(time.Time); ok {
				tagged["__periodDayIndex"] = periodOffset(p.Bounds.Start, t, granularity)
			}
			out = append(out, tagged)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i]["__periodIndex"].(int), out[j]["__periodIndex"].(int)
		if pi != pj {
			return pi < pj
		}
		ti, tiok := out[i][timeDimensionField].(time.Time)
		tj, tjok := out[j][timeDimensionField].(time.Time)
		if !tiok || !tjok {
			return false
		}
		return ti.Before(tj)
	})

	return out, nil
}

// periodOffset returns how many whole granularity units elapsed between
// start and t — "day-of-period" for granularity day, "week-of-period" for
// week, and so on.
func periodOffset(start, t time.Time, granularity query.Granularity) int {
	switch granularity {
	case query.Week:
		return int(t.Sub(start).Hours() / 24 / 7)
	case query.Month:
		return monthsBetween(start, t)
	case query.Quarter:
		return monthsBetween(start, t) / 3
	case query.Year:
		return t.Year() - start.Year()
	case query.Hour:
		return int(t.Sub(start).Hours())
	case query.Minute:
		return int(t.Sub(start).Minutes())
	case query.Second:
		return int(t.Sub(start).Seconds())
	default: // Day, or unset
		return int(t.Sub(start).Hours() / 24)
	}
}

func monthsBetween(start, t time.Time) int {
	return (t.Year()-start.Year())*12 + int(t.Month()) - int(start.Month())
}
