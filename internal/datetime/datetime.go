// Package datetime implements DateTimeBuilder (spec §4.4): relative
// date-range parsing, granularity truncation via the adapter, ISO-8601
// duration arithmetic, and period-index differencing used to align
// comparison queries. No third-party date-parsing library appears
// anywhere in the retrieval pack (the pack's Postgres/MySQL-facing repos
// lean on the database's own DATE_TRUNC/INTERVAL support instead), so this
// package is plain stdlib `time` — see DESIGN.md.
package datetime

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cliftonc/drizzle-cube-sub010/adapter"
	"github.com/cliftonc/drizzle-cube-sub010/query"
)

// Builder renders time-dimension SQL via an adapter and resolves relative
// date ranges to absolute bounds.
type Builder struct {
	adp adapter.DatabaseAdapter
	now func() time.Time
}

func New(adp adapter.DatabaseAdapter) *Builder {
	return &Builder{adp: adp, now: time.Now}
}

// WithClock overrides the clock used to resolve relative ranges (tests).
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Truncate renders expr truncated to granularity.
func (b *Builder) Truncate(granularity query.Granularity, expr string) string {
	if granularity == "" {
		return expr
	}
	return b.adp.BuildTimeDimension(string(granularity), expr)
}

// DateAdd adds an ISO-8601 duration to expr.
func (b *Builder) DateAdd(expr, isoDuration string) string {
	return b.adp.BuildDateAddInterval(expr, isoDuration)
}

// DiffPeriods returns the SQL expression for the number of granularity
// periods between a and b.
func (b *Builder) DiffPeriods(a, bExpr string, granularity query.Granularity) string {
	return b.adp.BuildDateDiffPeriods(a, bExpr, string(granularity))
}

// Bounds is a resolved, absolute [Start, End) range.
type Bounds struct {
	Start time.Time
	End   time.Time
}

var relativePattern = regexp.MustCompile(`^last (\d+) (day|week|month|quarter|year)s?$`)

// ResolveRange resolves a DateRange to absolute bounds. Explicit
// [start, end] ranges are parsed as RFC3339 or "2006-01-02"; relative
// strings support "last N days|weeks|months|quarters|years", "today",
// "yesterday", "this month", "this week", "this quarter", "this year".
func (b *Builder) ResolveRange(r query.DateRange) (Bounds, error) {
	if !r.IsRelative() {
		start, err := parseTimestamp(r.Start)
		if err != nil {
			return Bounds{}, fmt.Errorf("datetime: invalid start %q: %w", r.Start, err)
		}
		end, err := parseTimestamp(r.End)
		if err != nil {
			return Bounds{}, fmt.Errorf("datetime: invalid end %q: %w", r.End, err)
		}
		if end.Before(start) {
			return Bounds{}, fmt.Errorf("datetime: date range end %s is before start %s", r.End, r.Start)
		}
		return Bounds{Start: start, End: end}, nil
	}

	now := b.now().UTC()
	rel := strings.ToLower(strings.TrimSpace(r.Relative))

	switch rel {
	case "today":
		start := truncateToDay(now)
		return Bounds{Start: start, End: start.AddDate(0, 0, 1)}, nil
	case "yesterday":
		start := truncateToDay(now).AddDate(0, 0, -1)
		return Bounds{Start: start, End: start.AddDate(0, 0, 1)}, nil
	case "this month":
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return Bounds{Start: start, End: start.AddDate(0, 1, 0)}, nil
	case "this week":
		start := startOfWeek(now)
		return Bounds{Start: start, End: start.AddDate(0, 0, 7)}, nil
	case "this quarter":
		start := startOfQuarter(now)
		return Bounds{Start: start, End: start.AddDate(0, 3, 0)}, nil
	case "this year":
		start := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		return Bounds{Start: start, End: start.AddDate(1, 0, 0)}, nil
	}

	if m := relativePattern.FindStringSubmatch(rel); m != nil {
		n, _ := strconv.Atoi(m[1])
		end := truncateToDay(now).AddDate(0, 0, 1)
		var start time.Time
		switch m[2] {
		case "day":
			start = end.AddDate(0, 0, -n)
		case "week":
			start = end.AddDate(0, 0, -7*n)
		case "month":
			start = end.AddDate(0, -n, 0)
		case "quarter":
			start = end.AddDate(0, -3*n, 0)
		case "year":
			start = end.AddDate(-n, 0, 0)
		}
		return Bounds{Start: start, End: end}, nil
	}

	return Bounds{}, fmt.Errorf("datetime: unrecognized relative date range %q", r.Relative)
}

// Buckets enumerates every bucket start within bounds at granularity,
// inclusive of bounds.Start and exclusive of bounds.End — the expected
// time-series index a gap-fill pass compares result rows against (spec
// §4.8 "emit missing buckets... within the date range at the declared
// granularity").
func (b *Builder) Buckets(granularity query.Granularity, bounds Bounds) ([]time.Time, error) {
	step := granularityStep(granularity)
	if step == nil {
		return nil, fmt.Errorf("datetime: cannot enumerate buckets for granularity %q", granularity)
	}
	start := truncateToGranularity(granularity, bounds.Start.UTC())
	end := bounds.End.UTC()
	if !end.After(start) {
		return nil, nil
	}
	var out []time.Time
	for t := start; t.Before(end); t = step(t) {
		out = append(out, t)
	}
	return out, nil
}

func truncateToGranularity(g query.Granularity, t time.Time) time.Time {
	switch g {
	case query.Second:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
	case query.Minute:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
	case query.Hour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	case query.Day:
		return truncateToDay(t)
	case query.Week:
		return startOfWeek(t)
	case query.Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case query.Quarter:
		return startOfQuarter(t)
	case query.Year:
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	default:
		return t
	}
}

func granularityStep(g query.Granularity) func(time.Time) time.Time {
	switch g {
	case query.Second:
		return func(t time.Time) time.Time { return t.Add(time.Second) }
	case query.Minute:
		return func(t time.Time) time.Time { return t.Add(time.Minute) }
	case query.Hour:
		return func(t time.Time) time.Time { return t.Add(time.Hour) }
	case query.Day:
		return func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }
	case query.Week:
		return func(t time.Time) time.Time { return t.AddDate(0, 0, 7) }
	case query.Month:
		return func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }
	case query.Quarter:
		return func(t time.Time) time.Time { return t.AddDate(0, 3, 0) }
	case query.Year:
		return func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }
	default:
		return nil
	}
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format %q", s)
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func startOfWeek(t time.Time) time.Time {
	day := truncateToDay(t)
	offset := (int(day.Weekday()) + 6) % 7 // ISO week starts Monday
	return day.AddDate(0, 0, -offset)
}

func startOfQuarter(t time.Time) time.Time {
	q := (int(t.Month()) - 1) / 3
	return time.Date(t.Year(), time.Month(q*3+1), 1, 0, 0, 0, 0, time.UTC)
}

// ISODuration parses a subset of ISO-8601 durations used by funnels/
// retention ("PnD", "PnW", "PnM", "PnY", and "PTnH"/"PTnM"/"PTnS" time
// components), returning an equivalent time.Duration approximation (months
// and years use 30/365-day approximations, acceptable for windowing
// comparisons, not for calendar-exact arithmetic — calendar-exact
// arithmetic is delegated to the adapter's BuildDateAddInterval, which
// passes the ISO string straight to the database's own INTERVAL support).
func ISODuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("datetime: invalid ISO-8601 duration %q", s)
	}
	body := s[1:]
	datePart, timePart, hasTime := strings.Cut(body, "T")
	if !hasTime {
		datePart = body
		timePart = ""
	}

	var total time.Duration
	var err error
	total, err = accumulate(total, datePart, map[byte]time.Duration{
		'Y': 365 * 24 * time.Hour,
		'M': 30 * 24 * time.Hour,
		'W': 7 * 24 * time.Hour,
		'D': 24 * time.Hour,
	})
	if err != nil {
		return 0, fmt.Errorf("datetime: invalid ISO-8601 duration %q: %w", s, err)
	}
	total, err = accumulate(total, timePart, map[byte]time.Duration{
		'H': time.Hour,
		'M': time.Minute,
		'S': time.Second,
	})
	if err != nil {
		return 0, fmt.Errorf("datetime: invalid ISO-8601 duration %q: %w", s, err)
	}
	return total, nil
}

func accumulate(total time.Duration, part string, units map[byte]time.Duration) (time.Duration, error) {
	num := ""
	for i := 0; i < len(part); i++ {
		ch := part[i]
		if ch >= '0' && ch <= '9' {
			num += string(ch)
			continue
		}
		unit, ok := units[ch]
		if !ok || num == "" {
			return total, fmt.Errorf("unexpected unit %q", string(ch))
		}
		n, _ := strconv.Atoi(num)
		total += time.Duration(n) * unit
		num = ""
	}
	if num != "" {
		return total, fmt.Errorf("trailing digits %q without unit", num)
	}
	return total, nil
}
