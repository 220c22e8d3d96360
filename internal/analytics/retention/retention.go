// Package retention implements the cohort retention builder (spec §4.7): a
// program of sequential CTEs grouping binding keys into cohorts by their
// first activity period, then measuring what fraction of each cohort is
// still active N periods later, either classic (active exactly at period N)
// or rolling (active at N or any later period). Grounded on the funnel
// builder's join-chain/filter-scoping helpers in internal/analytics/common.
package retention

import (
	"fmt"
	"strings"
	"time"

	"github.com/cliftonc/drizzle-cube-sub010/adapter"
	"github.com/cliftonc/drizzle-cube-sub010/cube"
	"github.com/cliftonc/drizzle-cube-sub010/internal/analytics/common"
	"github.com/cliftonc/drizzle-cube-sub010/internal/datetime"
	"github.com/cliftonc/drizzle-cube-sub010/internal/filtercache"
	"github.com/cliftonc/drizzle-cube-sub010/internal/joinpath"
	"github.com/cliftonc/drizzle-cube-sub010/internal/sqlexpr"
	"github.com/cliftonc/drizzle-cube-sub010/query"
)

// Result is the rendered retention program.
type Result struct {
	SQL    string
	Params []interface{}
}

// Builder renders RetentionConfig queries.
type Builder struct {
	reg *cube.Registry
	jp  *joinpath.Resolver
	fc  *filtercache.Manager
	dt  *datetime.Builder
	adp adapter.DatabaseAdapter
}

func New(reg *cube.Registry, jp *joinpath.Resolver, fc *filtercache.Manager, dt *datetime.Builder, adp adapter.DatabaseAdapter) *Builder {
	return &Builder{reg: reg, jp: jp, fc: fc, dt: dt, adp: adp}
}

// Validate checks cfg against spec §4.7/§7: resolvable binding key/time
// dimension, 1..52 periods, a known retentionType, a valid date range,
// dimension-only cohort/activity filters, and a reachable join path for
// every foreign cube a filter or breakdown dimension references.
func (b *Builder) Validate(cfg *query.RetentionConfig) error {
	if cfg.Periods < 1 || cfg.Periods > 52 {
		return fmt.Errorf("retention: periods must be in 1..52, got %d", cfg.Periods)
	}
	if cfg.RetentionType != query.RetentionClassic && cfg.RetentionType != query.RetentionRolling {
		return fmt.Errorf("retention: unknown retentionType %q", cfg.RetentionType)
	}

	if _, _, err := b.reg.ResolveDimension(cfg.BindingKey); err != nil {
		return fmt.Errorf("retention: bindingKey: %w", err)
	}
	timeMember, err := cube.ParseMember(cfg.TimeDimension)
	if err != nil {
		return fmt.Errorf("retention: invalid timeDimension: %w", err)
	}
	if _, _, err := b.reg.ResolveDimension(cfg.TimeDimension); err != nil {
		return fmt.Errorf("retention: timeDimension: %w", err)
	}

	if _, err := b.dt.ResolveRange(cfg.DateRange); err != nil {
		return fmt.Errorf("retention: dateRange: %w", err)
	}

	primaryCube := timeMember.Cube
	bindingMember, _ := cube.ParseMember(cfg.BindingKey)
	if bindingMember.Cube != primaryCube {
		if b.jp.FindPath(primaryCube, bindingMember.Cube, nil) == nil {
			return fmt.Errorf("retention: no join path from %s to bindingKey cube %s", primaryCube, bindingMember.Cube)
		}
	}

	if err := common.ValidateDimensionOnlyFilters(b.reg, cfg.CohortFilters, "retention: cohortFilters"); err != nil {
		return err
	}
	if err := common.ValidateDimensionOnlyFilters(b.reg, cfg.ActivityFilters, "retention: activityFilters"); err != nil {
		return err
	}

	for _, foreign := range common.ForeignCubes(cfg.CohortFilters, primaryCube) {
		if b.jp.FindPath(primaryCube, foreign, nil) == nil {
			return fmt.Errorf("retention: cohortFilters: no join path from %s to filter cube %s", primaryCube, foreign)
		}
	}
	for _, foreign := range common.ForeignCubes(cfg.ActivityFilters, primaryCube) {
		if b.jp.FindPath(primaryCube, foreign, nil) == nil {
			return fmt.Errorf("retention: activityFilters: no join path from %s to filter cube %s", primaryCube, foreign)
		}
	}
	for _, ref := range cfg.BreakdownDimensions {
		m, err := cube.ParseMember(ref)
		if err != nil {
			return fmt.Errorf("retention: breakdownDimensions: %w", err)
		}
		if _, _, err := b.reg.ResolveDimension(ref); err != nil {
			return fmt.Errorf("retention: breakdownDimensions: %w", err)
		}
		if m.Cube != primaryCube && b.jp.FindPath(primaryCube, m.Cube, nil) == nil {
			return fmt.Errorf("retention: breakdownDimensions: no join path from %s to %s", primaryCube, m.Cube)
		}
	}

	return nil
}

// Build renders the full retention SQL program for cfg.
func (b *Builder) Build(cfg *query.RetentionConfig, sec cube.SecurityContext) (*Result, error) {
	if err := b.Validate(cfg); err != nil {
		return nil, err
	}

	timeMember, _ := cube.ParseMember(cfg.TimeDimension)
	bindingMember, _ := cube.ParseMember(cfg.BindingKey)
	primaryCubeName := timeMember.Cube

	primaryCube, ok := b.reg.Get(primaryCubeName)
	if !ok {
		return nil, fmt.Errorf("retention: unknown cube %q", primaryCubeName)
	}
	primaryBase := primaryCube.SQL(sec)
	primaryFrom, err := sqlexpr.Resolve(primaryBase.From)
	if err != nil {
		return nil, err
	}
	primarySecurity, err := sqlexpr.ResolveSecurity(primaryBase.Where)
	if err != nil {
		return nil, err
	}

	timeExpr, err := common.FieldExpr(b.reg, primaryCubeName, timeMember.Field)
	if err != nil {
		return nil, err
	}
	truncExpr := b.dt.Truncate(cfg.Granularity, timeExpr)

	bindingExpr, bindingJoinSQL, bindingJoinSecurity, err := b.resolveMember(bindingMember, primaryCubeName, sec)
	if err != nil {
		return nil, err
	}

	breakdownCols, breakdownJoinSQL, breakdownJoinSecurity, err := b.resolveBreakdowns(cfg, primaryCubeName, sec)
	if err != nil {
		return nil, err
	}

	bounds, err := b.dt.ResolveRange(cfg.DateRange)
	if err != nil {
		return nil, err
	}

	var params []interface{}
	var ctes []string

	cohortBaseSQL, cohortParams, err := b.buildCohortBase(cfg, primaryCubeName, primaryFrom, primarySecurity, timeExpr, truncExpr, bindingExpr, bindingJoinSQL, bindingJoinSecurity, breakdownCols, breakdownJoinSQL, breakdownJoinSecurity, bounds, sec)
	if err != nil {
		return nil, err
	}
	ctes = append(ctes, cohortBaseSQL)
	params = append(params, cohortParams...)

	activitySQL, activityParams, err := b.buildActivityPeriods(cfg, primaryCubeName, primaryFrom, primarySecurity, timeExpr, truncExpr, bindingExpr, breakdownCols, sec)
	if err != nil {
		return nil, err
	}
	ctes = append(ctes, activitySQL)
	params = append(params, activityParams...)

	ctes = append(ctes, b.buildCohortSizes(breakdownCols))

	if cfg.RetentionType == query.RetentionRolling {
		ctes = append(ctes, b.buildUserMax(breakdownCols))
		ctes = append(ctes, b.buildRollingRetentionCounts(cfg, breakdownCols))
	} else {
		ctes = append(ctes, b.buildClassicRetentionCounts(cfg, breakdownCols))
	}

	finalSQL := b.buildFinalSelect(breakdownCols)

	var sb strings.Builder
	sb.WriteString("WITH ")
	sb.WriteString(strings.Join(ctes, ", "))
	sb.WriteString(" ")
	sb.WriteString(finalSQL)

	return &Result{SQL: sb.String(), Params: params}, nil
}

func (b *Builder) resolveMember(m cube.Member, primaryCubeName string, sec cube.SecurityContext) (expr, joinSQL string, security []string, err error) {
	if m.Cube == primaryCubeName {
		expr, err = common.FieldExpr(b.reg, primaryCubeName, m.Field)
		return expr, "", nil, err
	}
	path := b.jp.FindPath(primaryCubeName, m.Cube, nil)
	if path == nil {
		return "", "", nil, fmt.Errorf("retention: no join path from %s to %s", primaryCubeName, m.Cube)
	}
	joinSQL, security, err = common.JoinChainSQL(b.reg, path, sec)
	if err != nil {
		return "", "", nil, err
	}
	expr, err = common.FieldExpr(b.reg, m.Cube, m.Field)
	return expr, joinSQL, security, err
}

// breakdownColumn names the SELECT/GROUP BY alias for the i'th breakdown
// dimension, shared verbatim across every downstream CTE.
func breakdownColumn(i int) string { return fmt.Sprintf("breakdown_%d", i) }

func (b *Builder) resolveBreakdowns(cfg *query.RetentionConfig, primaryCubeName string, sec cube.SecurityContext) ([]string, string, []string, error) {
	var exprs []string
	var joinSQL []string
	var security []string
	for _, ref := range cfg.BreakdownDimensions {
		m, err := cube.ParseMember(ref)
		if err != nil {
			return nil, "", nil, err
		}
		expr, js, sec2, err := b.resolveMember(m, primaryCubeName, sec)
		if err != nil {
			return nil, "", nil, err
		}
		exprs = append(exprs, expr)
		if js != "" {
			joinSQL = append(joinSQL, js)
		}
		security = append(security, sec2...)
	}
	return exprs, strings.Join(joinSQL, " "), security, nil
}

func dateLiteral(t time.Time) string {
	return "'" + t.UTC().Format(time.RFC3339) + "'"
}

func (b *Builder) buildCohortBase(cfg *query.RetentionConfig, primaryCubeName, primaryFrom, primarySecurity, timeExpr, truncExpr, bindingExpr, bindingJoinSQL string, bindingJoinSecurity []string, breakdownCols []string, breakdownJoinSQL string, breakdownJoinSecurity []string, bounds datetime.Bounds, sec cube.SecurityContext) (string, []interface{}, error) {
	joinSQL, joinSecurity, allowed, err := common.RequireJoins(b.reg, b.jp, primaryCubeName, cfg.CohortFilters, sec)
	if err != nil {
		return "", nil, err
	}

	var params []interface{}
	filterSQL, err := common.RenderFilters(cfg.CohortFilters, b.fc, common.ScopedResolver(b.reg, allowed), &params)
	if err != nil {
		return "", nil, err
	}

	var where []string
	if primarySecurity != "" {
		where = append(where, primarySecurity)
	}
	where = append(where, bindingJoinSecurity...)
	where = append(where, breakdownJoinSecurity...)
	where = append(where, joinSecurity...)
	where = append(where, fmt.Sprintf("%s >= %s", timeExpr, dateLiteral(bounds.Start)))
	where = append(where, fmt.Sprintf("%s < %s", timeExpr, dateLiteral(bounds.End)))
	if filterSQL != "" {
		where = append(where, filterSQL)
	}

	var selectCols []string
	selectCols = append(selectCols, bindingExpr+" AS binding_key")
	var groupBy []string
	groupBy = append(groupBy, bindingExpr)
	for i, col := range breakdownCols {
		selectCols = append(selectCols, fmt.Sprintf("%s AS %s", col, breakdownColumn(i)))
		groupBy = append(groupBy, col)
	}
	selectCols = append(selectCols, b.adp.BuildMin(truncExpr)+" AS cohort_entry")

	var sb strings.Builder
	sb.WriteString("cohort_base AS (SELECT ")
	sb.WriteString(strings.Join(selectCols, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(primaryFrom)
	sb.WriteString(" AS ")
	sb.WriteString(primaryCubeName)
	for _, extra := range []string{bindingJoinSQL, breakdownJoinSQL, joinSQL} {
		if extra != "" {
			sb.WriteString(" ")
			sb.WriteString(extra)
		}
	}
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString(" GROUP BY ")
	sb.WriteString(strings.Join(groupBy, ", "))
	sb.WriteString(")")

	return sb.String(), params, nil
}

func (b *Builder) buildActivityPeriods(cfg *query.RetentionConfig, primaryCubeName, primaryFrom, primarySecurity, timeExpr, truncExpr, bindingExpr string, breakdownCols []string, sec cube.SecurityContext) (string, []interface{}, error) {
	joinSQL, joinSecurity, allowed, err := common.RequireJoins(b.reg, b.jp, primaryCubeName, cfg.ActivityFilters, sec)
	if err != nil {
		return "", nil, err
	}

	var params []interface{}
	filterSQL, err := common.RenderFilters(cfg.ActivityFilters, b.fc, common.ScopedResolver(b.reg, allowed), &params)
	if err != nil {
		return "", nil, err
	}

	var where []string
	if primarySecurity != "" {
		where = append(where, primarySecurity)
	}
	where = append(where, joinSecurity...)
	if filterSQL != "" {
		where = append(where, filterSQL)
	}

	var selectCols []string
	selectCols = append(selectCols, "cohort_base.binding_key AS binding_key")
	for i := range breakdownCols {
		col := breakdownColumn(i)
		selectCols = append(selectCols, "cohort_base."+col+" AS "+col)
	}
	periodExpr := b.dt.DiffPeriods("cohort_base.cohort_entry", truncExpr, cfg.Granularity)
	selectCols = append(selectCols, periodExpr+" AS period_number")

	var sb strings.Builder
	sb.WriteString("activity_periods AS (SELECT ")
	sb.WriteString(strings.Join(selectCols, ", "))
	sb.WriteString(" FROM cohort_base INNER JOIN ")
	sb.WriteString(primaryFrom)
	sb.WriteString(" AS ")
	sb.WriteString(primaryCubeName)
	sb.WriteString(" ON ")
	sb.WriteString(bindingExpr)
	sb.WriteString(" = cohort_base.binding_key")
	if joinSQL != "" {
		sb.WriteString(" ")
		sb.WriteString(joinSQL)
	}
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString(")")

	return sb.String(), params, nil
}

func (b *Builder) buildCohortSizes(breakdownCols []string) string {
	var selectCols []string
	var groupBy []string
	for i := range breakdownCols {
		col := breakdownColumn(i)
		selectCols = append(selectCols, col)
		groupBy = append(groupBy, col)
	}
	selectCols = append(selectCols, b.adp.BuildCount("*")+" AS cohort_size")

	sql := "cohort_sizes AS (SELECT " + strings.Join(selectCols, ", ") + " FROM cohort_base"
	if len(groupBy) > 0 {
		sql += " GROUP BY " + strings.Join(groupBy, ", ")
	}
	return sql + ")"
}

func (b *Builder) buildUserMax(breakdownCols []string) string {
	var selectCols []string
	selectCols = append(selectCols, "binding_key")
	var groupBy []string
	groupBy = append(groupBy, "binding_key")
	for i := range breakdownCols {
		col := breakdownColumn(i)
		selectCols = append(selectCols, col)
		groupBy = append(groupBy, col)
	}
	selectCols = append(selectCols, b.adp.BuildMax("period_number")+" AS max_period")

	return "user_max AS (SELECT " + strings.Join(selectCols, ", ") + " FROM activity_periods GROUP BY " + strings.Join(groupBy, ", ") + ")"
}

func (b *Builder) buildClassicRetentionCounts(cfg *query.RetentionConfig, breakdownCols []string) string {
	var selectCols []string
	var groupBy []string
	for i := range breakdownCols {
		col := breakdownColumn(i)
		selectCols = append(selectCols, col)
		groupBy = append(groupBy, col)
	}
	selectCols = append(selectCols, "period_number AS period")
	selectCols = append(selectCols, b.adp.BuildCountDistinct("binding_key")+" AS retained")
	groupBy = append(groupBy, "period_number")

	sql := fmt.Sprintf("retention_counts AS (SELECT %s FROM activity_periods WHERE period_number BETWEEN 0 AND %d GROUP BY %s)",
		strings.Join(selectCols, ", "), cfg.Periods, strings.Join(groupBy, ", "))
	return sql
}

func (b *Builder) buildRollingRetentionCounts(cfg *query.RetentionConfig, breakdownCols []string) string {
	var selectCols []string
	var groupBy []string
	var joinOn []string
	for i := range breakdownCols {
		col := breakdownColumn(i)
		selectCols = append(selectCols, col)
		groupBy = append(groupBy, col)
	}
	selectCols = append(selectCols, "series.period_number AS period")
	selectCols = append(selectCols, b.adp.BuildCountDistinct("user_max.binding_key")+" AS retained")
	groupBy = append(groupBy, "series.period_number")
	_ = joinOn

	periodSeries := b.adp.BuildPeriodSeriesSubquery(cfg.Periods)
	sql := fmt.Sprintf(
		"retention_counts AS (SELECT %s FROM user_max CROSS JOIN %s AS series WHERE series.period_number <= user_max.max_period GROUP BY %s)",
		strings.Join(selectCols, ", "), periodSeries, strings.Join(groupBy, ", "))
	return sql
}

func (b *Builder) buildFinalSelect(breakdownCols []string) string {
	var joinOn []string
	var selectCols []string
	for i := range breakdownCols {
		col := breakdownColumn(i)
		joinOn = append(joinOn, fmt.Sprintf("retention_counts.%s = cohort_sizes.%s", col, col))
		selectCols = append(selectCols, "retention_counts."+col+" AS "+col)
	}
	onClause := "1=1"
	if len(joinOn) > 0 {
		onClause = strings.Join(joinOn, " AND ")
	}
	selectCols = append(selectCols,
		"retention_counts.period AS period",
		"cohort_sizes.cohort_size AS cohort_size",
		"retention_counts.retained AS retained_users",
		"CAST(retention_counts.retained AS FLOAT) / NULLIF(cohort_sizes.cohort_size, 0) AS retention_rate",
	)
	orderBy := []string{}
	for i := range breakdownCols {
		orderBy = append(orderBy, breakdownColumn(i))
	}
	orderBy = append(orderBy, "period")

	return fmt.Sprintf(
		"SELECT %s FROM retention_counts JOIN cohort_sizes ON %s ORDER BY %s",
		strings.Join(selectCols, ", "), onClause, strings.Join(orderBy, ", "))
}
