// Package funnel implements the funnel analysis builder (spec §4.7): a
// program of sequential CTEs tracking, per binding key, the first
// occurrence of each configured step and the conversion counts/timings
// between them. Grounded on querybuilder's join/filter rendering idioms
// (internal/querybuilder/{cte,filters}.go) but assembled directly here since
// a funnel program's CTE chain has no parallel in the standard single-pass
// query path.
package funnel

import (
	"fmt"
	"strings"

	"github.com/cliftonc/drizzle-cube-sub010/adapter"
	"github.com/cliftonc/drizzle-cube-sub010/cube"
	"github.com/cliftonc/drizzle-cube-sub010/internal/analytics/common"
	"github.com/cliftonc/drizzle-cube-sub010/internal/datetime"
	"github.com/cliftonc/drizzle-cube-sub010/internal/filtercache"
	"github.com/cliftonc/drizzle-cube-sub010/internal/joinpath"
	"github.com/cliftonc/drizzle-cube-sub010/internal/sqlexpr"
	"github.com/cliftonc/drizzle-cube-sub010/query"
)

// Result is the rendered funnel program: a single WITH-chained statement
// whose final SELECT reads from funnel_metrics.
type Result struct {
	SQL    string
	Params []interface{}
}

// Builder renders FunnelConfig queries.
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

// Validate checks cfg against spec §4.7/§7 before any SQL is built: at
// least two steps, resolvable binding key/time dimension, dimension-only
// step filters, well-formed durations, and a reachable join path for any
// step filter that targets a cube other than the time dimension's own.
func (b *Builder) Validate(cfg *query.FunnelConfig) error {
	if len(cfg.Steps) < 2 {
		return fmt.Errorf("funnel: at least 2 steps are required, got %d", len(cfg.Steps))
	}

	bindingMember, err := cube.ParseMember(cfg.BindingKey)
	if err != nil {
		return fmt.Errorf("funnel: invalid bindingKey: %w", err)
	}
	if _, _, err := b.reg.ResolveDimension(cfg.BindingKey); err != nil {
		return fmt.Errorf("funnel: bindingKey: %w", err)
	}

	timeMember, err := cube.ParseMember(cfg.TimeDimension)
	if err != nil {
		return fmt.Errorf("funnel: invalid timeDimension: %w", err)
	}
	if _, _, err := b.reg.ResolveDimension(cfg.TimeDimension); err != nil {
		return fmt.Errorf("funnel: timeDimension: %w", err)
	}

	primaryCube := timeMember.Cube
	if bindingMember.Cube != primaryCube {
		if b.jp.FindPath(primaryCube, bindingMember.Cube, nil) == nil {
			return fmt.Errorf("funnel: no join path from %s to bindingKey cube %s", primaryCube, bindingMember.Cube)
		}
	}

	if cfg.GlobalTimeWindow != "" {
		if _, err := datetime.ISODuration(cfg.GlobalTimeWindow); err != nil {
			return fmt.Errorf("funnel: globalTimeWindow: %w", err)
		}
	}

	for i, step := range cfg.Steps {
		ctx := fmt.Sprintf("funnel: step %d (%s)", i, step.Name)
		if err := common.ValidateDimensionOnlyFilters(b.reg, step.Filters, ctx); err != nil {
			return err
		}
		if step.TimeToConvert != "" {
			if _, err := datetime.ISODuration(step.TimeToConvert); err != nil {
				return fmt.Errorf("%s: timeToConvert: %w", ctx, err)
			}
		}
		for _, foreign := range common.ForeignCubes(step.Filters, primaryCube) {
			if b.jp.FindPath(primaryCube, foreign, nil) == nil {
				return fmt.Errorf("%s: no join path from %s to filter cube %s", ctx, primaryCube, foreign)
			}
		}
	}

	return nil
}

// Build renders the full funnel SQL program for cfg.
func (b *Builder) Build(cfg *query.FunnelConfig, sec cube.SecurityContext) (*Result, error) {
	if err := b.Validate(cfg); err != nil {
		return nil, err
	}

	timeMember, _ := cube.ParseMember(cfg.TimeDimension)
	bindingMember, _ := cube.ParseMember(cfg.BindingKey)
	primaryCubeName := timeMember.Cube

	primaryCube, ok := b.reg.Get(primaryCubeName)
	if !ok {
		return nil, fmt.Errorf("funnel: unknown cube %q", primaryCubeName)
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

	bindingExpr, bindingJoinSQL, bindingJoinSecurity, err := b.resolveBindingKey(bindingMember, primaryCubeName, sec)
	if err != nil {
		return nil, err
	}

	var ctes []string
	var params []interface{}

	step0SQL, step0Params, err := b.buildStep0(cfg, primaryCubeName, primaryFrom, primarySecurity, timeExpr, bindingExpr, bindingJoinSQL, bindingJoinSecurity, sec)
	if err != nil {
		return nil, err
	}
	ctes = append(ctes, step0SQL)
	params = append(params, step0Params...)

	for i := 1; i < len(cfg.Steps); i++ {
		stepSQL, stepParams, err := b.buildStepN(cfg, i, primaryCubeName, primaryFrom, primarySecurity, timeExpr, bindingExpr, bindingJoinSQL, bindingJoinSecurity, sec)
		if err != nil {
			return nil, err
		}
		ctes = append(ctes, stepSQL)
		params = append(params, stepParams...)
	}

	ctes = append(ctes, b.buildFunnelJoined(cfg))
	ctes = append(ctes, b.buildFunnelMetrics(cfg))

	var sb strings.Builder
	sb.WriteString("WITH ")
	sb.WriteString(strings.Join(ctes, ", "))
	sb.WriteString(" SELECT * FROM funnel_metrics")

	return &Result{SQL: sb.String(), Params: params}, nil
}

// resolveBindingKey returns the binding key's SQL expression, plus — when
// its cube differs from the primary cube — the LEFT JOIN chain and security
// predicates needed to bring it into scope.
func (b *Builder) resolveBindingKey(m cube.Member, primaryCubeName string, sec cube.SecurityContext) (expr, joinSQL string, security []string, err error) {
	if m.Cube == primaryCubeName {
		expr, err = common.FieldExpr(b.reg, primaryCubeName, m.Field)
		return expr, "", nil, err
	}
	path := b.jp.FindPath(primaryCubeName, m.Cube, nil)
	if path == nil {
		return "", "", nil, fmt.Errorf("funnel: no join path from %s to bindingKey cube %s", primaryCubeName, m.Cube)
	}
	joinSQL, security, err = common.JoinChainSQL(b.reg, path, sec)
	if err != nil {
		return "", "", nil, err
	}
	expr, err = common.FieldExpr(b.reg, m.Cube, m.Field)
	return expr, joinSQL, security, err
}

func (b *Builder) buildStep0(cfg *query.FunnelConfig, primaryCubeName, primaryFrom, primarySecurity, timeExpr, bindingExpr, bindingJoinSQL string, bindingJoinSecurity []string, sec cube.SecurityContext) (string, []interface{}, error) {
	step := cfg.Steps[0]
	joinSQL, joinSecurity, allowed, err := common.RequireJoins(b.reg, b.jp, primaryCubeName, step.Filters, sec)
	if err != nil {
		return "", nil, err
	}

	var params []interface{}
	filterSQL, err := common.RenderFilters(step.Filters, b.fc, common.ScopedResolver(b.reg, allowed), &params)
	if err != nil {
		return "", nil, err
	}

	var where []string
	if primarySecurity != "" {
		where = append(where, primarySecurity)
	}
	where = append(where, bindingJoinSecurity...)
	where = append(where, joinSecurity...)
	if filterSQL != "" {
		where = append(where, filterSQL)
	}

	var sb strings.Builder
	sb.WriteString("step_0 AS (SELECT ")
	sb.WriteString(bindingExpr)
	sb.WriteString(" AS binding_key, ")
	sb.WriteString(b.adp.BuildMin(timeExpr))
	sb.WriteString(" AS step_time FROM ")
	sb.WriteString(primaryFrom)
	sb.WriteString(" AS ")
	sb.WriteString(primaryCubeName)
	if bindingJoinSQL != "" {
		sb.WriteString(" ")
		sb.WriteString(bindingJoinSQL)
	}
	if joinSQL != "" {
		sb.WriteString(" ")
		sb.WriteString(joinSQL)
	}
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString(" GROUP BY ")
	sb.WriteString(bindingExpr)
	sb.WriteString(")")

	return sb.String(), params, nil
}

func (b *Builder) buildStepN(cfg *query.FunnelConfig, i int, primaryCubeName, primaryFrom, primarySecurity, timeExpr, bindingExpr, bindingJoinSQL string, bindingJoinSecurity []string, sec cube.SecurityContext) (string, []interface{}, error) {
	step := cfg.Steps[i]
	prev := fmt.Sprintf("step_%d", i-1)
	cur := fmt.Sprintf("step_%d", i)

	joinSQL, joinSecurity, allowed, err := common.RequireJoins(b.reg, b.jp, primaryCubeName, step.Filters, sec)
	if err != nil {
		return "", nil, err
	}

	var params []interface{}
	filterSQL, err := common.RenderFilters(step.Filters, b.fc, common.ScopedResolver(b.reg, allowed), &params)
	if err != nil {
		return "", nil, err
	}

	var where []string
	where = append(where, fmt.Sprintf("%s > %s.step_time", timeExpr, prev))
	if step.TimeToConvert != "" {
		bound := b.dt.DateAdd(prev+".step_time", step.TimeToConvert)
		where = append(where, fmt.Sprintf("%s <= %s", timeExpr, bound))
	}
	if cfg.GlobalTimeWindow != "" {
		bound := b.dt.DateAdd("step_0.step_time", cfg.GlobalTimeWindow)
		where = append(where, fmt.Sprintf("%s <= %s", timeExpr, bound))
	}
	if primarySecurity != "" {
		where = append(where, primarySecurity)
	}
	where = append(where, bindingJoinSecurity...)
	where = append(where, joinSecurity...)
	if filterSQL != "" {
		where = append(where, filterSQL)
	}

	var sb strings.Builder
	sb.WriteString(cur)
	sb.WriteString(" AS (SELECT ")
	sb.WriteString(prev)
	sb.WriteString(".binding_key AS binding_key, ")
	sb.WriteString(b.adp.BuildMin(timeExpr))
	sb.WriteString(" AS step_time FROM ")
	sb.WriteString(prev)
	sb.WriteString(" INNER JOIN ")
	sb.WriteString(primaryFrom)
	sb.WriteString(" AS ")
	sb.WriteString(primaryCubeName)
	sb.WriteString(" ON ")
	sb.WriteString(bindingExpr)
	sb.WriteString(" = ")
	sb.WriteString(prev)
	sb.WriteString(".binding_key")
	if bindingJoinSQL != "" {
		sb.WriteString(" ")
		sb.WriteString(bindingJoinSQL)
	}
	if cfg.GlobalTimeWindow != "" && i > 1 {
		// step_0 stays reachable for the global time window bound even
		// though only step_{i-1} is joined directly.
		sb.WriteString(" LEFT JOIN step_0 ON step_0.binding_key = ")
		sb.WriteString(prev)
		sb.WriteString(".binding_key")
	}
	if joinSQL != "" {
		sb.WriteString(" ")
		sb.WriteString(joinSQL)
	}
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString(" GROUP BY ")
	sb.WriteString(prev)
	sb.WriteString(".binding_key)")

	return sb.String(), params, nil
}

func (b *Builder) buildFunnelJoined(cfg *query.FunnelConfig) string {
	var sb strings.Builder
	sb.WriteString("funnel_joined AS (SELECT step_0.binding_key AS binding_key, step_0.step_time AS step_0_time")
	for i := 1; i < len(cfg.Steps); i++ {
		fmt.Fprintf(&sb, ", step_%d.step_time AS step_%d_time", i, i)
	}
	sb.WriteString(" FROM step_0")
	for i := 1; i < len(cfg.Steps); i++ {
		fmt.Fprintf(&sb, " LEFT JOIN step_%d ON step_%d.binding_key = step_0.binding_key", i, i)
	}
	sb.WriteString(")")
	return sb.String()
}

func (b *Builder) buildFunnelMetrics(cfg *query.FunnelConfig) string {
	var cols []string
	cols = append(cols, b.adp.BuildCount("*")+" AS step_0_count")
	for i := 1; i < len(cfg.Steps); i++ {
		cols = append(cols, fmt.Sprintf("%s AS step_%d_count", b.adp.BuildCount(fmt.Sprintf("step_%d_time", i)), i))
	}

	if cfg.IncludeTimeMetrics {
		caps := b.adp.GetCapabilities()
		for i := 1; i < len(cfg.Steps); i++ {
			diff := b.adp.BuildTimeDifferenceSeconds(fmt.Sprintf("step_%d_time", i-1), fmt.Sprintf("step_%d_time", i))
			cols = append(cols, fmt.Sprintf("%s AS step_%d_avg_seconds", b.adp.BuildAvg(diff), i))
			cols = append(cols, fmt.Sprintf("%s AS step_%d_min_seconds", b.adp.BuildMin(diff), i))
			cols = append(cols, fmt.Sprintf("%s AS step_%d_max_seconds", b.adp.BuildMax(diff), i))
			if caps.SupportsPercentileSubqueries {
				if medianExpr, ok := b.adp.BuildPercentile(diff, 0.5); ok {
					cols = append(cols, fmt.Sprintf("%s AS step_%d_median_seconds", medianExpr, i))
				}
				if p90Expr, ok := b.adp.BuildPercentile(diff, 0.9); ok {
					cols = append(cols, fmt.Sprintf("%s AS step_%d_p90_seconds", p90Expr, i))
				}
			}
		}
	}

	return "funnel_metrics AS (SELECT " + strings.Join(cols, ", ") + " FROM funnel_joined)"
}

