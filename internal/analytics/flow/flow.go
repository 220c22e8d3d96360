// Package flow implements the flow/sankey builder (spec §4.7): for each
// binding key, it ranks every event by time, locates the first occurrence
// of a starting step, and reports what step happened at every offset
// within Steps hops before and after it, aggregated into a single
// {nodes[], links[]} payload row — the detail floor a sankey
// visualization (external to this package) renders directly.
package flow

import (
	"fmt"
	"strings"

	"github.com/cliftonc/drizzle-cube-sub010/adapter"
	"github.com/cliftonc/drizzle-cube-sub010/cube"
	"github.com/cliftonc/drizzle-cube-sub010/internal/analytics/common"
	"github.com/cliftonc/drizzle-cube-sub010/internal/filtercache"
	"github.com/cliftonc/drizzle-cube-sub010/internal/joinpath"
	"github.com/cliftonc/drizzle-cube-sub010/internal/sqlexpr"
	"github.com/cliftonc/drizzle-cube-sub010/query"
)

// Result is the rendered flow program. It always returns exactly one row
// with two JSON columns, "nodes" and "links".
type Result struct {
	SQL    string
	Params []interface{}
}

// Builder renders FlowConfig queries.
type Builder struct {
	reg *cube.Registry
	jp  *joinpath.Resolver
	fc  *filtercache.Manager
	adp adapter.DatabaseAdapter
}

func New(reg *cube.Registry, jp *joinpath.Resolver, fc *filtercache.Manager, adp adapter.DatabaseAdapter) *Builder {
	return &Builder{reg: reg, jp: jp, fc: fc, adp: adp}
}

// stepMember returns the member the starting step's filters pivot on — by
// convention the same dimension every step of a funnel filters (e.g.
// Events.eventName) — used as the sankey's node label.
func stepMember(cfg *query.FlowConfig) (cube.Member, error) {
	leaves := query.Filter{Logical: query.LogicalAnd, Filters: cfg.StartStep.Filters}.Leaves()
	if len(leaves) == 0 {
		return cube.Member{}, fmt.Errorf("flow: startStep must have at least one filter identifying the step dimension")
	}
	return cube.ParseMember(leaves[0].Member)
}

// Validate checks cfg against spec §4.7/§7: a positive hop count, a
// resolvable binding key/time dimension/step dimension, dimension-only
// startStep filters, and a reachable join path for the step dimension's
// cube when it differs from the time dimension's cube.
func (b *Builder) Validate(cfg *query.FlowConfig) error {
	if cfg.Steps < 1 {
		return fmt.Errorf("flow: steps must be >= 1, got %d", cfg.Steps)
	}
	if _, _, err := b.reg.ResolveDimension(cfg.BindingKey); err != nil {
		return fmt.Errorf("flow: bindingKey: %w", err)
	}
	timeMember, err := cube.ParseMember(cfg.TimeDimension)
	if err != nil {
		return fmt.Errorf("flow: invalid timeDimension: %w", err)
	}
	if _, _, err := b.reg.ResolveDimension(cfg.TimeDimension); err != nil {
		return fmt.Errorf("flow: timeDimension: %w", err)
	}

	if err := common.ValidateDimensionOnlyFilters(b.reg, cfg.StartStep.Filters, "flow: startStep"); err != nil {
		return err
	}
	sm, err := stepMember(cfg)
	if err != nil {
		return err
	}
	if _, _, err := b.reg.ResolveDimension(sm.Cube + "." + sm.Field); err != nil {
		return fmt.Errorf("flow: startStep step dimension: %w", err)
	}

	primaryCubeName := timeMember.Cube
	bindingMember, _ := cube.ParseMember(cfg.BindingKey)
	if bindingMember.Cube != primaryCubeName && b.jp.FindPath(primaryCubeName, bindingMember.Cube, nil) == nil {
		return fmt.Errorf("flow: no join path from %s to bindingKey cube %s", primaryCubeName, bindingMember.Cube)
	}
	for _, foreign := range common.ForeignCubes(cfg.StartStep.Filters, primaryCubeName) {
		if b.jp.FindPath(primaryCubeName, foreign, nil) == nil {
			return fmt.Errorf("flow: startStep: no join path from %s to filter cube %s", primaryCubeName, foreign)
		}
	}

	return nil
}

// Build renders the full flow/sankey SQL program for cfg.
func (b *Builder) Build(cfg *query.FlowConfig, sec cube.SecurityContext) (*Result, error) {
	if err := b.Validate(cfg); err != nil {
		return nil, err
	}

	timeMember, _ := cube.ParseMember(cfg.TimeDimension)
	bindingMember, _ := cube.ParseMember(cfg.BindingKey)
	primaryCubeName := timeMember.Cube
	sm, _ := stepMember(cfg)

	primaryCube, ok := b.reg.Get(primaryCubeName)
	if !ok {
		return nil, fmt.Errorf("flow: unknown cube %q", primaryCubeName)
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

	bindingExpr, bindingJoinSQL, bindingJoinSecurity, err := b.resolveMember(bindingMember, primaryCubeName, sec)
	if err != nil {
		return nil, err
	}
	stepExpr, stepJoinSQL, stepJoinSecurity, err := b.resolveMember(sm, primaryCubeName, sec)
	if err != nil {
		return nil, err
	}

	joinSQL, joinSecurity, allowed, err := common.RequireJoins(b.reg, b.jp, primaryCubeName, cfg.StartStep.Filters, sec)
	if err != nil {
		return nil, err
	}

	var params []interface{}
	anchorFilterSQL, err := common.RenderFilters(cfg.StartStep.Filters, b.fc, common.ScopedResolver(b.reg, allowed), &params)
	if err != nil {
		return nil, err
	}

	var where []string
	if primarySecurity != "" {
		where = append(where, primarySecurity)
	}
	where = append(where, bindingJoinSecurity...)
	where = append(where, stepJoinSecurity...)

	var sb strings.Builder
	sb.WriteString("WITH all_events AS (SELECT ")
	sb.WriteString(bindingExpr)
	sb.WriteString(" AS binding_key, ")
	sb.WriteString(stepExpr)
	sb.WriteString(" AS step_name, ")
	sb.WriteString(timeExpr)
	sb.WriteString(" AS event_time FROM ")
	sb.WriteString(primaryFrom)
	sb.WriteString(" AS ")
	sb.WriteString(primaryCubeName)
	for _, extra := range []string{bindingJoinSQL, stepJoinSQL} {
		if extra != "" {
			sb.WriteString(" ")
			sb.WriteString(extra)
		}
	}
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString("), ")

	sb.WriteString("sequenced AS (SELECT binding_key, step_name, event_time, ")
	sb.WriteString(b.adp.BuildWindowFunction(adapter.WindowFnRowNumber, "", adapter.WindowOptions{}))
	sb.WriteString(" OVER (PARTITION BY binding_key ORDER BY event_time) AS seq FROM all_events), ")

	var anchorWhere []string
	anchorWhere = append(anchorWhere, joinSecurity...)
	if anchorFilterSQL != "" {
		anchorWhere = append(anchorWhere, anchorFilterSQL)
	}
	sb.WriteString("anchor_seq AS (SELECT s.binding_key AS binding_key, MIN(s.seq) AS anchor_seq FROM sequenced s")
	if joinSQL != "" {
		sb.WriteString(" ")
		sb.WriteString(joinSQL)
	}
	if len(anchorWhere) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(anchorWhere, " AND "))
	}
	sb.WriteString(" GROUP BY s.binding_key), ")

	sb.WriteString(fmt.Sprintf(
		"offsets AS (SELECT s.binding_key AS binding_key, s.step_name AS step_name, (s.seq - a.anchor_seq) AS step_offset "+
			"FROM sequenced s JOIN anchor_seq a ON a.binding_key = s.binding_key "+
			"WHERE (s.seq - a.anchor_seq) BETWEEN -%d AND %d), ", cfg.Steps, cfg.Steps))

	sb.WriteString("transitions AS (SELECT o1.step_name AS from_step, o2.step_name AS to_step, o1.step_offset AS from_offset, ")
	sb.WriteString(b.adp.BuildCount("*"))
	sb.WriteString(" AS link_count FROM offsets o1 JOIN offsets o2 ON o2.binding_key = o1.binding_key AND o2.step_offset = o1.step_offset + 1 ")
	sb.WriteString("GROUP BY o1.step_name, o2.step_name, o1.step_offset), ")

	sb.WriteString("nodes AS (SELECT DISTINCT step_name, step_offset FROM offsets)")

	sb.WriteString(" SELECT " +
		"(SELECT COALESCE(json_agg(json_build_object('step', step_name, 'offset', step_offset)), '[]') FROM nodes) AS nodes, " +
		"(SELECT COALESCE(json_agg(json_build_object('source', from_step, 'target', to_step, 'offset', from_offset, 'value', link_count)), '[]') FROM transitions) AS links")

	return &Result{SQL: sb.String(), Params: params}, nil
}

func (b *Builder) resolveMember(m cube.Member, primaryCubeName string, sec cube.SecurityContext) (expr, joinSQL string, security []string, err error) {
	if m.Cube == primaryCubeName {
		expr, err = common.FieldExpr(b.reg, primaryCubeName, m.Field)
		return expr, "", nil, err
	}
	path := b.jp.FindPath(primaryCubeName, m.Cube, nil)
	if path == nil {
		return "", "", nil, fmt.Errorf("flow: no join path from %s to %s", primaryCubeName, m.Cube)
	}
	joinSQL, security, err = common.JoinChainSQL(b.reg, path, sec)
	if err != nil {
		return "", "", nil, err
	}
	expr, err = common.FieldExpr(b.reg, m.Cube, m.Field)
	return expr, joinSQL, security, err
}
