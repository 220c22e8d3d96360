// Package executor implements QueryExecutor (spec §4.8): the single entry
// point that turns a SemanticQuery into a Result. It owns nothing a single
// request couldn't rebuild from scratch except the long-lived, registry-
// derived helpers (join path cache, calculated-measure dependency graph)
// that are safe to share across requests because cube metadata never
// changes after registration (spec §5) — the same split the planner and
// query builder already keep between shared and per-request state.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cliftonc/drizzle-cube-sub010/adapter"
	"github.com/cliftonc/drizzle-cube-sub010/cube"
	"github.com/cliftonc/drizzle-cube-sub010/internal/analytics/comparison"
	"github.com/cliftonc/drizzle-cube-sub010/internal/analytics/flow"
	"github.com/cliftonc/drizzle-cube-sub010/internal/analytics/funnel"
	"github.com/cliftonc/drizzle-cube-sub010/internal/analytics/retention"
	"github.com/cliftonc/drizzle-cube-sub010/internal/annotations"
	"github.com/cliftonc/drizzle-cube-sub010/internal/calcmeasure"
	"github.com/cliftonc/drizzle-cube-sub010/internal/datetime"
	"github.com/cliftonc/drizzle-cube-sub010/internal/filtercache"
	"github.com/cliftonc/drizzle-cube-sub010/internal/joinpath"
	"github.com/cliftonc/drizzle-cube-sub010/internal/measurebuilder"
	"github.com/cliftonc/drizzle-cube-sub010/internal/planner"
	"github.com/cliftonc/drizzle-cube-sub010/internal/querybuilder"
	"github.com/cliftonc/drizzle-cube-sub010/internal/resultcache"
	"github.com/cliftonc/drizzle-cube-sub010/internal/semerr"
	"github.com/cliftonc/drizzle-cube-sub010/query"
)

// Executor is the top-level façade embedding applications call (spec §6).
// A single Executor is built once per registry/adapter pair and reused
// concurrently across requests; every call allocates its own filter cache
// and annotation collector, matching the lifetime the teacher's own
// request-scoped caches keep (datalog/planner/cache.go's PlanCache vs its
// process-wide Statistics).
type Executor struct {
	reg *cube.Registry
	adp adapter.DatabaseAdapter

	jp   *joinpath.Resolver
	calc *calcmeasure.Resolver
	mb   *measurebuilder.Builder
	dt   *datetime.Builder

	cache    resultcache.ResultCache
	cacheTTL time.Duration
	handler  annotations.Handler

	// dev gates the development-only security-context warning (spec §4.8
	// step 4): emitted only when true, since a missing Where is expected
	// and harmless for Public cubes but worth flagging loudly while a cube
	// definition is still being written.
	dev bool
}

// New builds an Executor. cache may be nil to disable result caching;
// handler may be nil to disable live annotation delivery (events are
// still collected and returned for dry-run/explain callers). dev enables
// the security-context warning emitted when a non-public cube's SQL()
// omits a Where predicate; embedding applications should pass false in
// production.
func New(reg *cube.Registry, adp adapter.DatabaseAdapter, cache resultcache.ResultCache, cacheTTL time.Duration, handler annotations.Handler, dev bool) (*Executor, error) {
	calc := calcmeasure.New(reg)
	if err := calc.PopulateAll(); err != nil {
		return nil, fmt.Errorf("executor: calculated measure dependencies: %w", err)
	}
	return &Executor{
		reg:      reg,
		adp:      adp,
		jp:       joinpath.New(reg),
		calc:     calc,
		mb:       measurebuilder.New(adp),
		dt:       datetime.New(adp),
		cache:    cache,
		cacheTTL: cacheTTL,
		handler:  handler,
		dev:      dev,
	}, nil
}

// request bundles the per-call components spec §3's Lifecycle requires be
// fresh every time: a filter cache, an annotation collector, and the
// planner/query builder/analytics builders built over them.
type request struct {
	fc     *filtercache.Manager
	events *annotations.Collector
	plan   *planner.Planner
	qb     *querybuilder.Builder
	funnel *funnel.Builder
	ret    *retention.Builder
	flow   *flow.Builder
}

func (e *Executor) newRequest() *request {
	events := annotations.NewCollector(e.handler)
	fc := filtercache.NewManager(filtercache.NewBuilder(e.dt))
	return &request{
		fc:     fc,
		events: events,
		plan:   planner.New(e.reg, e.jp, e.calc, events),
		qb:     querybuilder.New(e.reg, e.mb, e.dt, fc),
		funnel: funnel.New(e.reg, e.jp, fc, e.dt, e.adp),
		ret:    retention.New(e.reg, e.jp, fc, e.dt, e.adp),
		flow:   flow.New(e.reg, e.jp, fc, e.adp),
	}
}

// Execute runs q against sec and returns a fully annotated Result (spec
// §4.8, §6): validate, consult the result cache, dispatch to the standard
// path, a comparison fan-out, or a specialized analytics builder, then
// attach display annotations.
func (e *Executor) Execute(ctx context.Context, q *query.SemanticQuery, sec cube.SecurityContext) (*query.Result, error) {
	r := e.newRequest()
	start := time.Now()
	r.events.Add(annotations.Event{Name: annotations.QueryInvoked, Data: map[string]interface{}{"kind": int(q.Kind())}})
	defer r.events.Timed(annotations.QueryComplete, start, nil)

	key := ""
	if e.cache != nil {
		key = cacheKey(q, sec)
		cached, hit, err := e.cache.Get(ctx, key)
		if err != nil {
			r.events.Add(annotations.Event{Name: annotations.ErrorCache, Data: map[string]interface{}{"op": "get", "error": err.Error()}})
		} else if hit {
			r.events.Add(annotations.Event{Name: annotations.ExecCacheHit, Data: map[string]interface{}{"key": key}})
			cached.Cache = &query.CacheInfo{Hit: true}
			return cached, nil
		} else {
			r.events.Add(annotations.Event{Name: annotations.ExecCacheMiss, Data: map[string]interface{}{"key": key}})
		}
	}

	result, err := e.dispatch(ctx, r, q, sec)
	if err != nil {
		return nil, classifyError(r, err)
	}

	if e.cache != nil {
		if err := e.cache.Set(ctx, key, result, e.cacheTTL); err != nil {
			r.events.Add(annotations.Event{Name: annotations.ErrorCache, Data: map[string]interface{}{"op": "set", "error": err.Error()}})
		}
	}
	return result, nil
}

func classifyError(r *request, err error) error {
	name := annotations.ErrorExecution
	switch err.(type) {
	case *semerr.ValidationError:
		name = annotations.ErrorValidation
	case *semerr.PlanningError:
		name = annotations.ErrorPlanning
	case *semerr.ExecutionError:
		name = annotations.ErrorExecution
	}
	r.events.Add(annotations.Event{Name: name, Data: map[string]interface{}{"error": err.Error()}})
	return err
}

func (e *Executor) dispatch(ctx context.Context, r *request, q *query.SemanticQuery, sec cube.SecurityContext) (*query.Result, error) {
	r.events.Add(annotations.Event{Name: annotations.ExecDispatch, Data: map[string]interface{}{"kind": int(q.Kind())}})

	switch q.Kind() {
	case query.AnalyticsFunnel:
		return e.executeFunnel(ctx, r, q, sec)
	case query.AnalyticsRetention:
		return e.executeRetention(ctx, r, q, sec)
	case query.AnalyticsFlow:
		return e.executeFlow(ctx, r, q, sec)
	default:
		if q.HasComparison() {
			return e.executeComparison(ctx, r, q, sec)
		}
		return e.executeStandard(ctx, r, q, sec)
	}
}

// executeStandard runs the plan -> build -> execute path for a query with
// no analytics config and no period comparison.
func (e *Executor) executeStandard(ctx context.Context, r *request, q *query.SemanticQuery, sec cube.SecurityContext) (*query.Result, error) {
	rows, err := e.runStandard(ctx, r, q, sec)
	if err != nil {
		return nil, err
	}
	return &query.Result{Data: rows, Annotation: standardAnnotation(e.reg, q)}, nil
}

// runStandard is the shared plan/build/execute sequence used both by
// executeStandard and, once per period, by executeComparison. It follows
// spec §4.8 step 4 in order: preload the filter cache, plan, warn in
// development about unscoped cubes, build the SQL, execute, normalize
// time values, then gap-fill.
func (e *Executor) runStandard(ctx context.Context, r *request, q *query.SemanticQuery, sec cube.SecurityContext) ([]map[string]interface{}, error) {
	seed := append(append([]query.Filter{}, q.Filters...), querybuilder.TimeDimensionFilters(q)...)
	if err := r.fc.Seed(seed, querybuilder.SeedResolver(e.reg)); err != nil {
		return nil, semerr.Planning("filter-cache-seed", "%w", err)
	}

	plan, err := r.plan.Plan(q)
	if err != nil {
		return nil, err
	}
	if e.dev {
		checkSecurityContext(e.reg, plan, sec, r.events)
	}

	built, err := r.qb.Build(plan, q, sec)
	if err != nil {
		return nil, semerr.Planning("query-build", "%w", err)
	}
	r.events.Add(annotations.Event{Name: annotations.BuildSQLAssembled, Data: map[string]interface{}{"sql": built.SQL}})

	rows, err := e.adp.Execute(ctx, built.SQL, built.Params)
	if err != nil {
		return nil, semerr.Execution(built.SQL, err)
	}

	if err := normalizeTimeDimensions(rows, q, e.adp); err != nil {
		return nil, semerr.Execution(built.SQL, err)
	}

	rows, inserted, err := gapFill(q, rows, e.dt)
	if err != nil {
		return nil, semerr.Execution(built.SQL, err)
	}
	if _, ok := gapFillTimeDimension(q); ok {
		r.events.Add(annotations.Event{Name: annotations.ExecGapFill, Data: map[string]interface{}{"inserted": inserted}})
	}

	return rows, nil
}

// executeComparison expands q into its current/previous periods (spec
// §4.7), runs each independently through the standard path, and merges
// the tagged results back together (spec §4.8's __period/__periodIndex/
// __periodDayIndex ordering guarantee).
func (e *Executor) executeComparison(ctx context.Context, r *request, q *query.SemanticQuery, sec cube.SecurityContext) (*query.Result, error) {
	periods, field, gran, err := comparison.Expand(q, e.dt)
	if err != nil {
		return nil, semerr.Validation("comparison", "%w", err)
	}
	r.events.Add(annotations.Event{Name: annotations.ExecComparisonFanout, Data: map[string]interface{}{"periods": len(periods)}})

	rowsByPeriod := make([][]map[string]interface{}, len(periods))
	for i, p := range periods {
		rows, err := e.runStandard(ctx, r, p.Query, sec)
		if err != nil {
			return nil, err
		}
		rowsByPeriod[i] = rows
	}

	merged, err := comparison.Merge(periods, rowsByPeriod, field, gran)
	if err != nil {
		return nil, semerr.Execution("", err)
	}

	ann := standardAnnotation(e.reg, q)
	ranges := make([]query.DateRange, len(periods))
	labels := make([]string, len(periods))
	for i, p := range periods {
		ranges[i] = p.Query.TimeDimensions[findTimeDimension(p.Query, field)].DateRange
		labels[i] = p.Label
	}
	ann.Periods = &query.PeriodAnnotation{Ranges: ranges, Labels: labels, TimeDimension: field, Granularity: gran}

	return &query.Result{Data: merged, Annotation: ann}, nil
}

func findTimeDimension(q *query.SemanticQuery, field string) int {
	for i, td := range q.TimeDimensions {
		if td.Dimension == field {
			return i
		}
	}
	return 0
}

func (e *Executor) executeFunnel(ctx context.Context, r *request, q *query.SemanticQuery, sec cube.SecurityContext) (*query.Result, error) {
	if err := r.funnel.Validate(q.Funnel); err != nil {
		return nil, semerr.Validation("funnel", "%w", err)
	}
	built, err := r.funnel.Build(q.Funnel, sec)
	if err != nil {
		return nil, semerr.Planning("funnel", "%w", err)
	}
	rows, err := e.adp.Execute(ctx, built.SQL, built.Params)
	if err != nil {
		return nil, semerr.Execution(built.SQL, err)
	}
	ann := query.Annotation{}
	ann.Funnel = q.Funnel
	return &query.Result{Data: rows, Annotation: ann}, nil
}

func (e *Executor) executeRetention(ctx context.Context, r *request, q *query.SemanticQuery, sec cube.SecurityContext) (*query.Result, error) {
	if err := r.ret.Validate(q.Retention); err != nil {
		return nil, semerr.Validation("retention", "%w", err)
	}
	built, err := r.ret.Build(q.Retention, sec)
	if err != nil {
		return nil, semerr.Planning("retention", "%w", err)
	}
	rows, err := e.adp.Execute(ctx, built.SQL, built.Params)
	if err != nil {
		return nil, semerr.Execution(built.SQL, err)
	}
	ann := query.Annotation{}
	ann.Retention = q.Retention
	return &query.Result{Data: rows, Annotation: ann}, nil
}

func (e *Executor) executeFlow(ctx context.Context, r *request, q *query.SemanticQuery, sec cube.SecurityContext) (*query.Result, error) {
	if err := r.flow.Validate(q.Flow); err != nil {
		return nil, semerr.Validation("flow", "%w", err)
	}
	built, err := r.flow.Build(q.Flow, sec)
	if err != nil {
		return nil, semerr.Planning("flow", "%w", err)
	}
	rows, err := e.adp.Execute(ctx, built.SQL, built.Params)
	if err != nil {
		return nil, semerr.Execution(built.SQL, err)
	}
	ann := query.Annotation{}
	ann.Flow = q.Flow
	return &query.Result{Data: rows, Annotation: ann}, nil
}

// GenerateSQL renders q's SQL and bind parameters without executing it
// (spec §6 generateSQL()). Comparison queries return the "current"
// period's SQL, since a single string can't represent a fan-out.
func (e *Executor) GenerateSQL(q *query.SemanticQuery, sec cube.SecurityContext) (string, []interface{}, error) {
	r := e.newRequest()
	switch q.Kind() {
	case query.AnalyticsFunnel:
		if err := r.funnel.Validate(q.Funnel); err != nil {
			return "", nil, semerr.Validation("funnel", "%w", err)
		}
		built, err := r.funnel.Build(q.Funnel, sec)
		if err != nil {
			return "", nil, err
		}
		return built.SQL, built.Params, nil
	case query.AnalyticsRetention:
		if err := r.ret.Validate(q.Retention); err != nil {
			return "", nil, semerr.Validation("retention", "%w", err)
		}
		built, err := r.ret.Build(q.Retention, sec)
		if err != nil {
			return "", nil, err
		}
		return built.SQL, built.Params, nil
	case query.AnalyticsFlow:
		if err := r.flow.Validate(q.Flow); err != nil {
			return "", nil, semerr.Validation("flow", "%w", err)
		}
		built, err := r.flow.Build(q.Flow, sec)
		if err != nil {
			return "", nil, err
		}
		return built.SQL, built.Params, nil
	default:
		target := q
		if q.HasComparison() {
			periods, _, _, err := comparison.Expand(q, e.dt)
			if err != nil {
				return "", nil, semerr.Validation("comparison", "%w", err)
			}
			target = periods[0].Query
		}
		plan, err := r.plan.Plan(target)
		if err != nil {
			return "", nil, err
		}
		built, err := r.qb.Build(plan, target, sec)
		if err != nil {
			return "", nil, err
		}
		return built.SQL, built.Params, nil
	}
}

// ExplainQuery delegates the generated SQL to the adapter's EXPLAIN
// (spec §6 explainQuery()).
func (e *Executor) ExplainQuery(ctx context.Context, q *query.SemanticQuery, sec cube.SecurityContext) (string, error) {
	sqlText, params, err := e.GenerateSQL(q, sec)
	if err != nil {
		return "", err
	}
	return e.adp.Explain(ctx, sqlText, params)
}

// DryRunFunnel validates and renders a funnel query without executing it
// (spec §6 dryRunFunnel()).
func (e *Executor) DryRunFunnel(cfg *query.FunnelConfig) (*funnel.Result, error) {
	r := e.newRequest()
	if err := r.funnel.Validate(cfg); err != nil {
		return nil, semerr.Validation("funnel", "%w", err)
	}
	return r.funnel.Build(cfg, noopSecurity{})
}

// DryRunRetention validates and renders a retention query without
// executing it (spec §6 dryRunRetention()).
func (e *Executor) DryRunRetention(cfg *query.RetentionConfig) (*retention.Result, error) {
	r := e.newRequest()
	if err := r.ret.Validate(cfg); err != nil {
		return nil, semerr.Validation("retention", "%w", err)
	}
	return r.ret.Build(cfg, noopSecurity{})
}

// DryRunFlow validates and renders a flow query without executing it
// (spec §6 dryRunFlow()).
func (e *Executor) DryRunFlow(cfg *query.FlowConfig) (*flow.Result, error) {
	r := e.newRequest()
	if err := r.flow.Validate(cfg); err != nil {
		return nil, semerr.Validation("flow", "%w", err)
	}
	return r.flow.Build(cfg, noopSecurity{})
}

// AnalyzePlan exposes the planner's dry-run analysis view (spec §6
// explainQuery()'s non-SQL sibling, used by the demo CLI's "explain"
// subcommand).
func (e *Executor) AnalyzePlan(q *query.SemanticQuery) (*planner.QueryAnalysis, error) {
	r := e.newRequest()
	return r.plan.AnalyzeQueryPlan(q)
}

// noopSecurity is used by the DryRun* helpers, which render SQL against
// cubes that must still supply a security predicate shape but never run
// against a real tenant.
type noopSecurity struct{}

func (noopSecurity) TenantID() string { return "" }

// standardAnnotation builds the Measures/Dimensions/TimeDimensions/
// Segments annotation blocks for a standard-path query (spec §6 Result
// envelope).
func standardAnnotation(reg *cube.Registry, q *query.SemanticQuery) query.Annotation {
	ann := query.Annotation{
		Measures:       map[string]query.MemberAnnotation{},
		Dimensions:     map[string]query.MemberAnnotation{},
		TimeDimensions: map[string]query.MemberAnnotation{},
		Segments:       map[string]query.MemberAnnotation{},
	}
	for _, ref := range q.Measures {
		if _, m, err := reg.ResolveMeasure(ref); err == nil {
			ann.Measures[ref] = query.MemberAnnotation{Title: m.Title, ShortTitle: m.ShortTitle, Type: string(m.Type), Format: m.Format}
		}
	}
	for _, ref := range q.Dimensions {
		if _, d, err := reg.ResolveDimension(ref); err == nil {
			ann.Dimensions[ref] = query.MemberAnnotation{Title: d.Title, ShortTitle: d.ShortTitle, Type: string(d.Type), Format: d.Format}
		}
	}
	for _, td := range q.TimeDimensions {
		if _, d, err := reg.ResolveDimension(td.Dimension); err == nil {
			ann.TimeDimensions[td.Dimension] = query.MemberAnnotation{
				Title: d.Title, ShortTitle: d.ShortTitle, Type: string(d.Type), Format: d.Format, Granularity: td.Granularity,
			}
		}
	}
	for _, ref := range q.Segments {
		if _, seg, err := reg.ResolveSegment(ref); err == nil {
			ann.Segments[ref] = query.MemberAnnotation{Title: seg.Title, ShortTitle: seg.ShortTitle, Type: "boolean"}
		}
	}
	return ann
}

// cacheKey derives a stable cache key from q and the tenant identified by
// sec (spec §4.8: "{query+securityContext hash -> Result}"). Field order
// in SemanticQuery is fixed by its struct definition, so two identical
// queries always marshal identically.
func cacheKey(q *query.SemanticQuery, sec cube.SecurityContext) string {
	payload, err := json.Marshal(q)
	if err != nil {
		// Struct literals only; Marshal cannot fail here in practice, but a
		// tenant-qualified fallback still keeps cache entries from
		// colliding across tenants if it somehow did.
		payload = []byte(fmt.Sprintf("%+v", q))
	}
	h := sha256.New()
	h.Write([]byte(sec.TenantID()))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
