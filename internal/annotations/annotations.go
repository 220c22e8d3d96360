// Package annotations is this repo's diagnostics layer: a low-overhead
// event collector the planner, builders, and executor feed through, and a
// color-aware text formatter for the demo CLI's verbose/explain output.
// Adapted from the teacher's datalog/annotations package — same Event
// shape and Collector pooling, event names rewritten for the semantic
// query engine's own lifecycle (plan/build/execute instead of
// phase/pattern/relation).
package annotations

import (
	"sync"
	"time"
)

// Event name constants, hierarchically namespaced as in the teacher.
const (
	QueryInvoked  = "query/invoked"
	QueryComplete = "query/completed"

	PlanCubeUsageAnalyzed  = "plan/cube-usage.analyzed"
	PlanPrimarySelected    = "plan/primary-cube.selected"
	PlanJoinResolved       = "plan/join.resolved"
	PlanCTECreated         = "plan/cte.created"
	PlanPropagatingFilter  = "plan/cte.propagating-filter"
	PlanCalcMeasureOrdered = "plan/calculated-measure.ordered"

	BuildFilterCached    = "build/filter.cached"
	BuildFilterReused    = "build/filter.reused"
	BuildSQLAssembled    = "build/sql.assembled"

	ExecDispatch               = "exec/dispatch"
	ExecComparisonFanout       = "exec/comparison.fanout"
	ExecGapFill                = "exec/gap-fill"
	ExecSecurityContextMissing = "exec/security-context.missing"
	ExecCacheHit               = "exec/cache.hit"
	ExecCacheMiss              = "exec/cache.miss"

	ErrorValidation = "error/validation"
	ErrorPlanning   = "error/planning"
	ErrorExecution  = "error/execution"
	ErrorCache      = "error/cache"
)

// Event is a single annotation emitted during planning, building, or
// execution.
type Event struct {
	Name    string
	Start   time.Time
	End     time.Time
	Latency time.Duration
	Data    map[string]interface{}
}

// Handler processes events as they occur.
type Handler func(Event)

// Collector accumulates events during one request. A FilterCacheManager
// and a Collector share the same per-request lifetime: both are allocated
// fresh per call and discarded afterward (spec §3 Lifecycle).
type Collector struct {
	enabled bool
	handler Handler
	mu      sync.Mutex
	events  []Event
}

// NewCollector builds a collector; handler may be nil, in which case the
// collector still records events (for dry-run callers) but does not call
// out per-event.
func NewCollector(handler Handler) *Collector {
	return &Collector{enabled: true, handler: handler, events: make([]Event, 0, 32)}
}

// Add records an event and, if present, forwards it to the handler.
func (c *Collector) Add(e Event) {
	if c == nil || !c.enabled {
		return
	}
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	if c.handler != nil {
		c.handler(e)
	}
}

// Timed records an event with Start/End/Latency computed from start.
func (c *Collector) Timed(name string, start time.Time, data map[string]interface{}) {
	if c == nil || !c.enabled {
		return
	}
	end := time.Now()
	c.Add(Event{Name: name, Start: start, End: end, Latency: end.Sub(start), Data: data})
}

// Events returns a copy of everything recorded so far.
func (c *Collector) Events() []Event {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}
