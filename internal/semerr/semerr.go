// Package semerr defines the error kinds from spec §7. Each kind wraps an
// underlying cause with fmt.Errorf's %w, following the teacher's own
// wrapping idiom (see datalog/planner/*.go); the kinds themselves are thin
// markers so callers can tell Validation/Planning/Execution/Cache failures
// apart with errors.As without parsing messages.
package semerr

import "fmt"

// ValidationError is returned for anything rejected before planning: an
// unknown cube/member, an illegal filter target, a malformed duration, an
// out-of-range retention period count, too few funnel steps, etc.
type ValidationError struct {
	Op  string // which validation step failed, e.g. "funnel.steps"
	err error
}

func Validation(op, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Op: op, err: fmt.Errorf(format, args...)}
}

func (e *ValidationError) Error() string { return "validation error (" + e.Op + "): " + e.err.Error() }
func (e *ValidationError) Unwrap() error { return e.err }

// PlanningError is returned when the planner cannot build a plan: no join
// path, a circular calculated-measure dependency, etc.
type PlanningError struct {
	Op  string
	err error
}

func Planning(op, format string, args ...interface{}) *PlanningError {
	return &PlanningError{Op: op, err: fmt.Errorf(format, args...)}
}

func (e *PlanningError) Error() string { return "planning error (" + e.Op + "): " + e.err.Error() }
func (e *PlanningError) Unwrap() error { return e.err }

// ExecutionError wraps a database driver error with the deepest cause
// message and adapter-specific annotation, prefixed per spec §7.
type ExecutionError struct {
	SQL    string
	Detail string
	Hint   string
	Code   string
	err    error
}

func Execution(sqlText string, cause error) *ExecutionError {
	return &ExecutionError{SQL: sqlText, err: cause}
}

func (e *ExecutionError) Error() string {
	msg := "Query execution failed: " + e.err.Error()
	if e.Detail != "" {
		msg += " (detail: " + e.Detail + ")"
	}
	if e.Hint != "" {
		msg += " (hint: " + e.Hint + ")"
	}
	return msg
}
func (e *ExecutionError) Unwrap() error { return e.err }

// CacheError represents a failure in an optional cache layer (plan cache or
// result cache). It is never fatal to a request; callers log/report it via
// an optional handler and proceed as if the cache were absent.
type CacheError struct {
	Op  string
	err error
}

func Cache(op string, cause error) *CacheError {
	return &CacheError{Op: op, err: cause}
}

func (e *CacheError) Error() string { return "cache warning (" + e.Op + "): " + e.err.Error() }
func (e *CacheError) Unwrap() error { return e.err }
