// Package querybuilder implements QueryBuilder and CTEBuilder (spec §4.6):
// translating a planner.QueryPlan plus the originating query.SemanticQuery
// into the outer SELECT/FROM/JOIN/WHERE/GROUP BY/HAVING/ORDER BY SQL text
// and its pre-aggregation CTEs. Grounded on the teacher's own separation
// between plan (datalog/planner) and execution assembly
// (datalog/executor/executor.go): a plan is a pure data structure: this
// package is the only place SQL text gets concatenated.
package querybuilder

import "strings"

// Result is a fully assembled SQL statement: parameterized text plus its
// positional bind values, in the order "?" placeholders appear in SQL.
type Result struct {
	SQL    string
	Params []interface{}
}

// memberAlias renders a qualified "Cube.field" member as a double-quoted
// SQL identifier so result rows can be keyed by the member name itself,
// matching the Result envelope's `data: [ { <memberName>: value } ]` shape
// (spec §6).
func memberAlias(member string) string {
	return `"` + strings.ReplaceAll(member, `"`, `""`) + `"`
}

// joinNonEmpty joins non-empty strings with sep.
func joinNonEmpty(parts []string, sep string) string {
	var kept []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
