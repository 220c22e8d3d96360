// Package sqlexpr isolates, clones, and resolves the cube-defined SQL
// fragments declared in package cube. The planner and builders walk these
// fragments repeatedly (once per CTE, once for the outer query); cloning
// before mutation keeps a cube's registered SQLExpression immutable no
// matter how many times it is threaded through downstream builders, the
// same way the teacher's join-condition capture avoids sharing AST node
// pointers across call sites (spec §9).
package sqlexpr

import (
	"fmt"
	"strings"

	"github.com/cliftonc/drizzle-cube-sub010/cube"
)

// Clone returns a deep copy of e so that callers may freely mutate Alias,
// Args, etc. without affecting the cube registry's copy.
func Clone(e cube.SQLExpression) cube.SQLExpression {
	out := cube.SQLExpression{
		Column:   e.Column,
		Template: e.Template,
		Alias:    e.Alias,
	}
	if e.Args != nil {
		out.Args = make([]cube.SQLExpression, len(e.Args))
		for i, a := range e.Args {
			out.Args[i] = Clone(a)
		}
	}
	return out
}

// WithAlias returns a clone of e aliased as alias.
func WithAlias(e cube.SQLExpression, alias string) cube.SQLExpression {
	c := Clone(e)
	c.Alias = alias
	return c
}

// Qualify returns a clone of e with a bare Column reference prefixed by
// tableAlias, replacing any qualifier it already has (e.g. "orders.total"
// becomes "o.total" given alias "o"). Templates are left untouched since they
// already embed whatever qualification the cube author wrote.
func Qualify(e cube.SQLExpression, tableAlias string) cube.SQLExpression {
	c := Clone(e)
	if c.Column != "" && tableAlias != "" {
		c.Column = tableAlias + "." + unqualifiedColumn(c.Column)
	}
	return c
}

func unqualifiedColumn(col string) string {
	if i := strings.LastIndexByte(col, '.'); i >= 0 {
		return col[i+1:]
	}
	return col
}

// Resolve renders e to a raw SQL string, substituting "?" placeholders in Template with each Arg's own resolved
// SQL (not bind parameters — cube SQL fragments are trusted, author-written
// SQL, never user input; user-supplied filter values flow through
// FilterBuilder's bind parameters instead, never through SQLExpression).
func Resolve(e cube.SQLExpression) (string, error) {
	if e.Column != "" {
		return e.Column, nil
	}
	if e.Template == "" {
		return "", fmt.Errorf("sqlexpr: empty expression")
	}
	if len(e.Args) == 0 {
		return e.Template, nil
	}
	var b strings.Builder
	argIdx := 0
	for i := 0; i < len(e.Template); i++ {
		ch := e.Template[i]
		if ch == '?' {
			if argIdx >= len(e.Args) {
				return "", fmt.Errorf("sqlexpr: template %q has more placeholders than args", e.Template)
			}
			rendered, err := Resolve(e.Args[argIdx])
			if err != nil {
				return "", err
			}
			b.WriteString(rendered)
			argIdx++
			continue
		}
		b.WriteByte(ch)
	}
	return b.String(), nil
}

// ResolveSecurity folds a Where fragment into a single WHERE-safe SQL
// string, returning "" (not an error) when no predicate is declared for a
// public cube.
func ResolveSecurity(where *cube.SQLExpression) (string, error) {
	if where == nil {
		return "", nil
	}
	return Resolve(*where)
}

// AndAll joins a set of already-resolved SQL predicate strings with AND,
// skipping empties, and parenthesizing each non-trivial fragment.
func AndAll(predicates ...string) string {
	var kept []string
	for _, p := range predicates {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kept = append(kept, "("+p+")")
	}
	return strings.Join(kept, " AND ")
}
