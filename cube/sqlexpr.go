package cube

// SQLExpression is a cube-defined SQL fragment: either a bare column
// reference (Column non-empty) or a parameterized template where "?" or
// "{alias}"-style placeholders are filled positionally by Args.
//
// Cubes build these once at registration time; the planner/builder layer
// must never mutate a cube's SQLExpression in place — see
// internal/sqlexpr for the clone helpers that make that safe.
type SQLExpression struct {
	// Column is set when this expression is a direct column reference,
	// e.g. "orders.total_cents".
	Column string

	// Template is a raw SQL fragment with "?" placeholders, e.g.
	// "CASE WHEN ? > 0 THEN 1 ELSE 0 END".
	Template string
	Args     []SQLExpression

	// Alias, if set, is the name this expression should be projected under.
	Alias string
}

// Col is a convenience constructor for a bare column reference.
func Col(name string) SQLExpression { return SQLExpression{Column: name} }

// Raw is a convenience constructor for a SQL template with no args.
func Raw(sql string) SQLExpression { return SQLExpression{Template: sql} }

// IsZero reports whether this expression was never set.
func (e SQLExpression) IsZero() bool {
	return e.Column == "" && e.Template == "" && len(e.Args) == 0
}
