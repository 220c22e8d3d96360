package cube

// Relationship is the cardinality of a join edge from the declaring cube to
// the target cube.
type Relationship string

const (
	BelongsTo     Relationship = "belongsTo"
	HasOne        Relationship = "hasOne"
	HasMany       Relationship = "hasMany"
	BelongsToMany Relationship = "belongsToMany"
)

// JoinKeyPair is one equality (or custom-comparator) condition in a join's
// on[] array.
type JoinKeyPair struct {
	Source string // column on the declaring cube
	Target string // column on the target cube
	As     string // optional: name to project the pair under in a CTE

	// Comparator overrides "=" when set, e.g. ">=" for slowly-changing
	// dimension joins. Rendered verbatim between source and target.
	Comparator string
}

// Through describes the junction table used by a belongsToMany join.
type Through struct {
	Table        string
	SourceKeys   []string // junction columns matching the declaring cube's key(s)
	TargetKeys   []string // junction columns matching the target cube's key(s)
	SecurityFrom func(ctx SecurityContext) *SQLExpression
}

// Join is one edge in a cube's join graph.
type Join struct {
	Target       string // target cube name
	Relationship Relationship
	On           []JoinKeyPair

	// SQLJoinType overrides the default join-type inference (e.g. "LEFT
	// JOIN", "INNER JOIN"). Defaults: belongsTo/hasOne -> LEFT JOIN,
	// hasMany -> LEFT JOIN (with CTE pre-aggregation), belongsToMany ->
	// LEFT JOIN through the junction.
	SQLJoinType string

	// PreferredFor lists member names (or bare field names) that, when
	// present in a query, make the resolver prefer routing joins through
	// this edge's target cube over an equally-short alternative path.
	PreferredFor []string

	// Through is required when Relationship == BelongsToMany.
	Through *Through
}
