// Package postgres implements adapter.DatabaseAdapter against a live
// Postgres connection pool via pgx/v5, grounded on the connection-pool
// shape in accented-ai/pgtofu's pkg/database (pgxpool.ParseConfig,
// pgxpool.NewWithConfig, pool.Query/QueryRow). Every SQL-fragment method is
// a pure string builder; only Execute/Explain touch the pool.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cliftonc/drizzle-cube-sub010/adapter"
)

// Adapter is a Postgres-backed adapter.DatabaseAdapter.
type Adapter struct {
	pool *pgxpool.Pool
}

// New wraps an already-constructed pool. Callers that want NewPoolFromURL's
// parse-config-then-ping sequence should use Open instead.
func New(pool *pgxpool.Pool) *Adapter {
	return &Adapter{pool: pool}
}

// Open parses url, builds a pool, and pings it before returning — the same
// sequence pgtofu's NewPoolFromURL follows.
func Open(ctx context.Context, url string) (*Adapter, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse pool config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping database: %w", err)
	}
	return &Adapter{pool: pool}, nil
}

func (a *Adapter) Close() { a.pool.Close() }

func (a *Adapter) BuildAvg(expr string) string           { return "AVG(" + expr + ")" }
func (a *Adapter) BuildSum(expr string) string           { return "SUM(" + expr + ")" }
func (a *Adapter) BuildMin(expr string) string           { return "MIN(" + expr + ")" }
func (a *Adapter) BuildMax(expr string) string           { return "MAX(" + expr + ")" }
func (a *Adapter) BuildCount(expr string) string         { return "COUNT(" + expr + ")" }
func (a *Adapter) BuildCountDistinct(expr string) string { return "COUNT(DISTINCT " + expr + ")" }

// BuildConditionalAggregation uses FILTER (WHERE ...), Postgres's native
// conditional-aggregation syntax, rather than the CASE WHEN fallback a
// dialect without FILTER support would need.
func (a *Adapter) BuildConditionalAggregation(op, expr, condition string) string {
	return fmt.Sprintf("%s(%s) FILTER (WHERE %s)", op, expr, condition)
}

func (a *Adapter) BuildTimeDimension(granularity string, expr string) string {
	return fmt.Sprintf("DATE_TRUNC('%s', %s)", granularity, expr)
}

func (a *Adapter) BuildDateDiffPeriods(a2, b, granularity string) string {
	return fmt.Sprintf("FLOOR(EXTRACT(EPOCH FROM (%s - %s)) / EXTRACT(EPOCH FROM INTERVAL '1 %s'))", b, a2, granularity)
}

func (a *Adapter) BuildDateAddInterval(expr, isoDuration string) string {
	return fmt.Sprintf("(%s + %s)", expr, isoDurationToInterval(isoDuration))
}

func (a *Adapter) BuildTimeDifferenceSeconds(x, y string) string {
	return fmt.Sprintf("EXTRACT(EPOCH FROM (%s - %s))", y, x)
}

// BuildPercentile renders PERCENTILE_CONT as a plain (non-subquery)
// expression — Postgres supports this within an ordinary aggregate
// context, so the percentile-subquery fallback is never needed.
func (a *Adapter) BuildPercentile(expr string, p float64) (string, bool) {
	return fmt.Sprintf("PERCENTILE_CONT(%v) WITHIN GROUP (ORDER BY %s)", p, expr), true
}

func (a *Adapter) BuildPeriodSeriesSubquery(n int) string {
	return fmt.Sprintf("(SELECT generate_series(0, %d) AS period_number)", n)
}

func (a *Adapter) BuildWindowFunction(fn adapter.WindowFunctionType, base string, opts adapter.WindowOptions) string {
	switch fn {
	case adapter.WindowFnLag:
		return fmt.Sprintf("LAG(%s, %d, %s)", base, max1(opts.Offset), nullOr(opts.Default))
	case adapter.WindowFnLead:
		return fmt.Sprintf("LEAD(%s, %d, %s)", base, max1(opts.Offset), nullOr(opts.Default))
	case adapter.WindowFnNTile:
		return fmt.Sprintf("NTILE(%d)", opts.N)
	case adapter.WindowFnRowNumber, adapter.WindowFnRank, adapter.WindowFnDenseRank, adapter.WindowFnPercentRank:
		return string(fn) + "()"
	case adapter.WindowFnFirstValue:
		return fmt.Sprintf("FIRST_VALUE(%s)", base)
	case adapter.WindowFnLastValue:
		return fmt.Sprintf("LAST_VALUE(%s)", base)
	case adapter.WindowFnSum:
		return fmt.Sprintf("SUM(%s)", base)
	default:
		return fmt.Sprintf("%s(%s)", fn, base)
	}
}

func max1(offset int) int {
	if offset <= 0 {
		return 1
	}
	return offset
}

func nullOr(def string) string {
	if def == "" {
		return "NULL"
	}
	return def
}

// ConvertTimeDimensionResult normalizes pgx's returned time value. pgx
// already decodes timestamp(tz) columns to time.Time, but a caller scanning
// into []map[string]interface{} (as Execute does below) may see a
// *time.Time depending on driver settings, so both are handled.
func (a *Adapter) ConvertTimeDimensionResult(value interface{}) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case *time.Time:
		if v == nil {
			return time.Time{}, fmt.Errorf("postgres: nil time value")
		}
		return *v, nil
	default:
		return time.Time{}, fmt.Errorf("postgres: cannot convert %T to time.Time", value)
	}
}

func (a *Adapter) GetCapabilities() adapter.Capabilities {
	return adapter.Capabilities{
		SupportsPercentileSubqueries: false,
		SupportsFilterClause:         true,
		Dialect:                      "postgres",
	}
}

// Execute runs sqlText with params and collects every row into a
// column-name-keyed map, the generic shape QueryExecutor's post-processing
// expects regardless of which adapter produced the rows.
func (a *Adapter) Execute(ctx context.Context, sqlText string, params []interface{}) ([]map[string]interface{}, error) {
	rows, err := a.pool.Query(ctx, sqlText, params...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query: %w", err)
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	var out []map[string]interface{}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("postgres: scan row: %w", err)
		}
		row := make(map[string]interface{}, len(vals))
		for i, v := range vals {
			row[string(fieldDescs[i].Name)] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: row iteration: %w", err)
	}
	return out, nil
}

// Explain delegates to Postgres's own EXPLAIN, returning the plan text as a
// single string.
func (a *Adapter) Explain(ctx context.Context, sqlText string, params []interface{}) (string, error) {
	rows, err := a.pool.Query(ctx, "EXPLAIN "+sqlText, params...)
	if err != nil {
		return "", fmt.Errorf("postgres: explain: %w", err)
	}
	defer rows.Close()

	var lines string
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return "", fmt.Errorf("postgres: explain scan: %w", err)
		}
		if len(vals) > 0 {
			if s, ok := vals[0].(string); ok {
				lines += s + "\n"
			}
		}
	}
	return lines, rows.Err()
}

// isoDurationToInterval wraps an ISO-8601 duration like "P1DT2H" verbatim
// in a Postgres INTERVAL literal; Postgres parses the ISO-8601 form itself.
// The string is not checked or rewritten here.
func isoDurationToInterval(iso string) string {
	return fmt.Sprintf("INTERVAL '%s'", iso)
}
