// Package gormadapter implements adapter.DatabaseAdapter for an embedding
// application that already manages its connection through GORM, grounded
// on the reporting framework's internal/database.InitDB
// (gorm.Open(postgres.Open(url), ...)) and its AutoMigrate-based model
// layer. SQL-fragment builders are identical to adapter/postgres (GORM
// talks to the same Postgres dialect); only Execute/Explain differ, routing
// through gorm.DB.Raw(...).Scan(...) instead of a raw pgx pool.
package gormadapter

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/cliftonc/drizzle-cube-sub010/adapter"
	"github.com/cliftonc/drizzle-cube-sub010/adapter/postgres"
)

// Adapter wraps a *gorm.DB; every SQL-fragment method delegates to an
// embedded postgres.Adapter since the generated SQL text is dialect-specific,
// not driver-specific.
type Adapter struct {
	*postgres.Adapter
	db *gorm.DB
}

// New wraps an already-opened *gorm.DB (e.g. from gorm.Open(postgres.Open(url), ...)).
func New(db *gorm.DB) *Adapter {
	return &Adapter{Adapter: postgres.New(nil), db: db}
}

// Execute runs sqlText through gorm.DB.Raw(...).Scan(...), the same
// pattern InitDB's embedding application would already use for any other
// raw query against its models.
func (a *Adapter) Execute(ctx context.Context, sqlText string, params []interface{}) ([]map[string]interface{}, error) {
	var rows []map[string]interface{}
	tx := a.db.WithContext(ctx).Raw(sqlText, params...).Scan(&rows)
	if tx.Error != nil {
		return nil, fmt.Errorf("gormadapter: execute: %w", tx.Error)
	}
	return rows, nil
}

// Explain runs Postgres's EXPLAIN over sqlText via the same Raw/Scan path,
// collecting the plan's "QUERY PLAN" column into a single string.
func (a *Adapter) Explain(ctx context.Context, sqlText string, params []interface{}) (string, error) {
	var rows []struct {
		QueryPlan string `gorm:"column:QUERY PLAN"`
	}
	tx := a.db.WithContext(ctx).Raw("EXPLAIN "+sqlText, params...).Scan(&rows)
	if tx.Error != nil {
		return "", fmt.Errorf("gormadapter: explain: %w", tx.Error)
	}
	var out string
	for _, r := range rows {
		out += r.QueryPlan + "\n"
	}
	return out, nil
}

var _ adapter.DatabaseAdapter = (*Adapter)(nil)
