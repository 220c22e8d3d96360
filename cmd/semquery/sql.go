package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newSQLCommand(ctx context.Context) *cobra.Command {
	cfg := &sharedFlags{}
	var withExplain bool

	cmd := &cobra.Command{
		Use:   "sql",
		Short: "Render the SQL a query compiles to",
		Long: `sql renders the SQL and bind parameters a SemanticQuery compiles to
without executing it. Funnel, retention, and flow queries render the SQL
their respective builder produces; comparison queries render only the
current period's SQL.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSQL(ctx, cfg, withExplain)
		},
	}
	addSharedFlags(cmd, cfg)
	cmd.Flags().BoolVar(&withExplain, "explain", false,
		"also send the SQL to the database's EXPLAIN (requires --database-url)")
	return cmd
}

func runSQL(ctx context.Context, cfg *sharedFlags, withExplain bool) error {
	q, err := loadQuery(cfg.queryFile)
	if err != nil {
		return err
	}

	exec, sec, closeFn, err := buildExecutor(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	sqlText, params, err := exec.GenerateSQL(q, sec)
	if err != nil {
		return fmt.Errorf("generate sql: %w", err)
	}

	fmt.Println(sqlText)
	if len(params) > 0 {
		rendered := make([]string, len(params))
		for i, p := range params {
			rendered[i] = fmt.Sprintf("%v", p)
		}
		fmt.Printf("\nparams: [%s]\n", strings.Join(rendered, ", "))
	}

	if withExplain {
		if cfg.databaseURL == "" {
			return fmt.Errorf("--explain requires --database-url")
		}
		plan, err := exec.ExplainQuery(ctx, q, sec)
		if err != nil {
			return fmt.Errorf("explain query: %w", err)
		}
		fmt.Printf("\n%s\n", plan)
	}
	return nil
}
