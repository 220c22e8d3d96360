package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cliftonc/drizzle-cube-sub010/internal/resulttable"
)

func newRunCommand(ctx context.Context) *cobra.Command {
	cfg := &sharedFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a query against a live database and print its rows",
		Long: `run executes a SemanticQuery end to end — plan, build, run, annotate —
against the database at --database-url, and prints the resulting rows as
a table.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(ctx, cfg)
		},
	}
	addSharedFlags(cmd, cfg)
	cmd.MarkFlagRequired("database-url") //nolint:errcheck
	return cmd
}

func runRun(ctx context.Context, cfg *sharedFlags) error {
	q, err := loadQuery(cfg.queryFile)
	if err != nil {
		return err
	}

	exec, sec, closeFn, err := buildExecutor(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	result, err := exec.Execute(ctx, q, sec)
	if err != nil {
		return fmt.Errorf("execute query: %w", err)
	}

	var columns []string
	if !q.IsAnalytics() {
		columns = resulttable.Columns(q)
	}
	fmt.Print(resulttable.Format(result, columns))
	return nil
}
