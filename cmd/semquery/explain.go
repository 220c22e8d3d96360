package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newExplainCommand(ctx context.Context) *cobra.Command {
	cfg := &sharedFlags{}

	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Print the planner's cube-usage and join analysis for a query",
		Long: `explain loads a SemanticQuery and runs it through the planner only: no
SQL is generated and no database is touched. It prints the chosen primary
cube, the join path to every other referenced cube, and the CTEs the
query builder would materialize.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExplain(ctx, cfg)
		},
	}
	addSharedFlags(cmd, cfg)
	return cmd
}

func runExplain(ctx context.Context, cfg *sharedFlags) error {
	q, err := loadQuery(cfg.queryFile)
	if err != nil {
		return err
	}

	exec, _, closeFn, err := buildExecutor(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	analysis, err := exec.AnalyzePlan(q)
	if err != nil {
		return fmt.Errorf("analyze plan: %w", err)
	}

	fmt.Print(analysis.String())
	return nil
}
