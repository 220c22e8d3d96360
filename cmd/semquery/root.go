package main

import (
	"context"

	"github.com/spf13/cobra"
)

func Execute(ctx context.Context) error {
	rootCmd := newRootCommand()
	rootCmd.AddCommand(
		newExplainCommand(ctx),
		newSQLCommand(ctx),
		newRunCommand(ctx),
	)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "semquery",
		Short: "Demo CLI for the semantic query engine",
		Long: `semquery loads the bundled schooltech demo cube registry and runs a
SemanticQuery read from a JSON file (or stdin) against it.

explain prints the planner's cube-usage and join analysis without touching
a database. sql renders the SQL a query compiles to. run executes it
against a live Postgres database and prints the result rows.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}
