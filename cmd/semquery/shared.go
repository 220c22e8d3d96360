package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cliftonc/drizzle-cube-sub010/adapter"
	"github.com/cliftonc/drizzle-cube-sub010/adapter/postgres"
	"github.com/cliftonc/drizzle-cube-sub010/cube"
	"github.com/cliftonc/drizzle-cube-sub010/examples/schooltech"
	"github.com/cliftonc/drizzle-cube-sub010/executor"
	"github.com/cliftonc/drizzle-cube-sub010/internal/annotations"
	"github.com/cliftonc/drizzle-cube-sub010/internal/resultcache"
	"github.com/cliftonc/drizzle-cube-sub010/internal/resultcache/badgercache"
	"github.com/cliftonc/drizzle-cube-sub010/query"
	"github.com/cliftonc/drizzle-cube-sub010/secctx"
)

const defaultCacheTTL = 5 * time.Minute

// sharedFlags are the flags every subcommand shares: which tenant to run
// as, where the query JSON comes from, whether to print live annotation
// events, and (run/sql only) how to reach a database.
type sharedFlags struct {
	queryFile   string
	tenant      string
	databaseURL string
	cacheDir    string
	verbose     bool
	dev         bool
}

func addSharedFlags(cmd *cobra.Command, cfg *sharedFlags) {
	cmd.Flags().StringVarP(&cfg.queryFile, "query", "q", "-",
		"path to a JSON SemanticQuery file (use '-' for stdin)")
	cmd.Flags().StringVarP(&cfg.tenant, "tenant", "t", "lincoln-elementary",
		"tenant id the demo schoolId-scoped cubes filter by")
	cmd.Flags().StringVar(&cfg.databaseURL, "database-url", os.Getenv("DATABASE_URL"),
		"Postgres connection URL (or set DATABASE_URL env var)")
	cmd.Flags().StringVar(&cfg.cacheDir, "cache-dir", "",
		"badger result-cache directory (disabled when empty)")
	cmd.Flags().BoolVarP(&cfg.verbose, "verbose", "v", false,
		"print planning/execution annotation events as they occur")
	cmd.Flags().BoolVar(&cfg.dev, "dev", true,
		"warn when a non-public cube's security predicate is missing")
}

func loadQuery(path string) (*query.SemanticQuery, error) {
	var r io.Reader
	if path == "-" || path == "" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open query file: %w", err)
		}
		defer f.Close()
		r = f
	}

	var q query.SemanticQuery
	if err := json.NewDecoder(r).Decode(&q); err != nil {
		return nil, fmt.Errorf("decode query JSON: %w", err)
	}
	return &q, nil
}

// buildExecutor wires the demo registry, an optional live Postgres
// adapter, and an optional badger result cache into an executor.Executor,
// following the same New(reg, adp, cache, ttl, handler, dev) shape every
// embedding application uses (spec §6). When databaseURL is empty, adp is
// a Postgres adapter with no connection: it renders SQL for explain/sql
// but cannot execute it.
func buildExecutor(ctx context.Context, cfg *sharedFlags) (*executor.Executor, cube.SecurityContext, func(), error) {
	reg := schooltech.Registry()

	var adp adapter.DatabaseAdapter = postgres.New(nil)
	closeFn := func() {}
	if cfg.databaseURL != "" {
		pg, err := postgres.Open(ctx, cfg.databaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		adp = pg
		closeFn = pg.Close
	}

	var cache resultcache.ResultCache
	if cfg.cacheDir != "" {
		c, err := badgercache.Open(cfg.cacheDir)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open result cache: %w", err)
		}
		cache = c
		prev := closeFn
		closeFn = func() { prev(); _ = c.Close() }
	}

	var handler annotations.Handler
	if cfg.verbose {
		handler = annotations.ConsoleHandler()
	}

	exec, err := executor.New(reg, adp, cache, defaultCacheTTL, handler, cfg.dev)
	if err != nil {
		return nil, nil, nil, err
	}
	return exec, secctx.StaticSecurityContext(cfg.tenant), closeFn, nil
}
