package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cliftonc/drizzle-cube-sub010/query"
)

func TestLoadQuery_ReadsFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "query.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"Measures":["Events.count"],"Dimensions":["Users.role"]}`), 0o644))

	q, err := loadQuery(path)
	require.NoError(t, err)
	require.Equal(t, []string{"Events.count"}, q.Measures)
	require.Equal(t, []string{"Users.role"}, q.Dimensions)
}

func TestLoadQuery_RejectsMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "query.json")
	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o644))

	_, err := loadQuery(path)
	require.Error(t, err)
}

func TestBuildExecutor_WithoutDatabaseURLLeavesAdapterNil(t *testing.T) {
	cfg := &sharedFlags{tenant: "lincoln-elementary"}

	exec, sec, closeFn, err := buildExecutor(context.Background(), cfg)
	require.NoError(t, err)
	defer closeFn()

	require.NotNil(t, exec)
	require.Equal(t, "lincoln-elementary", sec.TenantID())

	q := &query.SemanticQuery{Measures: []string{"Events.count"}}
	analysis, err := exec.AnalyzePlan(q)
	require.NoError(t, err)
	require.Contains(t, analysis.String(), "primary cube: Events")
}
