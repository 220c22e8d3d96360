package gormadapter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdapter_DelegatesSQLFragmentsToPostgres(t *testing.T) {
	a := New(nil)
	require.Equal(t, "SUM(price)", a.BuildSum("price"))
	require.Equal(t, "postgres", a.GetCapabilities().Dialect)
}
