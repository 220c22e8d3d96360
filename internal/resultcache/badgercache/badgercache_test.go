package badgercache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cliftonc/drizzle-cube-sub010/query"
)

func TestCache_SetGetRoundTrip(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	want := &query.Result{
		Data: []map[string]interface{}{{"Orders.count": int64(42)}},
		Annotation: query.Annotation{
			Measures: map[string]query.MemberAnnotation{
				"Orders.count": {Title: "Count", Type: "number"},
			},
		},
	}

	require.NoError(t, c.Set(ctx, "k1", want, time.Minute))

	got, hit, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, want.Data, got.Data)
	require.Equal(t, want.Annotation, got.Annotation)
}

func TestCache_GetMiss(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	got, hit, err := c.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, hit)
	require.Nil(t, got)
}
