package comparison

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cliftonc/drizzle-cube-sub010/adapter"
	"github.com/cliftonc/drizzle-cube-sub010/internal/datetime"
	"github.com/cliftonc/drizzle-cube-sub010/query"
)

type stubAdapter struct{ adapter.DatabaseAdapter }

func newBuilder() *datetime.Builder { return datetime.New(stubAdapter{}) }

func baseQuery() *query.SemanticQuery {
	compare := query.DateRange{Start: "2024-01-01", End: "2024-01-08"}
	return &query.SemanticQuery{
		Measures: []string{"Events.count"},
		TimeDimensions: []query.TimeDimension{
			{
				Dimension:        "Events.createdAt",
				Granularity:      query.Day,
				DateRange:        query.DateRange{Start: "2024-02-01", End: "2024-02-08"},
				CompareDateRange: &compare,
			},
		},
	}
}

func TestExpand_ProducesCurrentAndPreviousPeriods(t *testing.T) {
	dt := newBuilder()
	periods, field, gran, err := Expand(baseQuery(), dt)
	require.NoError(t, err)
	require.Equal(t, "Events.createdAt", field)
	require.Equal(t, query.Day, gran)
	require.Len(t, periods, 2)
	require.Equal(t, "current", periods[0].Label)
	require.Equal(t, "previous", periods[1].Label)
	require.Nil(t, periods[0].Query.TimeDimensions[0].CompareDateRange)
	require.Equal(t, "2024-02-01T00:00:00Z", periods[0].Query.TimeDimensions[0].DateRange.Start)
	require.Equal(t, "2024-01-01T00:00:00Z", periods[1].Query.TimeDimensions[0].DateRange.Start)
}

func TestExpand_MismatchedSpanIsError(t *testing.T) {
	dt := newBuilder()
	q := baseQuery()
	compare := query.DateRange{Start: "2024-01-01", End: "2024-01-03"}
	q.TimeDimensions[0].CompareDateRange = &compare

	_, _, _, err := Expand(q, dt)
	require.Error(t, err)
	require.Contains(t, err.Error(), "periods must be equal length")
}

func TestExpand_NoComparisonIsError(t *testing.T) {
	dt := newBuilder()
	q := baseQuery()
	q.TimeDimensions[0].CompareDateRange = nil

	_, _, _, err := Expand(q, dt)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no compareDateRange")
}

func TestMerge_TagsAndSortsByPeriodThenTime(t *testing.T) {
	dt := newBuilder()
	periods, field, gran, err := Expand(baseQuery(), dt)
	require.NoError(t, err)

	day := func(s string) time.Time {
		t, _ := time.Parse("2006-01-02", s)
		return t
	}

	current := []map[string]interface{}{
		{"Events.createdAt": day("2024-02-03"), "Events.count": 5},
		{"Events.createdAt": day("2024-02-01"), "Events.count": 2},
	}
	previous := []map[string]interface{}{
		{"Events.createdAt": day("2024-01-02"), "Events.count": 1},
	}

	merged, err := Merge(periods, [][]map[string]interface{}{current, previous}, field, gran)
	require.NoError(t, err)
	require.Len(t, merged, 3)

	require.Equal(t, "current", merged[0]["__period"])
	require.Equal(t, 0, merged[0]["__periodIndex"])
	require.Equal(t, 0, merged[0]["__periodDayIndex"])
	require.Equal(t, "current", merged[1]["__period"])
	require.Equal(t, 2, merged[1]["__periodDayIndex"])
	require.Equal(t, "previous", merged[2]["__period"])
	require.Equal(t, 1, merged[2]["__periodIndex"])
	require.Equal(t, 1, merged[2]["__periodDayIndex"])
}

func TestMerge_MoreResultSetsThanPeriodsIsError(t *testing.T) {
	dt := newBuilder()
	periods, field, gran, err := Expand(baseQuery(), dt)
	require.NoError(t, err)

	_, err = Merge(periods, [][]map[string]interface{}{{}, {}, {}}, field, gran)
	require.Error(t, err)
	require.Contains(t, err.Error(), "more result sets")
}
