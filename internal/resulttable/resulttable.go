// Package resulttable renders a query.Result as a markdown table for the
// demo CLI, the same shape the teacher's own Relation table formatter
// produces (datalog/executor/table_formatter.go): a strings.Builder
// target, renderer.NewMarkdown(), one row per result tuple, a trailing
// row count.
package resulttable

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/cliftonc/drizzle-cube-sub010/query"
)

// Format renders result.Data as a table. columns, when non-empty, fixes
// the column order (typically Columns(q): dimensions, then time
// dimensions, then measures); when empty, columns are inferred by sorting the keys
// of the first row, which is the best a caller can do for a specialized
// analytics result whose shape isn't known to the SemanticQuery that
// produced it (e.g. flow's single {nodes, links} row).
func Format(result *query.Result, columns []string) string {
	if len(result.Data) == 0 {
		return "_no rows_\n"
	}
	if len(columns) == 0 {
		columns = inferColumns(result.Data[0])
	}

	var sb strings.Builder
	alignment := make([]tw.Align, len(columns))
	for i := range alignment {
		alignment[i] = tw.AlignLeft
	}
	table := tablewriter.NewTable(&sb,
		tablewriter.WithRenderer(renderer.NewMarkdown()),
		tablewriter.WithAlignment(alignment),
		tablewriter.WithHeaderAutoFormat(tw.Off),
	)
	table.Header(columns)
	for _, row := range result.Data {
		rendered := make([]string, len(columns))
		for i, col := range columns {
			rendered[i] = formatValue(row[col])
		}
		table.Append(rendered)
	}
	table.Render()

	fmt.Fprintf(&sb, "\n_%d rows_\n", len(result.Data))
	return sb.String()
}

func inferColumns(row map[string]interface{}) []string {
	cols := make([]string, 0, len(row))
	for k := range row {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

func formatValue(val interface{}) string {
	if val == nil {
		return ""
	}
	switch v := val.(type) {
	case string:
		return v
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case float64:
		return fmt.Sprintf("%.4g", v)
	case bool:
		return fmt.Sprintf("%t", v)
	case time.Time:
		return v.Format("2006-01-02 15:04:05")
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Columns derives the display column order for a standard-path query:
// dimensions, then time dimensions, then measures, matching the SELECT
// list order querybuilder.Build renders (spec §4.6).
func Columns(q *query.SemanticQuery) []string {
	var cols []string
	cols = append(cols, q.Dimensions...)
	for _, td := range q.TimeDimensions {
		cols = append(cols, td.Dimension)
	}
	cols = append(cols, q.Measures...)
	return cols
}
