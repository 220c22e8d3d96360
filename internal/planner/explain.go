package planner

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
)

// String renders a QueryAnalysis as the two markdown tables (hops, then
// CTEs) the demo CLI's "explain" subcommand prints, grounded on the
// teacher's own Relation table formatter
// (datalog/executor/table_formatter.go): a strings.Builder target,
// renderer.NewMarkdown(), headers via table.Header, rows via
// table.Append.
func (a *QueryAnalysis) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "primary cube: %s (%s)\n", a.PrimaryCube, a.PrimaryCubeTier)
	if len(a.Candidates) > 0 {
		fmt.Fprintf(&sb, "candidates: %s\n", strings.Join(a.Candidates, ", "))
	}

	if len(a.Hops) > 0 {
		sb.WriteString("\n")
		writeTable(&sb, []string{"Cube", "Via"}, hopRows(a.Hops))
	}
	if len(a.CTEs) > 0 {
		sb.WriteString("\n")
		writeTable(&sb, []string{"Cube", "Alias", "Measures", "Propagating Filters", "Downstream Keys"}, cteRows(a.CTEs))
	}
	return sb.String()
}

func hopRows(hops []HopAnalysis) [][]string {
	rows := make([][]string, 0, len(hops))
	for _, h := range hops {
		via := string(h.Relationship)
		if h.ViaCTE != "" {
			via = "CTE " + h.ViaCTE
		}
		rows = append(rows, []string{h.Cube, via})
	}
	return rows
}

func cteRows(ctes []CTEAnalysis) [][]string {
	rows := make([][]string, 0, len(ctes))
	for _, c := range ctes {
		rows = append(rows, []string{
			c.Cube,
			c.Alias,
			strings.Join(c.Measures, ", "),
			strconv.Itoa(c.PropagatingFilterCount),
			strconv.Itoa(c.DownstreamJoinKeyCount),
		})
	}
	return rows
}

func writeTable(sb *strings.Builder, headers []string, rows [][]string) {
	alignment := make([]tw.Align, len(headers))
	for i := range alignment {
		alignment[i] = tw.AlignLeft
	}
	table := tablewriter.NewTable(sb,
		tablewriter.WithRenderer(renderer.NewMarkdown()),
		tablewriter.WithAlignment(alignment),
		tablewriter.WithHeaderAutoFormat(tw.Off),
	)
	table.Header(headers)
	for _, r := range rows {
		table.Append(r)
	}
	table.Render()
}
