package annotations

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
)

// ColorFormatter renders events for the demo CLI's verbose/explain mode,
// auto-detecting color support the way the teacher's OutputFormatter does.
type ColorFormatter struct {
	useColor bool
	writer   io.Writer
}

// NewColorFormatter builds a formatter writing to w (stdout if nil).
func NewColorFormatter(w io.Writer) *ColorFormatter {
	if w == nil {
		w = os.Stdout
	}
	useColor := false
	if f, ok := w.(*os.File); ok {
		useColor = isTerminal(f.Fd())
	}
	return &ColorFormatter{useColor: useColor, writer: w}
}

// Handle implements Handler.
func (f *ColorFormatter) Handle(e Event) {
	if line := f.Format(e); line != "" {
		fmt.Fprintln(f.writer, line)
	}
}

// Format renders one event as a human-readable line.
func (f *ColorFormatter) Format(e Event) string {
	latency := f.formatLatency(e.Latency)
	switch e.Name {
	case QueryInvoked:
		return fmt.Sprintf("%s query invoked", latency)
	case QueryComplete:
		if ok, _ := e.Data["success"].(bool); !ok {
			return fmt.Sprintf("%s %s query failed: %v", latency, f.colorize("FAIL", color.FgRed), e.Data["error"])
		}
		return fmt.Sprintf("%s %s %v rows", latency, f.colorize("OK", color.FgGreen), e.Data["rows"])
	case PlanPrimarySelected:
		return fmt.Sprintf("%s primary cube selected: %v (tier %v)", latency, e.Data["cube"], e.Data["tier"])
	case PlanJoinResolved:
		return fmt.Sprintf("%s join resolved: %v -> %v (%v hops)", latency, e.Data["from"], e.Data["to"], e.Data["hops"])
	case PlanCTECreated:
		return fmt.Sprintf("%s %s CTE planned for %v", latency, f.colorize("CTE", color.FgYellow), e.Data["cube"])
	case PlanPropagatingFilter:
		return fmt.Sprintf("%s propagating filter from %v into %v", latency, e.Data["source"], e.Data["cte"])
	case PlanCalcMeasureOrdered:
		return fmt.Sprintf("%s calculated-measure order: %v", latency, e.Data["order"])
	case BuildFilterCached:
		return fmt.Sprintf("%s filter cached: %v", latency, e.Data["key"])
	case BuildFilterReused:
		return fmt.Sprintf("%s %s filter reused: %v", latency, f.colorize("hit", color.FgCyan), e.Data["key"])
	case ExecComparisonFanout:
		return fmt.Sprintf("%s comparison fan-out: %v sub-queries", latency, e.Data["periods"])
	case ExecCacheHit:
		return fmt.Sprintf("%s %s result cache hit", latency, f.colorize("CACHE", color.FgGreen))
	case ExecCacheMiss:
		return fmt.Sprintf("%s result cache miss", latency)
	case ErrorValidation, ErrorPlanning, ErrorExecution, ErrorCache:
		return fmt.Sprintf("%s %s %v", latency, f.colorize(e.Name, color.FgRed), e.Data["error"])
	default:
		return fmt.Sprintf("%s %s %v", latency, e.Name, e.Data)
	}
}

func (f *ColorFormatter) formatLatency(d time.Duration) string {
	if d < time.Millisecond {
		s := fmt.Sprintf("[%dµs]", d.Microseconds())
		if !f.useColor {
			return s
		}
		return color.GreenString(s)
	}
	ms := float64(d.Microseconds()) / 1000.0
	s := fmt.Sprintf("[%.1fms]", ms)
	if !f.useColor {
		return s
	}
	switch {
	case ms < 50:
		return color.GreenString(s)
	case ms < 200:
		return color.YellowString(s)
	default:
		return color.RedString(s)
	}
}

func (f *ColorFormatter) colorize(text string, attrs ...color.Attribute) string {
	if !f.useColor {
		return text
	}
	return color.New(attrs...).Sprint(text)
}

// ConsoleHandler returns a Handler writing formatted events to stdout.
func ConsoleHandler() Handler {
	formatter := NewColorFormatter(os.Stdout)
	return formatter.Handle
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// isTerminal is a simplified TTY check, as in the teacher: good enough to
// decide whether to emit ANSI color codes for the demo CLI, not a general
// terminal-capability library.
func isTerminal(fd uintptr) bool {
	return fd == uintptr(1) || fd == uintptr(2)
}
