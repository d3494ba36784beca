package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/marcus-qen/tandem/internal/instance"
	"github.com/marcus-qen/tandem/internal/runner"
)

const (
	ansiReset  = "\x1b[0m"
	ansiGreen  = "\x1b[32m"
	ansiRed    = "\x1b[31m"
	ansiYellow = "\x1b[33m"
)

// stateOrder is the order totals are printed in.
var stateOrder = []instance.State{
	instance.StatePassed,
	instance.StateFailed,
	instance.StateTimeout,
	instance.StateSkipped,
	instance.StateNotRun,
}

func RenderTable(out io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i >= len(widths) {
				continue
			}
			if l := visibleLen(cell); l > widths[i] {
				widths[i] = l
			}
		}
	}

	writeRow(out, headers, widths)
	writeDivider(out, widths)
	for _, row := range rows {
		writeRow(out, row, widths)
	}
}

func writeDivider(out io.Writer, widths []int) {
	for i, w := range widths {
		if i > 0 {
			fmt.Fprint(out, "  ")
		}
		fmt.Fprint(out, strings.Repeat("-", w))
	}
	fmt.Fprintln(out)
}

func writeRow(out io.Writer, cols []string, widths []int) {
	for i, w := range widths {
		val := ""
		if i < len(cols) {
			val = cols[i]
		}
		if i < len(widths)-1 {
			fmt.Fprint(out, padRight(val, w), "  ")
			continue
		}
		fmt.Fprint(out, val)
	}
	fmt.Fprintln(out)
}

func padRight(v string, width int) string {
	pad := width - visibleLen(v)
	if pad <= 0 {
		return v
	}
	return v + strings.Repeat(" ", pad)
}

// visibleLen counts runes outside ANSI escape sequences.
func visibleLen(s string) int {
	inEscape := false
	count := 0
	for _, ch := range s {
		if inEscape {
			if ch == 'm' {
				inEscape = false
			}
			continue
		}
		if ch == 27 {
			inEscape = true
			continue
		}
		count++
	}
	return count
}

func ColorState(state instance.State) string {
	s := string(state)
	switch state {
	case instance.StatePassed:
		return ansiGreen + s + ansiReset
	case instance.StateFailed, instance.StateTimeout:
		return ansiRed + s + ansiReset
	case instance.StateSkipped, instance.StateNotRun:
		return ansiYellow + s + ansiReset
	default:
		return s
	}
}

func PrintJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max == 1 {
		return string(r[:1])
	}
	return string(r[:max-1]) + "…"
}

func FormatTimeOrDash(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	default:
		return d.Round(10 * time.Millisecond).String()
	}
}

// firstLine keeps failure causes to one table row.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func printSummary(out io.Writer, sum runner.Summary, jsonOutput bool) error {
	if jsonOutput {
		return PrintJSON(out, sum)
	}

	rows := make([][]string, 0, len(sum.Results))
	for _, r := range sum.Results {
		attempt := "-"
		if r.Attempt > 0 {
			attempt = fmt.Sprint(r.Attempt)
		}
		rows = append(rows, []string{
			ColorState(r.State),
			r.DisplayName,
			attempt,
			formatDuration(r.Duration()),
			Truncate(firstLine(r.CauseMessage()), 80),
		})
	}
	RenderTable(out, []string{"STATE", "TEST", "ATTEMPT", "DURATION", "CAUSE"}, rows)

	for _, d := range sum.Diagnostics {
		fmt.Fprintf(out, "%sdiagnostic%s %s: %s\n", ansiYellow, ansiReset, d.Kind, firstLine(d.Message))
	}

	parts := make([]string, 0, len(stateOrder))
	for _, st := range stateOrder {
		if n := sum.Counts[st]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, st))
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "no tests")
	}
	fmt.Fprintf(out, "\nrun %s %s: %s in %s\n", sum.RunID, sum.Outcome, strings.Join(parts, ", "), formatDuration(sum.Duration()))
	return nil
}
