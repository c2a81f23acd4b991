package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/kalambet/bizq/internal/api"
	"github.com/kalambet/bizq/internal/pipeline"
	"github.com/kalambet/bizq/internal/storage"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

const maxPrintedRows = 20

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

// printAnswer writes ans as indented JSON or as text followed by the SQL and
// a row table.
func printAnswer(w io.Writer, ans pipeline.Answer, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(ans)
	}

	text := ans.Text
	switch {
	case ans.Degraded:
		text = colorize(colorYellow, text)
	case ans.Hedged:
		text = colorize(colorYellow, text) + " " + colorize(colorCyan, "(unverified)")
	}
	fmt.Fprintln(w, text)
	if ans.Query != "" {
		fmt.Fprintln(w, colorize(colorCyan, "  "+oneLine(ans.Query)))
	}
	if len(ans.Rows) > 1 || (len(ans.Rows) == 1 && len(ans.Rows[0]) > 1) {
		printRows(w, ans.Rows)
	}
	return nil
}

func printRows(w io.Writer, rows []map[string]any) {
	if len(rows) == 0 {
		return
	}
	cols := make([]string, 0, len(rows[0]))
	for k := range rows[0] {
		cols = append(cols, k)
	}
	slices.Sort(cols)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(cols, "\t"))
	for i, row := range rows {
		if i == maxPrintedRows {
			fmt.Fprintf(tw, "... %d more\n", len(rows)-maxPrintedRows)
			break
		}
		vals := make([]string, len(cols))
		for j, c := range cols {
			vals[j] = fmt.Sprint(row[c])
		}
		fmt.Fprintln(tw, strings.Join(vals, "\t"))
	}
	tw.Flush()
}

func printHistory(w io.Writer, view api.HistoryView) {
	if len(view.Entries) == 0 {
		fmt.Fprintln(w, "No queries yet.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tLATENCY\tROWS\tRESULT\tQUERY")
	for _, e := range view.Entries {
		result := "ok"
		if !e.Success {
			result = string(e.ErrorKind)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			e.Timestamp.Local().Format(time.TimeOnly),
			e.ExecutionTime.Round(time.Millisecond),
			e.RowCount,
			result,
			oneLine(e.Query),
		)
	}
	tw.Flush()

	s := view.Stats
	fmt.Fprintf(w, "\n%d queries, avg %s, %.0f%% success, %d slower than %s\n",
		s.Count, s.AvgLatency.Round(time.Millisecond), s.SuccessRate*100, s.SlowCount, s.SlowThreshold)
}

func printTurns(w io.Writer, turns []storage.Turn) {
	if len(turns) == 0 {
		fmt.Fprintln(w, "No questions found.")
		return
	}
	for _, t := range turns {
		status := colorize(colorGreen, "ok")
		if t.Degraded {
			status = colorize(colorYellow, t.Stage)
		}
		q := t.Question
		if r := []rune(q); len(r) > 80 {
			q = string(r[:80]) + "..."
		}
		fmt.Fprintf(w, "%s  %s  %-13s %s  %s\n",
			colorize(colorCyan, shortID(t.SessionID)),
			t.CreatedAt.Local().Format(time.DateTime),
			t.Category,
			status,
			q,
		)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
