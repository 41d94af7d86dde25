package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
)

const (
	maxTextWidth    = 80
	timeLayout      = "15:04:05"
	promptPreview   = 100
	responsePreview = 160
)

// WriteText renders rep as terminal tables.
func WriteText(w io.Writer, rep *Report) error {
	s := rep.Summary
	fmt.Fprintf(w, "Statements: %d | Avg duration: %.1f ms | Rows: %d | Tables: %d | Window: %d min\n\n",
		s.Statements, s.AvgDurationMs, s.TotalRows, s.DistinctTables, rep.WindowMinutes)

	if !rep.Grouped {
		if len(rep.Statements) == 0 {
			fmt.Fprintln(w, "No statements captured in the window.")
			return nil
		}
		writeRows(w, rep.Statements)
		return nil
	}

	for _, g := range rep.Groups {
		in := g.Interaction
		fmt.Fprintf(w, "#%d %s  [%s - %s UTC, %.1fs, %d tokens]\n",
			in.Index, preview(in.Prompt, promptPreview),
			in.Start.UTC().Format(timeLayout), in.End.UTC().Format(timeLayout),
			in.Seconds(), in.PromptTokens.Tokens+in.ResponseTokens.Tokens)
		if in.Response != "" {
			fmt.Fprintf(w, "  > %s\n", preview(in.Response, responsePreview))
		}
		if len(g.Statements) == 0 {
			fmt.Fprintln(w, "  no statements in window")
			fmt.Fprintln(w)
			continue
		}
		writeRows(w, g.Statements)
		fmt.Fprintln(w)
	}

	if len(rep.Unmatched) > 0 {
		fmt.Fprintf(w, "Unmatched (%d)\n", len(rep.Unmatched))
		writeRows(w, rep.Unmatched)
	}
	return nil
}

func writeRows(w io.Writer, rows []Row) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetHeader([]string{
		"Time\n(UTC)", "Kind", "Tables", "Operation",
		"Avg\n(ms)", "Rows", "Execs", "Statement",
	})

	for _, r := range rows {
		table.Append([]string{
			r.ExecutedAt.UTC().Format(timeLayout),
			string(r.Classification.Kind),
			r.Classification.TablesLabel(),
			r.Classification.Operation,
			fmt.Sprintf("%.1f", r.AvgDurationMs),
			fmt.Sprintf("%d", r.Rows),
			fmt.Sprintf("%d", r.ExecutionCount),
			preview(r.Text, maxTextWidth),
		})
	}
	table.Render()
}

// preview collapses whitespace and shortens s to n runes.
func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
