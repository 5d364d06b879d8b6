// Package report renders probe results as a terminal table, JSON or a
// Markdown summary.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"golang.org/x/term"

	"github.com/justjake/pgprobe/pkg/bench"
)

// ErrNoResults is returned when there is nothing to render.
var ErrNoResults = errors.New("no results")

// Headers are the table columns, in order.
var Headers = []string{"Name", "Average", "Minimum", "Maximum", "Slowest (including warmup)"}

// Result is one named row.
type Result struct {
	Name  string      `json:"name"`
	Probe string      `json:"probe,omitempty"`
	RunID string      `json:"run_id,omitempty"`
	Stats bench.Stats `json:"stats"`
}

// Format selects a renderer.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// ParseFormat accepts the names of the supported formats.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatTable, FormatJSON, FormatMarkdown:
		return f, nil
	case "md":
		return FormatMarkdown, nil
	}
	return "", fmt.Errorf("unknown output format %q (want table, json or markdown)", s)
}

// Write renders results to w in format f.
func Write(w io.Writer, f Format, results []Result) error {
	switch f {
	case FormatTable, "":
		return WriteTable(w, results, IsTerminal(w))
	case FormatJSON:
		return WriteJSON(w, results)
	case FormatMarkdown:
		return WriteMarkdown(w, results)
	}
	return fmt.Errorf("unknown output format %q", f)
}

// Seconds rounds d to five decimal places of seconds.
func Seconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*1e5) / 1e5
}

// Row formats a result as table cells.
func Row(r Result) []string {
	return []string{
		r.Name,
		formatSeconds(r.Stats.Average),
		formatSeconds(r.Stats.Minimum),
		formatSeconds(r.Stats.Maximum),
		formatSeconds(r.Stats.Slowest),
	}
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(Seconds(d), 'f', 5, 64)
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00CED1")).
			Padding(0, 1)
	nameStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#9B30FF")).
			Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1).Align(lipgloss.Right)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	plainStyle  = lipgloss.NewStyle().Padding(0, 1)
)

// WriteTable writes a bordered table. Colors are only used when styled.
func WriteTable(w io.Writer, results []Result, styled bool) error {
	if len(results) == 0 {
		return ErrNoResults
	}

	rows := make([][]string, len(results))
	for i, r := range results {
		rows[i] = Row(r)
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(Headers...).
		Rows(rows...)
	if styled {
		t = t.BorderStyle(borderStyle).StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case col == 0:
				return nameStyle
			default:
				return cellStyle
			}
		})
	} else {
		t = t.StyleFunc(func(int, int) lipgloss.Style { return plainStyle })
	}

	_, err := fmt.Fprintln(w, t.Render())
	return err
}

// WriteJSON writes {"results": [...]} with durations in seconds.
func WriteJSON(w io.Writer, results []Result) error {
	if len(results) == 0 {
		return ErrNoResults
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Results []Result `json:"results"`
	}{results})
}

// WriteMarkdown writes a GitHub-flavored Markdown table.
func WriteMarkdown(w io.Writer, results []Result) error {
	if len(results) == 0 {
		return ErrNoResults
	}

	rows := make([][]string, len(results))
	for i, r := range results {
		rows[i] = Row(r)
	}
	return WriteMarkdownTable(w, Headers, rows)
}

// WriteMarkdownTable writes a GitHub-flavored markdown table.
func WriteMarkdownTable(w io.Writer, headers []string, rows [][]string) error {
	var b strings.Builder
	b.WriteString("| " + strings.Join(headers, " | ") + " |\n")
	b.WriteString("|" + strings.Repeat("---|", len(headers)) + "\n")
	for _, row := range rows {
		b.WriteString("| " + strings.Join(row, " | ") + " |\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}
