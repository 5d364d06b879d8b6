package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/justjake/pgprobe/pkg/probe"
)

// ProbeHeaders are the columns of the probe listing.
var ProbeHeaders = []string{"ID", "Name", "Store", "Fixture", "Remote", "Default iterations"}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// WriteProbes lists catalog entries in format f.
func WriteProbes(w io.Writer, f Format, probes []probe.Descriptor) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(probes)
	case FormatTable, FormatMarkdown, "":
	default:
		return fmt.Errorf("unknown output format %q", f)
	}

	rows := make([][]string, len(probes))
	for i, d := range probes {
		rows[i] = []string{
			d.ID,
			d.Name,
			yesNo(d.UsesStore),
			yesNo(d.RequiresSetup),
			yesNo(d.ExecutesRemotely),
			strconv.Itoa(d.DefaultIterations),
		}
	}

	if f == FormatMarkdown {
		return WriteMarkdownTable(w, ProbeHeaders, rows)
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(ProbeHeaders...).
		Rows(rows...)
	if IsTerminal(w) {
		t = t.BorderStyle(borderStyle).StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case col == 0:
				return nameStyle
			default:
				return plainStyle
			}
		})
	} else {
		t = t.StyleFunc(func(int, int) lipgloss.Style { return plainStyle })
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}
