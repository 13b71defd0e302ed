package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"cellpop/internal/model"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func renderTable(w io.Writer, headers []string, rows [][]string) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	fmt.Fprintln(w, t.Render())
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderGenerations(w io.Writer, gens []model.GenerationSummary) {
	rows := make([][]string, 0, len(gens))
	for _, g := range gens {
		rows = append(rows, []string{
			strconv.Itoa(g.Generation),
			humanize.Comma(int64(g.Cells)),
			humanize.Comma(int64(g.Divisions)),
			humanize.Comma(int64(g.Deaths)),
			humanize.Comma(int64(g.NoEvents)),
			humanize.Comma(int64(g.Errors)),
			(time.Duration(g.DurationSecs * float64(time.Second))).Round(time.Millisecond).String(),
		})
	}
	renderTable(w, []string{"GEN", "CELLS", "DIVISIONS", "DEATHS", "NO EVENT", "ERRORS", "DURATION"}, rows)
}

func formatHours(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// formatCreated renders an RFC3339 timestamp relative to now, falling back
// to the raw value.
func formatCreated(raw string) string {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return raw
	}
	return humanize.Time(t)
}
