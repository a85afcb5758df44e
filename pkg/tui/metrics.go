package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// MetricRow is a single row in the Metrics dashboard table.
type MetricRow struct {
	Name  string // Metric name, e.g. "sessions_active"
	Value string // Current value rendered as text
}

// metricNameColor highlights error counters so a red row stands out the
// moment the daemon starts failing requests.
func metricNameColor(row MetricRow) lipgloss.Color {
	if strings.Contains(row.Name, "error") && row.Value != "0" {
		return lipgloss.Color("1") // red
	}
	if strings.Contains(row.Name, "rejected") && row.Value != "0" {
		return lipgloss.Color("3") // yellow
	}
	return lipgloss.Color("252")
}

// renderMetrics renders the Metrics tab content as a lipgloss-styled table.
func renderMetrics(metrics []MetricRow, width int) string {
	if len(metrics) == 0 {
		return dimStyle.Render("  No metrics yet.")
	}

	colName := colWidth(width, 0.40)
	colValue := colWidth(width, 0.20)

	header := strings.Join([]string{
		headerCellStyle.Width(colName).Render("METRIC"),
		headerCellStyle.Width(colValue).Render("VALUE"),
	}, "")

	var rows []string
	rows = append(rows, header)
	for i, m := range metrics {
		style := rowStyle
		if i%2 == 0 {
			style = altRowStyle
		}
		nameCell := lipgloss.NewStyle().
			Width(colName).
			Foreground(metricNameColor(m)).
			Render(truncate(m.Name, colName-1))

		row := strings.Join([]string{
			nameCell,
			style.Width(colValue).Render(truncate(m.Value, colValue-1)),
		}, "")
		rows = append(rows, row)
	}

	return strings.Join(rows, "\n")
}
