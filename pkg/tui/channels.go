package tui

import "strings"

// ChannelRow is a single row in the Channels dashboard table.
type ChannelRow struct {
	Name    string // Channel name, e.g. "terminal"
	Methods string // Comma-joined method names
	Events  string // Comma-joined event names
}

// renderChannels renders the Channels tab content as a lipgloss-styled table.
func renderChannels(channels []ChannelRow, width int) string {
	if len(channels) == 0 {
		return dimStyle.Render("  No channels registered.")
	}

	colName := colWidth(width, 0.18)
	colMethods := colWidth(width, 0.46)
	colEvents := colWidth(width, 0.26)

	header := strings.Join([]string{
		headerCellStyle.Width(colName).Render("CHANNEL"),
		headerCellStyle.Width(colMethods).Render("METHODS"),
		headerCellStyle.Width(colEvents).Render("EVENTS"),
	}, "")

	var rows []string
	rows = append(rows, header)
	for i, ch := range channels {
		style := rowStyle
		if i%2 == 0 {
			style = altRowStyle
		}
		row := strings.Join([]string{
			style.Width(colName).Render(truncate(ch.Name, colName-1)),
			style.Width(colMethods).Render(truncate(ch.Methods, colMethods-1)),
			style.Width(colEvents).Render(truncate(ch.Events, colEvents-1)),
		}, "")
		rows = append(rows, row)
	}

	return strings.Join(rows, "\n")
}
