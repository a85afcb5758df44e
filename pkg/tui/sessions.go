package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// SessionRow is a single row in the Sessions dashboard table.
type SessionRow struct {
	Token   string // Full session token
	State   string // "attached", "detached", or "closed"
	Age     string // Time since the session was created, e.g. "42m"
	Queue   string // Unacknowledged messages retained for replay
	Expires string // Time until grace runs out, "-" while attached
}

// sessionStateColor returns a lipgloss foreground colour for a session state.
func sessionStateColor(state string) lipgloss.Color {
	switch strings.ToLower(state) {
	case "attached":
		return lipgloss.Color("2") // green
	case "detached":
		return lipgloss.Color("3") // yellow
	case "closed":
		return lipgloss.Color("8") // grey
	default:
		return lipgloss.Color("1") // red
	}
}

// renderSessions renders the Sessions tab content as a lipgloss-styled table
// and returns it as a string. width constrains the overall column layout.
func renderSessions(sessions []SessionRow, width int) string {
	if len(sessions) == 0 {
		return dimStyle.Render("  No sessions.")
	}

	// Column widths scale with terminal width but never drop below 8.
	colToken := colWidth(width, 0.38)
	colState := colWidth(width, 0.12)
	colAge := colWidth(width, 0.10)
	colQueue := colWidth(width, 0.10)
	colExpires := colWidth(width, 0.12)

	header := strings.Join([]string{
		headerCellStyle.Width(colToken).Render("TOKEN"),
		headerCellStyle.Width(colState).Render("STATE"),
		headerCellStyle.Width(colAge).Render("AGE"),
		headerCellStyle.Width(colQueue).Render("QUEUE"),
		headerCellStyle.Width(colExpires).Render("EXPIRES"),
	}, "")

	var rows []string
	rows = append(rows, header)
	for i, s := range sessions {
		style := rowStyle
		if i%2 == 0 {
			style = altRowStyle
		}
		stateCell := lipgloss.NewStyle().
			Width(colState).
			Foreground(sessionStateColor(s.State)).
			Render(truncate(s.State, colState-1))

		row := strings.Join([]string{
			style.Width(colToken).Render(truncate(s.Token, colToken-1)),
			stateCell,
			style.Width(colAge).Render(truncate(s.Age, colAge-1)),
			style.Width(colQueue).Render(truncate(s.Queue, colQueue-1)),
			style.Width(colExpires).Render(truncate(s.Expires, colExpires-1)),
		}, "")
		rows = append(rows, row)
	}

	return strings.Join(rows, "\n")
}

// colWidth converts a fractional width into an integer column width, leaving a
// small gutter between columns.
func colWidth(totalWidth int, fraction float64) int {
	w := int(float64(totalWidth) * fraction)
	if w < 8 {
		w = 8
	}
	return w
}

// truncate shortens s to maxLen runes, appending "…" if truncation occurred.
func truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 1 {
		return string(runes[:maxLen])
	}
	return fmt.Sprintf("%s…", string(runes[:maxLen-1]))
}
