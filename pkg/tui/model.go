// Package tui provides the interactive terminal dashboard for uplinkctl.
// It is built on the bubbletea/lipgloss stack and renders three tabs:
// Sessions, Channels, and Metrics. Data is refreshed every 2 seconds
// through the uplinkd admin API.
package tui

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rishiad/uplink-server/pkg/api"
)

// ---------------------------------------------------------------------------
// Shared styles
// ---------------------------------------------------------------------------

var (
	// titleStyle renders the application title bar.
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("24")).
			Padding(0, 1)

	// activeTabStyle renders the currently selected tab label.
	activeTabStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("24")).
			Padding(0, 2)

	// inactiveTabStyle renders unselected tab labels.
	inactiveTabStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240")).
				Padding(0, 2)

	// headerCellStyle is used for table column headers.
	headerCellStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			PaddingRight(1)

	// rowStyle is used for odd-numbered table rows.
	rowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			PaddingRight(1)

	// altRowStyle is used for even-numbered table rows (zebra striping).
	altRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Background(lipgloss.Color("236")).
			PaddingRight(1)

	// dimStyle is used for "no data" messages.
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Italic(true)

	// statusBarStyle renders the bottom status bar.
	statusBarStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			PaddingLeft(1)

	// errorStyle renders error messages.
	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1")).
			Bold(true).
			PaddingLeft(1)
)

// ---------------------------------------------------------------------------
// Tab type
// ---------------------------------------------------------------------------

// tab identifies the currently active dashboard tab.
type tab int

const (
	tabSessions tab = iota
	tabChannels
	tabMetrics
	tabCount // sentinel, must stay last
)

// ---------------------------------------------------------------------------
// Tea messages
// ---------------------------------------------------------------------------

// tickMsg is sent every refreshInterval to trigger a data refresh.
type tickMsg time.Time

// dataMsg carries a freshly fetched dataset.
type dataMsg struct {
	sessions []SessionRow
	channels []ChannelRow
	metrics  []MetricRow
}

// errMsg carries a fetch or decode error to display in the status bar.
type errMsg error

// ---------------------------------------------------------------------------
// Model
// ---------------------------------------------------------------------------

const refreshInterval = 2 * time.Second

// Model is the top-level bubbletea model for the dashboard.
type Model struct {
	tabs      []string
	activeTab tab
	sessions  []SessionRow
	channels  []ChannelRow
	metrics   []MetricRow
	client    api.AdminClient
	serverURL string
	width     int
	height    int
	err       error
	loading   bool
	lastFetch time.Time
}

// New returns a Model that reads from client. serverURL is only displayed
// in the status bar.
func New(client api.AdminClient, serverURL string) Model {
	return Model{
		tabs:      []string{"Sessions", "Channels", "Metrics"},
		client:    client,
		serverURL: serverURL,
		loading:   true,
	}
}

// Init starts the periodic tick and issues the first data fetch.
func (m Model) Init() tea.Cmd {
	return tea.Batch(tick(), fetchData(m.client))
}

// tick schedules a tickMsg after refreshInterval.
func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update processes messages and returns an updated model plus any commands.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab", "right", "l":
			m.activeTab = (m.activeTab + 1) % tabCount
		case "shift+tab", "left", "h":
			m.activeTab = (m.activeTab - 1 + tabCount) % tabCount
		case "1":
			m.activeTab = tabSessions
		case "2":
			m.activeTab = tabChannels
		case "3":
			m.activeTab = tabMetrics
		case "r":
			// Manual refresh
			m.loading = true
			m.err = nil
			return m, fetchData(m.client)
		}
		return m, nil

	case tickMsg:
		m.loading = true
		m.err = nil
		return m, tea.Batch(tick(), fetchData(m.client))

	case dataMsg:
		m.loading = false
		m.err = nil
		m.sessions = msg.sessions
		m.channels = msg.channels
		m.metrics = msg.metrics
		m.lastFetch = time.Now()
		return m, nil

	case errMsg:
		m.loading = false
		m.err = msg
		return m, nil
	}

	return m, nil
}

// View renders the entire dashboard to a string.
func (m Model) View() string {
	if m.width == 0 {
		return "Loading…"
	}

	var sb strings.Builder

	// --- Title bar ---
	title := titleStyle.Render("  Uplink Dashboard  ")
	sb.WriteString(title)
	sb.WriteString("\n")

	// --- Tab bar ---
	var tabParts []string
	for i, name := range m.tabs {
		label := fmt.Sprintf(" %d: %s ", i+1, name)
		if tab(i) == m.activeTab {
			tabParts = append(tabParts, activeTabStyle.Render(label))
		} else {
			tabParts = append(tabParts, inactiveTabStyle.Render(label))
		}
	}
	sb.WriteString(strings.Join(tabParts, ""))
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("─", m.width))
	sb.WriteString("\n")

	// --- Content area ---
	contentHeight := m.height - 5 // title(1) + tabs(1) + divider(1) + status(2)
	if contentHeight < 1 {
		contentHeight = 1
	}
	content := m.renderActiveTab()
	content = clipLines(content, contentHeight)
	sb.WriteString(content)
	sb.WriteString("\n")

	// --- Status bar ---
	sb.WriteString(strings.Repeat("─", m.width))
	sb.WriteString("\n")
	sb.WriteString(m.renderStatus())

	return sb.String()
}

// renderActiveTab renders the content of the currently selected tab.
func (m Model) renderActiveTab() string {
	w := m.width - 2 // leave a small margin
	switch m.activeTab {
	case tabSessions:
		return renderSessions(m.sessions, w)
	case tabChannels:
		return renderChannels(m.channels, w)
	case tabMetrics:
		return renderMetrics(m.metrics, w)
	default:
		return ""
	}
}

// renderStatus renders the bottom status bar line.
func (m Model) renderStatus() string {
	if m.err != nil {
		return errorStyle.Render(fmt.Sprintf("Error: %v", m.err))
	}

	parts := []string{
		fmt.Sprintf("server: %s", m.serverURL),
	}
	if !m.lastFetch.IsZero() {
		parts = append(parts, fmt.Sprintf("last refresh: %s", m.lastFetch.Format("15:04:05")))
	}
	if m.loading {
		parts = append(parts, "refreshing…")
	}
	parts = append(parts, "q: quit  tab: next tab  r: refresh")

	return statusBarStyle.Render(strings.Join(parts, "  |  "))
}

// clipLines limits the string s to at most maxLines newline-delimited lines.
func clipLines(s string, maxLines int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= maxLines {
		return s
	}
	return strings.Join(lines[:maxLines], "\n")
}

// ---------------------------------------------------------------------------
// Data fetching
// ---------------------------------------------------------------------------

// fetchData reads sessions, channels, and metrics through the admin client
// and returns a dataMsg (or errMsg on the first failure).
func fetchData(client api.AdminClient) tea.Cmd {
	return func() tea.Msg {
		sessions, err := client.ListSessions()
		if err != nil {
			return errMsg(err)
		}
		channels, err := client.ListChannels()
		if err != nil {
			return errMsg(err)
		}
		metrics, err := client.Metrics()
		if err != nil {
			return errMsg(err)
		}
		return dataMsg{
			sessions: sessionRows(sessions),
			channels: channelRows(channels),
			metrics:  metricRows(metrics),
		}
	}
}

// sessionRows converts admin API sessions into display rows.
func sessionRows(sessions []api.SessionInfo) []SessionRow {
	now := time.Now()
	rows := make([]SessionRow, 0, len(sessions))
	for _, s := range sessions {
		expires := "-"
		if s.ExpiresAt != nil {
			expires = formatAge(s.ExpiresAt.Sub(now))
		}
		rows = append(rows, SessionRow{
			Token:   s.Token,
			State:   s.State,
			Age:     formatAge(now.Sub(s.CreatedAt)),
			Queue:   strconv.Itoa(s.Stats.QueueLen),
			Expires: expires,
		})
	}
	return rows
}

// channelRows converts channel manifests into display rows.
func channelRows(channels []api.ChannelInfo) []ChannelRow {
	rows := make([]ChannelRow, 0, len(channels))
	for _, ch := range channels {
		methods := make([]string, 0, len(ch.Methods))
		for _, mth := range ch.Methods {
			methods = append(methods, mth.Name)
		}
		events := make([]string, 0, len(ch.Events))
		for _, ev := range ch.Events {
			events = append(events, ev.Name)
		}
		rows = append(rows, ChannelRow{
			Name:    ch.Channel,
			Methods: strings.Join(methods, ","),
			Events:  strings.Join(events, ","),
		})
	}
	return rows
}

// metricRows flattens the metrics map into name-sorted display rows.
func metricRows(metrics map[string]int64) []MetricRow {
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	rows := make([]MetricRow, 0, len(names))
	for _, name := range names {
		rows = append(rows, MetricRow{Name: name, Value: strconv.FormatInt(metrics[name], 10)})
	}
	return rows
}

// formatAge renders a duration in the compact style of process listings.
func formatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		h := int(d.Hours())
		m := int(d.Minutes()) - h*60
		return fmt.Sprintf("%dh%02dm", h, m)
	}
}
