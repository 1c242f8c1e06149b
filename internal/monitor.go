package internal

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const monitorInterval = 2 * time.Second

type (
	statsMsg struct {
		stats Stats
		err   error
	}
	monitorTickMsg time.Time
)

// MonitorModel polls /api/stats and renders it as a table.
type MonitorModel struct {
	base      string
	table     table.Model
	last      Stats
	lastErr   error
	updatedAt time.Time
	quitting  bool
}

func NewMonitorModel(base string) *MonitorModel {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Metric", Width: 24},
			{Title: "Value", Width: 18},
		}),
		table.WithHeight(20),
		table.WithFocused(true),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("63")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))
	t.SetStyles(styles)
	return &MonitorModel{base: base, table: t}
}

func (m *MonitorModel) Init() tea.Cmd {
	return m.fetch()
}

func (m *MonitorModel) fetch() tea.Cmd {
	base := m.base
	return func() tea.Msg {
		st, err := apiStats(base)
		return statsMsg{stats: st, err: err}
	}
}

func (m *MonitorModel) tick() tea.Cmd {
	return tea.Tick(monitorInterval, func(t time.Time) tea.Msg {
		return monitorTickMsg(t)
	})
}

func (m *MonitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.fetch()
		}
	case monitorTickMsg:
		return m, m.fetch()
	case statsMsg:
		m.lastErr = msg.err
		if msg.err == nil {
			m.last = msg.stats
			m.updatedAt = time.Now()
			m.table.SetRows(statsRows(msg.stats))
		}
		return m, m.tick()
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *MonitorModel) View() string {
	if m.quitting {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(appTitleStyle.Render("roomshare monitor"))
	sb.WriteString("  ")
	sb.WriteString(timestampStyle.Render(m.base))
	sb.WriteString("\n")
	if m.last.Version != "" && CompareVersions(m.last.Version, Version) != 0 {
		sb.WriteString(errorLineStyle.Render(fmt.Sprintf("server runs %s, this client is %s", m.last.Version, Version)))
		sb.WriteString("\n")
	}
	sb.WriteString(menuBoxStyle.Render(m.table.View()))
	sb.WriteString("\n")
	switch {
	case m.lastErr != nil:
		sb.WriteString(errorLineStyle.Render("poll failed: " + m.lastErr.Error()))
	case !m.updatedAt.IsZero():
		sb.WriteString(timestampStyle.Render("updated " + m.updatedAt.Format(time.TimeOnly)))
	}
	sb.WriteString("\n")
	sb.WriteString(menuHintStyle.Render("r refresh  q quit"))
	return sb.String()
}

func statsRows(st Stats) []table.Row {
	num := func(n int64) string { return strconv.FormatInt(n, 10) }
	unum := func(n uint64) string { return strconv.FormatUint(n, 10) }
	return []table.Row{
		{"version", st.Version},
		{"uptime", (time.Duration(st.UptimeSeconds) * time.Second).String()},
		{"connections", strconv.Itoa(st.Connections)},
		{"rooms", strconv.Itoa(st.Rooms.Rooms)},
		{"users online", fmt.Sprintf("%d/%d", st.Rooms.OnlineUsers, st.Rooms.Users)},
		{"messages", strconv.Itoa(st.Rooms.Messages)},
		{"files", num(st.Files)},
		{"file bytes", humanBytes(st.FileBytes)},
		{"shares active", strconv.Itoa(st.Shares.Active)},
		{"shares expired", strconv.Itoa(st.Shares.Expired)},
		{"shares revoked", strconv.Itoa(st.Shares.Revoked)},
		{"streams", fmt.Sprintf("%d/%d", st.Admission.ActiveStreams, st.Admission.MaxStreams)},
		{"downloads ok", unum(st.Counters.DownloadsOK)},
		{"downloads failed", unum(st.Counters.DownloadsFailed)},
		{"bytes served", humanBytes(int64(st.Counters.BytesServed))},
		{"rejected (rate)", unum(st.Admission.RateRejected)},
		{"rejected (streams)", unum(st.Admission.StreamRejected)},
		{"rejected (bandwidth)", unum(st.Admission.BandwidthRejected)},
		{"events dropped", unum(st.EventsDropped)},
	}
}

// RunMonitor shows live server stats until the user quits.
func RunMonitor(serverURL string) error {
	base, err := httpBaseFromJoinURL(serverURL)
	if err != nil {
		return err
	}
	_, err = tea.NewProgram(NewMonitorModel(base), tea.WithAltScreen()).Run()
	return err
}
