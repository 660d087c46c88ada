package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/pvfhost/internal/api"
	"github.com/mattjoyce/pvfhost/internal/events"
)

const (
	statusInterval = 2 * time.Second
	eventLogSize   = 50
)

// Model is the bubbletea model for the watch monitor.
type Model struct {
	client Client
	now    func() time.Time

	width  int
	height int

	host     HostState
	tracker  *tracker
	eventLog []events.Event
	lastID   int64

	ticker   Ticker
	activity Activity
	theme    Theme
	jobs     table.Model

	hubEvents chan events.Event
	lastError string
}

// New creates a monitor for the host API at baseURL.
func New(baseURL, token string) *Model {
	jobs := table.New(
		table.WithColumns(jobColumns(80)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	jobs.SetStyles(s)

	return &Model{
		client:    Client{BaseURL: baseURL, Token: token},
		now:       time.Now,
		tracker:   newTracker(),
		ticker:    NewTicker(),
		theme:     NewDefaultTheme(),
		jobs:      jobs,
		hubEvents: make(chan events.Event, 100),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.client.subscribe(0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		m.client.fetchStatus,
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.jobs.SetColumns(jobColumns(m.width - 6))
		m.jobs.SetWidth(m.width - 6)
		m.jobs.SetHeight(max(5, m.height-24))

	case tickMsg:
		m.ticker.Tick()
		m.activity.Decay(m.now())
		m.jobs.SetRows(m.tracker.rows(m.now()))
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		if e.ID > m.lastID {
			m.lastID = e.ID
		}
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogSize {
			m.eventLog = m.eventLog[:eventLogSize]
		}
		m.activity.OnEvent(m.now())
		m.tracker.apply(e)
		m.jobs.SetRows(m.tracker.rows(m.now()))
		m.host.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case statusMsg:
		m.host.Status = api.StatusResponse(msg)
		m.host.Connected = true
		m.host.LastCheck = m.now()
		m.lastError = ""
		return m, tea.Tick(statusInterval, func(time.Time) tea.Msg { return m.client.fetchStatus() })

	case sseDisconnectedMsg:
		m.host.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		// The pending receiveNextEvent keeps reading the same channel.
		return m, m.client.subscribe(m.lastID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg { return m.client.fetchStatus() })
	}

	var cmd tea.Cmd
	m.jobs, cmd = m.jobs.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to validation host..."
	}
	now := m.now()

	parts := []string{
		renderHeader(m.host, m.ticker, m.activity, m.theme, m.width, now),
		renderPools(m.host, m.tracker.totals, m.theme, m.width),
		m.theme.Border.Width(m.width - 4).Render(lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("JOBS"), m.jobs.View())),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.Invalid.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Quit • [↑/↓] Scroll jobs"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
