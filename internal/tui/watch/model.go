package watch

import (
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/tesgw/internal/events"
)

const (
	eventLogSize   = 50
	activityWindow = 60
	statusInterval = 5 * time.Second
	retryDelay     = 3 * time.Second
)

// typeCount tallies one event type.
type typeCount struct {
	Type string
	Seen int
	Last time.Time
}

// Model is the BubbleTea model for the watch view.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	status     statusMsg
	connected  bool
	lastStatus time.Time
	lastID     int64

	eventLog []events.Event
	counts   map[string]*typeCount
	activity Activity

	connTable table.Model
	theme     Theme

	hubEvents chan events.Event
	lastError string

	// now is the clock; tests replace it.
	now func() time.Time
}

// New creates the watch model for the gateway API at apiURL.
func New(apiURL, apiKey string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "SESSION", Width: 28},
			{Title: "STATE", Width: 12},
			{Title: "SUBS", Width: 6},
		}),
		table.WithHeight(4),
		table.WithFocused(true),
	)
	return &Model{
		apiURL:    apiURL,
		apiKey:    apiKey,
		counts:    make(map[string]*typeCount),
		activity:  NewActivity(activityWindow),
		connTable: t,
		theme:     NewDefaultTheme(),
		hubEvents: make(chan events.Event, 100),
		now:       time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		streamEvents(m.apiURL, m.apiKey, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchStatus(m.apiURL, m.apiKey) },
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
		case "c":
			m.counts = make(map[string]*typeCount)
			m.eventLog = nil
			return m, nil
		}
		var cmd tea.Cmd
		m.connTable, cmd = m.connTable.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.connTable.SetWidth(max(msg.Width-8, 20))

	case tickMsg:
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		m.record(events.Event(msg))
		m.connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case statusMsg:
		m.status = msg
		m.connected = true
		m.lastStatus = m.now()
		m.lastError = ""
		m.connTable.SetRows(connectionRows(msg.Connections))
		return m, tea.Tick(statusInterval, func(time.Time) tea.Msg {
			return fetchStatus(m.apiURL, m.apiKey)
		})

	case streamEndedMsg:
		m.connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(retryDelay, func(time.Time) tea.Msg {
			return reconnectMsg(msg)
		})

	case reconnectMsg:
		return m, streamEvents(m.apiURL, m.apiKey, msg.lastID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(statusInterval, func(time.Time) tea.Msg {
			return fetchStatus(m.apiURL, m.apiKey)
		})
	}

	return m, nil
}

// record adds e to the log, the per-type tally and the activity meter.
func (m *Model) record(e events.Event) {
	if e.ID > m.lastID {
		m.lastID = e.ID
	}
	now := m.now()

	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > eventLogSize {
		m.eventLog = m.eventLog[:eventLogSize]
	}

	c, ok := m.counts[e.Type]
	if !ok {
		c = &typeCount{Type: e.Type}
		m.counts[e.Type] = c
	}
	c.Seen++
	c.Last = now
	m.activity.Record(now)
}

// sortedCounts returns the tallies busiest first.
func (m *Model) sortedCounts() []typeCount {
	out := make([]typeCount, 0, len(m.counts))
	for _, c := range m.counts {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seen != out[j].Seen {
			return out[i].Seen > out[j].Seen
		}
		return out[i].Type < out[j].Type
	})
	return out
}

func connectionRows(conns []connectionInfo) []table.Row {
	rows := make([]table.Row, 0, len(conns))
	for _, c := range conns {
		rows = append(rows, table.Row{c.ID, c.State, fmt.Sprint(c.Subscriptions)})
	}
	return rows
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to gateway..."
	}

	parts := []string{
		m.renderHeader(),
	}
	if m.status.Transport == "websocket" {
		parts = append(parts, m.renderConnections())
	}
	parts = append(parts, m.renderTypes(), m.renderEventStream())

	if m.lastError != "" {
		parts = append(parts, m.theme.Failed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [c] Clear • [↑/↓] Connections"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
