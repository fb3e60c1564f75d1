package watch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/tesgw/internal/events"
)

func (m Model) renderHeader() string {
	innerWidth := m.width - 4
	now := m.now()

	state := m.theme.OK.Render("CONNECTED")
	if !m.connected {
		state = m.theme.Failed.Render("CONNECTING")
	} else if m.status.PendingVerifications > 0 {
		state = m.theme.Warn.Render("VERIFYING")
	}

	title := fmt.Sprintf(" TESGW WATCH  %s", m.theme.Highlight.Render(m.status.Transport))
	clock := m.theme.Dim.Render(now.Format("15:04:05"))
	pad := max(innerWidth-lipgloss.Width(title)-lipgloss.Width(clock)-4, 1)
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	stats := fmt.Sprintf(" %s  ⏱ %s  Handlers: %d  Pending verifications: %d  Listeners: %d",
		state,
		formatDuration(time.Duration(m.status.UptimeSeconds)*time.Second),
		len(m.status.Handlers),
		m.status.PendingVerifications,
		m.status.EventListeners,
	)

	activity := fmt.Sprintf(" Last %ds: %s %d event(s)",
		activityWindow,
		m.theme.Meter.Render(m.activity.Sparkline(now)),
		m.activity.Total(now),
	)

	return m.theme.Border.Width(innerWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left, titleLine, stats, activity),
	)
}

func (m Model) renderConnections() string {
	title := fmt.Sprintf("CONNECTIONS (%d, %d subscriptions)",
		len(m.status.Connections), m.status.SocketSubscriptions)
	body := m.connTable.View()
	if len(m.status.Connections) == 0 {
		body = m.theme.Dim.Render("  No open connections")
	}
	return m.theme.Border.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left, m.theme.Title.Render(title), body),
	)
}

func (m Model) renderTypes() string {
	counts := m.sortedCounts()
	if len(counts) == 0 {
		return m.theme.Border.Width(m.width - 4).Render(lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("EVENT TYPES"),
			m.theme.Dim.Render("  Nothing received yet"),
		))
	}

	handled := make(map[string]bool, len(m.status.Handlers))
	for _, h := range m.status.Handlers {
		handled[h] = true
	}

	var lines []string
	for i, c := range counts {
		if i >= 8 {
			lines = append(lines, m.theme.Dim.Render(fmt.Sprintf("… %d more", len(counts)-i)))
			break
		}
		marker := m.theme.Dim.Render("·")
		if handled[c.Type] {
			marker = m.theme.OK.Render("✓")
		}
		lines = append(lines, fmt.Sprintf("%s %-36s %6d  %s", marker, c.Type, c.Seen,
			m.theme.Dim.Render(c.Last.Format("15:04:05"))))
	}

	return m.theme.Border.Width(m.width - 4).Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("EVENT TYPES"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	))
}

func (m Model) renderEventStream() string {
	if len(m.eventLog) == 0 {
		return m.theme.Border.Width(m.width - 4).Render(lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("EVENT STREAM"),
			m.theme.Dim.Render("  Waiting for events..."),
		))
	}

	limit := 10
	if m.height > 40 {
		limit = m.height - 30
	}
	var lines []string
	for i, e := range m.eventLog {
		if i >= limit {
			break
		}
		lines = append(lines, formatEvent(e, m.theme))
	}

	return m.theme.Border.Width(m.width - 4).Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	))
}

// typeStyle colours gateway lifecycle events; producer events stay neutral.
func typeStyle(eventType string, theme Theme) lipgloss.Style {
	switch eventType {
	case "revocation", "connection_lost", "verification_timeout":
		return theme.Failed
	case "subscribed":
		return theme.OK
	case "unsubscribed":
		return theme.Warn
	default:
		return theme.Neutral
	}
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))
	name := typeStyle(e.Type, theme).Render(fmt.Sprintf("%-32s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, name, describeEvent(e))
}

// describeEvent picks the few fields worth a glance out of the payload.
func describeEvent(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	for _, key := range []string{"broadcaster_user_login", "user_login", "id", "type", "status", "reward", "title"} {
		v, ok := data[key]
		if !ok {
			continue
		}
		switch v := v.(type) {
		case string:
			if v != "" {
				parts = append(parts, fmt.Sprintf("%s=%s", key, v))
			}
		case map[string]any:
			if title, ok := v["title"].(string); ok {
				parts = append(parts, fmt.Sprintf("%s=%s", key, title))
			}
		}
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
