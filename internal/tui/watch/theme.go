// Package watch is the live terminal view of a running gateway. It follows
// GET /events and polls GET /status.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme holds every style the view uses.
type Theme struct {
	OK      lipgloss.Style
	Warn    lipgloss.Style
	Failed  lipgloss.Style
	Neutral lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
	Meter     lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#9146FF")

	return Theme{
		OK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		Warn:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		Failed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		Neutral: lipgloss.NewStyle().Foreground(lipgloss.Color("#FAFAFA")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
		Meter:     lipgloss.NewStyle().Foreground(lipgloss.Color("#61AFEF")),
	}
}
