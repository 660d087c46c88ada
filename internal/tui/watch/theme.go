// Package watch implements `pvfhost watch`, a live terminal monitor fed by
// the host's /status and /events endpoints.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme keeps every color of the monitor in one place.
type Theme struct {
	Valid   lipgloss.Style
	Running lipgloss.Style
	Invalid lipgloss.Style
	Queued  lipgloss.Style
	Retired lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Label     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	TickerActive   lipgloss.Style
	TickerInactive lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		Valid:   lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		Running: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		Invalid: lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		Queued:  lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Retired: lipgloss.NewStyle().Foreground(lipgloss.Color("#666666")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Label:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#61AFEF")),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		TickerActive:   lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		TickerInactive: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

// outcomeStyle colors a job outcome as reported in *.finished events.
func (t Theme) outcomeStyle(outcome string) lipgloss.Style {
	switch outcome {
	case "ok":
		return t.Valid
	case "":
		return t.Running
	case "job_died", "spawn", "io", "internal", "shutdown", "artifact_missing":
		return t.Highlight
	default:
		return t.Invalid
	}
}
