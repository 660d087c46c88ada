package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/pvfhost/internal/events"
)

const shownEvents = 8

func renderEventStream(log []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(log) == 0 {
		return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENTS"),
			theme.Dim.Render("  Waiting for events..."),
		))
	}

	lines := make([]string, 0, shownEvents)
	for _, e := range log[:min(len(log), shownEvents)] {
		lines = append(lines, formatEvent(e, theme))
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENTS"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	))
}

func formatEvent(e events.Event, theme Theme) string {
	var style lipgloss.Style
	switch e.Type {
	case events.ArtifactReady, events.WorkerSpawned:
		style = theme.Valid
	case events.ArtifactFailed, events.HostShuttingDown:
		style = theme.Invalid
	case events.PrepareStarted, events.ExecuteStarted:
		style = theme.Running
	case events.WorkerEvicted, events.WorkerRetired, events.ArtifactHealed:
		style = theme.Highlight
	case events.PrepareFinished, events.ExecuteFinished:
		var d eventData
		_ = json.Unmarshal(e.Data, &d)
		style = theme.outcomeStyle(d.Outcome)
	default:
		style = theme.Dim
	}
	return fmt.Sprintf("%s %s %s",
		theme.Dim.Render(e.At.Local().Format("15:04:05")),
		style.Render(fmt.Sprintf("%-18s", e.Type)),
		describe(e))
}

// describe renders the payload as sorted key=value pairs, job ids shortened.
func describe(e events.Event) string {
	data := make(map[string]any)
	if err := json.Unmarshal(e.Data, &data); err != nil || len(data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := fmt.Sprint(data[k])
		if k == "job_id" || k == "worker_id" {
			v = shortID(v)
		}
		parts = append(parts, k+"="+v)
	}
	out := strings.Join(parts, " ")
	if len(out) > 96 {
		out = out[:93] + "..."
	}
	return out
}
