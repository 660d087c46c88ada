package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/pvfhost/internal/api"
)

// HostState is the latest /status snapshot.
type HostState struct {
	Status    api.StatusResponse
	Connected bool
	LastCheck time.Time
}

func renderHeader(h HostState, ticker Ticker, activity Activity, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	state := theme.Valid.Render("CONNECTED")
	if !h.Connected {
		state = theme.Invalid.Render("CONNECTING")
	}

	lastEvent := "never"
	if !activity.LastEvent().IsZero() {
		lastEvent = humanize.RelTime(activity.LastEvent(), now, "ago", "from now")
	}

	title := fmt.Sprintf(" PVF HOST %s", theme.Highlight.Render(ticker.Current()))
	clock := theme.Dim.Render(now.Format("15:04:05"))
	pad := max(1, innerWidth-lipgloss.Width(title)-lipgloss.Width(clock)-4)
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	uptime := time.Duration(h.Status.UptimeSeconds) * time.Second
	statsLine := fmt.Sprintf(" %s  up %s  compiling %d",
		state, formatUptime(uptime), h.Status.InFlight)
	activityLine := fmt.Sprintf(" last event %s %s", lastEvent, activity.Render(theme))

	return theme.Border.Width(innerWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, activityLine),
	)
}

func formatUptime(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

// renderPools shows queue and worker counts for both dispatchers plus the
// artifact cache.
func renderPools(h HostState, totals Totals, theme Theme, width int) string {
	innerWidth := width - 4
	s := h.Status
	label := theme.Label.Render

	prep := fmt.Sprintf(" %s queued %d (critical %d)  idle %d  busy %d  spawning %d",
		label("prepare"), s.Prepare.Queued, s.Prepare.Critical, s.Prepare.Idle, s.Prepare.Busy, s.Prepare.Spawning)
	exec := fmt.Sprintf(" %s queued %d  idle %d  busy %d  spawning %d  profiles %d",
		label("execute"), s.Execute.Queued, s.Execute.Idle, s.Execute.Busy, s.Execute.Spawning, s.Execute.Profiles)
	arts := fmt.Sprintf(" %s ready %s  preparing %s  failed %s  compiled %s",
		label("artifacts"),
		humanize.Comma(int64(s.Artifacts["ready"])),
		humanize.Comma(int64(s.Artifacts["preparing"])),
		humanize.Comma(int64(s.Artifacts["failed_prepare"])),
		humanize.IBytes(totals.CompiledBytes))
	jobs := fmt.Sprintf(" %s prepared %s/%s  executed %s/%s",
		label("jobs"),
		theme.Valid.Render(humanize.Comma(int64(totals.PrepareOK))),
		theme.Invalid.Render(humanize.Comma(int64(totals.PrepareFailed))),
		theme.Valid.Render(humanize.Comma(int64(totals.ExecuteOK))),
		theme.Invalid.Render(humanize.Comma(int64(totals.ExecuteFailed))))
	workers := fmt.Sprintf(" %s spawned %d  retired %d  evicted %d  healed %d  pruned %d",
		label("workers"), totals.Spawned, totals.Retired, totals.Evicted, totals.Healed, totals.Pruned)

	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("POOLS"), prep, exec, arts, jobs, workers))
}
