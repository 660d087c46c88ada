package watch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/pvfhost/internal/events"
)

const maxTrackedJobs = 200

// JobState is one prepare or execute job as seen through events.
type JobState struct {
	ID          string
	Kind        string
	Fingerprint string
	Priority    string
	Outcome     string
	Attempts    int
	Queued      time.Time
	Started     time.Time
	Elapsed     time.Duration
	Done        bool
}

// Totals aggregates what the event stream has shown since the monitor started.
type Totals struct {
	PrepareOK, PrepareFailed int
	ExecuteOK, ExecuteFailed int
	Spawned, Retired         int
	Evicted, Healed          int
	Pruned                   int
	CompiledBytes            uint64
}

type tracker struct {
	jobs   map[string]*JobState
	order  []string // newest first
	totals Totals
}

func newTracker() *tracker {
	return &tracker{jobs: make(map[string]*JobState)}
}

type eventData struct {
	JobID       string `json:"job_id"`
	Fingerprint string `json:"fingerprint"`
	Priority    string `json:"priority"`
	Outcome     string `json:"outcome"`
	ElapsedMS   int64  `json:"elapsed_ms"`
	Attempts    int    `json:"attempts"`
	Size        uint64 `json:"size"`
	Count       int    `json:"count"`
}

func (t *tracker) job(id, kind string) *JobState {
	if j, ok := t.jobs[id]; ok {
		return j
	}
	j := &JobState{ID: id, Kind: kind}
	t.jobs[id] = j
	t.order = append([]string{id}, t.order...)
	if len(t.order) > maxTrackedJobs {
		for _, old := range t.order[maxTrackedJobs:] {
			delete(t.jobs, old)
		}
		t.order = t.order[:maxTrackedJobs]
	}
	return j
}

func (t *tracker) apply(e events.Event) {
	var d eventData
	_ = json.Unmarshal(e.Data, &d)
	kind, _, _ := strings.Cut(e.Type, ".")

	switch e.Type {
	case events.PrepareQueued, events.ExecuteQueued:
		if d.JobID == "" {
			return
		}
		j := t.job(d.JobID, kind)
		j.Queued = e.At
		if d.Fingerprint != "" {
			j.Fingerprint = d.Fingerprint
		}
		if d.Priority != "" {
			j.Priority = d.Priority
		}
	case events.PrepareStarted, events.ExecuteStarted:
		if d.JobID == "" {
			return
		}
		j := t.job(d.JobID, kind)
		j.Started = e.At
		if d.Fingerprint != "" {
			j.Fingerprint = d.Fingerprint
		}
	case events.PrepareFinished, events.ExecuteFinished:
		if d.JobID == "" {
			return
		}
		j := t.job(d.JobID, kind)
		j.Done = true
		j.Outcome = d.Outcome
		j.Attempts = d.Attempts
		j.Elapsed = time.Duration(d.ElapsedMS) * time.Millisecond
		if d.Fingerprint != "" {
			j.Fingerprint = d.Fingerprint
		}
		ok := d.Outcome == "ok"
		switch {
		case kind == "prepare" && ok:
			t.totals.PrepareOK++
		case kind == "prepare":
			t.totals.PrepareFailed++
		case ok:
			t.totals.ExecuteOK++
		default:
			t.totals.ExecuteFailed++
		}
	case events.WorkerSpawned:
		t.totals.Spawned++
	case events.WorkerRetired:
		t.totals.Retired++
	case events.WorkerEvicted:
		t.totals.Evicted++
	case events.ArtifactHealed:
		t.totals.Healed++
	case events.ArtifactReady:
		t.totals.CompiledBytes += d.Size
	case events.ArtifactsPruned:
		t.totals.Pruned += d.Count
	}
}

func jobColumns(width int) []table.Column {
	fp := max(12, width-62)
	return []table.Column{
		{Title: "Kind", Width: 8},
		{Title: "Job", Width: 8},
		{Title: "Fingerprint", Width: fp},
		{Title: "Priority", Width: 10},
		{Title: "Outcome", Width: 22},
		{Title: "Elapsed", Width: 10},
	}
}

// rows renders the tracked jobs newest first.
func (t *tracker) rows(now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(t.order))
	for _, id := range t.order {
		j := t.jobs[id]
		outcome, elapsed := j.Outcome, ""
		switch {
		case j.Done:
			elapsed = j.Elapsed.Round(time.Millisecond).String()
			if j.Attempts > 1 {
				outcome = fmt.Sprintf("%s (x%d)", outcome, j.Attempts)
			}
		case !j.Started.IsZero():
			outcome = "running"
			elapsed = now.Sub(j.Started).Round(100 * time.Millisecond).String()
		default:
			outcome = "queued"
			if !j.Queued.IsZero() {
				elapsed = humanize.RelTime(j.Queued, now, "", "")
			}
		}
		rows = append(rows, table.Row{j.Kind, shortID(j.ID), j.Fingerprint, j.Priority, outcome, elapsed})
	}
	return rows
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
