// Package inspect renders artifact cache entries for operators.
package inspect

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/pvfhost/internal/artifacts"
)

var (
	// ErrNotFound means no entry matches the requested fingerprint.
	ErrNotFound = errors.New("artifact not found")
	// ErrAmbiguous means a fingerprint prefix matches more than one entry.
	ErrAmbiguous = errors.New("fingerprint prefix is ambiguous")
)

// Lister is the read side of the artifact store.
type Lister interface {
	List() []artifacts.Artifact
	ExistsOnDisk(h artifacts.Handle) bool
}

// Report is the structured JSON representation of one cache entry.
type Report struct {
	Fingerprint string     `json:"fingerprint"`
	State       string     `json:"state"`
	Path        string     `json:"path,omitempty"`
	OnDisk      bool       `json:"on_disk"`
	Checksum    string     `json:"checksum,omitempty"`
	Size        int64      `json:"size,omitempty"`
	PreparedAt  *time.Time `json:"prepared_at,omitempty"`
	LastUsed    *time.Time `json:"last_used,omitempty"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	Error       string     `json:"error,omitempty"`
	Failures    int        `json:"failures,omitempty"`
	LastFailed  *time.Time `json:"last_failed,omitempty"`
	Retriable   bool       `json:"retriable,omitempty"`
}

// Find resolves a full fingerprint or a unique prefix of one.
func Find(l Lister, fingerprint string) (artifacts.Artifact, error) {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return artifacts.Artifact{}, fmt.Errorf("%w: empty fingerprint", ErrNotFound)
	}
	var matches []artifacts.Artifact
	for _, a := range l.List() {
		s := a.Fingerprint.String()
		if s == fingerprint {
			return a, nil
		}
		if strings.HasPrefix(s, fingerprint) {
			matches = append(matches, a)
		}
	}
	switch len(matches) {
	case 0:
		return artifacts.Artifact{}, fmt.Errorf("%w: %s", ErrNotFound, fingerprint)
	case 1:
		return matches[0], nil
	default:
		return artifacts.Artifact{}, fmt.Errorf("%w: %s matches %d entries", ErrAmbiguous, fingerprint, len(matches))
	}
}

func gatherReportData(l Lister, fingerprint string) (*Report, error) {
	a, err := Find(l, fingerprint)
	if err != nil {
		return nil, err
	}
	r := &Report{
		Fingerprint: a.Fingerprint.String(),
		State:       a.State.String(),
	}
	switch a.State {
	case artifacts.Ready:
		r.Path = a.Path
		r.OnDisk = l.ExistsOnDisk(a.Handle())
		r.Checksum = a.Checksum.String()
		r.Size = a.Size
		r.PreparedAt = timePtr(a.PreparedAt)
		r.LastUsed = timePtr(a.LastUsed)
	case artifacts.FailedPrepare:
		if a.Err != nil {
			r.ErrorKind = a.Err.Kind.String()
			r.Error = a.Err.Message
		}
		r.Failures = a.NumFailures
		r.LastFailed = timePtr(a.LastFailed)
		r.Retriable = a.Retriable()
	}
	return r, nil
}

// BuildReport renders a terminal-friendly report for one cache entry.
func BuildReport(l Lister, fingerprint string, now time.Time) (string, error) {
	report, err := gatherReportData(l, fingerprint)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Artifact Report\n")
	fmt.Fprintf(&out, "Fingerprint : %s\n", report.Fingerprint)
	fmt.Fprintf(&out, "State       : %s\n", report.State)

	switch report.State {
	case artifacts.Ready.String():
		onDisk := "yes"
		if !report.OnDisk {
			onDisk = "MISSING (recompiled on next use)"
		}
		fmt.Fprintf(&out, "Path        : %s\n", report.Path)
		fmt.Fprintf(&out, "On disk     : %s\n", onDisk)
		fmt.Fprintf(&out, "Size        : %s (%d bytes)\n", humanize.IBytes(uint64(max(report.Size, 0))), report.Size)
		fmt.Fprintf(&out, "Checksum    : %s\n", report.Checksum)
		fmt.Fprintf(&out, "Prepared    : %s\n", renderTime(report.PreparedAt, now))
		fmt.Fprintf(&out, "Last used   : %s\n", renderTime(report.LastUsed, now))
	case artifacts.FailedPrepare.String():
		fmt.Fprintf(&out, "Error kind  : %s\n", renderUnset(report.ErrorKind, "<unknown>"))
		fmt.Fprintf(&out, "Error       : %s\n", renderUnset(report.Error, "<none>"))
		fmt.Fprintf(&out, "Failures    : %d\n", report.Failures)
		fmt.Fprintf(&out, "Last failed : %s\n", renderTime(report.LastFailed, now))
		retry := "no (deterministic)"
		if report.Retriable {
			retry = "yes, after cooldown"
		}
		fmt.Fprintf(&out, "Retriable   : %s\n", retry)
	}

	return out.String(), nil
}

// BuildJSONReport returns the machine-readable report for one cache entry.
func BuildJSONReport(l Lister, fingerprint string) (string, error) {
	report, err := gatherReportData(l, fingerprint)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

// BuildListing renders one line per cache entry followed by a summary.
func BuildListing(l Lister, now time.Time) string {
	entries := l.List()
	if len(entries) == 0 {
		return "Cache is empty.\n"
	}

	var (
		out   strings.Builder
		total uint64
	)
	fmt.Fprintf(&out, "%-16s  %-14s  %10s  %s\n", "FINGERPRINT", "STATE", "SIZE", "DETAIL")
	for _, a := range entries {
		var size, detail string
		switch a.State {
		case artifacts.Ready:
			total += uint64(max(a.Size, 0))
			size = humanize.IBytes(uint64(max(a.Size, 0)))
			detail = "used " + humanize.RelTime(a.LastUsed, now, "ago", "from now")
			if !l.ExistsOnDisk(a.Handle()) {
				detail += ", file missing"
			}
		case artifacts.FailedPrepare:
			size = "-"
			if a.Err != nil {
				detail = a.Err.Kind.String()
			}
			detail = fmt.Sprintf("%s x%d, %s", renderUnset(detail, "unknown"), a.NumFailures,
				humanize.RelTime(a.LastFailed, now, "ago", "from now"))
		default:
			size = "-"
		}
		fmt.Fprintf(&out, "%-16s  %-14s  %10s  %s\n", a.Fingerprint.Short(), a.State, size, detail)
	}
	fmt.Fprintf(&out, "\n%s entries, %s on disk\n", humanize.Comma(int64(len(entries))), humanize.IBytes(total))
	return out.String()
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func renderTime(t *time.Time, now time.Time) string {
	if t == nil {
		return "<never>"
	}
	return fmt.Sprintf("%s (%s)", t.UTC().Format(time.RFC3339), humanize.RelTime(*t, now, "ago", "from now"))
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
