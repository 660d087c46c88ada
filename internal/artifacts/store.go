// Package artifacts is the content-addressed artifact cache.
//
// Every fingerprint has at most one entry in a tagged index: Preparing,
// Ready or FailedPrepare. Ready entries point at <dir>/<fingerprint>.pvf.
// The index is mirrored to sqlite so it survives restarts; on open the
// index and the directory are reconciled so a file on disk is always
// discoverable through the index.
//
// A Ready entry whose file has been deleted out-of-band is not a fault.
// Callers detect it lazily with ExistsOnDisk and move the entry back to
// Preparing.
package artifacts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/pvfhost/internal/log"
	"github.com/mattjoyce/pvfhost/internal/pvf"
	"github.com/mattjoyce/pvfhost/internal/storage"
)

const (
	// Ext is the artifact file extension.
	Ext = ".pvf"
	// IndexFile is the sqlite index name inside the cache directory.
	IndexFile = "index.db"
	tmpExt    = ".tmp"
)

// ErrNotReady is returned when an operation needs a Ready entry.
var ErrNotReady = errors.New("artifact not ready")

// ErrChecksumMismatch means a temp artifact does not hash to the checksum
// its worker reported.
var ErrChecksumMismatch = errors.New("artifact checksum mismatch")

// State tags an index entry.
type State int

const (
	Preparing State = iota
	Ready
	FailedPrepare
)

func (s State) String() string {
	switch s {
	case Preparing:
		return "preparing"
	case Ready:
		return "ready"
	case FailedPrepare:
		return "failed_prepare"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func parseState(s string) (State, error) {
	switch s {
	case "ready":
		return Ready, nil
	case "failed_prepare":
		return FailedPrepare, nil
	case "preparing":
		return Preparing, nil
	default:
		return 0, fmt.Errorf("unknown artifact state %q", s)
	}
}

// Artifact is a snapshot of one index entry. Fields beyond Fingerprint and
// State are only meaningful for the matching state.
type Artifact struct {
	Fingerprint pvf.Fingerprint
	State       State

	// Ready.
	Path       string
	Checksum   pvf.Hash
	Size       int64
	PreparedAt time.Time
	LastUsed   time.Time

	// FailedPrepare. NumFailures survives a retry that goes back through
	// Preparing.
	Err         *pvf.PrepareError
	LastFailed  time.Time
	NumFailures int
}

// Retriable reports whether a FailedPrepare entry may be attempted again.
func (a Artifact) Retriable() bool {
	return a.State == FailedPrepare && a.Err != nil && !a.Err.IsDeterministic()
}

// Handle references a Ready artifact file.
type Handle struct {
	Fingerprint pvf.Fingerprint
	Path        string
	Checksum    pvf.Hash
	Size        int64
}

// Handle returns the file handle of a Ready entry.
func (a Artifact) Handle() Handle {
	return Handle{Fingerprint: a.Fingerprint, Path: a.Path, Checksum: a.Checksum, Size: a.Size}
}

// Options configures Open.
type Options struct {
	Dir string
	// VerifyOnStart re-hashes every artifact and deletes corrupt ones.
	VerifyOnStart bool
}

// ReconcileReport summarizes what Open found on disk.
type ReconcileReport struct {
	Loaded       int
	DroppedRows  int
	Adopted      int
	Corrupt      int
	TempsRemoved int
}

// Store is the artifact index plus the files it points at. It is safe for
// concurrent use.
type Store struct {
	dir    string
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[pvf.Fingerprint]*Artifact
}

// Open loads the index from <dir>/index.db and reconciles it with the files
// in dir.
func Open(ctx context.Context, opts Options) (*Store, ReconcileReport, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, ReconcileReport{}, fmt.Errorf("artifact directory is empty")
	}
	dir := filepath.Clean(opts.Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ReconcileReport{}, fmt.Errorf("create artifact directory: %w", err)
	}

	db, err := storage.OpenSQLite(ctx, filepath.Join(dir, IndexFile))
	if err != nil {
		return nil, ReconcileReport{}, err
	}

	s := &Store{
		dir:     dir,
		db:      db,
		logger:  log.WithComponent("artifacts"),
		now:     time.Now,
		entries: make(map[pvf.Fingerprint]*Artifact),
	}
	report, err := s.reconcile(ctx, opts.VerifyOnStart)
	if err != nil {
		_ = db.Close()
		return nil, report, err
	}
	s.logger.Info("artifact store opened",
		"dir", dir,
		"loaded", report.Loaded,
		"dropped_rows", report.DroppedRows,
		"adopted", report.Adopted,
		"corrupt", report.Corrupt,
		"temps_removed", report.TempsRemoved,
	)
	return s, report, nil
}

// Close closes the sqlite index.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dir is the cache directory.
func (s *Store) Dir() string { return s.dir }

// PathFor is the final file path of fp.
func (s *Store) PathFor(fp pvf.Fingerprint) string {
	return filepath.Join(s.dir, fp.String()+Ext)
}

// Get returns the entry for fp.
func (s *Store) Get(fp pvf.Fingerprint) (Artifact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.entries[fp]
	if !ok {
		return Artifact{}, false
	}
	return *a, true
}

// ExistsOnDisk reports whether the file behind h is present.
func (s *Store) ExistsOnDisk(h Handle) bool {
	if h.Path == "" {
		return false
	}
	info, err := os.Stat(h.Path)
	return err == nil && info.Mode().IsRegular()
}

// Put writes data as the artifact for fp and marks it Ready. The file is
// written under a temporary name and renamed into place.
func (s *Store) Put(ctx context.Context, fp pvf.Fingerprint, data []byte) (Handle, error) {
	tmp, err := os.CreateTemp(s.dir, fp.Short()+"-*"+tmpExt)
	if err != nil {
		return Handle{}, fmt.Errorf("create temp artifact: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return Handle{}, fmt.Errorf("write temp artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return Handle{}, fmt.Errorf("sync temp artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return Handle{}, fmt.Errorf("close temp artifact: %w", err)
	}
	return s.Publish(ctx, fp, tmpPath, pvf.HashBytes(data))
}

// Publish verifies a finished temp file against checksum, renames it into
// place and marks fp Ready. The temp file must be on the same filesystem as
// the cache directory. A file that fails verification is removed.
func (s *Store) Publish(ctx context.Context, fp pvf.Fingerprint, tmpPath string, checksum pvf.Hash) (Handle, error) {
	sum, size, err := hashFile(tmpPath)
	if err != nil {
		return Handle{}, fmt.Errorf("read temp artifact: %w", err)
	}
	if sum != checksum {
		os.Remove(tmpPath)
		return Handle{}, fmt.Errorf("%w: %s: got %s, reported %s", ErrChecksumMismatch, fp.Short(), sum.Short(), checksum.Short())
	}
	final := s.PathFor(fp)
	if err := os.Rename(tmpPath, final); err != nil {
		return Handle{}, fmt.Errorf("publish artifact %s: %w", fp.Short(), err)
	}

	now := s.now().UTC()
	a := &Artifact{
		Fingerprint: fp,
		State:       Ready,
		Path:        final,
		Checksum:    checksum,
		Size:        size,
		PreparedAt:  now,
		LastUsed:    now,
	}
	if err := s.upsert(ctx, a); err != nil {
		return Handle{}, err
	}

	s.mu.Lock()
	s.entries[fp] = a
	s.mu.Unlock()
	return a.Handle(), nil
}

// MarkPreparing records that a compile for fp is in flight. The state is
// kept in memory only: a restart forgets in-flight compiles.
func (s *Store) MarkPreparing(fp pvf.Fingerprint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.entries[fp]
	if !ok {
		s.entries[fp] = &Artifact{Fingerprint: fp, State: Preparing}
		return
	}
	*a = Artifact{Fingerprint: fp, State: Preparing, NumFailures: a.NumFailures, LastFailed: a.LastFailed}
}

// MarkFailed records a failed preparation and returns the new entry.
func (s *Store) MarkFailed(ctx context.Context, fp pvf.Fingerprint, perr *pvf.PrepareError) (Artifact, error) {
	s.mu.Lock()
	prev := 0
	if a, ok := s.entries[fp]; ok {
		prev = a.NumFailures
	}
	a := &Artifact{
		Fingerprint: fp,
		State:       FailedPrepare,
		Err:         perr,
		LastFailed:  s.now().UTC(),
		NumFailures: prev + 1,
	}
	s.entries[fp] = a
	s.mu.Unlock()

	if err := s.upsert(ctx, a); err != nil {
		return *a, err
	}
	return *a, nil
}

// Forget drops an in-memory Preparing entry, e.g. when its compile was
// abandoned at shutdown.
func (s *Store) Forget(fp pvf.Fingerprint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.entries[fp]; ok && a.State == Preparing {
		delete(s.entries, fp)
	}
}

// Touch bumps the last-used time of a Ready entry.
func (s *Store) Touch(ctx context.Context, fp pvf.Fingerprint) error {
	s.mu.Lock()
	a, ok := s.entries[fp]
	if !ok || a.State != Ready {
		s.mu.Unlock()
		return ErrNotReady
	}
	a.LastUsed = s.now().UTC()
	used := a.LastUsed
	s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `UPDATE artifacts SET last_used = ? WHERE fingerprint = ?;`,
		used.Format(time.RFC3339Nano), fp.String())
	if err != nil {
		return fmt.Errorf("touch artifact: %w", err)
	}
	return nil
}

// Remove deletes the entry and its file.
func (s *Store) Remove(ctx context.Context, fp pvf.Fingerprint) error {
	s.mu.Lock()
	delete(s.entries, fp)
	s.mu.Unlock()

	if err := os.Remove(s.PathFor(fp)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove artifact file: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE fingerprint = ?;`, fp.String()); err != nil {
		return fmt.Errorf("delete artifact row: %w", err)
	}
	return nil
}

// Prune removes Ready entries unused for olderThan and FailedPrepare records
// older than olderThan. Preparing entries are never touched.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("prune age must be positive")
	}
	cutoff := s.now().Add(-olderThan)

	var victims []pvf.Fingerprint
	s.mu.Lock()
	for fp, a := range s.entries {
		switch {
		case a.State == Ready && a.LastUsed.Before(cutoff):
			victims = append(victims, fp)
		case a.State == FailedPrepare && a.LastFailed.Before(cutoff):
			victims = append(victims, fp)
		}
	}
	s.mu.Unlock()

	for i, fp := range victims {
		if err := s.Remove(ctx, fp); err != nil {
			return i, err
		}
	}
	if len(victims) > 0 {
		s.logger.Info("pruned artifacts", "count", len(victims), "older_than", olderThan)
	}
	return len(victims), nil
}

// Counts returns the number of entries per state.
func (s *Store) Counts() map[State]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[State]int{Preparing: 0, Ready: 0, FailedPrepare: 0}
	for _, a := range s.entries {
		out[a.State]++
	}
	return out
}

// List returns every entry ordered by fingerprint.
func (s *Store) List() []Artifact {
	s.mu.Lock()
	out := make([]Artifact, 0, len(s.entries))
	for _, a := range s.entries {
		out = append(out, *a)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Fingerprint.String() < out[j].Fingerprint.String()
	})
	return out
}

func (s *Store) upsert(ctx context.Context, a *Artifact) error {
	var (
		checksum, preparedAt, lastUsed, errKind, errMsg, lastFailed any
	)
	if a.State == Ready {
		checksum = a.Checksum.String()
		preparedAt = a.PreparedAt.Format(time.RFC3339Nano)
		lastUsed = a.LastUsed.Format(time.RFC3339Nano)
	}
	if a.Err != nil {
		errKind = a.Err.Kind.String()
		errMsg = a.Err.Message
	}
	if !a.LastFailed.IsZero() {
		lastFailed = a.LastFailed.Format(time.RFC3339Nano)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO artifacts(
  fingerprint, code_hash, params_hash, state, checksum, size,
  prepared_at, last_used, error_kind, error_message, num_failures, last_failed
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(fingerprint) DO UPDATE SET
  state = excluded.state,
  checksum = excluded.checksum,
  size = excluded.size,
  prepared_at = excluded.prepared_at,
  last_used = excluded.last_used,
  error_kind = excluded.error_kind,
  error_message = excluded.error_message,
  num_failures = excluded.num_failures,
  last_failed = excluded.last_failed;
`, a.Fingerprint.String(), a.Fingerprint.Code.String(), a.Fingerprint.Params.String(), a.State.String(),
		checksum, a.Size, preparedAt, lastUsed, errKind, errMsg, a.NumFailures, lastFailed)
	if err != nil {
		return fmt.Errorf("upsert artifact %s: %w", a.Fingerprint.Short(), err)
	}
	return nil
}

// hashFile computes the blake3 checksum of a file without loading it whole.
func hashFile(path string) (pvf.Hash, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return pvf.Hash{}, 0, err
	}
	defer f.Close()

	h := blake3.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return pvf.Hash{}, 0, err
	}
	var sum pvf.Hash
	copy(sum[:], h.Sum(nil))
	return sum, n, nil
}
