package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FSManager keeps one scratch directory per live worker under a base
// directory on the cache's filesystem.
type FSManager struct {
	base string
	now  func() time.Time
}

var _ Manager = (*FSManager)(nil)

// NewFSManager roots scratch directories at base. Nothing is created until
// the first worker spawns.
func NewFSManager(base string) (*FSManager, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return nil, errors.New("worker scratch base directory is empty")
	}
	return &FSManager{base: filepath.Clean(base), now: time.Now}, nil
}

func (m *FSManager) BaseDir() string { return m.base }

// Create makes the scratch directory for workerID. It fails if one already
// exists; worker IDs are never reused.
func (m *FSManager) Create(ctx context.Context, workerID string) (Scratch, error) {
	if err := ctx.Err(); err != nil {
		return Scratch{}, err
	}
	dir, err := m.dirFor(workerID)
	if err != nil {
		return Scratch{}, err
	}
	if err := os.MkdirAll(m.base, 0o755); err != nil {
		return Scratch{}, fmt.Errorf("create scratch base: %w", err)
	}
	// 0700: workers may write partially compiled code here.
	if err := os.Mkdir(dir, 0o700); err != nil {
		return Scratch{}, fmt.Errorf("scratch for worker %s: %w", workerID, err)
	}
	return Scratch{WorkerID: workerID, Dir: dir}, nil
}

// Remove deletes the scratch directory of workerID if it exists.
func (m *FSManager) Remove(workerID string) error {
	dir, err := m.dirFor(workerID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove scratch for worker %s: %w", workerID, err)
	}
	return nil
}

// Cleanup deletes scratch directories last modified more than olderThan ago.
// Zero deletes all of them, which the host does on start since no worker
// outlives its host.
func (m *FSManager) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	var report CleanupReport
	if olderThan < 0 {
		return report, fmt.Errorf("cleanup age %s is negative", olderThan)
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	entries, err := os.ReadDir(m.base)
	if errors.Is(err, fs.ErrNotExist) {
		return report, nil
	}
	if err != nil {
		return report, fmt.Errorf("list scratch dirs: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !e.IsDir() {
			continue
		}
		if olderThan > 0 {
			info, err := e.Info()
			if err != nil {
				return report, fmt.Errorf("stat scratch %s: %w", e.Name(), err)
			}
			if info.ModTime().After(cutoff) {
				continue
			}
		}

		dir := filepath.Join(m.base, e.Name())
		tmps, size := leftovers(dir)
		if err := os.RemoveAll(dir); err != nil {
			return report, fmt.Errorf("remove scratch %s: %w", e.Name(), err)
		}
		report.DeletedDirs++
		report.OrphanedTmps += tmps
		report.FreedBytes += size
	}
	return report, nil
}

// leftovers counts unpublished artifacts and the bytes under dir.
func leftovers(dir string) (tmps int, size uint64) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.HasSuffix(d.Name(), tmpSuffix) {
			tmps++
		}
		if info, err := d.Info(); err == nil {
			size += uint64(info.Size())
		}
		return nil
	})
	return tmps, size
}

func (m *FSManager) dirFor(workerID string) (string, error) {
	id := strings.TrimSpace(workerID)
	if id == "" {
		return "", errors.New("worker ID is empty")
	}
	// A single local path element: no separators, no "." or "..".
	if !filepath.IsLocal(id) || filepath.Base(id) != id || id == "." || strings.Contains(id, `\`) {
		return "", fmt.Errorf("worker ID %q is not a plain name", workerID)
	}
	return filepath.Join(m.base, id), nil
}
