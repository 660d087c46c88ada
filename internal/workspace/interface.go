package workspace

import (
	"context"
	"path/filepath"
	"time"
)

// Scratch is a worker-scoped directory. Prepare workers write artifacts into
// it; the host then renames them into the cache, so it must live on the same
// filesystem as the cache.
type Scratch struct {
	WorkerID string
	Dir      string
}

const tmpSuffix = ".tmp"

// TmpPath is where a worker writes the output of jobID.
func (s Scratch) TmpPath(jobID string) string {
	return filepath.Join(s.Dir, jobID+tmpSuffix)
}

// CleanupReport summarizes a cleanup run. OrphanedTmps counts artifacts a
// worker wrote but the host never published.
type CleanupReport struct {
	DeletedDirs  int
	OrphanedTmps int
	FreedBytes   uint64
}

// Manager governs scratch directory lifecycle.
type Manager interface {
	// Create initializes a new scratch directory for workerID.
	Create(ctx context.Context, workerID string) (Scratch, error)

	// Remove deletes the scratch directory of workerID and everything in it.
	Remove(workerID string) error

	// Cleanup removes scratch directories older than olderThan. Zero removes all.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}
