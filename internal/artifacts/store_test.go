package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/pvfhost/internal/pvf"
)

func fingerprint(code string) pvf.Fingerprint {
	return pvf.NewPrepJobSpec([]byte(code), pvf.ExecutorParams{}, time.Second, pvf.Compilation).Fingerprint()
}

func open(t *testing.T, dir string, verify bool) (*Store, ReconcileReport) {
	t.Helper()
	s, report, err := Open(context.Background(), Options{Dir: dir, VerifyOnStart: verify})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, report
}

func TestPutGetAndExistsOnDisk(t *testing.T) {
	s, _ := open(t, t.TempDir(), false)
	fp := fingerprint("a")

	_, ok := s.Get(fp)
	assert.False(t, ok)

	h, err := s.Put(context.Background(), fp, []byte("artifact-a"))
	require.NoError(t, err)
	assert.Equal(t, s.PathFor(fp), h.Path)
	assert.Equal(t, pvf.HashBytes([]byte("artifact-a")), h.Checksum)
	assert.Equal(t, int64(len("artifact-a")), h.Size)
	assert.True(t, s.ExistsOnDisk(h))

	a, ok := s.Get(fp)
	require.True(t, ok)
	assert.Equal(t, Ready, a.State)
	assert.Equal(t, h, a.Handle())

	require.NoError(t, os.Remove(h.Path))
	assert.False(t, s.ExistsOnDisk(h), "out-of-band delete is visible")
	a, ok = s.Get(fp)
	require.True(t, ok)
	assert.Equal(t, Ready, a.State, "index is not changed by a missing file")
}

func TestPutLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, _ := open(t, dir, false)
	_, err := s.Put(context.Background(), fingerprint("a"), []byte("x"))
	require.NoError(t, err)

	matches, err := filepath.Glob(filepath.Join(dir, "*"+tmpExt))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestPublishRenamesTempFile(t *testing.T) {
	dir := t.TempDir()
	s, _ := open(t, dir, false)
	fp := fingerprint("published")

	scratch := filepath.Join(dir, "workers", "w1")
	require.NoError(t, os.MkdirAll(scratch, 0o700))
	tmp := filepath.Join(scratch, "job.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("compiled"), 0o600))

	h, err := s.Publish(context.Background(), fp, tmp, pvf.HashBytes([]byte("compiled")))
	require.NoError(t, err)
	assert.NoFileExists(t, tmp)
	data, err := os.ReadFile(h.Path)
	require.NoError(t, err)
	assert.Equal(t, "compiled", string(data))
}

func TestPublishRejectsChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	s, _ := open(t, dir, false)
	fp := fingerprint("torn")

	tmp := filepath.Join(dir, "job.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("compi"), 0o600))

	_, err := s.Publish(context.Background(), fp, tmp, pvf.HashBytes([]byte("compiled")))
	require.ErrorIs(t, err, ErrChecksumMismatch)
	assert.NoFileExists(t, tmp)
	assert.NoFileExists(t, s.PathFor(fp))
	_, ok := s.Get(fp)
	assert.False(t, ok, "nothing recorded for a rejected artifact")
}

func TestFailureLifecycle(t *testing.T) {
	s, _ := open(t, t.TempDir(), false)
	ctx := context.Background()
	fp := fingerprint("bad")

	s.MarkPreparing(fp)
	a, _ := s.Get(fp)
	assert.Equal(t, Preparing, a.State)

	a, err := s.MarkFailed(ctx, fp, pvf.NewPrepareError(pvf.PrepareTimedOut, "slow"))
	require.NoError(t, err)
	assert.Equal(t, FailedPrepare, a.State)
	assert.Equal(t, 1, a.NumFailures)
	assert.True(t, a.Retriable())

	// A retry goes back through Preparing and keeps the failure count.
	s.MarkPreparing(fp)
	a, _ = s.Get(fp)
	assert.Equal(t, 1, a.NumFailures)
	a, err = s.MarkFailed(ctx, fp, pvf.NewPrepareError(pvf.PreparePrevalidation, "junk"))
	require.NoError(t, err)
	assert.Equal(t, 2, a.NumFailures)
	assert.False(t, a.Retriable())

	counts := s.Counts()
	assert.Equal(t, 1, counts[FailedPrepare])
	assert.Equal(t, 0, counts[Ready])
}

func TestForgetOnlyDropsPreparing(t *testing.T) {
	s, _ := open(t, t.TempDir(), false)
	fp := fingerprint("x")
	s.MarkPreparing(fp)
	s.Forget(fp)
	_, ok := s.Get(fp)
	assert.False(t, ok)

	_, err := s.Put(context.Background(), fp, []byte("x"))
	require.NoError(t, err)
	s.Forget(fp)
	_, ok = s.Get(fp)
	assert.True(t, ok)
}

func TestTouchAndPrune(t *testing.T) {
	s, _ := open(t, t.TempDir(), false)
	ctx := context.Background()
	now := time.Now()
	s.now = func() time.Time { return now }

	old, fresh := fingerprint("old"), fingerprint("fresh")
	hOld, err := s.Put(ctx, old, []byte("old"))
	require.NoError(t, err)
	_, err = s.Put(ctx, fresh, []byte("fresh"))
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	require.NoError(t, s.Touch(ctx, fresh))
	assert.ErrorIs(t, s.Touch(ctx, fingerprint("unknown")), ErrNotReady)

	n, err := s.Prune(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := s.Get(old)
	assert.False(t, ok)
	assert.NoFileExists(t, hOld.Path)
	_, ok = s.Get(fresh)
	assert.True(t, ok)

	_, err = s.Prune(ctx, 0)
	assert.Error(t, err)
}

func TestReopenRestoresIndex(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s, report, err := Open(ctx, Options{Dir: dir})
	require.NoError(t, err)
	assert.Zero(t, report.Loaded)

	ready, failed := fingerprint("ready"), fingerprint("failed")
	_, err = s.Put(ctx, ready, []byte("ready"))
	require.NoError(t, err)
	_, err = s.MarkFailed(ctx, failed, pvf.NewPrepareError(pvf.PrepareOutOfMemory, "too big"))
	require.NoError(t, err)
	s.MarkPreparing(fingerprint("inflight"))
	require.NoError(t, s.Close())

	s2, report := open(t, dir, true)
	assert.Equal(t, 2, report.Loaded)

	a, ok := s2.Get(ready)
	require.True(t, ok)
	assert.Equal(t, Ready, a.State)
	assert.Equal(t, pvf.HashBytes([]byte("ready")), a.Checksum)

	a, ok = s2.Get(failed)
	require.True(t, ok)
	assert.Equal(t, FailedPrepare, a.State)
	assert.ErrorIs(t, a.Err, pvf.ErrOutOfMemory)
	assert.Equal(t, "too big", a.Err.Message)

	_, ok = s2.Get(fingerprint("inflight"))
	assert.False(t, ok, "in-flight compiles are not persisted")
}

func TestReconcileDropsMissingAndAdoptsOrphans(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s, _, err := Open(ctx, Options{Dir: dir})
	require.NoError(t, err)

	gone := fingerprint("gone")
	h, err := s.Put(ctx, gone, []byte("gone"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, os.Remove(h.Path))

	orphan := fingerprint("orphan")
	require.NoError(t, os.WriteFile(filepath.Join(dir, orphan.String()+Ext), []byte("orphan"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "leftover"+tmpExt), []byte("partial"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes"+Ext), []byte("?"), 0o600))

	s2, report := open(t, dir, false)
	assert.Equal(t, 1, report.DroppedRows)
	assert.Equal(t, 1, report.Adopted)
	assert.Equal(t, 1, report.TempsRemoved)

	_, ok := s2.Get(gone)
	assert.False(t, ok)
	a, ok := s2.Get(orphan)
	require.True(t, ok)
	assert.Equal(t, Ready, a.State)
	assert.Equal(t, pvf.HashBytes([]byte("orphan")), a.Checksum)
	assert.NoFileExists(t, filepath.Join(dir, "leftover"+tmpExt))
	assert.FileExists(t, filepath.Join(dir, "notes"+Ext))
}

func TestReconcileVerifyDeletesCorrupt(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s, _, err := Open(ctx, Options{Dir: dir})
	require.NoError(t, err)
	fp := fingerprint("c")
	h, err := s.Put(ctx, fp, []byte("good"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, os.WriteFile(h.Path, []byte("tampered"), 0o600))

	s2, report := open(t, dir, true)
	assert.Equal(t, 1, report.Corrupt)
	_, ok := s2.Get(fp)
	assert.False(t, ok)
	assert.NoFileExists(t, h.Path)
}

func TestListIsSorted(t *testing.T) {
	s, _ := open(t, t.TempDir(), false)
	for _, code := range []string{"c", "a", "b"} {
		_, err := s.Put(context.Background(), fingerprint(code), []byte(code))
		require.NoError(t, err)
	}
	list := s.List()
	require.Len(t, list, 3)
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].Fingerprint.String(), list[i].Fingerprint.String())
	}
}
