package artifacts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/pvfhost/internal/pvf"
)

// reconcile loads the sqlite rows and makes them agree with the directory:
//   - rows whose file is gone are dropped (the next request recompiles),
//   - files with no row are adopted as Ready,
//   - leftover temp files from an interrupted publish are removed,
//   - with verify set, files whose checksum disagrees are deleted.
func (s *Store) reconcile(ctx context.Context, verify bool) (ReconcileReport, error) {
	var report ReconcileReport

	rows, err := s.loadRows(ctx)
	if err != nil {
		return report, err
	}

	for _, a := range rows {
		switch a.State {
		case Ready:
			a.Path = s.PathFor(a.Fingerprint)
			if _, err := os.Stat(a.Path); err != nil {
				if err := s.deleteRow(ctx, a.Fingerprint); err != nil {
					return report, err
				}
				report.DroppedRows++
				continue
			}
			if verify {
				sum, _, err := hashFile(a.Path)
				if err != nil || sum != a.Checksum {
					s.logger.Warn("artifact failed verification, deleting", "fingerprint", a.Fingerprint.Short(), "error", err)
					_ = os.Remove(a.Path)
					if err := s.deleteRow(ctx, a.Fingerprint); err != nil {
						return report, err
					}
					report.Corrupt++
					continue
				}
			}
		case Preparing:
			// Not persisted by this build, but tolerate it.
			if err := s.deleteRow(ctx, a.Fingerprint); err != nil {
				return report, err
			}
			report.DroppedRows++
			continue
		}
		s.entries[a.Fingerprint] = a
		report.Loaded++
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return report, fmt.Errorf("read artifact directory: %w", err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name := e.Name()
		path := filepath.Join(s.dir, name)
		switch {
		case strings.HasSuffix(name, tmpExt):
			if err := os.Remove(path); err == nil {
				report.TempsRemoved++
			}
		case strings.HasSuffix(name, Ext):
			fp, err := pvf.ParseFingerprint(strings.TrimSuffix(name, Ext))
			if err != nil {
				s.logger.Warn("ignoring unrecognized file in cache dir", "file", name)
				continue
			}
			if a, ok := s.entries[fp]; ok && a.State == Ready {
				continue
			}
			if err := s.adopt(ctx, fp, path); err != nil {
				return report, err
			}
			report.Adopted++
		}
	}
	return report, nil
}

// adopt indexes a file that was found on disk with no Ready row.
func (s *Store) adopt(ctx context.Context, fp pvf.Fingerprint, path string) error {
	sum, size, err := hashFile(path)
	if err != nil {
		return fmt.Errorf("hash orphan artifact %s: %w", filepath.Base(path), err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat orphan artifact: %w", err)
	}
	a := &Artifact{
		Fingerprint: fp,
		State:       Ready,
		Path:        path,
		Checksum:    sum,
		Size:        size,
		PreparedAt:  info.ModTime().UTC(),
		LastUsed:    s.now().UTC(),
	}
	if err := s.upsert(ctx, a); err != nil {
		return err
	}
	s.entries[fp] = a
	s.logger.Debug("adopted orphan artifact", "fingerprint", fp.Short())
	return nil
}

func (s *Store) deleteRow(ctx context.Context, fp pvf.Fingerprint) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE fingerprint = ?;`, fp.String()); err != nil {
		return fmt.Errorf("delete artifact row: %w", err)
	}
	return nil
}

func (s *Store) loadRows(ctx context.Context) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT fingerprint, state, checksum, size, prepared_at, last_used,
  error_kind, error_message, num_failures, last_failed
FROM artifacts;
`)
	if err != nil {
		return nil, fmt.Errorf("load artifact index: %w", err)
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		var (
			fpS, stateS                    string
			checksum, preparedAt, lastUsed sql.NullString
			errKind, errMsg, lastFailed    sql.NullString
			a                              Artifact
		)
		if err := rows.Scan(&fpS, &stateS, &checksum, &a.Size, &preparedAt, &lastUsed,
			&errKind, &errMsg, &a.NumFailures, &lastFailed); err != nil {
			return nil, fmt.Errorf("scan artifact row: %w", err)
		}

		fp, err := pvf.ParseFingerprint(fpS)
		if err != nil {
			s.logger.Warn("skipping artifact row with bad fingerprint", "fingerprint", fpS, "error", err)
			continue
		}
		a.Fingerprint = fp
		if a.State, err = parseState(stateS); err != nil {
			s.logger.Warn("skipping artifact row", "fingerprint", fp.Short(), "error", err)
			continue
		}
		if checksum.Valid {
			if a.Checksum, err = pvf.ParseHash(checksum.String); err != nil {
				s.logger.Warn("artifact row has bad checksum", "fingerprint", fp.Short(), "error", err)
			}
		}
		a.PreparedAt = parseTime(preparedAt)
		a.LastUsed = parseTime(lastUsed)
		a.LastFailed = parseTime(lastFailed)
		if errKind.Valid {
			a.Err = &pvf.PrepareError{Kind: pvf.ParsePrepareErrorKind(errKind.String), Message: errMsg.String}
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("iterate artifact rows: %w", err)
	}
	return out, nil
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
