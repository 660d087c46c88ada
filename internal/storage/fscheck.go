package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrRemoteFilesystem is returned when a cache path sits on a network mount.
// The artifact cache depends on flock(2), atomic rename and SQLite locking,
// none of which hold over NFS or SMB.
var ErrRemoteFilesystem = errors.New("cache path is on a network filesystem")

// Filesystem describes the mount backing a cache path.
type Filesystem struct {
	// Probed is the nearest existing ancestor that was actually inspected.
	Probed string
	// Type is the platform's name for the filesystem, or a hex magic number
	// when the name is unknown. Empty when the platform cannot be probed.
	Type   string
	Remote bool
}

// Known reports whether the platform could identify the filesystem.
func (f Filesystem) Known() bool { return f.Type != "" }

var remoteTypes = map[string]bool{
	"afpfs":  true,
	"cifs":   true,
	"nfs":    true,
	"smbfs":  true,
	"smb2":   true,
	"webdav": true,
	"9p":     true,
}

type statfsFunc func(string) (string, error)

// ProbeFilesystem identifies the filesystem that path lives on (or will live
// on once created).
func ProbeFilesystem(path string) (Filesystem, error) {
	return probe(path, statfsType)
}

// CheckLocalFilesystem fails with ErrRemoteFilesystem when path is on a
// network mount. Platforms that cannot be probed are let through.
func CheckLocalFilesystem(path string) error {
	return checkLocal(path, statfsType)
}

func checkLocal(path string, statfs statfsFunc) error {
	fs, err := probe(path, statfs)
	if err != nil {
		return err
	}
	if fs.Remote {
		return fmt.Errorf("%w: %s is on %s; point cache_dir at local disk", ErrRemoteFilesystem, path, fs.Type)
	}
	return nil
}

func probe(path string, statfs statfsFunc) (Filesystem, error) {
	if path == "" {
		return Filesystem{}, fmt.Errorf("cache path is empty")
	}
	existing, err := existingAncestor(path)
	if err != nil {
		return Filesystem{}, err
	}

	fs := Filesystem{Probed: existing}
	kind, err := statfs(existing)
	if err != nil {
		return fs, nil
	}
	fs.Type = kind
	fs.Remote = remoteTypes[strings.ToLower(strings.TrimSpace(kind))]
	return fs, nil
}

// existingAncestor walks up from path to the first component that exists.
func existingAncestor(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", path, err)
	}
	for dir := abs; ; {
		_, err := os.Stat(dir)
		switch {
		case err == nil:
			return dir, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", fmt.Errorf("resolve %q: %w", path, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("resolve %q: no existing ancestor", path)
		}
		dir = parent
	}
}
