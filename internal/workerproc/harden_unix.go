//go:build unix

package workerproc

import "golang.org/x/sys/unix"

// harden disables core dumps so a crashing job cannot leave its memory on disk.
func harden() error {
	return unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0})
}
