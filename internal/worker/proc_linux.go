//go:build linux

package worker

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the worker in its own process group and has the kernel
// kill it if the host dies first.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}
