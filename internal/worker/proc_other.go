//go:build !unix

package worker

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}

func killGroup(cmd *exec.Cmd) error { return cmd.Process.Kill() }

func termGroup(cmd *exec.Cmd) error { return cmd.Process.Kill() }

func signalName(e *exec.ExitError) string { return "" }
