package testutil

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattjoyce/pvfhost/internal/engine/directive"
	"github.com/mattjoyce/pvfhost/internal/protocol"
	"github.com/mattjoyce/pvfhost/internal/workerproc"
)

// WorkerEnv switches a test binary into worker mode.
const WorkerEnv = "PVF_TEST_WORKER"

// Misbehaving worker modes.
const (
	// ModeMute never sends ready.
	ModeMute = "mute"
	// ModeSilent completes the handshake and then never answers a job.
	ModeSilent = "silent"
	// ModeCrash completes the handshake and exits on the first job.
	ModeCrash = "crash"
	// ModeCrashOnce behaves like ModeCrash for the first process started
	// with a given marker file and like a real worker afterwards.
	ModeCrashOnce = "crash-once"
)

const (
	kindEnv   = "PVF_TEST_WORKER_KIND"
	markerEnv = "PVF_TEST_CRASH_MARKER"
)

// MaybeRunWorker turns the test binary into a worker process when WorkerEnv
// is set. Call it first thing in TestMain.
func MaybeRunWorker() {
	mode := os.Getenv(WorkerEnv)
	switch mode {
	case "":
		return
	case protocol.KindPrepare, protocol.KindExecute:
		os.Exit(workerproc.Main(mode, directive.New()))
	case ModeMute:
		_, _ = io.Copy(io.Discard, os.Stdin)
		os.Exit(0)
	case ModeCrashOnce:
		marker := os.Getenv(markerEnv)
		if _, err := os.Stat(marker); err == nil {
			os.Exit(workerproc.Main(os.Getenv(kindEnv), directive.New()))
		}
		if err := os.WriteFile(marker, nil, 0o600); err != nil {
			os.Exit(1)
		}
		fallthrough
	case ModeSilent, ModeCrash:
		dec := protocol.NewDecoder(os.Stdin)
		if _, err := dec.Request(); err != nil {
			os.Exit(1)
		}
		_ = protocol.EncodeResponse(os.Stdout, &protocol.Response{
			Protocol: protocol.Version, Type: protocol.TypeReady, Status: "ok", PID: os.Getpid(),
		})
		if _, err := dec.Request(); err != nil {
			os.Exit(1)
		}
		if mode != ModeSilent {
			fmt.Fprintln(os.Stderr, "simulated crash")
			os.Exit(7)
		}
		for {
			time.Sleep(time.Hour)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown test worker mode %q\n", mode)
		os.Exit(2)
	}
}

// WorkerCommand returns the program, args and env that re-execute the
// running test binary as a worker in the given mode.
func WorkerCommand(mode string) (program string, args, env []string) {
	return os.Args[0], []string{"-test.run=^$"}, []string{WorkerEnv + "=" + mode}
}

// CrashOnceCommand is WorkerCommand for ModeCrashOnce. The first worker
// started with marker dies on its first job; later ones run as kind.
func CrashOnceCommand(kind, marker string) (program string, args, env []string) {
	program, args, env = WorkerCommand(ModeCrashOnce)
	return program, args, append(env, kindEnv+"="+kind, markerEnv+"="+marker)
}
