package workerproc

import (
	"context"
	"os"

	"github.com/mattjoyce/pvfhost/internal/engine"
	"github.com/mattjoyce/pvfhost/internal/log"
)

// LogLevelEnv names the environment variable the host uses to pass its log
// level down to workers.
const LogLevelEnv = "PVF_WORKER_LOG_LEVEL"

// Main is the body of a worker binary. stdout carries the protocol, so logs
// go to stderr where the host captures them.
func Main(kind string, eng engine.Engine) int {
	log.SetupWriter(os.Stderr, os.Getenv(LogLevelEnv), "text")
	logger := log.WithComponent(kind + "-worker")

	if err := harden(); err != nil {
		logger.Warn("failed to apply process limits", "error", err)
	}

	err := Serve(context.Background(), Options{
		Kind:   kind,
		Engine: eng,
		In:     os.Stdin,
		Out:    os.Stdout,
	})
	if err != nil {
		logger.Error("worker stopped", "error", err)
		return ExitProtocol
	}
	return 0
}
