// Command pvf-execute-worker is the execute worker process spawned by pvfhost.
// It speaks the worker protocol on stdin and stdout and is not meant to be
// run by hand.
package main

import (
	"os"

	"github.com/mattjoyce/pvfhost/internal/engine/directive"
	"github.com/mattjoyce/pvfhost/internal/protocol"
	"github.com/mattjoyce/pvfhost/internal/workerproc"
)

func main() {
	os.Exit(workerproc.Main(protocol.KindExecute, directive.New()))
}
