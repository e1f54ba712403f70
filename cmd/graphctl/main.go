// Command graphctl drives durable graph workflows from the command line.
//
// Every command loads the process configuration, opens the checkpoint
// store and compiles the workflow design before doing its work, so a
// thread started by one invocation can be resumed by another.
//
//	graphctl run --set job='{"title":"Nurse"}'
//	graphctl resume --thread <id> --set call_notes="strong fit" --set call_outcome=pass
//	graphctl state --thread <id>
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dshills/durable-graph/graph"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "graphctl:", err)
		stop()
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	var (
		verr *graph.ValidationError
		ierr *graph.InterruptProtocolError
		perr *graph.PersistenceError
	)
	switch {
	case errors.As(err, &verr):
		return 2
	case errors.As(err, &ierr):
		return 3
	case errors.As(err, &perr):
		return 4
	default:
		return 1
	}
}
