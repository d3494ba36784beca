// Command tandem runs YAML test plans with constraint-aware parallelism.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// errTestsFailed signals a completed run with non-passing instances. The
// summary has already been printed, so main only sets the exit code.
var errTestsFailed = errors.New("one or more tests did not pass")

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand()
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errTestsFailed):
		return 1
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
}
