// Command infraplan executes infrastructure plans with retry, execution
// memory and a rollback-capable state ledger.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aristath/infraplan/internal/executor"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{procs: executor.NewProcessManager()}

	go func() {
		<-ctx.Done()
		// Restore default handling so a second Ctrl+C exits immediately.
		stop()
		if err := a.procs.KillAll(); err != nil {
			fmt.Fprintf(os.Stderr, "error killing subprocesses: %v\n", err)
		}
	}()

	if err := newRootCmd(a).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
