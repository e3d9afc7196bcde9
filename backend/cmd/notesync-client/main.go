// Command notesync-client is a terminal client for a notesync server. Each
// invocation runs one sync engine, the same way one browser tab would.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(os.Stdin, os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "notesync-client:", err)
		stop()
		os.Exit(1)
	}
}
