// Command runlights lights up the LED segment bound to the console selected
// in ES-DE. Started with --daemon it owns the IPC socket and the WLED
// controllers; started with a console name it forwards the selection to the
// running daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

var version = "dev"

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	ctx = withSignalCancel(ctx)
	cmd := newRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		return reportError(err)
	}
	return 0
}

// reportError prints err and returns the exit code it carries.
func reportError(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(os.Stderr, "runlights: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(os.Stderr, "runlights: %v\n", err)
	return exitServerError
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
