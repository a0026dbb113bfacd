package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"runlights/internal/ipc"
)

const (
	exitOK          = 0
	exitServerError = 1
	exitNotReady    = 2
	exitIPCFailure  = 3
	exitMalformed   = 4
)

// exitError carries a process exit code out of a command. A nil err exits
// quietly.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// consoleFromArgs picks the console name out of the positional arguments.
// hook is true for the launcher form (rom, name, system...), whose outcome
// must never fail the launcher.
func consoleFromArgs(args []string) (console string, hook bool, err error) {
	switch {
	case len(args) >= 3:
		return strings.ToLower(strings.TrimSpace(args[2])), true, nil
	case len(args) == 1:
		console = strings.TrimSpace(args[0])
		if console == "" {
			return "", false, errors.New("console name is empty")
		}
		return console, false, nil
	default:
		return "", true, fmt.Errorf("expected a console name or rom, name and system, got %d arguments", len(args))
	}
}

// exitCode maps a client error onto the documented exit codes.
func exitCode(err error) int {
	var serr *ipc.ServerError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &serr):
		return exitServerError
	case errors.Is(err, ipc.ErrNotReady):
		return exitNotReady
	case errors.Is(err, ipc.ErrMalformedResponse):
		return exitMalformed
	default:
		return exitIPCFailure
	}
}

func runClient(ctx context.Context, s settings, args []string, stdout, stderr io.Writer) error {
	console, hook, err := consoleFromArgs(args)
	if err != nil {
		if hook {
			fmt.Fprintf(stderr, "[warn] %v\n", err)
			return nil
		}
		return &exitError{code: exitServerError, err: err}
	}

	client := ipc.NewClient(s.Socket)
	resp, err := client.Console(ctx, console)
	if hook {
		if err != nil {
			fmt.Fprintf(stderr, "[warn] %s: %v\n", console, err)
		}
		return nil
	}
	if err != nil {
		code := exitCode(err)
		switch code {
		case exitServerError:
			err = fmt.Errorf("service error: %w", err)
		case exitIPCFailure:
			err = fmt.Errorf("IPC failure: %w", err)
		}
		return &exitError{code: code, err: err}
	}
	_, err = fmt.Fprintf(stdout, "%s -> %s segment %d\n", resp.Console, resp.Binding.Controller, resp.Binding.Segment)
	return err
}
