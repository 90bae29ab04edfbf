package config

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
)

// Exit codes shared by the dispatch binaries.
const (
	ExitOK    = 0
	ExitError = 1
	// ExitUsage reports bad flags or arguments.
	ExitUsage = 2
)

// UsageError marks an error caused by how a command was invoked.
type UsageError struct {
	Err error
}

func (e UsageError) Error() string { return e.Err.Error() }

func (e UsageError) Unwrap() error { return e.Err }

// ExitCode maps a command result to a process exit status. A help request
// or a cancelled context (an operator interrupt) is a clean exit.
func ExitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, flag.ErrHelp), errors.Is(err, context.Canceled):
		return ExitOK
	case errors.As(err, new(UsageError)):
		return ExitUsage
	default:
		return ExitError
	}
}

// Exit terminates the process with ExitCode(err), reporting the error on
// stderr prefixed by the command name when the exit is not clean.
func Exit(command string, err error) {
	os.Exit(report(os.Stderr, command, err))
}

func report(w io.Writer, command string, err error) int {
	code := ExitCode(err)
	if code != ExitOK {
		fmt.Fprintf(w, "%s: %v\n", command, err)
	}
	return code
}
