package config

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
)

func TestExitCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: ExitOK},
		{name: "help", err: flag.ErrHelp, want: ExitOK},
		{name: "interrupt", err: fmt.Errorf("serve: %w", context.Canceled), want: ExitOK},
		{name: "usage", err: fmt.Errorf("parse: %w", UsageError{Err: errors.New("flag provided but not defined: -x")}), want: ExitUsage},
		{name: "failure", err: errors.New("open dispatch sqlite store: disk full"), want: ExitError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExitCode(tc.err); got != tc.want {
				t.Fatalf("ExitCode(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}

func TestReportWritesOnlyFailures(t *testing.T) {
	var buf bytes.Buffer
	if code := report(&buf, "dispatchctl", flag.ErrHelp); code != ExitOK || buf.Len() != 0 {
		t.Fatalf("help: code = %d, output = %q", code, buf.String())
	}
	if code := report(&buf, "dispatchctl", errors.New("request not found")); code != ExitError {
		t.Fatalf("failure: code = %d", code)
	}
	if got := buf.String(); got != "dispatchctl: request not found\n" {
		t.Fatalf("output = %q", got)
	}
}

// TestExitTerminatesProcess runs Exit in a subprocess because os.Exit cannot
// be intercepted in-process.
func TestExitTerminatesProcess(t *testing.T) {
	if os.Getenv("TEST_EXIT_SUBPROCESS") == "1" {
		Exit("decision-grant-key", UsageError{Err: errors.New("grace must not be negative")})
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestExitTerminatesProcess$")
	cmd.Env = append(os.Environ(), "TEST_EXIT_SUBPROCESS=1")

	out, err := cmd.CombinedOutput()

	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		t.Fatalf("expected *exec.ExitError, got %T: %v", err, err)
	}
	if exitErr.ExitCode() != ExitUsage {
		t.Fatalf("expected exit code %d, got %d", ExitUsage, exitErr.ExitCode())
	}
	if want := "decision-grant-key: grace must not be negative"; !strings.Contains(string(out), want) {
		t.Fatalf("expected stderr to contain %q, got %q", want, string(out))
	}
}
