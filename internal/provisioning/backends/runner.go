// Package backends holds the system-mutating side of provisioning: the
// closed set of tools that apply hostname, user, SSH and password state, and
// the selection logic that picks one backend per capability before anything
// is executed.
package backends

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes system commands. Provisioning code never reaches for
// os/exec directly; going through Runner keeps every mutation injectable in
// tests.
type Runner interface {
	// Run executes the command and waits for it, discarding stdout.
	Run(ctx context.Context, name string, args ...string) error
	// Output executes the command and returns its stdout.
	Output(ctx context.Context, name string, args ...string) (string, error)
}

// ExitError reports a command that ran but exited non-zero. Command
// failures are never retried; the system is in an unknown intermediate
// state and a second invocation could make it worse.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("command %q exited with status %d", e.Command, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

type execRunner struct{}

// NewRunner returns the Runner backed by the real system.
func NewRunner() Runner {
	return execRunner{}
}

func (execRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	return wrapExit(cmd, cmd.Run(), stderr.String())
}

func (execRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := wrapExit(cmd, cmd.Run(), stderr.String()); err != nil {
		return "", err
	}
	return stdout.String(), nil
}

func wrapExit(cmd *exec.Cmd, err error, stderr string) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{
			Command:  strings.Join(cmd.Args, " "),
			ExitCode: exitErr.ExitCode(),
			Stderr:   strings.TrimSpace(stderr),
		}
	}
	return fmt.Errorf("running %q: %w", strings.Join(cmd.Args, " "), err)
}
