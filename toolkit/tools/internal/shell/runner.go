// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package shell

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gjolly/genesis/toolkit/tools/internal/buildererrors"
)

var ErrExternalCommandFailed = buildererrors.New("Command:Failed", "external command failed")

// Runner executes external programs. Every invocation is logged before it starts and any nonzero exit status is
// returned as a *CommandError.
type Runner interface {
	// Run executes the command, streaming its output to the log.
	Run(cmd Cmd) error
	// RunCaptured executes the command and returns its stdout. Stderr is only logged.
	RunCaptured(cmd Cmd) (string, error)
	// RunCombined executes the command and returns its stdout and stderr merged in the order they were written.
	RunCombined(cmd Cmd) (string, error)
}

// CommandError reports a program that could not be started or exited with a nonzero status.
type CommandError struct {
	Args     []string
	ExitCode int
	// Output holds the tail of the program's stderr (or stdout if stderr was empty).
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	var builder strings.Builder
	if e.ExitCode < 0 {
		fmt.Fprintf(&builder, "%s (%s) could not be started", ErrExternalCommandFailed.Error(), JoinArgs(e.Args))
	} else {
		fmt.Fprintf(&builder, "%s (%s) with exit code (%d)", ErrExternalCommandFailed.Error(), JoinArgs(e.Args),
			e.ExitCode)
	}

	if e.Err != nil {
		fmt.Fprintf(&builder, ":\n%v", e.Err)
	}

	output := strings.TrimSpace(e.Output)
	if output != "" {
		fmt.Fprintf(&builder, "\n%s", output)
	}
	return builder.String()
}

func (e *CommandError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrExternalCommandFailed}
	}
	return []error{ErrExternalCommandFailed, e.Err}
}

// ExitCodeOf returns the exit code carried by err, or -1 if err does not come from a command.
func ExitCodeOf(err error) int {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.ExitCode
	}
	return -1
}
