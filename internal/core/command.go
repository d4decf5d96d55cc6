package core

import (
	"fmt"
	"strings"
	"time"
)

// Command is a single external program invocation.
//
// Commands are executed directly (no shell). Dir is applied to the child
// process only.
type Command struct {
	// Name is a short label used in logs and error messages ("raytracer-generate").
	Name string

	// Path is the program to run. It should be absolute.
	Path string

	// Args are the program arguments, excluding argv[0].
	Args []string

	// Dir is the child's working directory. Empty means the Executor's WorkingDir.
	Dir string

	// Env is the child's environment. Nil inherits the host environment; a
	// non-nil slice (even empty) is used verbatim.
	Env []string
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Path
	}
	return c.Path + " " + strings.Join(c.Args, " ")
}

func (c Command) label() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Path
}

// ExecutionResult is the structured outcome of a Command that was started.
type ExecutionResult struct {
	Command Command

	// Stdout is the captured standard output.
	Stdout []byte

	// Stderr is the captured standard error.
	Stderr []byte

	// ExitCode is the process exit code. 0 indicates success.
	ExitCode int

	Duration time.Duration
}

// Success reports whether the command exited with status 0.
func (r *ExecutionResult) Success() bool {
	return r != nil && r.ExitCode == 0
}

const diagnosticLimit = 2048

// Diagnostic returns the tail of the captured stderr, or of stdout when
// stderr is empty, trimmed for inclusion in error messages.
func (r *ExecutionResult) Diagnostic() string {
	if r == nil {
		return ""
	}
	out := strings.TrimSpace(string(r.Stderr))
	if out == "" {
		out = strings.TrimSpace(string(r.Stdout))
	}
	if len(out) > diagnosticLimit {
		out = "..." + out[len(out)-diagnosticLimit:]
	}
	return out
}

// ExitError reports a command that ran to completion with a non-zero status.
type ExitError struct {
	Result *ExecutionResult
}

func (e *ExitError) Error() string {
	if e == nil || e.Result == nil {
		return ""
	}
	msg := fmt.Sprintf("%s exited with code %d", e.Result.Command.label(), e.Result.ExitCode)
	if d := e.Result.Diagnostic(); d != "" {
		msg += ": " + d
	}
	return msg
}

// CheckExit returns an *ExitError when res did not succeed.
func CheckExit(res *ExecutionResult) error {
	if res.Success() {
		return nil
	}
	return &ExitError{Result: res}
}
