package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// Runner executes commands. The pipeline stages depend on this interface so
// the raytracer and the cluster facility can be replaced in tests.
type Runner interface {
	Execute(ctx context.Context, cmd Command) (*ExecutionResult, error)
}

// Executor runs commands as child processes and captures their output.
//
// A non-nil error means the command could not be run at all (missing binary,
// cancellation). A command that ran and exited non-zero is reported through
// ExecutionResult.ExitCode with a nil error.
type Executor struct {
	// WorkingDir is used for commands that leave Dir empty.
	WorkingDir string
}

// NewExecutor creates a new Executor with the given default working directory.
func NewExecutor(workingDir string) *Executor {
	return &Executor{WorkingDir: workingDir}
}

// Execute runs cmd and waits for it.
//
// The child gets its own process group so cancelling ctx kills the whole
// tree, including anything a wrapper script spawned.
func (e *Executor) Execute(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	if cmd.Path == "" {
		return nil, fmt.Errorf("command %q has no path", cmd.Name)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s not started: %w", cmd.label(), err)
	}

	c := exec.Command(cmd.Path, cmd.Args...)

	c.Dir = cmd.Dir
	if c.Dir == "" {
		c.Dir = e.WorkingDir
	}
	if cmd.Env != nil {
		c.Env = append([]string{}, cmd.Env...)
	}

	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", cmd.label(), err)
	}

	done := make(chan error, 1)
	go func() {
		done <- c.Wait()
	}()

	var err error
	select {
	case <-ctx.Done():
		if c.Process != nil {
			// Negative PID addresses the process group.
			_ = syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
		}
		<-done
		return nil, fmt.Errorf("%s cancelled: %w", cmd.label(), ctx.Err())
	case err = <-done:
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute %s: %w", cmd.label(), err)
		}
		exitCode = exitErr.ExitCode()
	}

	return &ExecutionResult{
		Command:  cmd,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: exitCode,
		Duration: time.Since(start),
	}, nil
}
