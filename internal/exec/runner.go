// Package exec provides command execution abstractions for production use.
package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// ErrTimeout is returned when a command exceeds its timeout.
var ErrTimeout = errors.New("command timed out")

// Command describes one process invocation.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string
	Stdin   string
	Timeout time.Duration
}

// Result holds the captured output of a finished command. A non-zero
// ExitCode is not an error; callers decide what failure means.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandRunner abstracts command execution for dependency injection.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecRunner executes real commands using os/exec.
type ExecRunner struct{}

// NewExecRunner creates a new ExecRunner for production use.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes cmd and returns its output. Errors are reserved for
// commands that could not be started or that timed out.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	c := execCommand(ctx, cmd)
	stdout, stderr, err := c.Run()
	result := &Result{Stdout: stdout, Stderr: stderr}

	if ctx.Err() == context.DeadlineExceeded {
		result.ExitCode = -1
		return result, fmt.Errorf("%s: %w", cmd.Name, ErrTimeout)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", cmd.Name, err)
	}
	return result, nil
}

// execCommand is a variable to allow testing.
var execCommand = execCommandImpl

func execCommandImpl(ctx context.Context, cmd Command) execCmd {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	// Orphaned grandchildren can hold the output pipes open after a kill.
	c.WaitDelay = 2 * time.Second
	if len(cmd.Env) > 0 {
		c.Env = append(c.Environ(), cmd.Env...)
	}
	if cmd.Stdin != "" {
		c.Stdin = bytes.NewBufferString(cmd.Stdin)
	}
	return realExecCmd{cmd: c}
}

// execCmd abstracts exec.Cmd for testing.
type execCmd interface {
	Run() (stdout, stderr string, err error)
}

type realExecCmd struct {
	cmd *exec.Cmd
}

func (c realExecCmd) Run() (string, string, error) {
	var stdout, stderr bytes.Buffer
	c.cmd.Stdout = &stdout
	c.cmd.Stderr = &stderr
	err := c.cmd.Run()
	return stdout.String(), stderr.String(), err
}

// Shell wraps a shell command line as a Command run through sh -c.
func Shell(line, dir string, timeout time.Duration) Command {
	return Command{Name: "sh", Args: []string{"-c", line}, Dir: dir, Timeout: timeout}
}
