package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

const (
	// daemonEnvVar is set in the child process to mark it as the daemon.
	daemonEnvVar = "FOUNDRY_DAEMONIZED"

	defaultSpawnWait = 2 * time.Second
	socketPollEvery  = 50 * time.Millisecond
)

// errChildExited is returned when the daemon dies before its socket opens.
var errChildExited = errors.New("daemon exited during startup")

// SpawnOptions configures Daemonize.
type SpawnOptions struct {
	SocketPath string        // Polled until it accepts connections
	OutputPath string        // Receives the child's stdout and stderr; empty discards them
	Out        io.Writer     // The parent's one-line report
	Wait       time.Duration // How long the parent waits for the socket (default 2s)
}

// Daemonize re-executes the current command as a detached session leader.
// In the parent it returns shouldExit=true once the child's socket answers
// or the wait runs out. In the child it returns shouldExit=false and the
// caller goes on serving.
func Daemonize(opts SpawnOptions) (shouldExit bool, pid int, err error) {
	if IsDaemonized() {
		return false, os.Getpid(), nil
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Wait <= 0 {
		opts.Wait = defaultSpawnWait
	}

	executable, err := os.Executable()
	if err != nil {
		return false, 0, fmt.Errorf("get executable path: %w", err)
	}
	cmd := exec.Command(executable, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonEnvVar+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if opts.OutputPath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.OutputPath), 0755); err != nil {
			return false, 0, fmt.Errorf("create output directory: %w", err)
		}
		out, err := os.OpenFile(opts.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return false, 0, fmt.Errorf("open daemon output: %w", err)
		}
		defer func() { _ = out.Close() }()
		cmd.Stdout, cmd.Stderr = out, out
	}

	if err := cmd.Start(); err != nil {
		return false, 0, fmt.Errorf("start daemon: %w", err)
	}
	pid = cmd.Process.Pid

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	ctx, cancel := context.WithTimeout(context.Background(), opts.Wait)
	defer cancel()
	switch err := waitForSocket(ctx, opts.SocketPath, exited); {
	case err == nil:
		fmt.Fprintf(opts.Out, "Started foundry daemon (pid %d)\n", pid)
	case errors.Is(err, errChildExited):
		if opts.OutputPath != "" {
			return true, pid, fmt.Errorf("%w: see %s", err, opts.OutputPath)
		}
		return true, pid, err
	default:
		fmt.Fprintf(opts.Out, "Started foundry daemon (pid %d), socket not yet available\n", pid)
	}
	return true, pid, nil
}

// IsDaemonized reports whether this process is the spawned daemon.
func IsDaemonized() bool {
	return os.Getenv(daemonEnvVar) == "1"
}

// waitForSocket polls socketPath until it accepts a connection, ctx ends,
// or a value arrives on exited.
func waitForSocket(ctx context.Context, socketPath string, exited <-chan error) error {
	ticker := time.NewTicker(socketPollEvery)
	defer ticker.Stop()
	for {
		conn, err := net.DialTimeout("unix", socketPath, socketPollEvery)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		select {
		case err := <-exited:
			if err != nil {
				return fmt.Errorf("%w: %v", errChildExited, err)
			}
			return errChildExited
		case <-ctx.Done():
			return fmt.Errorf("socket not available: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
