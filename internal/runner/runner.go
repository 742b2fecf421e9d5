// Package runner supervises a single long-running process, such as a
// sandbox dev server, whose output goes to a log file that each start
// truncates.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// ErrNotRunning is returned by Stop when no process is alive.
var ErrNotRunning = errors.New("process not running")

// stopGrace is how long Stop waits after SIGTERM before sending SIGKILL.
const stopGrace = 3 * time.Second

// ProcessSpec describes the process a Supervisor keeps alive.
type ProcessSpec struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string
	LogPath string
}

// ProcessSupervisor is the subset of Supervisor used by sandbox providers.
type ProcessSupervisor interface {
	Start(ctx context.Context) error
	Restart(ctx context.Context) error
	Stop() error
	Running() bool
}

// Supervisor owns at most one running instance of a ProcessSpec.
// All methods are safe for concurrent use.
type Supervisor struct {
	spec   ProcessSpec
	logger *slog.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// NewSupervisor creates a Supervisor for spec. A nil logger uses slog.Default.
func NewSupervisor(spec ProcessSpec, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{spec: spec, logger: logger}
}

// Start launches the process if it is not already running. The log file is
// truncated so it only holds output of the current instance. The process
// outlives ctx; ctx only bounds the launch itself.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.aliveLocked() {
		return nil
	}
	return s.startLocked()
}

// Restart stops any running instance and launches a fresh one.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return fmt.Errorf("stop: %w", err)
	}
	return s.Start(ctx)
}

// Stop terminates the process group, escalating to SIGKILL after a grace
// period. Returns ErrNotRunning when nothing is alive.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	cmd, done := s.cmd, s.done
	alive := s.aliveLocked()
	s.mu.Unlock()

	if !alive {
		return ErrNotRunning
	}

	pid := cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	select {
	case <-done:
	case <-time.After(stopGrace):
		s.logger.Warn("process did not exit after SIGTERM, killing", "pid", pid)
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-done
	}
	return nil
}

// Running reports whether the supervised process is alive.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aliveLocked()
}

// Pid returns the current process id, or 0 when not running.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.aliveLocked() {
		return 0
	}
	return s.cmd.Process.Pid
}

// LastExit returns the wait error of the most recent instance, if it exited.
func (s *Supervisor) LastExit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Supervisor) aliveLocked() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *Supervisor) startLocked() error {
	if s.spec.Name == "" {
		return errors.New("process name is required")
	}

	out, err := openLog(s.spec.LogPath)
	if err != nil {
		return err
	}

	cmd := exec.Command(s.spec.Name, s.spec.Args...)
	cmd.Dir = s.spec.Dir
	if len(s.spec.Env) > 0 {
		cmd.Env = append(cmd.Environ(), s.spec.Env...)
	}
	cmd.Stdout = out
	cmd.Stderr = out
	// Own process group so Stop reaches children spawned by shells.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = out.Close()
		return fmt.Errorf("start %s: %w", s.spec.Name, err)
	}

	done := make(chan struct{})
	s.cmd = cmd
	s.done = done
	s.err = nil
	s.logger.Info("process started", "name", s.spec.Name, "pid", cmd.Process.Pid)

	go func() {
		err := cmd.Wait()
		_ = out.Close()
		s.mu.Lock()
		if s.cmd == cmd {
			s.err = err
		}
		s.mu.Unlock()
		close(done)
		s.logger.Info("process exited", "name", s.spec.Name, "pid", cmd.Process.Pid, "error", err)
	}()
	return nil
}

func openLog(path string) (*os.File, error) {
	if path == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	return f, nil
}
