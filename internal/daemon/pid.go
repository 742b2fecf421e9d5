package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning is returned when another process holds the PID file lock.
var ErrAlreadyRunning = errors.New("daemon already running")

// PIDFile is a flock-guarded pid file. Holding the lock is what makes a
// daemon the project's daemon; the pid inside is for humans and for stale
// file detection.
type PIDFile struct {
	path string
	file *os.File
}

// NewPIDFile returns a PIDFile for path. Nothing is touched until Acquire.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path}
}

// Path returns the PID file path.
func (p *PIDFile) Path() string {
	return p.path
}

// Acquire locks the PID file and records the current pid in it. The lock
// is held until Release or process exit.
func (p *PIDFile) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return fmt.Errorf("create pid directory: %w", err)
	}
	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open pid file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if !errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("lock pid file: %w", err)
		}
		if pid := p.Read(); pid > 0 {
			return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
		}
		return fmt.Errorf("%w (pid file locked)", ErrAlreadyRunning)
	}

	if err := writePID(f, os.Getpid()); err != nil {
		unlock(f)
		return err
	}
	p.file = f
	return nil
}

func writePID(f *os.File, pid int) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate pid file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(pid)+"\n"), 0); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync pid file: %w", err)
	}
	return nil
}

func unlock(f *os.File) {
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	_ = f.Close()
}

// Read returns the recorded pid, or 0 when the file is missing or garbled.
func (p *PIDFile) Read() int {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid < 0 {
		return 0
	}
	return pid
}

// Release drops the lock and removes the file. Safe to call more than once.
func (p *PIDFile) Release() error {
	if p.file != nil {
		unlock(p.file)
		p.file = nil
	}
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}

// IsProcessRunning reports whether pid names a live process. A process
// owned by another user still counts.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// IsRunning reports whether the recorded pid is alive.
func (p *PIDFile) IsRunning() bool {
	return IsProcessRunning(p.Read())
}

// CleanupStale removes the PID, socket and daemon info files of a daemon
// that is no longer running. It reports whether anything was removed.
func (p *PIDFile) CleanupStale(socketPath, infoPath string) bool {
	if p.IsRunning() {
		return false
	}
	removed := false
	for _, path := range []string{p.path, socketPath, infoPath} {
		if path != "" && os.Remove(path) == nil {
			removed = true
		}
	}
	return removed
}
