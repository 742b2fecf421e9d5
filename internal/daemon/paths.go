package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/npratt/foundry/internal/config"
)

// ErrNoDaemonInfo is returned when no daemon.json exists for a project.
var ErrNoDaemonInfo = errors.New("daemon info not found")

// DaemonInfo is what a running daemon publishes in .foundry/daemon.json so
// CLI commands run anywhere in the project can reach it.
type DaemonInfo struct {
	SocketPath  string    `json:"socket_path"`
	PIDPath     string    `json:"pid_path"`
	LogPath     string    `json:"log_path"`
	JournalPath string    `json:"journal_path,omitempty"`
	StartTime   time.Time `json:"start_time"`
	PID         int       `json:"pid"`
}

// Alive reports whether the process that wrote the info still runs.
func (i *DaemonInfo) Alive() bool {
	return IsProcessRunning(i.PID)
}

const daemonInfoFile = "daemon.json"

// projectMarkers are the directories that mark a project root.
var projectMarkers = []string{".git", config.ProjectConfigDir}

// ResolvePaths makes every relative path in paths absolute against base,
// or against the working directory when base is empty.
func ResolvePaths(paths config.PathsConfig, base string) (config.PathsConfig, error) {
	if base == "" {
		wd, err := os.Getwd()
		if err != nil {
			return paths, fmt.Errorf("get working directory: %w", err)
		}
		base = wd
	}
	for _, p := range []*string{&paths.Log, &paths.Socket, &paths.PID, &paths.Journal} {
		if !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	return paths, nil
}

// FindProjectRoot returns the nearest ancestor of startDir (inclusive)
// holding a project marker, or startDir itself when there is none. An
// empty startDir means the working directory.
func FindProjectRoot(startDir string) string {
	if startDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "."
		}
		startDir = wd
	}
	start, err := filepath.Abs(startDir)
	if err != nil {
		return startDir
	}

	for dir := start; ; dir = filepath.Dir(dir) {
		for _, marker := range projectMarkers {
			if info, err := os.Stat(filepath.Join(dir, marker)); err == nil && info.IsDir() {
				return dir
			}
		}
		if filepath.Dir(dir) == dir {
			return start
		}
	}
}

// FindDaemonInfo reads daemon.json from the project root above startDir.
func FindDaemonInfo(startDir string) (*DaemonInfo, error) {
	path := DaemonInfoPath(FindProjectRoot(startDir))
	info, err := ReadDaemonInfo(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w (checked %s)", ErrNoDaemonInfo, path)
	}
	return info, err
}

// WriteDaemonInfo replaces the file at path atomically so readers never
// see a partial document.
func WriteDaemonInfo(path string, info *DaemonInfo) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal daemon info: %w", err)
	}

	tmp, err := os.CreateTemp(dir, daemonInfoFile+".*")
	if err != nil {
		return fmt.Errorf("write daemon info: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write daemon info: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write daemon info: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("write daemon info: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write daemon info: %w", err)
	}
	return nil
}

// ReadDaemonInfo reads daemon connection info from path.
func ReadDaemonInfo(path string) (*DaemonInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read daemon info: %w", err)
	}
	var info DaemonInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("unmarshal daemon info: %w", err)
	}
	return &info, nil
}

// RemoveDaemonInfo removes path. A missing file is not an error.
func RemoveDaemonInfo(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove daemon info: %w", err)
	}
	return nil
}

// DaemonInfoPath returns .foundry/daemon.json under projectRoot.
func DaemonInfoPath(projectRoot string) string {
	return filepath.Join(projectRoot, config.ProjectConfigDir, daemonInfoFile)
}
