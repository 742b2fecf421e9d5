// Package sandbox defines the narrow capability set the orchestrator
// consumes from a remote execution environment, plus the registry that
// maps sandbox ids to providers.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// Provider errors. Implementations wrap these so callers can classify
// failures with errors.Is.
var (
	// ErrNotFound means a requested file does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable means the sandbox cannot be reached at all.
	ErrUnavailable = errors.New("sandbox unavailable")
)

// DefaultCommandTimeout applies when a caller does not supply a timeout.
const DefaultCommandTimeout = 5 * time.Minute

// Info identifies a sandbox and where its preview is served.
type Info struct {
	SandboxID  string `json:"sandbox_id"`
	ProviderID string `json:"provider_id"`
	URL        string `json:"url,omitempty"`
}

// CommandOptions tunes a single RunCommand call.
type CommandOptions struct {
	Timeout time.Duration
}

// CommandResult is the captured outcome of a command in the sandbox.
type CommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Output returns stdout and stderr joined, for failure classification.
func (r *CommandResult) Output() string {
	if r == nil {
		return ""
	}
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// InstallResult is the outcome of a package installation.
type InstallResult struct {
	Success bool   `json:"success"`
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
}

// Provider exposes file, command, and package primitives of one sandbox.
// Methods must be safe for concurrent use: every worker in a run shares
// the same provider.
type Provider interface {
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) error
	RunCommand(ctx context.Context, cmd string, opts CommandOptions) (*CommandResult, error)
	InstallPackages(ctx context.Context, names []string) (*InstallResult, error)
	RestartDevServer(ctx context.Context) error
	Info(ctx context.Context) (Info, error)
}

// HealthInfo is optional provider-reported dev server state. Nil Running
// means the provider does not know.
type HealthInfo struct {
	LogTail string
	Port    int
	Running *bool
}

// HealthReporter is implemented by providers that can report dev server
// state directly rather than through file reads and commands.
type HealthReporter interface {
	HealthInfo(ctx context.Context, logLines int) (*HealthInfo, error)
}

// TimeoutOrDefault returns o.Timeout, or DefaultCommandTimeout when unset.
func (o CommandOptions) TimeoutOrDefault() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return DefaultCommandTimeout
}
