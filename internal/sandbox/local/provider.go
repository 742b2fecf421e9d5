// Package local implements sandbox.Provider over a directory on the host,
// running commands through sh and supervising the dev server process.
package local

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/npratt/foundry/internal/exec"
	"github.com/npratt/foundry/internal/runner"
	"github.com/npratt/foundry/internal/sandbox"
)

// ProviderID identifies this implementation in sandbox.Info.
const ProviderID = "local"

// maxLineSize bounds a single dev server log line.
const maxLineSize = 1 << 20

// ErrOutsideRoot is returned for paths that resolve outside the sandbox root.
var ErrOutsideRoot = errors.New("path escapes sandbox root")

// Config describes a local sandbox.
type Config struct {
	SandboxID        string
	Root             string
	InstallCommand   string
	DevServerCommand string
	DevServerLog     string
	DevServerPort    int
	URL              string
}

// Provider is a sandbox rooted at a local directory.
type Provider struct {
	cfg    Config
	cmd    exec.CommandRunner
	server runner.ProcessSupervisor
	logger *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithSupervisor replaces the dev server supervisor, mainly for tests.
func WithSupervisor(s runner.ProcessSupervisor) Option {
	return func(p *Provider) { p.server = s }
}

// WithLogger sets the provider's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// New creates a Provider. The root directory must exist.
func New(cfg Config, cmd exec.CommandRunner, opts ...Option) (*Provider, error) {
	if cfg.Root == "" {
		return nil, errors.New("sandbox root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sandbox root %s is not a directory", root)
	}
	cfg.Root = root
	if cfg.SandboxID == "" {
		cfg.SandboxID = filepath.Base(root)
	}
	if cfg.DevServerLog != "" && !filepath.IsAbs(cfg.DevServerLog) {
		cfg.DevServerLog = filepath.Join(root, cfg.DevServerLog)
	}
	if cfg.URL == "" && cfg.DevServerPort > 0 {
		cfg.URL = fmt.Sprintf("http://localhost:%d", cfg.DevServerPort)
	}

	p := &Provider{cfg: cfg, cmd: cmd}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.server == nil && cfg.DevServerCommand != "" {
		p.server = runner.NewSupervisor(runner.ProcessSpec{
			Name:    "sh",
			Args:    []string{"-c", cfg.DevServerCommand},
			Dir:     root,
			LogPath: cfg.DevServerLog,
		}, p.logger)
	}
	return p, nil
}

// Root returns the absolute sandbox root.
func (p *Provider) Root() string {
	return p.cfg.Root
}

// LogPath returns the dev server log path relative to the root when
// possible, suitable for ReadFile.
func (p *Provider) LogPath() string {
	if rel, err := filepath.Rel(p.cfg.Root, p.cfg.DevServerLog); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return p.cfg.DevServerLog
}

func (p *Provider) resolve(path string) (string, error) {
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(p.cfg.Root, path)
	}
	full = filepath.Clean(full)
	rel, err := filepath.Rel(p.cfg.Root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", path, ErrOutsideRoot)
	}
	return full, nil
}

// ReadFile returns the content of path relative to the root.
func (p *Provider) ReadFile(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	full, err := p.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("read %s: %w", path, sandbox.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

// WriteFile writes content to path, creating parent directories.
func (p *Provider) WriteFile(ctx context.Context, path, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := p.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// RunCommand runs cmd through sh in the sandbox root. A non-zero exit is
// reported in the result, not as an error.
func (p *Provider) RunCommand(ctx context.Context, cmd string, opts sandbox.CommandOptions) (*sandbox.CommandResult, error) {
	res, err := p.cmd.Run(ctx, exec.Shell(cmd, p.cfg.Root, opts.TimeoutOrDefault()))
	if err != nil {
		return nil, err
	}
	return &sandbox.CommandResult{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}, nil
}

// InstallPackages runs the configured install command with names appended.
func (p *Provider) InstallPackages(ctx context.Context, names []string) (*sandbox.InstallResult, error) {
	if len(names) == 0 {
		return &sandbox.InstallResult{Success: true}, nil
	}
	if p.cfg.InstallCommand == "" {
		return nil, errors.New("no install command configured")
	}

	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = shellQuote(n)
	}
	line := p.cfg.InstallCommand + " " + strings.Join(quoted, " ")

	p.logger.Info("installing packages", "sandbox_id", p.cfg.SandboxID, "packages", names)
	res, err := p.cmd.Run(ctx, exec.Shell(line, p.cfg.Root, sandbox.DefaultCommandTimeout))
	if err != nil {
		return nil, fmt.Errorf("install packages: %w", err)
	}
	return &sandbox.InstallResult{
		Success: res.ExitCode == 0,
		Stdout:  res.Stdout,
		Stderr:  res.Stderr,
	}, nil
}

// RestartDevServer restarts the supervised dev server.
func (p *Provider) RestartDevServer(ctx context.Context) error {
	if p.server == nil {
		return errors.New("no dev server command configured")
	}
	if err := p.server.Restart(ctx); err != nil {
		return fmt.Errorf("restart dev server: %w", err)
	}
	return nil
}

// StartDevServer launches the dev server if it is not running.
func (p *Provider) StartDevServer(ctx context.Context) error {
	if p.server == nil {
		return nil
	}
	return p.server.Start(ctx)
}

// StopDevServer stops the dev server if it is running.
func (p *Provider) StopDevServer() error {
	if p.server == nil {
		return nil
	}
	if err := p.server.Stop(); err != nil && !errors.Is(err, runner.ErrNotRunning) {
		return err
	}
	return nil
}

// Info identifies the sandbox.
func (p *Provider) Info(ctx context.Context) (sandbox.Info, error) {
	return sandbox.Info{SandboxID: p.cfg.SandboxID, ProviderID: ProviderID, URL: p.cfg.URL}, nil
}

// HealthInfo reports the dev server log tail and, when this provider
// supervises the server, whether it is alive.
func (p *Provider) HealthInfo(ctx context.Context, logLines int) (*sandbox.HealthInfo, error) {
	info := &sandbox.HealthInfo{Port: p.cfg.DevServerPort}
	if p.cfg.DevServerLog != "" {
		tail, err := tailFile(p.cfg.DevServerLog, logLines)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read dev server log: %w", err)
		}
		info.LogTail = tail
	}
	if p.server != nil {
		running := p.server.Running()
		info.Running = &running
	}
	return info, nil
}

// tailFile returns the last n lines of the file at path.
func tailFile(path string, n int) (string, error) {
	if n <= 0 {
		return "", nil
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		if len(ring) == n {
			ring = append(ring[1:], scanner.Text())
		} else {
			ring = append(ring, scanner.Text())
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.Join(ring, "\n"), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var (
	_ sandbox.Provider       = (*Provider)(nil)
	_ sandbox.HealthReporter = (*Provider)(nil)
)
