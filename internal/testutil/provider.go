package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/npratt/foundry/internal/sandbox"
)

// MockProvider is an in-memory sandbox.Provider. Behavior is scripted
// through the *Func fields; every call is recorded.
type MockProvider struct {
	mu sync.Mutex

	SandboxID string
	URL       string
	Files     map[string]string

	// CommandFunc handles RunCommand. Nil means exit 0 with no output.
	CommandFunc func(cmd string) (*sandbox.CommandResult, error)
	// InstallFunc handles InstallPackages. Nil means success.
	InstallFunc func(names []string) (*sandbox.InstallResult, error)
	// RestartFunc handles RestartDevServer. Nil means success.
	RestartFunc func() error
	// WriteFunc, when set, is consulted before each write.
	WriteFunc func(path string) error
	// InfoErr is returned from Info when set.
	InfoErr error

	Commands []string
	Installs [][]string
	Restarts int
	Writes   []string
}

// NewMockProvider creates a MockProvider for sandboxID.
func NewMockProvider(sandboxID string) *MockProvider {
	return &MockProvider{SandboxID: sandboxID, Files: make(map[string]string)}
}

// ReadFile returns a stored file or sandbox.ErrNotFound.
func (m *MockProvider) ReadFile(ctx context.Context, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.Files[path]
	if !ok {
		return "", fmt.Errorf("read %s: %w", path, sandbox.ErrNotFound)
	}
	return content, nil
}

// WriteFile stores content at path.
func (m *MockProvider) WriteFile(ctx context.Context, path, content string) error {
	m.mu.Lock()
	fn := m.WriteFunc
	m.mu.Unlock()
	if fn != nil {
		if err := fn(path); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Files[path] = content
	m.Writes = append(m.Writes, path)
	return nil
}

// RunCommand records cmd and delegates to CommandFunc.
func (m *MockProvider) RunCommand(ctx context.Context, cmd string, opts sandbox.CommandOptions) (*sandbox.CommandResult, error) {
	m.mu.Lock()
	m.Commands = append(m.Commands, cmd)
	fn := m.CommandFunc
	m.mu.Unlock()

	if fn == nil {
		return &sandbox.CommandResult{}, nil
	}
	return fn(cmd)
}

// InstallPackages records names and delegates to InstallFunc.
func (m *MockProvider) InstallPackages(ctx context.Context, names []string) (*sandbox.InstallResult, error) {
	m.mu.Lock()
	m.Installs = append(m.Installs, append([]string(nil), names...))
	fn := m.InstallFunc
	m.mu.Unlock()

	if fn == nil {
		return &sandbox.InstallResult{Success: true}, nil
	}
	return fn(names)
}

// RestartDevServer counts the restart and delegates to RestartFunc.
func (m *MockProvider) RestartDevServer(ctx context.Context) error {
	m.mu.Lock()
	m.Restarts++
	fn := m.RestartFunc
	m.mu.Unlock()

	if fn == nil {
		return nil
	}
	return fn()
}

// Info returns the configured identity.
func (m *MockProvider) Info(ctx context.Context) (sandbox.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InfoErr != nil {
		return sandbox.Info{}, m.InfoErr
	}
	return sandbox.Info{SandboxID: m.SandboxID, ProviderID: "mock", URL: m.URL}, nil
}

// SetFile stores a file without recording a write.
func (m *MockProvider) SetFile(path, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Files[path] = content
}

// File returns a stored file.
func (m *MockProvider) File(path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Files[path]
	return c, ok
}

// GetCommands returns a copy of the recorded commands.
func (m *MockProvider) GetCommands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Commands...)
}

// GetInstalls returns a copy of the recorded install batches.
func (m *MockProvider) GetInstalls() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]string, len(m.Installs))
	copy(out, m.Installs)
	return out
}

// RestartCount returns how many restarts were requested.
func (m *MockProvider) RestartCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Restarts
}

// WrittenPaths returns the sorted set of paths written.
func (m *MockProvider) WrittenPaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, p := range m.Writes {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// MockHealthProvider adds sandbox.HealthReporter to MockProvider.
type MockHealthProvider struct {
	*MockProvider

	mu        sync.Mutex
	Health    sandbox.HealthInfo
	HealthErr error
}

// NewMockHealthProvider creates a MockHealthProvider for sandboxID.
func NewMockHealthProvider(sandboxID string) *MockHealthProvider {
	return &MockHealthProvider{MockProvider: NewMockProvider(sandboxID)}
}

// HealthInfo returns the configured health info.
func (m *MockHealthProvider) HealthInfo(ctx context.Context, logLines int) (*sandbox.HealthInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.HealthErr != nil {
		return nil, m.HealthErr
	}
	h := m.Health
	return &h, nil
}

// SetHealth replaces the reported health info.
func (m *MockHealthProvider) SetHealth(h sandbox.HealthInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Health = h
}

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool {
	return &b
}

var (
	_ sandbox.Provider       = (*MockProvider)(nil)
	_ sandbox.HealthReporter = (*MockHealthProvider)(nil)
)
