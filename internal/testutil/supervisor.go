package testutil

import (
	"context"
	"sync"

	"github.com/npratt/foundry/internal/runner"
)

// MockSupervisor implements runner.ProcessSupervisor without processes.
type MockSupervisor struct {
	mu       sync.Mutex
	running  bool
	Starts   int
	Restarts int
	Stops    int
	StartErr error
}

// Start marks the process running.
func (m *MockSupervisor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Starts++
	if m.StartErr != nil {
		return m.StartErr
	}
	m.running = true
	return nil
}

// Restart marks the process running and counts the restart.
func (m *MockSupervisor) Restart(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Restarts++
	if m.StartErr != nil {
		m.running = false
		return m.StartErr
	}
	m.running = true
	return nil
}

// Stop marks the process stopped.
func (m *MockSupervisor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Stops++
	if !m.running {
		return runner.ErrNotRunning
	}
	m.running = false
	return nil
}

// Running reports the simulated state.
func (m *MockSupervisor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// SetRunning forces the simulated state.
func (m *MockSupervisor) SetRunning(running bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = running
}

var _ runner.ProcessSupervisor = (*MockSupervisor)(nil)
