// Package testutil provides test infrastructure for unit and integration testing.
// It includes mocks, fixtures, and helpers that other packages use for testing.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/npratt/foundry/internal/exec"
)

// DynamicResponseFunc is called before the canned lookup. Returning
// handled=false falls through to Responses and Errors.
type DynamicResponseFunc func(ctx context.Context, cmd exec.Command) (res *exec.Result, err error, handled bool)

// MockRunner returns canned results keyed by command line and records
// every call. It implements exec.CommandRunner.
type MockRunner struct {
	mu              sync.Mutex
	Responses       map[string]*exec.Result
	Errors          map[string]error
	Calls           []exec.Command
	DynamicResponse DynamicResponseFunc
}

// NewMockRunner creates a MockRunner with initialized maps.
func NewMockRunner() *MockRunner {
	return &MockRunner{
		Responses: make(map[string]*exec.Result),
		Errors:    make(map[string]error),
	}
}

// Run records cmd and returns the matching canned result. Keys are the
// command line "name arg1 arg2"; for sh -c commands the key is the script.
// Exact matches win over prefix matches.
func (m *MockRunner) Run(ctx context.Context, cmd exec.Command) (*exec.Result, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, cmd)
	dyn := m.DynamicResponse
	m.mu.Unlock()

	if dyn != nil {
		if res, err, handled := dyn(ctx, cmd); handled {
			return res, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := CommandKey(cmd)
	if err, ok := m.Errors[key]; ok {
		return nil, err
	}
	if res, ok := m.Responses[key]; ok {
		return copyResult(res), nil
	}
	for k, err := range m.Errors {
		if strings.HasPrefix(key, k) {
			return nil, err
		}
	}
	for k, res := range m.Responses {
		if strings.HasPrefix(key, k) {
			return copyResult(res), nil
		}
	}
	return nil, fmt.Errorf("unexpected command: %s", key)
}

// SetResponse configures the result for a command key.
func (m *MockRunner) SetResponse(key string, res *exec.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses[key] = res
}

// SetError configures an error for a command key.
func (m *MockRunner) SetError(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors[key] = err
}

// GetCalls returns a copy of all recorded calls.
func (m *MockRunner) GetCalls() []exec.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]exec.Command, len(m.Calls))
	copy(result, m.Calls)
	return result
}

// Reset clears all recorded calls.
func (m *MockRunner) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}

// CommandKey returns the lookup key MockRunner uses for cmd.
func CommandKey(cmd exec.Command) string {
	if cmd.Name == "sh" && len(cmd.Args) == 2 && cmd.Args[0] == "-c" {
		return cmd.Args[1]
	}
	if len(cmd.Args) == 0 {
		return cmd.Name
	}
	return cmd.Name + " " + strings.Join(cmd.Args, " ")
}

func copyResult(r *exec.Result) *exec.Result {
	if r == nil {
		return &exec.Result{}
	}
	c := *r
	return &c
}
