package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/npratt/foundry/internal/codegen"
)

// MockGenerator implements codegen.Generator. By default every ticket
// produces one file named after its id.
type MockGenerator struct {
	mu sync.Mutex

	// GenerateFunc overrides the default behavior when set.
	GenerateFunc func(ctx context.Context, req codegen.Request) (*codegen.Result, error)

	Calls []string
}

// Generate records the ticket id and returns a result.
func (m *MockGenerator) Generate(ctx context.Context, req codegen.Request) (*codegen.Result, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, req.Ticket.ID)
	fn := m.GenerateFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return &codegen.Result{
		OK:      true,
		Summary: "generated " + req.Ticket.ID,
		Files:   []codegen.File{{Path: fmt.Sprintf("src/%s.tsx", req.Ticket.ID), Content: "// " + req.Ticket.Title}},
	}, nil
}

// GetCalls returns the ticket ids generated, in call order.
func (m *MockGenerator) GetCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Calls...)
}

var _ codegen.Generator = (*MockGenerator)(nil)
