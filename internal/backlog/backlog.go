// Package backlog reads backlog files: a plan and the tickets that build it.
package backlog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/npratt/foundry/internal/ticket"
)

// ErrInvalid is returned for a backlog that parses but cannot be run.
var ErrInvalid = errors.New("invalid backlog")

// File is the on-disk backlog document.
type File struct {
	Plan           ticket.Plan     `yaml:"plan"`
	SandboxID      string          `yaml:"sandbox_id"`
	Model          string          `yaml:"model"`
	MaxConcurrency int             `yaml:"max_concurrency"`
	Tickets        []ticket.Ticket `yaml:"tickets"`
}

// Load reads and validates the backlog at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read backlog: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a backlog document. Unknown keys are rejected so typos in
// field names surface instead of being dropped. Tickets without a status
// start in backlog.
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalid)
		}
		return nil, fmt.Errorf("parse backlog: %w", err)
	}

	for i := range f.Tickets {
		t := &f.Tickets[i]
		t.ID = strings.TrimSpace(t.ID)
		if t.Status == "" {
			t.Status = ticket.StatusBacklog
		}
		if t.Priority == "" {
			t.Priority = ticket.PriorityMedium
		}
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks that the backlog names a plan and that its tickets form
// a valid dependency graph.
func (f *File) Validate() error {
	if f.Plan.ID == "" && f.Plan.Name == "" {
		return fmt.Errorf("%w: plan needs an id or name", ErrInvalid)
	}
	if len(f.Tickets) == 0 {
		return fmt.Errorf("%w: no tickets", ErrInvalid)
	}
	for _, t := range f.Tickets {
		if t.ID == "" {
			return fmt.Errorf("%w: ticket %q has no id", ErrInvalid, t.Title)
		}
		if !t.Status.Valid() {
			return fmt.Errorf("%w: ticket %s has unknown status %q", ErrInvalid, t.ID, t.Status)
		}
	}
	if err := ticket.Validate(f.Tickets); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Marshal encodes f back to YAML.
func (f *File) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return nil, fmt.Errorf("encode backlog: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode backlog: %w", err)
	}
	return buf.Bytes(), nil
}
