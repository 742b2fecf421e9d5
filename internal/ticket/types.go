// Package ticket defines build tickets, their dependency graph, and the
// legal-move rules for board columns. Everything here is pure: no I/O, no
// blocking, safe to call repeatedly as statuses change.
package ticket

import "time"

// Status is a ticket's execution status. The board columns are strictly
// ordered; Failed and Skipped are side-exits.
type Status string

// Status constants.
const (
	StatusBacklog    Status = "backlog"
	StatusGenerating Status = "generating"
	StatusApplying   Status = "applying"
	StatusTesting    Status = "testing"
	StatusPRReview   Status = "pr_review"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// columns is the fixed board order. Index is the column position.
var columns = []Status{
	StatusBacklog,
	StatusGenerating,
	StatusApplying,
	StatusTesting,
	StatusPRReview,
	StatusDone,
}

// Column returns the board position of s, or -1 for side-exit and
// unknown statuses.
func (s Status) Column() int {
	for i, c := range columns {
		if c == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.Column() >= 0 || s == StatusFailed || s == StatusSkipped
}

// Terminal reports whether s ends a ticket's pipeline.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusSkipped
}

// InFlight reports whether a worker owns a ticket in status s.
func (s Status) InFlight() bool {
	return s == StatusGenerating || s == StatusApplying || s == StatusTesting
}

// Progress returns the nominal progress percentage for s.
func (s Status) Progress() int {
	switch s {
	case StatusGenerating:
		return 20
	case StatusApplying:
		return 45
	case StatusTesting:
		return 70
	case StatusPRReview:
		return 90
	case StatusDone:
		return 100
	default:
		return 0
	}
}

// Type categorizes the kind of work a ticket describes.
type Type string

// Type constants.
const (
	TypeComponent   Type = "component"
	TypeFeature     Type = "feature"
	TypeLayout      Type = "layout"
	TypeStyling     Type = "styling"
	TypeIntegration Type = "integration"
	TypeConfig      Type = "config"
	TypeDatabase    Type = "database"
)

// Priority orders ready tickets; lower Rank runs first.
type Priority string

// Priority constants.
const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank returns the sort rank of p. Unknown priorities sort with medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Complexity is a t-shirt size estimate.
type Complexity string

// Complexity constants.
const (
	ComplexityXS Complexity = "XS"
	ComplexityS  Complexity = "S"
	ComplexityM  Complexity = "M"
	ComplexityL  Complexity = "L"
	ComplexityXL Complexity = "XL"
)

// Ticket is one unit of buildable work.
type Ticket struct {
	ID           string     `json:"id" yaml:"id"`
	Title        string     `json:"title" yaml:"title"`
	Description  string     `json:"description,omitempty" yaml:"description"`
	Type         Type       `json:"type,omitempty" yaml:"type"`
	Priority     Priority   `json:"priority,omitempty" yaml:"priority"`
	Complexity   Complexity `json:"complexity,omitempty" yaml:"complexity"`
	Dependencies []string   `json:"dependencies,omitempty" yaml:"dependencies"`

	Status         Status     `json:"status" yaml:"status"`
	Progress       int        `json:"progress" yaml:"-"`
	RetryCount     int        `json:"retry_count" yaml:"-"`
	EstimatedFiles []string   `json:"estimated_files,omitempty" yaml:"estimated_files"`
	ActualFiles    []string   `json:"actual_files,omitempty" yaml:"-"`
	StartedAt      *time.Time `json:"started_at,omitempty" yaml:"-"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" yaml:"-"`
	LastError      string     `json:"last_error,omitempty" yaml:"-"`
}

// Clone returns a deep copy of t.
func (t Ticket) Clone() Ticket {
	c := t
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.EstimatedFiles = append([]string(nil), t.EstimatedFiles...)
	c.ActualFiles = append([]string(nil), t.ActualFiles...)
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	return c
}

// Plan is the immutable application plan a run builds against. The
// generator receives it verbatim.
type Plan struct {
	ID            string   `json:"id" yaml:"id"`
	Name          string   `json:"name" yaml:"name"`
	Description   string   `json:"description,omitempty" yaml:"description"`
	TechStack     []string `json:"tech_stack,omitempty" yaml:"tech_stack"`
	VerifyCommand string   `json:"verify_command,omitempty" yaml:"verify_command"`
	RequireReview bool     `json:"require_review,omitempty" yaml:"require_review"`
	DevServerPort int      `json:"dev_server_port,omitempty" yaml:"dev_server_port"`
}

// Clone returns a deep copy of p.
func (p Plan) Clone() Plan {
	c := p
	c.TechStack = append([]string(nil), p.TechStack...)
	return c
}
