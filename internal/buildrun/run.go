package buildrun

import (
	"sort"
	"time"

	"github.com/npratt/foundry/internal/ticket"
)

// Status is a run's lifecycle status.
type Status string

// Run statuses. A run leaves pending once and reaches exactly one
// terminal status.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is final.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted || s == StatusFailed
}

// Unrun names a ticket that never ran and why.
type Unrun struct {
	TicketID string `json:"ticket_id"`
	Reason   string `json:"reason"`
}

// Input is a request to build a set of tickets against one sandbox.
type Input struct {
	SandboxID      string          `json:"sandbox_id"`
	Model          string          `json:"model"`
	Plan           ticket.Plan     `json:"plan"`
	Tickets        []ticket.Ticket `json:"tickets"`
	MaxConcurrency int             `json:"max_concurrency,omitempty"`
	// OnlyTicketID restricts the run to one ticket and its dependencies.
	OnlyTicketID          string `json:"only_ticket_id,omitempty"`
	TreatFailedAsResolved bool   `json:"treat_failed_as_resolved,omitempty"`
}

// Run is a snapshot of one build run. Values returned by the Manager are
// copies and safe to keep.
type Run struct {
	ID                    string          `json:"id"`
	Plan                  ticket.Plan     `json:"plan"`
	Tickets               []ticket.Ticket `json:"tickets"`
	SandboxID             string          `json:"sandbox_id"`
	Model                 string          `json:"model"`
	MaxConcurrency        int             `json:"max_concurrency"`
	OnlyTicketID          string          `json:"only_ticket_id,omitempty"`
	TreatFailedAsResolved bool            `json:"treat_failed_as_resolved,omitempty"`
	BaseURL               string          `json:"base_url,omitempty"`

	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
	NeverRan   []Unrun    `json:"never_ran,omitempty"`
}

// Clone returns a deep copy of r.
func (r Run) Clone() Run {
	c := r
	c.Plan = r.Plan.Clone()
	c.Tickets = make([]ticket.Ticket, len(r.Tickets))
	for i, t := range r.Tickets {
		c.Tickets[i] = t.Clone()
	}
	c.StartedAt = cloneTime(r.StartedAt)
	c.FinishedAt = cloneTime(r.FinishedAt)
	c.NeverRan = append([]Unrun(nil), r.NeverRan...)
	return c
}

// Ticket returns the ticket with id.
func (r Run) Ticket(id string) (ticket.Ticket, bool) {
	for _, t := range r.Tickets {
		if t.ID == id {
			return t, true
		}
	}
	return ticket.Ticket{}, false
}

// Counts returns the number of tickets in each status.
func (r Run) Counts() map[string]int {
	counts := make(map[string]int)
	for _, t := range r.Tickets {
		counts[string(t.Status)]++
	}
	return counts
}

// Policy returns the dependency resolution policy of the run.
func (r Run) Policy() ticket.Policy {
	return ticket.Policy{TreatFailedAsResolved: r.TreatFailedAsResolved}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func sortRuns(runs []Run) {
	sort.SliceStable(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.Before(runs[j].CreatedAt)
		}
		return runs[i].ID < runs[j].ID
	})
}
