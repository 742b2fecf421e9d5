// Package events defines the progress events a build run publishes and the
// router, sinks, and formatters that carry them to observers.
package events

import "time"

// EventType identifies the category and nature of an event.
type EventType string

const (
	// Run lifecycle
	EventRunStatus  EventType = "run.status"
	EventRunSummary EventType = "run.summary"

	// Ticket board movement
	EventTicketTransition EventType = "ticket.transition"

	// Periodic liveness of a running run
	EventHeartbeat EventType = "heartbeat"

	// Sandbox healing
	EventHeal EventType = "heal"

	// Error conditions
	EventError EventType = "error"
)

// SourceFoundry is the source of every event the orchestrator emits.
const SourceFoundry = "foundry"

// Event is the interface implemented by all event types.
type Event interface {
	Type() EventType
	Timestamp() time.Time
	Source() string
	RunID() string
	Sequence() uint64
}

// BaseEvent holds the fields shared by every event. Seq is assigned by the
// run that emits the event and increases by one per event within that run.
type BaseEvent struct {
	EventType EventType `json:"type"`
	Time      time.Time `json:"timestamp"`
	Src       string    `json:"source"`
	Run       string    `json:"run_id,omitempty"`
	Seq       uint64    `json:"seq,omitempty"`
}

// Type returns the event type.
func (e BaseEvent) Type() EventType { return e.EventType }

// Timestamp returns when the event occurred.
func (e BaseEvent) Timestamp() time.Time { return e.Time }

// Source returns the event source.
func (e BaseEvent) Source() string { return e.Src }

// RunID returns the run the event belongs to.
func (e BaseEvent) RunID() string { return e.Run }

// Sequence returns the per-run sequence number.
func (e BaseEvent) Sequence() uint64 { return e.Seq }

// RunStatusEvent is emitted when a run changes status.
type RunStatusEvent struct {
	BaseEvent
	From  string `json:"from"`
	To    string `json:"to"`
	Error string `json:"error,omitempty"`
}

// TicketTransitionEvent is emitted once per ticket column change.
type TicketTransitionEvent struct {
	BaseEvent
	TicketID   string `json:"ticket_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Detail     string `json:"detail,omitempty"`
	Progress   int    `json:"progress"`
	RetryCount int    `json:"retry_count,omitempty"`
}

// HeartbeatEvent is emitted periodically while a run is running.
type HeartbeatEvent struct {
	BaseEvent
	Active    []string       `json:"active"`
	Counts    map[string]int `json:"counts"`
	ElapsedMs int64          `json:"elapsed_ms"`
}

// HealEvent reports the outcome of one heal attempt, including refusals.
type HealEvent struct {
	BaseEvent
	SandboxID string   `json:"sandbox_id"`
	TicketID  string   `json:"ticket_id,omitempty"`
	Skipped   bool     `json:"skipped,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Installed []string `json:"installed,omitempty"`
	Restarted bool     `json:"restarted,omitempty"`
	Healthy   bool     `json:"healthy"`
	Error     string   `json:"error,omitempty"`
}

// UnrunTicket names a ticket that never ran and why.
type UnrunTicket struct {
	TicketID string `json:"ticket_id"`
	Reason   string `json:"reason"`
}

// RunSummaryEvent is emitted once when a run reaches a terminal status.
type RunSummaryEvent struct {
	BaseEvent
	Status     string         `json:"status"`
	Counts     map[string]int `json:"counts"`
	NeverRan   []UnrunTicket  `json:"never_ran,omitempty"`
	DurationMs int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
}

// Severity constants for error events.
const (
	SeverityWarning = "warning"
	SeverityError   = "error"
	SeverityFatal   = "fatal"
)

// ErrorEvent is emitted for any error condition.
type ErrorEvent struct {
	BaseEvent
	Message  string            `json:"message"`
	Severity string            `json:"severity"`
	TicketID string            `json:"ticket_id,omitempty"`
	Context  map[string]string `json:"context,omitempty"`
}

// NewEvent creates a BaseEvent for runID stamped with the current time.
func NewEvent(eventType EventType, runID string) BaseEvent {
	return NewEventAt(eventType, runID, time.Now())
}

// NewEventAt creates a BaseEvent for runID stamped with at.
func NewEventAt(eventType EventType, runID string, at time.Time) BaseEvent {
	return BaseEvent{
		EventType: eventType,
		Time:      at,
		Src:       SourceFoundry,
		Run:       runID,
	}
}
