package events

import (
	"encoding/json"
	"log/slog"
)

// eventEnvelope is used for initial JSON parsing to determine event type.
type eventEnvelope struct {
	Type EventType `json:"type"`
}

// ParseEvent parses a JSON line into a typed Event.
// Returns nil with no error for unknown event types (for forward compatibility).
func ParseEvent(line []byte) (Event, error) {
	var envelope eventEnvelope
	if err := json.Unmarshal(line, &envelope); err != nil {
		return nil, err
	}

	var ev Event
	switch envelope.Type {
	case EventRunStatus:
		ev = &RunStatusEvent{}
	case EventRunSummary:
		ev = &RunSummaryEvent{}
	case EventTicketTransition:
		ev = &TicketTransitionEvent{}
	case EventHeartbeat:
		ev = &HeartbeatEvent{}
	case EventHeal:
		ev = &HealEvent{}
	case EventError:
		ev = &ErrorEvent{}
	default:
		slog.Debug("unknown event type", "type", envelope.Type)
		return nil, nil
	}

	if err := json.Unmarshal(line, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// TicketID extracts the ticket ID from an event, if present.
// Returns empty string for events without an associated ticket.
func TicketID(ev Event) string {
	switch e := ev.(type) {
	case *TicketTransitionEvent:
		return e.TicketID
	case *HealEvent:
		return e.TicketID
	case *ErrorEvent:
		return e.TicketID
	default:
		return ""
	}
}
