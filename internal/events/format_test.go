package events

import (
	"strings"
	"testing"
	"time"
)

func TestFormat_AllEventTypes(t *testing.T) {
	now := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	base := func(typ EventType) BaseEvent {
		return NewEventAt(typ, "0123456789abcdef", now)
	}

	tests := []struct {
		name     string
		event    Event
		contains []string
		excludes []string
	}{
		{
			name:  "nil event",
			event: nil,
		},
		{
			name:     "run status",
			event:    &RunStatusEvent{BaseEvent: base(EventRunStatus), From: "pending", To: "running"},
			contains: []string{"run 01234567", "pending -> running"},
		},
		{
			name:     "run status with error",
			event:    &RunStatusEvent{BaseEvent: base(EventRunStatus), From: "running", To: "failed", Error: "provider unavailable"},
			contains: []string{"-> failed", "provider unavailable"},
		},
		{
			name:     "ticket transition",
			event:    &TicketTransitionEvent{BaseEvent: base(EventTicketTransition), TicketID: "nav", From: "applying", To: "testing", Progress: 66},
			contains: []string{"[~] nav applying -> testing (66%)"},
			excludes: []string{"retry"},
		},
		{
			name: "ticket failure with retries",
			event: &TicketTransitionEvent{BaseEvent: base(EventTicketTransition), TicketID: "cart", From: "testing", To: "failed",
				RetryCount: 2, Detail: "verify failed:\nexit 1"},
			contains: []string{"[x] cart", "retry 2", "verify failed: exit 1"},
		},
		{
			name:     "heartbeat",
			event:    &HeartbeatEvent{BaseEvent: base(EventHeartbeat), Active: []string{"nav"}, Counts: map[string]int{"done": 2, "backlog": 1, "failed": 0}, ElapsedMs: 61_400},
			contains: []string{"heartbeat 1m1s", "working nav", "backlog=1 done=2"},
			excludes: []string{"failed="},
		},
		{
			name:     "idle heartbeat",
			event:    &HeartbeatEvent{BaseEvent: base(EventHeartbeat)},
			contains: []string{"idle"},
		},
		{
			name:     "heal skipped",
			event:    &HealEvent{BaseEvent: base(EventHeal), SandboxID: "sb-1", TicketID: "nav", Skipped: true, Reason: "cooldown"},
			contains: []string{"heal skipped on sb-1 for nav: cooldown"},
		},
		{
			name:     "heal installed",
			event:    &HealEvent{BaseEvent: base(EventHeal), SandboxID: "sb-1", Installed: []string{"lodash", "react-icons"}, Restarted: true, Healthy: true},
			contains: []string{"installed lodash, react-icons", "restarted dev server", "healthy"},
		},
		{
			name:     "heal error",
			event:    &HealEvent{BaseEvent: base(EventHeal), SandboxID: "sb-1", Error: "install failed"},
			contains: []string{"error: install failed"},
		},
		{
			name: "run summary",
			event: &RunSummaryEvent{BaseEvent: base(EventRunSummary), Status: "completed", Counts: map[string]int{"done": 3},
				NeverRan: []UnrunTicket{{TicketID: "checkout", Reason: "blocked by failed cart"}}, DurationMs: 2_000},
			contains: []string{"run 01234567 completed in 2s", "done=3", "never ran: checkout"},
		},
		{
			name:     "error",
			event:    &ErrorEvent{BaseEvent: base(EventError), Message: "write failed", Severity: SeverityError, TicketID: "nav"},
			contains: []string{"error [nav]: write failed"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Format(tt.event)
			if tt.event == nil {
				if got != "" {
					t.Errorf("Format(nil) = %q, want empty", got)
				}
				return
			}
			for _, want := range tt.contains {
				if !strings.Contains(got, want) {
					t.Errorf("Format() = %q, want it to contain %q", got, want)
				}
			}
			for _, bad := range tt.excludes {
				if strings.Contains(got, bad) {
					t.Errorf("Format() = %q, should not contain %q", got, bad)
				}
			}
		})
	}
}

func TestFormatWithTimestamp(t *testing.T) {
	now := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	ev := &TicketTransitionEvent{BaseEvent: NewEventAt(EventTicketTransition, "r", now), TicketID: "nav", From: "backlog", To: "generating"}
	got := FormatWithTimestamp(ev)
	if !strings.HasPrefix(got, "[15:04:05] ") {
		t.Errorf("FormatWithTimestamp() = %q", got)
	}
	if FormatWithTimestamp(nil) != "" {
		t.Error("FormatWithTimestamp(nil) should be empty")
	}
}

func TestFormatStyled(t *testing.T) {
	ev := &TicketTransitionEvent{BaseEvent: NewEvent(EventTicketTransition, "r"), TicketID: "navbar", From: "testing", To: "done", Progress: 100}
	got := StripANSI(FormatStyled(ev))
	for _, want := range []string{"done", "navbar", "100%"} {
		if !strings.Contains(got, want) {
			t.Errorf("FormatStyled() = %q, want it to contain %q", got, want)
		}
	}

	summary := &RunSummaryEvent{BaseEvent: NewEvent(EventRunSummary, "r"), Status: "cancelled"}
	if got := StripANSI(FormatStyled(summary)); !strings.Contains(got, "cancelled") {
		t.Errorf("FormatStyled(summary) = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input  string
		maxLen int
		want   string
	}{
		{"short", 10, "short"},
		{"exactly ten", 11, "exactly ten"},
		{"this is too long", 10, "this is..."},
		{"abc", 2, "..."},
		{"line\nbreak", 20, "line break"},
	}
	for _, tt := range tests {
		if got := Truncate(tt.input, tt.maxLen); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
		}
	}
}

func TestSafeString(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"plain", "plain"},
		{"\x1b[31mred\x1b[0m", "red"},
		{"a\n\nb", "a b"},
		{"tab\there", "tabhere"},
		{"  padded  ", "padded"},
	}
	for _, tt := range tests {
		if got := SafeString(tt.input); got != tt.want {
			t.Errorf("SafeString(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestStatusSymbol(t *testing.T) {
	tests := map[string]string{
		"backlog":    "-",
		"generating": "~",
		"testing":    "~",
		"pr_review":  "?",
		"done":       "+",
		"failed":     "x",
		"skipped":    "!",
	}
	for status, want := range tests {
		if got := StatusSymbol(status); got != want {
			t.Errorf("StatusSymbol(%q) = %q, want %q", status, got, want)
		}
	}
}

func TestJoinLimited(t *testing.T) {
	got := joinLimited([]string{"a", "b", "c", "d", "e", "f", "g"})
	if got != "a, b, c, d, e and 2 more" {
		t.Errorf("joinLimited() = %q", got)
	}
}
