package events

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/charmbracelet/lipgloss"
)

const (
	maxDetailLength   = 200
	maxListItems      = 5
	truncateIndicator = "..."
)

// Format converts an event to a human-readable string for display.
// Returns empty string for nil or unknown event types.
func Format(event Event) string {
	if event == nil {
		return ""
	}

	switch e := event.(type) {
	case *RunStatusEvent:
		return formatRunStatus(e)
	case *TicketTransitionEvent:
		return formatTicketTransition(e)
	case *HeartbeatEvent:
		return formatHeartbeat(e)
	case *HealEvent:
		return formatHeal(e)
	case *RunSummaryEvent:
		return formatRunSummary(e)
	case *ErrorEvent:
		return formatError(e)
	default:
		return ""
	}
}

// FormatWithTimestamp formats an event with a timestamp prefix.
func FormatWithTimestamp(event Event) string {
	if event == nil {
		return ""
	}
	ts := event.Timestamp().Format("15:04:05")
	detail := Format(event)
	if detail == "" {
		return fmt.Sprintf("[%s] %s", ts, event.Type())
	}
	return fmt.Sprintf("[%s] %s", ts, detail)
}

func formatRunStatus(e *RunStatusEvent) string {
	line := fmt.Sprintf("run %s: %s -> %s", shortID(e.RunID()), SafeString(e.From), SafeString(e.To))
	if e.Error != "" {
		line += ": " + Truncate(e.Error, maxDetailLength)
	}
	return line
}

func formatTicketTransition(e *TicketTransitionEvent) string {
	line := fmt.Sprintf("[%s] %s %s -> %s (%d%%)",
		StatusSymbol(e.To), SafeString(e.TicketID), SafeString(e.From), SafeString(e.To), e.Progress)
	if e.RetryCount > 0 {
		line += fmt.Sprintf(" retry %d", e.RetryCount)
	}
	if e.Detail != "" {
		line += ": " + Truncate(e.Detail, maxDetailLength)
	}
	return line
}

func formatHeartbeat(e *HeartbeatEvent) string {
	elapsed := (time.Duration(e.ElapsedMs) * time.Millisecond).Round(time.Second)
	active := "idle"
	if len(e.Active) > 0 {
		active = "working " + joinLimited(e.Active)
	}
	return fmt.Sprintf("heartbeat %s: %s [%s]", elapsed, active, formatCounts(e.Counts))
}

func formatHeal(e *HealEvent) string {
	subject := SafeString(e.SandboxID)
	if e.TicketID != "" {
		subject += " for " + SafeString(e.TicketID)
	}
	if e.Skipped {
		return fmt.Sprintf("heal skipped on %s: %s", subject, SafeString(e.Reason))
	}
	var parts []string
	if len(e.Installed) > 0 {
		parts = append(parts, "installed "+joinLimited(e.Installed))
	}
	if e.Restarted {
		parts = append(parts, "restarted dev server")
	}
	if e.Error != "" {
		parts = append(parts, "error: "+Truncate(e.Error, maxDetailLength))
	} else if e.Healthy {
		parts = append(parts, "healthy")
	} else {
		parts = append(parts, "still unhealthy")
	}
	return fmt.Sprintf("heal on %s: %s", subject, strings.Join(parts, ", "))
}

func formatRunSummary(e *RunSummaryEvent) string {
	elapsed := (time.Duration(e.DurationMs) * time.Millisecond).Round(time.Second)
	line := fmt.Sprintf("run %s %s in %s [%s]", shortID(e.RunID()), SafeString(e.Status), elapsed, formatCounts(e.Counts))
	if len(e.NeverRan) > 0 {
		ids := make([]string, 0, len(e.NeverRan))
		for _, u := range e.NeverRan {
			ids = append(ids, u.TicketID)
		}
		line += "; never ran: " + joinLimited(ids)
	}
	if e.Error != "" {
		line += ": " + Truncate(e.Error, maxDetailLength)
	}
	return line
}

func formatError(e *ErrorEvent) string {
	msg := Truncate(e.Message, maxDetailLength)
	if e.TicketID != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Severity, SafeString(e.TicketID), msg)
	}
	return fmt.Sprintf("%s: %s", e.Severity, msg)
}

// formatCounts renders status counts in a stable order, skipping zeros.
func formatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k, v := range counts {
		if v > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}

func joinLimited(items []string) string {
	if len(items) <= maxListItems {
		return strings.Join(items, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(items[:maxListItems], ", "), len(items)-maxListItems)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Truncate shortens text to maxLen, adding indicator if truncated.
func Truncate(s string, maxLen int) string {
	s = SafeString(s)
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= len(truncateIndicator) {
		return truncateIndicator
	}
	return s[:maxLen-len(truncateIndicator)] + truncateIndicator
}

var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// StripANSI removes ANSI escape sequences from a string.
func StripANSI(s string) string {
	return ansiRegex.ReplaceAllString(s, "")
}

// SafeString sanitizes a string for single-line display: escape sequences
// and control characters are removed and whitespace runs collapse.
func SafeString(s string) string {
	s = StripANSI(s)
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")

	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		if r == ' ' || !unicode.IsControl(r) {
			sb.WriteRune(r)
		}
	}

	result := sb.String()
	for strings.Contains(result, "  ") {
		result = strings.ReplaceAll(result, "  ", " ")
	}
	return strings.TrimSpace(result)
}

// StatusSymbol returns a one-character marker for a ticket column.
func StatusSymbol(status string) string {
	switch status {
	case "generating", "applying", "testing":
		return "~"
	case "pr_review":
		return "?"
	case "done":
		return "+"
	case "failed":
		return "x"
	case "skipped":
		return "!"
	default:
		return "-"
	}
}

// styles holds the lipgloss styles used for terminal output.
var styles = struct {
	Time    lipgloss.Style
	Working lipgloss.Style
	Review  lipgloss.Style
	Done    lipgloss.Style
	Failed  lipgloss.Style
	Skipped lipgloss.Style
	Run     lipgloss.Style
	Heal    lipgloss.Style
	Muted   lipgloss.Style
	Error   lipgloss.Style
	Ticket  lipgloss.Style
}{
	Time:    lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	Working: lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
	Review:  lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
	Done:    lipgloss.NewStyle().Foreground(lipgloss.Color("114")),
	Failed:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	Skipped: lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
	Run:     lipgloss.NewStyle().Foreground(lipgloss.Color("212")).Bold(true),
	Heal:    lipgloss.NewStyle().Foreground(lipgloss.Color("177")),
	Muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	Ticket:  lipgloss.NewStyle().Bold(true),
}

// statusStyle returns the style for a ticket column.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case "generating", "applying", "testing":
		return styles.Working
	case "pr_review":
		return styles.Review
	case "done":
		return styles.Done
	case "failed":
		return styles.Failed
	case "skipped":
		return styles.Skipped
	default:
		return styles.Muted
	}
}

// FormatStyled is FormatWithTimestamp with terminal colors. Ticket
// transitions render as a fixed-width status column so a stream of them
// reads like a board.
func FormatStyled(event Event) string {
	if event == nil {
		return ""
	}
	ts := styles.Time.Render(event.Timestamp().Format("15:04:05"))

	switch e := event.(type) {
	case *TicketTransitionEvent:
		column := statusStyle(e.To).Width(10).Render(e.To)
		line := fmt.Sprintf("%s %s %s %s", ts, column,
			styles.Ticket.Render(SafeString(e.TicketID)),
			styles.Muted.Render(fmt.Sprintf("%3d%%", e.Progress)))
		if e.RetryCount > 0 {
			line += styles.Review.Render(fmt.Sprintf(" retry %d", e.RetryCount))
		}
		if e.Detail != "" {
			line += " " + styles.Muted.Render(Truncate(e.Detail, maxDetailLength))
		}
		return line
	case *RunStatusEvent, *RunSummaryEvent:
		return ts + " " + styles.Run.Render(Format(e))
	case *HealEvent:
		return ts + " " + styles.Heal.Render(Format(e))
	case *HeartbeatEvent:
		return ts + " " + styles.Muted.Render(Format(e))
	case *ErrorEvent:
		return ts + " " + styles.Error.Render(Format(e))
	default:
		return ts + " " + string(event.Type())
	}
}
