package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/npratt/foundry/internal/buildrun"
	"github.com/npratt/foundry/internal/events"
	"github.com/npratt/foundry/internal/healer"
	"github.com/npratt/foundry/internal/health"
	"github.com/npratt/foundry/internal/store"
)

const maxCellLength = 60

var cellStyle = lipgloss.NewStyle().PaddingRight(2)

// newTable returns a borderless table with the given headers.
func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderColumn(false).
		BorderHeader(false).
		StyleFunc(func(row, col int) lipgloss.Style { return cellStyle }).
		Headers(headers...)
}

// printTickets prints one row per ticket of run.
func printTickets(w io.Writer, run buildrun.Run) {
	t := newTable("", "TICKET", "STATUS", "PROGRESS", "RETRIES", "LAST ERROR")
	for _, tk := range run.Tickets {
		t.Row(
			events.StatusSymbol(string(tk.Status)),
			tk.ID,
			string(tk.Status),
			strconv.Itoa(tk.Progress)+"%",
			strconv.Itoa(tk.RetryCount),
			events.Truncate(tk.LastError, maxCellLength),
		)
	}
	fmt.Fprintln(w, t.String())
}

// printRun prints a run's header and its tickets.
func printRun(w io.Writer, run buildrun.Run) {
	fmt.Fprintf(w, "Run:      %s\n", run.ID)
	fmt.Fprintf(w, "Status:   %s\n", run.Status)
	fmt.Fprintf(w, "Plan:     %s\n", firstNonEmpty(run.Plan.Name, run.Plan.ID))
	fmt.Fprintf(w, "Sandbox:  %s\n", run.SandboxID)
	fmt.Fprintf(w, "Model:    %s\n", run.Model)
	fmt.Fprintf(w, "Created:  %s\n", run.CreatedAt.Format("2006-01-02 15:04:05"))
	if run.FinishedAt != nil && run.StartedAt != nil {
		fmt.Fprintf(w, "Duration: %s\n", run.FinishedAt.Sub(*run.StartedAt).Round(time.Millisecond))
	}
	if run.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", run.Error)
	}
	fmt.Fprintln(w)
	printTickets(w, run)
}

// printRunList prints one row per run.
func printRunList(w io.Writer, runs []buildrun.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs")
		return
	}
	t := newTable("RUN", "STATUS", "TICKETS", "DONE", "FAILED", "CREATED")
	for _, r := range runs {
		counts := r.Counts()
		t.Row(
			r.ID,
			string(r.Status),
			strconv.Itoa(len(r.Tickets)),
			strconv.Itoa(counts["done"]),
			strconv.Itoa(counts["failed"]),
			r.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	fmt.Fprintln(w, t.String())
}

// printJournalRuns prints journal records, newest first.
func printJournalRuns(w io.Writer, recs []store.RunRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return
	}
	t := newTable("RUN", "STATUS", "EVENTS", "COUNTS", "LAST SEEN", "ERROR")
	for _, r := range recs {
		t.Row(
			r.RunID,
			r.Status,
			strconv.Itoa(r.EventCount),
			formatCounts(r.Counts),
			r.LastSeen.Local().Format("2006-01-02 15:04:05"),
			events.Truncate(r.Error, maxCellLength),
		)
	}
	fmt.Fprintln(w, t.String())
}

// formatCounts renders status counts in column order.
func formatCounts(counts map[string]int) string {
	order := []string{"backlog", "generating", "applying", "testing", "pr_review", "done", "failed", "skipped"}
	var parts []string
	for _, s := range order {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", s, n))
		}
	}
	return strings.Join(parts, " ")
}

// printSnapshot prints a health snapshot.
func printSnapshot(w io.Writer, snap *health.Snapshot) {
	verdict := "healthy"
	if !snap.HealthyForPreview() {
		verdict = "unhealthy"
	}
	fmt.Fprintf(w, "Sandbox:    %s (%s)\n", snap.SandboxID, snap.ProviderID)
	if snap.URL != "" {
		fmt.Fprintf(w, "URL:        %s\n", snap.URL)
	}
	fmt.Fprintf(w, "Dev server: %s\n", snap.DevServerRunning)
	fmt.Fprintf(w, "Preview:    %s\n", verdict)
	if len(snap.MissingPackages) > 0 {
		fmt.Fprintf(w, "Missing:    %s\n", strings.Join(snap.MissingPackages, ", "))
	}
	for _, issue := range snap.Issues {
		switch {
		case len(issue.Packages) > 0:
			fmt.Fprintf(w, "  - %s: %s\n", issue.Kind, strings.Join(issue.Packages, ", "))
		case issue.Detail != "":
			fmt.Fprintf(w, "  - %s: %s\n", issue.Kind, events.Truncate(issue.Detail, 120))
		default:
			fmt.Fprintf(w, "  - %s\n", issue.Kind)
		}
	}
}

// printOutcome prints the result of one heal attempt.
func printOutcome(w io.Writer, out *healer.Outcome) {
	if out.Skipped {
		fmt.Fprintf(w, "Heal skipped: %s\n", out.Reason)
		return
	}
	fmt.Fprintf(w, "Healed %s in %s\n", out.SandboxID, out.Duration.Round(time.Millisecond))
	if len(out.Installed) > 0 {
		fmt.Fprintf(w, "Installed: %s\n", strings.Join(out.Installed, ", "))
	}
	if out.Restarted {
		fmt.Fprintln(w, "Restarted dev server")
	}
	if out.After != nil {
		fmt.Fprintln(w)
		printSnapshot(w, out.After)
	}
}
