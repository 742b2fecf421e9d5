package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/npratt/foundry/internal/events"
	"github.com/npratt/foundry/internal/testutil"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func openJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "state", "journal.db"), nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func base(typ events.EventType, runID string, seq uint64, at time.Time) events.BaseEvent {
	b := events.NewEventAt(typ, runID, at)
	b.Seq = seq
	return b
}

// runEvents is a short run: start, one ticket done, one heartbeat, summary.
func runEvents(runID string, start time.Time) []events.Event {
	return []events.Event{
		&events.RunStatusEvent{BaseEvent: base(events.EventRunStatus, runID, 1, start), From: "pending", To: "running"},
		&events.TicketTransitionEvent{BaseEvent: base(events.EventTicketTransition, runID, 2, start.Add(time.Second)), TicketID: "nav", From: "backlog", To: "generating", Progress: 20},
		&events.HeartbeatEvent{BaseEvent: base(events.EventHeartbeat, runID, 3, start.Add(2*time.Second)), Active: []string{"nav"}},
		&events.TicketTransitionEvent{BaseEvent: base(events.EventTicketTransition, runID, 4, start.Add(3*time.Second)), TicketID: "nav", From: "testing", To: "done", Progress: 100},
		&events.HealEvent{BaseEvent: base(events.EventHeal, runID, 5, start.Add(4*time.Second)), SandboxID: "sb-1", TicketID: "cart", Installed: []string{"lodash"}, Restarted: true},
		&events.RunSummaryEvent{BaseEvent: base(events.EventRunSummary, runID, 6, start.Add(5*time.Second)), Status: "completed", Counts: map[string]int{"done": 1, "failed": 1}},
	}
}

func record(t *testing.T, j *Journal, evs []events.Event) {
	t.Helper()
	for _, ev := range evs {
		if err := j.Record(context.Background(), ev); err != nil {
			t.Fatalf("Record(%s) error = %v", ev.Type(), err)
		}
	}
}

func TestJournal_RecordAndQuery(t *testing.T) {
	j := openJournal(t)
	record(t, j, runEvents("run-1", t0))

	if got := j.Written(); got != 5 {
		t.Errorf("Written() = %d, want 5 (heartbeat skipped)", got)
	}

	rec, err := j.Run(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rec.Status != "completed" || rec.EventCount != 5 {
		t.Errorf("record = %+v", rec)
	}
	if rec.Counts["done"] != 1 || rec.Counts["failed"] != 1 {
		t.Errorf("counts = %v", rec.Counts)
	}
	if !rec.FirstSeen.Equal(t0) || !rec.LastSeen.Equal(t0.Add(5*time.Second)) {
		t.Errorf("first/last = %v / %v", rec.FirstSeen, rec.LastSeen)
	}

	evs, err := j.Events(context.Background(), "run-1", "")
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(evs) != 5 {
		t.Fatalf("Events() returned %d, want 5", len(evs))
	}
	for i := 1; i < len(evs); i++ {
		if evs[i].Sequence() <= evs[i-1].Sequence() {
			t.Errorf("events out of order at %d", i)
		}
	}
	tr, ok := evs[1].(*events.TicketTransitionEvent)
	if !ok || tr.TicketID != "nav" || tr.To != "generating" {
		t.Errorf("evs[1] = %#v", evs[1])
	}

	nav, err := j.Events(context.Background(), "run-1", "nav")
	if err != nil {
		t.Fatal(err)
	}
	if len(nav) != 2 {
		t.Errorf("nav events = %d, want 2", len(nav))
	}
	cart, _ := j.Events(context.Background(), "run-1", "cart")
	if len(cart) != 1 {
		t.Fatalf("cart events = %d, want 1", len(cart))
	}
	if h, ok := cart[0].(*events.HealEvent); !ok || !h.Restarted || len(h.Installed) != 1 {
		t.Errorf("heal event = %#v", cart[0])
	}
}

func TestJournal_RunNotFound(t *testing.T) {
	j := openJournal(t)
	if _, err := j.Run(context.Background(), "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Run() error = %v, want ErrRunNotFound", err)
	}
	evs, err := j.Events(context.Background(), "missing", "")
	if err != nil || len(evs) != 0 {
		t.Errorf("Events() = %v, %v", evs, err)
	}
}

func TestJournal_RunsNewestFirst(t *testing.T) {
	j := openJournal(t)
	record(t, j, runEvents("run-old", t0))
	record(t, j, runEvents("run-new", t0.Add(time.Hour)))
	record(t, j, []events.Event{
		&events.RunStatusEvent{BaseEvent: base(events.EventRunStatus, "run-failed", 1, t0.Add(30*time.Minute)), From: "running", To: "failed", Error: "sandbox unavailable"},
	})

	runs, err := j.Runs(context.Background(), 0)
	if err != nil {
		t.Fatalf("Runs() error = %v", err)
	}
	want := []string{"run-new", "run-failed", "run-old"}
	if len(runs) != len(want) {
		t.Fatalf("Runs() = %d records, want %d", len(runs), len(want))
	}
	for i, id := range want {
		if runs[i].RunID != id {
			t.Errorf("runs[%d] = %s, want %s", i, runs[i].RunID, id)
		}
	}
	if runs[1].Status != "failed" || runs[1].Error != "sandbox unavailable" || runs[1].Counts != nil {
		t.Errorf("failed run = %+v", runs[1])
	}

	limited, err := j.Runs(context.Background(), 1)
	if err != nil || len(limited) != 1 || limited[0].RunID != "run-new" {
		t.Errorf("Runs(1) = %v, %v", limited, err)
	}
}

func TestJournal_IgnoresUnscopedEvents(t *testing.T) {
	j := openJournal(t)
	ev := &events.ErrorEvent{BaseEvent: events.NewEventAt(events.EventError, "", t0), Message: "boot"}
	if err := j.Record(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if err := j.Record(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if j.Written() != 0 {
		t.Errorf("Written() = %d, want 0", j.Written())
	}
}

func TestJournal_Sink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}

	router := events.NewRouter(100)
	if err := j.Start(context.Background(), router.Subscribe()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := j.Start(context.Background(), router.Subscribe()); err == nil {
		t.Error("second Start() should fail")
	}

	for _, ev := range runEvents("run-sink", t0) {
		router.Emit(ev)
	}
	testutil.Eventually(t, 2*time.Second, func() bool { return j.Written() == 5 }, "journal did not record events")
	router.Close()

	if err := j.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	// The journal survives a reopen.
	again, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer again.Close()
	rec, err := again.Run(context.Background(), "run-sink")
	if err != nil || rec.Status != "completed" {
		t.Errorf("reopened record = %+v, %v", rec, err)
	}
}
