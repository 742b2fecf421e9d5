package buildrun

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/npratt/foundry/internal/clock"
	"github.com/npratt/foundry/internal/events"
	"github.com/npratt/foundry/internal/ticket"
)

// Reasons recorded on tickets that stop early.
const (
	detailCancelled = "run cancelled"
	detailReview    = "awaiting review"
)

// runState is the mutable side of a run. Every field is guarded by mu, and
// every event is published while mu is held so subscribers observe
// transitions in the order they were applied.
type runState struct {
	mu      sync.Mutex
	run     Run
	index   map[string]int
	closure map[string]bool

	router *events.Router
	all    *events.Router
	clock  clock.Clock
	seq    uint64

	active    map[string]bool
	cancelled bool
	fatal     error

	wake chan struct{}
	done chan struct{}
	// halted is closed once the run is cancelled or fails.
	halted chan struct{}
}

func newRunState(run Run, closure map[string]bool, router, all *events.Router, clk clock.Clock) *runState {
	idx := make(map[string]int, len(run.Tickets))
	for i, t := range run.Tickets {
		idx[t.ID] = i
	}
	return &runState{
		run:     run,
		index:   idx,
		closure: closure,
		router:  router,
		all:     all,
		clock:   clk,
		active:  make(map[string]bool),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		halted:  make(chan struct{}),
	}
}

// signal wakes the coordinator without blocking.
func (rs *runState) signal() {
	select {
	case rs.wake <- struct{}{}:
	default:
	}
}

// cancelLocked marks the run cancelled and wakes anything waiting on it.
func (rs *runState) cancelLocked() {
	rs.cancelled = true
	rs.haltLocked()
}

func (rs *runState) haltLocked() {
	select {
	case <-rs.halted:
	default:
		close(rs.halted)
	}
}

func (rs *runState) snapshot() Run {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.run.Clone()
}

func (rs *runState) ticketLocked(id string) *ticket.Ticket {
	i, ok := rs.index[id]
	if !ok {
		return nil
	}
	return &rs.run.Tickets[i]
}

func (rs *runState) baseLocked(typ events.EventType) events.BaseEvent {
	rs.seq++
	b := events.NewEventAt(typ, rs.run.ID, rs.clock.Now())
	b.Seq = rs.seq
	return b
}

func (rs *runState) publishLocked(ev events.Event) {
	rs.router.Emit(ev)
	if rs.all != nil {
		rs.all.Emit(ev)
	}
}

// transitionLocked moves a ticket to a new column and emits exactly one
// transition event.
func (rs *runState) transitionLocked(id string, to ticket.Status, detail string) {
	t := rs.ticketLocked(id)
	if t == nil {
		return
	}
	from := t.Status
	now := rs.clock.Now()

	t.Status = to
	switch to {
	case ticket.StatusFailed, ticket.StatusSkipped:
		if detail != "" {
			t.LastError = detail
		}
	default:
		t.Progress = to.Progress()
	}
	switch {
	case to == ticket.StatusGenerating:
		t.StartedAt = &now
		t.CompletedAt = nil
	case to == ticket.StatusBacklog:
		t.CompletedAt = nil
		t.LastError = ""
	case to.Terminal() || to == ticket.StatusPRReview:
		t.CompletedAt = &now
	}

	rs.publishLocked(&events.TicketTransitionEvent{
		BaseEvent:  rs.baseLocked(events.EventTicketTransition),
		TicketID:   id,
		From:       string(from),
		To:         string(to),
		Detail:     detail,
		Progress:   t.Progress,
		RetryCount: t.RetryCount,
	})
}

func (rs *runState) transition(id string, to ticket.Status, detail string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.transitionLocked(id, to, detail)
}

// complete records the final transition of a worker and releases its slot.
func (rs *runState) complete(id string, to ticket.Status, detail string) {
	rs.mu.Lock()
	rs.transitionLocked(id, to, detail)
	delete(rs.active, id)
	rs.mu.Unlock()
	rs.signal()
}

// recordFailure counts one failed step attempt.
func (rs *runState) recordFailure(id, detail string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if t := rs.ticketLocked(id); t != nil {
		t.RetryCount++
		t.LastError = detail
	}
}

func (rs *runState) setFiles(id string, paths []string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if t := rs.ticketLocked(id); t != nil {
		t.ActualFiles = append([]string(nil), paths...)
	}
}

// fail records the first run-level failure. Dispatch stops and in-flight
// tickets wind down as if cancelled.
func (rs *runState) fail(err error) {
	rs.mu.Lock()
	if rs.fatal == nil {
		rs.fatal = err
		rs.haltLocked()
	}
	rs.mu.Unlock()
	rs.signal()
}

// stopping reports whether workers should stop at their next step
// boundary, with the detail to record on the ticket.
func (rs *runState) stopping() (string, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.stopDetailLocked()
}

func (rs *runState) stopDetailLocked() (string, bool) {
	switch {
	case rs.fatal != nil:
		return "run stopped: " + rs.fatal.Error(), true
	case rs.cancelled:
		return detailCancelled, true
	default:
		return "", false
	}
}

func (rs *runState) setStatusLocked(to Status, errMsg string) {
	from := rs.run.Status
	rs.run.Status = to
	if errMsg != "" {
		rs.run.Error = errMsg
	}
	rs.publishLocked(&events.RunStatusEvent{
		BaseEvent: rs.baseLocked(events.EventRunStatus),
		From:      string(from),
		To:        string(to),
		Error:     errMsg,
	})
}

// finishLocked moves the run to its terminal status, publishes the
// summary, and closes the run's event stream.
func (rs *runState) finishLocked(status Status, errMsg string) {
	if rs.run.Status.Terminal() {
		return
	}
	now := rs.clock.Now()
	rs.run.NeverRan = rs.neverRanLocked(status)
	rs.setStatusLocked(status, errMsg)
	rs.run.FinishedAt = &now

	var elapsed int64
	if rs.run.StartedAt != nil {
		elapsed = now.Sub(*rs.run.StartedAt).Milliseconds()
	}
	unrun := make([]events.UnrunTicket, len(rs.run.NeverRan))
	for i, u := range rs.run.NeverRan {
		unrun[i] = events.UnrunTicket{TicketID: u.TicketID, Reason: u.Reason}
	}
	rs.publishLocked(&events.RunSummaryEvent{
		BaseEvent:  rs.baseLocked(events.EventRunSummary),
		Status:     string(status),
		Counts:     rs.run.Counts(),
		NeverRan:   unrun,
		DurationMs: elapsed,
		Error:      errMsg,
	})

	rs.router.Close()
	close(rs.done)
}

// neverRanLocked lists backlog tickets with the reason they were not run.
func (rs *runState) neverRanLocked(status Status) []Unrun {
	policy := rs.run.Policy()
	var out []Unrun
	for _, t := range rs.run.Tickets {
		if t.Status != ticket.StatusBacklog {
			continue
		}
		out = append(out, Unrun{TicketID: t.ID, Reason: rs.unrunReasonLocked(t, status, policy)})
	}
	return out
}

func (rs *runState) unrunReasonLocked(t ticket.Ticket, status Status, policy ticket.Policy) string {
	if rs.closure != nil && !rs.closure[t.ID] {
		return fmt.Sprintf("not required by %s", rs.run.OnlyTicketID)
	}
	switch status {
	case StatusCancelled:
		return detailCancelled
	case StatusFailed:
		return "run failed"
	}

	blockers := ticket.BlockedBy(t, rs.run.Tickets, policy)
	if len(blockers) == 0 {
		return "not dispatched"
	}
	reasons := make([]string, 0, len(blockers))
	for _, dep := range blockers {
		d := rs.ticketLocked(dep)
		switch {
		case d == nil:
			reasons = append(reasons, fmt.Sprintf("dependency %s is unknown", dep))
		case d.Status == ticket.StatusFailed:
			reasons = append(reasons, fmt.Sprintf("dependency %s failed", dep))
		case d.Status == ticket.StatusPRReview:
			reasons = append(reasons, fmt.Sprintf("dependency %s is awaiting review", dep))
		default:
			reasons = append(reasons, fmt.Sprintf("dependency %s never ran", dep))
		}
	}
	return strings.Join(reasons, "; ")
}

func (rs *runState) heartbeatLocked() *events.HeartbeatEvent {
	active := make([]string, 0, len(rs.active))
	for id := range rs.active {
		active = append(active, id)
	}
	sort.Strings(active)

	var elapsed int64
	if rs.run.StartedAt != nil {
		elapsed = rs.clock.Now().Sub(*rs.run.StartedAt).Milliseconds()
	}
	return &events.HeartbeatEvent{
		BaseEvent: rs.baseLocked(events.EventHeartbeat),
		Active:    active,
		Counts:    rs.run.Counts(),
		ElapsedMs: elapsed,
	}
}
