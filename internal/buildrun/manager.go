// Package buildrun drives build runs: it walks a ticket dependency graph,
// dispatches a bounded pool of workers against one sandbox, heals the
// sandbox when steps fail for environmental reasons, and publishes an
// ordered progress stream per run.
package buildrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/npratt/foundry/internal/clock"
	"github.com/npratt/foundry/internal/codegen"
	"github.com/npratt/foundry/internal/events"
	"github.com/npratt/foundry/internal/healer"
	"github.com/npratt/foundry/internal/health"
	"github.com/npratt/foundry/internal/sandbox"
	"github.com/npratt/foundry/internal/ticket"
)

// Defaults applied by NewManager for zero Options fields.
const (
	DefaultMaxConcurrency    = 2
	DefaultMaxHealRetries    = 2
	DefaultHeartbeatInterval = 10 * time.Second
)

// Prober is the part of health.Prober the manager uses to classify step
// failures.
type Prober interface {
	Probe(ctx context.Context, prov sandbox.Provider) (*health.Snapshot, error)
	Extract(text string) []string
	MaxMissingPackages() int
}

// Healer remediates a sandbox.
type Healer interface {
	Heal(ctx context.Context, sandboxID string, snap *health.Snapshot) (*healer.Outcome, error)
}

// Options configures a Manager.
type Options struct {
	// MaxConcurrency is used for runs that do not set their own.
	MaxConcurrency int
	// MaxHealRetries bounds heal-and-retry cycles per ticket step. Zero
	// means DefaultMaxHealRetries; negative disables healing.
	MaxHealRetries    int
	CommandTimeout    time.Duration
	HeartbeatInterval time.Duration
	EventBufferSize   int
	Clock             clock.Clock
	Logger            *slog.Logger
}

// Manager owns every run in the process.
type Manager struct {
	sandboxes *sandbox.Registry
	generator codegen.Generator
	prober    Prober
	healer    Healer
	opts      Options
	clock     clock.Clock
	logger    *slog.Logger

	// all carries the events of every run, for process-wide sinks.
	all *events.Router

	mu     sync.RWMutex
	runs   map[string]*runState
	owners map[string]string
	wg     sync.WaitGroup
}

// NewManager creates a Manager. A nil healer disables healing.
func NewManager(sandboxes *sandbox.Registry, gen codegen.Generator, prober Prober, h Healer, opts Options) *Manager {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	switch {
	case opts.MaxHealRetries == 0:
		opts.MaxHealRetries = DefaultMaxHealRetries
	case opts.MaxHealRetries < 0:
		opts.MaxHealRetries = 0
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = sandbox.DefaultCommandTimeout
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.EventBufferSize <= 0 {
		opts.EventBufferSize = events.DefaultBufferSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if h == nil {
		opts.MaxHealRetries = 0
	}
	return &Manager{
		sandboxes: sandboxes,
		generator: gen,
		prober:    prober,
		healer:    h,
		opts:      opts,
		clock:     opts.Clock,
		logger:    opts.Logger,
		all:       events.NewRouter(opts.EventBufferSize),
		runs:      make(map[string]*runState),
		owners:    make(map[string]string),
	}
}

// CreateRun validates in and stores a pending run built from a deep copy
// of its plan and tickets.
func (m *Manager) CreateRun(in Input, baseURL string) (*Run, error) {
	if strings.TrimSpace(in.SandboxID) == "" {
		return nil, fmt.Errorf("%w: sandbox id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Model) == "" {
		return nil, fmt.Errorf("%w: model is required", ErrInvalidInput)
	}
	if in.Plan.ID == "" && in.Plan.Name == "" {
		return nil, fmt.Errorf("%w: plan is required", ErrInvalidInput)
	}
	if len(in.Tickets) == 0 {
		return nil, fmt.Errorf("%w: at least one ticket is required", ErrInvalidInput)
	}

	tickets := make([]ticket.Ticket, len(in.Tickets))
	for i, t := range in.Tickets {
		t = t.Clone()
		switch {
		case t.Status == "":
			t.Status = ticket.StatusBacklog
		case !t.Status.Valid():
			return nil, fmt.Errorf("%w: ticket %s has unknown status %q", ErrInvalidInput, t.ID, t.Status)
		case t.Status.InFlight():
			// No worker owns it in a new run.
			t.Status = ticket.StatusBacklog
		}
		t.Progress = t.Status.Progress()
		tickets[i] = t
	}
	if err := ticket.Validate(tickets); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	var closure map[string]bool
	if in.OnlyTicketID != "" {
		closure = ticket.DependencyClosure(tickets, in.OnlyTicketID)
		if !closure[in.OnlyTicketID] {
			return nil, fmt.Errorf("%w: unknown ticket %s", ErrInvalidInput, in.OnlyTicketID)
		}
	}

	maxConc := in.MaxConcurrency
	if maxConc <= 0 {
		maxConc = m.opts.MaxConcurrency
	}

	run := Run{
		ID:                    uuid.NewString(),
		Plan:                  in.Plan.Clone(),
		Tickets:               tickets,
		SandboxID:             in.SandboxID,
		Model:                 in.Model,
		MaxConcurrency:        maxConc,
		OnlyTicketID:          in.OnlyTicketID,
		TreatFailedAsResolved: in.TreatFailedAsResolved,
		BaseURL:               baseURL,
		Status:                StatusPending,
		CreatedAt:             m.clock.Now(),
	}

	rs := newRunState(run, closure, events.NewRouter(m.opts.EventBufferSize), m.all, m.clock)

	m.mu.Lock()
	m.runs[run.ID] = rs
	m.mu.Unlock()

	m.logger.Info("run created",
		"run_id", run.ID,
		"sandbox_id", run.SandboxID,
		"tickets", len(tickets),
		"max_concurrency", maxConc)

	out := run.Clone()
	return &out, nil
}

func (m *Manager) lookup(runID string) (*runState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rs, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return rs, nil
}

// Start moves a pending run to running and launches its coordinator. ctx
// bounds the whole run: when it ends the run is cancelled and in-flight
// sandbox calls are aborted. Starting a run that already left pending is
// a no-op.
func (m *Manager) Start(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.run.Status != StatusPending {
		return nil
	}

	sandboxID := rs.run.SandboxID
	if owner, busy := m.owners[sandboxID]; busy && owner != runID {
		return fmt.Errorf("%w: %s is owned by run %s", ErrSandboxBusy, sandboxID, owner)
	}

	prov, err := m.sandboxes.Lookup(sandboxID)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		now := m.clock.Now()
		rs.run.StartedAt = &now
		rs.finishLocked(StatusFailed, err.Error())
		m.logger.Error("run failed to start", "run_id", runID, "sandbox_id", sandboxID, "error", err)
		return err
	}

	m.owners[sandboxID] = runID
	now := m.clock.Now()
	rs.run.StartedAt = &now
	rs.setStatusLocked(StatusRunning, "")

	m.logger.Info("run started", "run_id", runID, "sandbox_id", sandboxID)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.coordinate(ctx, rs, prov)
	}()
	return nil
}

// Cancel asks a run to stop. No new tickets are dispatched; in-flight
// tickets finish their current step and exit to skipped. A pending run is
// cancelled immediately. Cancelling a finished run is a no-op.
func (m *Manager) Cancel(runID string) error {
	rs, err := m.lookup(runID)
	if err != nil {
		return err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	switch rs.run.Status {
	case StatusPending:
		rs.cancelLocked()
		rs.finishLocked(StatusCancelled, "")
		m.logger.Info("pending run cancelled", "run_id", runID)
	case StatusRunning:
		if !rs.cancelled {
			rs.cancelLocked()
			m.logger.Info("run cancel requested", "run_id", runID, "in_flight", len(rs.active))
		}
		rs.signal()
	}
	return nil
}

// GetRun returns a snapshot of the run.
func (m *Manager) GetRun(runID string) (Run, error) {
	rs, err := m.lookup(runID)
	if err != nil {
		return Run{}, err
	}
	return rs.snapshot(), nil
}

// ListRuns returns snapshots of every run, oldest first.
func (m *Manager) ListRuns() []Run {
	m.mu.RLock()
	states := make([]*runState, 0, len(m.runs))
	for _, rs := range m.runs {
		states = append(states, rs)
	}
	m.mu.RUnlock()

	runs := make([]Run, 0, len(states))
	for _, rs := range states {
		runs = append(runs, rs.snapshot())
	}
	sortRuns(runs)
	return runs
}

// Wait blocks until the run reaches a terminal status or ctx ends, and
// returns the final snapshot.
func (m *Manager) Wait(ctx context.Context, runID string) (Run, error) {
	rs, err := m.lookup(runID)
	if err != nil {
		return Run{}, err
	}
	select {
	case <-rs.done:
		return rs.snapshot(), nil
	case <-ctx.Done():
		return rs.snapshot(), ctx.Err()
	}
}

// Subscribe returns the ordered event stream of a run. The channel closes
// after the run's summary event. Subscribe before Start to observe every
// event.
func (m *Manager) Subscribe(runID string) (<-chan events.Event, error) {
	rs, err := m.lookup(runID)
	if err != nil {
		return nil, err
	}
	return rs.router.Subscribe(), nil
}

// Unsubscribe releases a channel returned by Subscribe.
func (m *Manager) Unsubscribe(runID string, ch <-chan events.Event) {
	rs, err := m.lookup(runID)
	if err != nil {
		return
	}
	rs.router.Unsubscribe(ch)
}

// SubscribeAll returns a channel carrying the events of every run, for
// process-wide sinks such as the journal.
func (m *Manager) SubscribeAll(size int) <-chan events.Event {
	return m.all.SubscribeBuffered(size)
}

// MoveTicket commits a board move. Illegal moves are rejected, moves that
// discard verified work need confirmed, and tickets owned by a worker
// cannot be moved.
func (m *Manager) MoveTicket(runID, ticketID string, to ticket.Status, confirmed bool) (ticket.MoveResult, error) {
	rs, err := m.lookup(runID)
	if err != nil {
		return ticket.MoveResult{}, err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	t := rs.ticketLocked(ticketID)
	if t == nil {
		return ticket.MoveResult{}, fmt.Errorf("%w: unknown ticket %s", ErrInvalidInput, ticketID)
	}
	if rs.active[ticketID] {
		return ticket.MoveResult{}, fmt.Errorf("%w: %s", ErrTicketInFlight, ticketID)
	}

	res := ticket.ValidateMove(t.Status, to)
	if !res.Valid {
		return res, fmt.Errorf("%w: %s", ErrIllegalMove, res.Message)
	}
	if res.RequiresConfirmation && !confirmed {
		return res, fmt.Errorf("%w: %s", ErrConfirmationRequired, res.Message)
	}
	if t.Status == to {
		return res, nil
	}
	if to.InFlight() {
		// Only a worker can hold a ticket in these columns.
		return res, fmt.Errorf("%w: %s is owned by workers", ErrIllegalMove, to)
	}

	rs.transitionLocked(ticketID, to, "moved on board")
	m.logger.Info("ticket moved", "run_id", runID, "ticket_id", ticketID, "to", string(to))
	rs.signal()
	return res, nil
}

// CancelAll cancels every run that has not finished.
func (m *Manager) CancelAll() {
	for _, r := range m.ListRuns() {
		if !r.Status.Terminal() {
			_ = m.Cancel(r.ID)
		}
	}
}

// Close cancels outstanding runs, waits for their coordinators up to ctx,
// and closes the process-wide event stream.
func (m *Manager) Close(ctx context.Context) error {
	m.CancelAll()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	m.all.Close()
	return err
}

func (m *Manager) releaseSandbox(sandboxID, runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owners[sandboxID] == runID {
		delete(m.owners, sandboxID)
	}
}

func isUnavailable(err error) bool {
	return errors.Is(err, sandbox.ErrUnavailable) || errors.Is(err, ErrProviderUnavailable)
}
