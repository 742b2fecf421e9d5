package buildrun

import (
	"context"

	"github.com/npratt/foundry/internal/sandbox"
	"github.com/npratt/foundry/internal/ticket"
)

// coordinate is the scheduling loop of one run. It is the only goroutine
// that dispatches workers, and it finishes the run once nothing is in
// flight and nothing more can be dispatched.
func (m *Manager) coordinate(ctx context.Context, rs *runState, prov sandbox.Provider) {
	ticker := m.clock.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	ctxDone := ctx.Done()
	logger := m.logger.With("run_id", rs.run.ID)

	for {
		rs.mu.Lock()
		if _, stop := rs.stopDetailLocked(); !stop {
			m.dispatchLocked(ctx, rs, prov)
		}
		if len(rs.active) == 0 {
			status, errMsg := StatusCompleted, ""
			switch {
			case rs.fatal != nil:
				status, errMsg = StatusFailed, rs.fatal.Error()
			case rs.cancelled:
				status = StatusCancelled
			}
			runID, sandboxID := rs.run.ID, rs.run.SandboxID
			rs.mu.Unlock()

			// Free the sandbox before Wait returns so a follow-up run can
			// claim it immediately.
			m.releaseSandbox(sandboxID, runID)

			rs.mu.Lock()
			rs.finishLocked(status, errMsg)
			counts := rs.run.Counts()
			rs.mu.Unlock()

			logger.Info("run finished", "status", string(status), "counts", counts, "error", errMsg)
			return
		}
		rs.mu.Unlock()

		select {
		case <-rs.wake:
		case <-ticker.C:
			rs.mu.Lock()
			rs.publishLocked(rs.heartbeatLocked())
			rs.mu.Unlock()
		case <-ctxDone:
			ctxDone = nil
			rs.mu.Lock()
			if !rs.cancelled {
				rs.cancelLocked()
				logger.Info("run context done, cancelling", "error", ctx.Err())
			}
			rs.mu.Unlock()
		}
	}
}

// dispatchLocked starts workers for ready tickets up to the run's
// concurrency limit. Each ticket moves to generating before its worker
// exists, so no ticket is ever dispatched twice.
func (m *Manager) dispatchLocked(ctx context.Context, rs *runState, prov sandbox.Provider) {
	free := rs.run.MaxConcurrency - len(rs.active)
	if free <= 0 {
		return
	}

	for _, id := range ticket.ReadySet(rs.run.Tickets, rs.run.Policy()) {
		if free == 0 {
			return
		}
		if rs.closure != nil && !rs.closure[id] {
			continue
		}

		rs.transitionLocked(id, ticket.StatusGenerating, "")
		rs.active[id] = true
		free--

		w := &worker{
			m:        m,
			rs:       rs,
			prov:     prov,
			ticketID: id,
			logger:   m.logger.With("run_id", rs.run.ID, "ticket_id", id),
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			w.run(ctx)
		}()
	}
}
