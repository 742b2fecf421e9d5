package buildrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/npratt/foundry/internal/codegen"
	"github.com/npratt/foundry/internal/events"
	"github.com/npratt/foundry/internal/healer"
	"github.com/npratt/foundry/internal/health"
	"github.com/npratt/foundry/internal/sandbox"
	"github.com/npratt/foundry/internal/ticket"
)

const maxDetailLength = 300

// errStopped unwinds a worker whose run is cancelled or failing.
var errStopped = errors.New("run stopping")

// worker carries one ticket through generate, apply and verify.
type worker struct {
	m        *Manager
	rs       *runState
	prov     sandbox.Provider
	ticketID string
	logger   *slog.Logger
}

// stepFunc runs one attempt of a step and returns the output used to
// classify a failure.
type stepFunc func(ctx context.Context) (output string, err error)

func (w *worker) run(ctx context.Context) {
	to, detail := w.execute(ctx)
	w.logger.Info("ticket finished", "status", string(to), "detail", detail)
	w.rs.complete(w.ticketID, to, detail)
}

// execute returns the ticket's final column and the detail to record.
func (w *worker) execute(ctx context.Context) (ticket.Status, string) {
	files, err := w.generate(ctx)
	if err != nil {
		return w.outcome(ctx, err)
	}
	if detail, stop := w.rs.stopping(); stop {
		return ticket.StatusSkipped, detail
	}

	w.rs.transition(w.ticketID, ticket.StatusApplying, fmt.Sprintf("%d files", len(files)))
	if err := w.step(ctx, "apply", func(ctx context.Context) (string, error) {
		return w.apply(ctx, files)
	}); err != nil {
		return w.outcome(ctx, err)
	}
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}
	w.rs.setFiles(w.ticketID, paths)
	if detail, stop := w.rs.stopping(); stop {
		return ticket.StatusSkipped, detail
	}

	w.rs.transition(w.ticketID, ticket.StatusTesting, "")
	if err := w.step(ctx, "verify", w.verify); err != nil {
		return w.outcome(ctx, err)
	}

	if w.rs.run.Plan.RequireReview {
		return ticket.StatusPRReview, detailReview
	}
	return ticket.StatusDone, ""
}

// outcome maps a step error to the ticket's final column.
func (w *worker) outcome(ctx context.Context, err error) (ticket.Status, string) {
	switch {
	case errors.Is(err, errStopped) || (ctx.Err() != nil && !isUnavailable(err)):
		detail, stop := w.rs.stopping()
		if !stop {
			detail = detailCancelled
		}
		return ticket.StatusSkipped, detail
	case isUnavailable(err):
		w.logger.Error("sandbox unavailable", "error", err)
		w.rs.fail(err)
		return ticket.StatusFailed, truncate(err.Error())
	default:
		return ticket.StatusFailed, truncate(err.Error())
	}
}

// generate asks the generator for the ticket's files. Generation failures
// are never healed.
func (w *worker) generate(ctx context.Context) ([]codegen.File, error) {
	w.rs.mu.Lock()
	t := w.rs.ticketLocked(w.ticketID).Clone()
	req := codegen.Request{
		Ticket:    t,
		Plan:      w.rs.run.Plan.Clone(),
		Model:     w.rs.run.Model,
		BaseURL:   w.rs.run.BaseURL,
		SandboxID: w.rs.run.SandboxID,
	}
	w.rs.mu.Unlock()

	res, err := w.m.generator.Generate(ctx, req)
	if err == nil && (res == nil || !res.OK) {
		summary := "empty result"
		if res != nil && res.Summary != "" {
			summary = res.Summary
		}
		err = fmt.Errorf("generator produced no usable output: %s", summary)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, errStopped
		}
		detail := truncate("generate failed: " + err.Error())
		w.rs.recordFailure(w.ticketID, detail)
		return nil, fmt.Errorf("%w: %s", ErrUnhealableFailure, detail)
	}
	return res.Files, nil
}

func (w *worker) apply(ctx context.Context, files []codegen.File) (string, error) {
	for _, f := range files {
		if err := w.prov.WriteFile(ctx, f.Path, f.Content); err != nil {
			return "", fmt.Errorf("write %s: %w", f.Path, err)
		}
	}
	return "", nil
}

func (w *worker) verify(ctx context.Context) (string, error) {
	cmd := w.rs.run.Plan.VerifyCommand
	if strings.TrimSpace(cmd) == "" {
		return "", nil
	}
	res, err := w.prov.RunCommand(ctx, cmd, sandbox.CommandOptions{Timeout: w.m.opts.CommandTimeout})
	if err != nil {
		return "", fmt.Errorf("run %q: %w", cmd, err)
	}
	if res.ExitCode != 0 {
		return res.Output(), fmt.Errorf("%q exited %d", cmd, res.ExitCode)
	}
	return res.Output(), nil
}

// step runs fn, healing the sandbox and retrying while the failure looks
// environmental and the retry budget lasts. A heal refused because another
// heal is running or the sandbox is cooling down is waited out and does
// not use up the budget.
func (w *worker) step(ctx context.Context, name string, fn stepFunc) error {
	heals := 0
	for {
		output, err := fn(ctx)
		if err == nil {
			return nil
		}
		if isUnavailable(err) {
			return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		if ctx.Err() != nil {
			return errStopped
		}

		detail := truncate(fmt.Sprintf("%s failed: %v%s", name, err, firstLine(output)))
		w.rs.recordFailure(w.ticketID, detail)
		w.logger.Info("step failed", "step", name, "error", err)

		if _, stop := w.rs.stopping(); stop {
			return errStopped
		}

		snap, healable, err := w.classify(ctx, output)
		if err != nil {
			return err
		}
		if !healable {
			return fmt.Errorf("%w: %s", ErrUnhealableFailure, detail)
		}
		if heals >= w.m.opts.MaxHealRetries {
			return fmt.Errorf("%w: %s (after %d heal attempts)", ErrHealableFailure, detail, heals)
		}
		out, err := w.heal(ctx, snap)
		if err != nil {
			return err
		}
		waited, err := w.awaitRefusal(ctx, out)
		if err != nil {
			return err
		}
		if !waited {
			heals++
		}
	}
}

// awaitRefusal blocks until a refused heal may be tried again. It reports
// false when out is not a refusal that passing time resolves.
func (w *worker) awaitRefusal(ctx context.Context, out *healer.Outcome) (bool, error) {
	if out == nil || !out.Skipped {
		return false, nil
	}
	var released <-chan struct{}
	var elapsed <-chan time.Time
	switch out.Reason {
	case healer.ReasonInProgress:
		released = out.Released
	case healer.ReasonCooldown:
		elapsed = w.m.clock.After(out.RetryAfter)
	}
	if released == nil && elapsed == nil {
		return false, nil
	}

	w.logger.Debug("waiting to heal", "reason", string(out.Reason), "retry_after", out.RetryAfter)
	select {
	case <-released:
	case <-elapsed:
	case <-w.rs.halted:
		return false, errStopped
	case <-ctx.Done():
		return false, errStopped
	}
	return true, nil
}

// classify probes the sandbox and folds packages named in output into the
// snapshot. The failure is healable when the result is not healthy.
func (w *worker) classify(ctx context.Context, output string) (*health.Snapshot, bool, error) {
	snap, err := w.m.prober.Probe(ctx, w.prov)
	if err != nil {
		if isUnavailable(err) {
			return nil, false, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		w.logger.Warn("probe failed, classifying from output only", "error", err)
		snap = &health.Snapshot{SandboxID: w.rs.run.SandboxID}
	}
	snap.AddMissing(w.m.prober.MaxMissingPackages(), w.m.prober.Extract(output)...)
	return snap, !snap.HealthyForPreview(), nil
}

// heal invokes the healer once and publishes the outcome. Refusals and
// remediation failures are reported but do not end the step; only an
// unreachable sandbox does.
func (w *worker) heal(ctx context.Context, snap *health.Snapshot) (*healer.Outcome, error) {
	sandboxID := w.rs.run.SandboxID
	out, err := w.m.healer.Heal(ctx, sandboxID, snap)

	ev := &events.HealEvent{SandboxID: sandboxID, TicketID: w.ticketID}
	if out != nil {
		ev.Skipped = out.Skipped
		ev.Reason = string(out.Reason)
		ev.Installed = out.Installed
		ev.Restarted = out.Restarted
		ev.Healthy = out.After != nil && out.After.HealthyForPreview()
	}
	if err != nil {
		ev.Error = err.Error()
	}

	w.rs.mu.Lock()
	ev.BaseEvent = w.rs.baseLocked(events.EventHeal)
	w.rs.publishLocked(ev)
	w.rs.mu.Unlock()

	switch {
	case err == nil && out.Skipped:
		w.logger.Info("heal refused", "reason", string(out.Reason))
	case err == nil:
		w.logger.Info("heal applied", "installed", out.Installed, "healthy", ev.Healthy)
	case isUnavailable(err):
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	case errors.Is(err, healer.ErrInstallFailed), errors.Is(err, healer.ErrRestartFailed):
		w.logger.Warn("heal failed", "error", err)
	default:
		w.logger.Warn("heal error", "error", err)
	}
	return out, nil
}

func firstLine(output string) string {
	for _, line := range strings.Split(output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return ": " + line
		}
	}
	return ""
}

func truncate(s string) string {
	if len(s) <= maxDetailLength {
		return s
	}
	return s[:maxDetailLength-3] + "..."
}
