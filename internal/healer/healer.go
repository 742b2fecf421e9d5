// Package healer remediates unhealthy sandboxes by installing missing
// packages and restarting the dev server, under a per-sandbox rate limit.
package healer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/npratt/foundry/internal/clock"
	"github.com/npratt/foundry/internal/health"
	"github.com/npratt/foundry/internal/sandbox"
)

// Remediation step failures. They are reported to the caller, never
// retried here.
var (
	ErrInstallFailed = errors.New("package install failed")
	ErrRestartFailed = errors.New("dev server restart failed")
)

// DefaultMaxInstallBatch bounds how many packages one heal installs.
const DefaultMaxInstallBatch = 10

// Prober produces health snapshots.
type Prober interface {
	Probe(ctx context.Context, prov sandbox.Provider) (*health.Snapshot, error)
}

// Outcome describes one Heal call. Skipped outcomes are informational:
// the caller may try again shortly. A cooldown refusal sets RetryAfter and
// an in-progress refusal sets Released, closed when the other heal ends.
type Outcome struct {
	SandboxID string           `json:"sandbox_id"`
	Skipped   bool             `json:"skipped"`
	Reason    Reason           `json:"reason,omitempty"`
	Installed []string         `json:"installed,omitempty"`
	Restarted bool             `json:"restarted"`
	Before    *health.Snapshot `json:"before,omitempty"`
	After     *health.Snapshot `json:"after,omitempty"`
	Duration  time.Duration    `json:"duration"`

	RetryAfter time.Duration   `json:"retry_after,omitempty"`
	Released   <-chan struct{} `json:"-"`
}

// Options configures a Healer.
type Options struct {
	MaxInstallBatch int
	Clock           clock.Clock
	Logger          *slog.Logger
}

// Healer applies remediation through the sandbox registry.
type Healer struct {
	sandboxes *sandbox.Registry
	prober    Prober
	limiter   *Limiter
	maxBatch  int
	clock     clock.Clock
	logger    *slog.Logger
}

// New creates a Healer.
func New(sandboxes *sandbox.Registry, prober Prober, limiter *Limiter, opts Options) *Healer {
	if opts.MaxInstallBatch <= 0 {
		opts.MaxInstallBatch = DefaultMaxInstallBatch
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Healer{
		sandboxes: sandboxes,
		prober:    prober,
		limiter:   limiter,
		maxBatch:  opts.MaxInstallBatch,
		clock:     opts.Clock,
		logger:    opts.Logger,
	}
}

// Limiter returns the heal state registry.
func (h *Healer) Limiter() *Limiter {
	return h.limiter
}

// Heal remediates sandboxID. When snap is nil the sandbox is probed first.
// A healthy snapshot is skipped without consuming an attempt.
func (h *Healer) Heal(ctx context.Context, sandboxID string, snap *health.Snapshot) (*Outcome, error) {
	prov, err := h.sandboxes.Lookup(sandboxID)
	if err != nil {
		return nil, err
	}

	if snap == nil {
		snap, err = h.prober.Probe(ctx, prov)
		if err != nil {
			return nil, fmt.Errorf("probe before heal: %w", err)
		}
	}

	out := &Outcome{SandboxID: sandboxID, Before: snap}
	if snap.HealthyForPreview() {
		out.Skipped, out.Reason = true, ReasonHealthy
		return out, nil
	}

	ok, reason := h.limiter.TryAcquire(sandboxID)
	if !ok {
		h.logger.Info("heal skipped", "sandbox_id", sandboxID, "reason", string(reason))
		out.Skipped, out.Reason = true, reason
		switch reason {
		case ReasonInProgress:
			out.Released = h.limiter.Released(sandboxID)
		case ReasonCooldown:
			out.RetryAfter = h.limiter.CooldownRemaining(sandboxID)
		}
		return out, nil
	}
	defer h.limiter.Release(sandboxID)

	start := h.clock.Now()
	defer func() { out.Duration = h.clock.Now().Sub(start) }()

	pkgs := snap.MissingPackages
	if len(pkgs) > h.maxBatch {
		pkgs = pkgs[:h.maxBatch]
	}

	if len(pkgs) > 0 {
		h.logger.Info("installing missing packages", "sandbox_id", sandboxID, "packages", pkgs)
		res, err := prov.InstallPackages(ctx, pkgs)
		if err != nil {
			return out, fmt.Errorf("%w: %v", ErrInstallFailed, err)
		}
		if !res.Success {
			return out, fmt.Errorf("%w: %s", ErrInstallFailed, summarize(res.Stderr, res.Stdout))
		}
		out.Installed = append([]string(nil), pkgs...)
	}

	h.logger.Info("restarting dev server", "sandbox_id", sandboxID)
	if err := prov.RestartDevServer(ctx); err != nil {
		return out, fmt.Errorf("%w: %v", ErrRestartFailed, err)
	}
	out.Restarted = true

	after, err := h.prober.Probe(ctx, prov)
	if err != nil {
		return out, fmt.Errorf("probe after heal: %w", err)
	}
	out.After = after

	h.logger.Info("heal complete",
		"sandbox_id", sandboxID,
		"installed", out.Installed,
		"healthy", after.HealthyForPreview())
	return out, nil
}

func summarize(parts ...string) string {
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if i := strings.IndexByte(p, '\n'); i >= 0 {
			p = p[:i]
		}
		return p
	}
	return "no output"
}
