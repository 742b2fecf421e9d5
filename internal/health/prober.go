package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/npratt/foundry/internal/clock"
	"github.com/npratt/foundry/internal/sandbox"
)

// Defaults applied by NewProber for zero Options fields.
const (
	DefaultLogTailLines = 200
	DefaultProbeTimeout = time.Second
	DefaultLogPath      = ".foundry/dev-server.log"
)

// curl exit codes the liveness probe interprets.
const (
	curlCouldNotConnect = 7
	curlTimedOut        = 28
)

// DefaultProcessPattern matches common dev server command lines in ps output.
var DefaultProcessPattern = regexp.MustCompile(`\b(vite|next dev|next-server|webpack(-dev-server)?|react-scripts start|nuxt dev|astro dev)\b`)

// Options tunes a Prober.
type Options struct {
	LogPath            string
	LogTailLines       int
	MaxMissingPackages int
	ProbeTimeout       time.Duration
	// Port is the dev server port used when the provider does not report one.
	Port           int
	ProcessPattern *regexp.Regexp
	Classifiers    []Classifier
}

// Prober builds Snapshots through a sandbox.Provider. It never mutates
// the sandbox.
type Prober struct {
	opts      Options
	extractor *Extractor
	clock     clock.Clock
	logger    *slog.Logger
}

// NewProber creates a Prober. Nil clk uses the real clock; nil logger uses
// slog.Default.
func NewProber(opts Options, clk clock.Clock, logger *slog.Logger) *Prober {
	if opts.LogPath == "" {
		opts.LogPath = DefaultLogPath
	}
	if opts.LogTailLines <= 0 {
		opts.LogTailLines = DefaultLogTailLines
	}
	if opts.MaxMissingPackages <= 0 {
		opts.MaxMissingPackages = DefaultMaxMissingPackages
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.ProcessPattern == nil {
		opts.ProcessPattern = DefaultProcessPattern
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		opts:      opts,
		extractor: NewExtractor(opts.MaxMissingPackages, opts.Classifiers...),
		clock:     clk,
		logger:    logger,
	}
}

// MaxMissingPackages returns the cap applied to snapshots.
func (p *Prober) MaxMissingPackages() int {
	return p.opts.MaxMissingPackages
}

// Extract applies the prober's classifiers to arbitrary text, such as the
// output of a failed build step.
func (p *Prober) Extract(text string) []string {
	return p.extractor.Extract(text)
}

// Probe returns the current health of prov. Only an unreachable sandbox is
// an error; inconclusive checks degrade to unknown liveness or an empty tail.
func (p *Prober) Probe(ctx context.Context, prov sandbox.Provider) (*Snapshot, error) {
	info, err := prov.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("sandbox info: %w", err)
	}

	snap := &Snapshot{
		SandboxID:  info.SandboxID,
		ProviderID: info.ProviderID,
		URL:        info.URL,
	}

	port := p.opts.Port
	tailKnown := false
	if hr, ok := prov.(sandbox.HealthReporter); ok {
		hi, err := hr.HealthInfo(ctx, p.opts.LogTailLines)
		if err != nil {
			if errors.Is(err, sandbox.ErrUnavailable) {
				return nil, fmt.Errorf("health info: %w", err)
			}
			p.logger.Debug("provider health info failed", "sandbox_id", snap.SandboxID, "error", err)
		} else {
			snap.DevServerLogTail = TailLines(hi.LogTail, p.opts.LogTailLines)
			snap.DevServerRunning = LivenessFromBool(hi.Running)
			if hi.Port > 0 {
				port = hi.Port
			}
			tailKnown = true
		}
	}

	if !tailKnown {
		tail, err := p.readLogTail(ctx, prov)
		if err != nil {
			return nil, err
		}
		snap.DevServerLogTail = tail
	}

	if snap.DevServerRunning == LivenessUnknown {
		snap.DevServerRunning = p.probeLiveness(ctx, prov, port)
	}

	snap.AddMissing(p.opts.MaxMissingPackages, p.extractor.Extract(snap.DevServerLogTail)...)
	if snap.DevServerRunning == LivenessStopped {
		snap.Issues = append(snap.Issues, Issue{Kind: IssueServerNotRunning})
	}
	for _, line := range ServerErrors(snap.DevServerLogTail) {
		snap.Issues = append(snap.Issues, Issue{Kind: IssueServerError, Detail: line})
	}
	snap.ProbedAt = p.clock.Now()

	p.logger.Debug("health probed",
		"sandbox_id", snap.SandboxID,
		"running", snap.DevServerRunning.String(),
		"missing", snap.MissingPackages,
		"healthy", snap.HealthyForPreview())
	return snap, nil
}

func (p *Prober) readLogTail(ctx context.Context, prov sandbox.Provider) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.ProbeTimeout)
	defer cancel()

	content, err := prov.ReadFile(ctx, p.opts.LogPath)
	switch {
	case err == nil:
		return TailLines(content, p.opts.LogTailLines), nil
	case errors.Is(err, sandbox.ErrUnavailable):
		return "", fmt.Errorf("read dev server log: %w", err)
	default:
		if !errors.Is(err, sandbox.ErrNotFound) {
			p.logger.Debug("dev server log unreadable", "path", p.opts.LogPath, "error", err)
		}
		return "", nil
	}
}

// probeLiveness asks curl first, falls back to ps, and reports unknown
// rather than guessing.
func (p *Prober) probeLiveness(ctx context.Context, prov sandbox.Provider, port int) Liveness {
	if port > 0 {
		secs := int(p.opts.ProbeTimeout.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		cmd := fmt.Sprintf("curl -s -o /dev/null -m %d http://localhost:%d/", secs, port)
		res, err := p.run(ctx, prov, cmd)
		if err == nil {
			switch res.ExitCode {
			case 0:
				return LivenessRunning
			case curlCouldNotConnect:
				return LivenessStopped
			case curlTimedOut:
				// Listening but not answering; ps would only confirm the process exists.
				return LivenessUnknown
			}
		}
	}

	res, err := p.run(ctx, prov, "ps -eo args")
	if err != nil || res.ExitCode != 0 || res.Stdout == "" {
		return LivenessUnknown
	}
	if p.opts.ProcessPattern.MatchString(res.Stdout) {
		return LivenessRunning
	}
	return LivenessStopped
}

func (p *Prober) run(ctx context.Context, prov sandbox.Provider, cmd string) (*sandbox.CommandResult, error) {
	// Slack over the command's own limit so curl -m reports first.
	timeout := 2 * p.opts.ProbeTimeout
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return prov.RunCommand(ctx, cmd, sandbox.CommandOptions{Timeout: timeout})
}
