package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/npratt/foundry/internal/backlog"
	"github.com/npratt/foundry/internal/buildrun"
	"github.com/npratt/foundry/internal/clock"
	"github.com/npratt/foundry/internal/codegen"
	"github.com/npratt/foundry/internal/config"
	"github.com/npratt/foundry/internal/exec"
	"github.com/npratt/foundry/internal/healer"
	"github.com/npratt/foundry/internal/health"
	"github.com/npratt/foundry/internal/sandbox"
	"github.com/npratt/foundry/internal/sandbox/local"
)

// stack is the set of services one foundry process runs builds with: a
// local sandbox, its prober and healer, and the run manager.
type stack struct {
	cfg       *config.Config
	sandboxID string
	provider  *local.Provider
	registry  *sandbox.Registry
	prober    *health.Prober
	healer    *healer.Healer
	manager   *buildrun.Manager
}

// newStack wires the services from cfg. A nil gen uses the configured
// generator command; a nil cmd runs real processes.
func newStack(cfg *config.Config, cmd exec.CommandRunner, gen codegen.Generator, logger *slog.Logger) (*stack, error) {
	if cmd == nil {
		cmd = exec.NewExecRunner()
	}

	root := cfg.Sandbox.Root
	if root == "" {
		root = "."
	}
	prov, err := local.New(local.Config{
		SandboxID:        cfg.Sandbox.ID,
		Root:             root,
		InstallCommand:   cfg.Sandbox.InstallCommand,
		DevServerCommand: cfg.Sandbox.DevServerCommand,
		DevServerLog:     cfg.Sandbox.DevServerLog,
		DevServerPort:    cfg.Health.DevServerPort,
	}, cmd, local.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open sandbox: %w", err)
	}
	info, err := prov.Info(context.Background())
	if err != nil {
		return nil, fmt.Errorf("sandbox info: %w", err)
	}

	registry := sandbox.NewRegistry()
	registry.Register(info.SandboxID, prov)

	clk := clock.Real()
	prober := health.NewProber(health.Options{
		LogPath:            cfg.Health.LogPath,
		LogTailLines:       cfg.Health.LogTailLines,
		MaxMissingPackages: cfg.Health.MaxMissingPackages,
		ProbeTimeout:       cfg.Health.ProbeTimeout,
		Port:               cfg.Health.DevServerPort,
	}, clk, logger)

	limiter := healer.NewLimiter(healer.Policy{
		Cooldown:             cfg.Heal.Cooldown,
		Window:               cfg.Heal.Window,
		MaxAttemptsPerWindow: cfg.Heal.MaxAttemptsPerWindow,
	}, clk)
	h := healer.New(registry, prober, limiter, healer.Options{
		MaxInstallBatch: cfg.Heal.MaxInstallBatch,
		Clock:           clk,
		Logger:          logger,
	})

	if gen == nil {
		gen, err = codegen.NewCommandGenerator(cmd, cfg.Generator, logger)
		if err != nil {
			return nil, fmt.Errorf("create generator: %w", err)
		}
	}

	maxRetries := cfg.Build.MaxHealRetries
	if maxRetries == 0 {
		// Zero in the config file means no healing; zero in Options means
		// the default.
		maxRetries = -1
	}
	manager := buildrun.NewManager(registry, gen, prober, h, buildrun.Options{
		MaxConcurrency:    cfg.Build.MaxConcurrency,
		MaxHealRetries:    maxRetries,
		CommandTimeout:    cfg.Build.CommandTimeout,
		HeartbeatInterval: cfg.Build.HeartbeatInterval,
		EventBufferSize:   cfg.Events.BufferSize,
		Clock:             clk,
		Logger:            logger,
	})

	return &stack{
		cfg:       cfg,
		sandboxID: info.SandboxID,
		provider:  prov,
		registry:  registry,
		prober:    prober,
		healer:    h,
		manager:   manager,
	}, nil
}

// runOptions are the per-invocation overrides of a backlog file.
type runOptions struct {
	SandboxID             string
	Model                 string
	MaxConcurrency        int
	OnlyTicketID          string
	TreatFailedAsResolved bool
}

// buildInput turns a backlog file into a run request. Flags win over the
// file, and the file wins over configuration.
func buildInput(file *backlog.File, opts runOptions, cfg *config.Config, defaultSandbox string) buildrun.Input {
	in := buildrun.Input{
		SandboxID:             firstNonEmpty(opts.SandboxID, file.SandboxID, defaultSandbox),
		Model:                 firstNonEmpty(opts.Model, file.Model, cfg.Generator.Model),
		Plan:                  file.Plan,
		Tickets:               file.Tickets,
		MaxConcurrency:        file.MaxConcurrency,
		OnlyTicketID:          opts.OnlyTicketID,
		TreatFailedAsResolved: opts.TreatFailedAsResolved || cfg.Build.TreatFailedAsResolved,
	}
	if opts.MaxConcurrency > 0 {
		in.MaxConcurrency = opts.MaxConcurrency
	}
	return in
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// localSandboxID is the id a daemon sharing cfg registers its local
// sandbox under.
func localSandboxID(cfg *config.Config) string {
	if cfg.Sandbox.ID != "" {
		return cfg.Sandbox.ID
	}
	root, err := filepath.Abs(firstNonEmpty(cfg.Sandbox.Root, "."))
	if err != nil {
		return ""
	}
	return filepath.Base(root)
}

// eventLogDir is where file logs live: next to the event log.
func eventLogDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.Log)
}

// noopGenerator stands in for commands that never build tickets.
type noopGenerator struct{}

func (noopGenerator) Generate(context.Context, codegen.Request) (*codegen.Result, error) {
	return nil, errors.New("no generator configured")
}
