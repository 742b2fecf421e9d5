// Package codegen defines the per-ticket code generation collaborator and a
// command-backed implementation that shells out to an LLM CLI.
package codegen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/npratt/foundry/internal/config"
	"github.com/npratt/foundry/internal/exec"
	"github.com/npratt/foundry/internal/ticket"
)

// ErrGenerationFailed is wrapped by every CommandGenerator failure.
var ErrGenerationFailed = errors.New("generation failed")

// File is one generated file, with a path relative to the project root.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Request is everything a generator sees for one ticket.
type Request struct {
	Ticket    ticket.Ticket
	Plan      ticket.Plan
	Model     string
	BaseURL   string
	SandboxID string
}

// Result is the generator's answer. OK=false means the generator ran but
// declined or could not produce usable output.
type Result struct {
	Files   []File `json:"files"`
	OK      bool   `json:"ok"`
	Summary string `json:"summary,omitempty"`
}

// Generator produces files for a ticket.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

// CommandGenerator runs an external command with the expanded prompt on
// stdin and parses a JSON object with a "files" array from stdout.
type CommandGenerator struct {
	runner   exec.CommandRunner
	cfg      config.GeneratorConfig
	template string
	logger   *slog.Logger
}

// NewCommandGenerator creates a CommandGenerator. The prompt template is
// loaded once from cfg.
func NewCommandGenerator(runner exec.CommandRunner, cfg config.GeneratorConfig, logger *slog.Logger) (*CommandGenerator, error) {
	if cfg.Command == "" {
		return nil, errors.New("generator command is required")
	}
	tmpl, err := cfg.LoadPrompt()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandGenerator{runner: runner, cfg: cfg, template: tmpl, logger: logger}, nil
}

// Generate runs the generator command for req.
func (g *CommandGenerator) Generate(ctx context.Context, req Request) (*Result, error) {
	prompt := config.ExpandPrompt(g.template, config.PromptVars{
		TicketID:          req.Ticket.ID,
		TicketTitle:       req.Ticket.Title,
		TicketDescription: req.Ticket.Description,
		PlanName:          req.Plan.Name,
		Model:             req.Model,
		BaseURL:           req.BaseURL,
		Dependencies:      req.Ticket.Dependencies,
	})

	args := append([]string{}, g.cfg.Args...)
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}

	start := time.Now()
	res, err := g.runner.Run(ctx, exec.Command{
		Name:    g.cfg.Command,
		Args:    args,
		Stdin:   prompt,
		Timeout: g.cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%w: %s exited %d: %s", ErrGenerationFailed, g.cfg.Command, res.ExitCode, firstLine(res.Stderr))
	}

	result, err := ParseOutput(res.Stdout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	g.logger.Debug("generation complete",
		"ticket_id", req.Ticket.ID,
		"files", len(result.Files),
		"duration_ms", time.Since(start).Milliseconds())
	return result, nil
}

// ParseOutput extracts the generator's JSON object from raw output. Text
// around the object, such as a fenced code block, is ignored. A result
// with no files is not OK.
func ParseOutput(out string) (*Result, error) {
	start := strings.Index(out, "{")
	end := strings.LastIndex(out, "}")
	if start < 0 || end < start {
		return nil, errors.New("no JSON object in output")
	}

	var raw struct {
		Files   []File `json:"files"`
		OK      *bool  `json:"ok"`
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(out[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}

	for _, f := range raw.Files {
		if err := validPath(f.Path); err != nil {
			return nil, err
		}
	}

	ok := len(raw.Files) > 0
	if raw.OK != nil {
		ok = ok && *raw.OK
	}
	return &Result{Files: raw.Files, OK: ok, Summary: raw.Summary}, nil
}

func validPath(p string) error {
	if p == "" {
		return errors.New("file with empty path")
	}
	if strings.HasPrefix(p, "/") {
		return fmt.Errorf("absolute path %q", p)
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("path %q escapes project root", p)
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
