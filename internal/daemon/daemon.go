// Package daemon serves the build run API over a Unix socket so runs can
// be created and controlled from separate CLI invocations.
package daemon

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/npratt/foundry/internal/buildrun"
	"github.com/npratt/foundry/internal/config"
	"github.com/npratt/foundry/internal/ticket"
)

// RunService is the build run API the daemon exposes. *buildrun.Manager
// implements it.
type RunService interface {
	CreateRun(in buildrun.Input, baseURL string) (*buildrun.Run, error)
	Start(ctx context.Context, runID string) error
	Cancel(runID string) error
	GetRun(runID string) (buildrun.Run, error)
	ListRuns() []buildrun.Run
	MoveTicket(runID, ticketID string, to ticket.Status, confirmed bool) (ticket.MoveResult, error)
	CancelAll()
}

var _ RunService = (*buildrun.Manager)(nil)

// Daemon manages background execution with external control via Unix socket.
type Daemon struct {
	config    *config.Config
	runs      RunService
	sockPath  string
	startTime time.Time
	logger    *slog.Logger

	// runCtx bounds runs started over RPC. It lives as long as Start.
	runCtx   context.Context
	listener net.Listener
	stopped  chan struct{}
	finished chan struct{} // closed once Stop has cleaned up
	running  bool
	conns    sync.WaitGroup
	mu       sync.RWMutex
}

// New creates a new Daemon serving runs.
func New(cfg *config.Config, runs RunService, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		config:   cfg,
		runs:     runs,
		sockPath: cfg.Paths.Socket,
		logger:   logger,
		runCtx:   context.Background(),
	}
}

// Running returns whether the daemon is currently running.
func (d *Daemon) Running() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

// Runs returns the run service the daemon serves.
func (d *Daemon) Runs() RunService {
	return d.runs
}

// StartTime returns when the daemon was started.
func (d *Daemon) StartTime() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.startTime
}

// SocketPath returns the Unix socket path.
func (d *Daemon) SocketPath() string {
	return d.sockPath
}
