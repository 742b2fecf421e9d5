package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/npratt/foundry/internal/backlog"
	"github.com/npratt/foundry/internal/buildrun"
	"github.com/npratt/foundry/internal/events"
	"github.com/npratt/foundry/internal/shutdown"
	"github.com/npratt/foundry/internal/store"
)

// shutdownTimeout bounds how long in-flight tickets get to wind down.
const shutdownTimeout = 30 * time.Second

// errRunNotCompleted is returned when a foreground run ends failed or
// cancelled, so the process exits non-zero.
var errRunNotCompleted = errors.New("run did not complete")

func (a *app) runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <backlog.yaml>",
		Short: "Build a backlog in this process",
		Long: `Build every ticket of a backlog file against the local sandbox, streaming
progress to stdout. Progress is also appended to the event log and recorded in
the run journal.

Press Ctrl+C to cancel: no new tickets start and in-flight tickets stop after
their current step.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			file, err := backlog.Load(args[0])
			if err != nil {
				return err
			}
			opts, err := runOptionsFromFlags(cmd)
			if err != nil {
				return err
			}
			asJSON, _ := cmd.Flags().GetBool(FlagJSON)
			showHeartbeats, _ := cmd.Flags().GetBool(FlagHeartbeats)
			devServer, _ := cmd.Flags().GetBool(FlagDevServer)
			baseURL, _ := cmd.Flags().GetString(FlagBaseURL)

			// Logs go to a file so they do not interleave with progress.
			fileLog := SetupFileLogger(eventLogDir(cfg), a.logLevel, cfg.LogRotation)
			defer func() { _ = fileLog.Close() }()
			logger := fileLog.Logger

			st, err := newStack(cfg, nil, nil, logger)
			if err != nil {
				return err
			}
			in := buildInput(file, opts, cfg, st.sandboxID)

			if devServer {
				if err := st.provider.StartDevServer(cmd.Context()); err != nil {
					return fmt.Errorf("start dev server: %w", err)
				}
				defer func() { _ = st.provider.StopDevServer() }()
			}

			console := events.NewConsoleSink(a.out, consoleMode(asJSON, a.out))
			console.ShowHeartbeats = showHeartbeats
			return a.executeRun(cmd.Context(), st, in, baseURL, console, logger)
		},
	}

	addRunFlags(cmd)
	cmd.Flags().String(FlagBaseURL, "", "Preview URL passed to the generator")
	cmd.Flags().Bool(FlagDevServer, false, "Start the sandbox dev server for the duration of the run")
	cmd.Flags().Bool(FlagHeartbeats, false, "Print heartbeat events")
	cmd.Flags().Bool(FlagJSON, false, "Print events as JSON lines")
	return cmd
}

// addRunFlags registers the overrides shared by run and create.
func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().String(FlagSandbox, "", "Sandbox id (default: backlog file, then the local sandbox)")
	cmd.Flags().String(FlagModel, "", "Generator model (default: backlog file, then generator.model)")
	cmd.Flags().Int(FlagMaxConcurrency, 0, "Maximum tickets in flight (default: backlog file, then build.max_concurrency)")
	cmd.Flags().String(FlagOnly, "", "Build only this ticket and its dependencies")
	cmd.Flags().Bool(FlagTreatFailedAsResolved, false, "Let tickets whose dependencies failed run anyway")
}

func runOptionsFromFlags(cmd *cobra.Command) (runOptions, error) {
	var opts runOptions
	var err error
	flags := cmd.Flags()
	if opts.SandboxID, err = flags.GetString(FlagSandbox); err != nil {
		return opts, err
	}
	if opts.Model, err = flags.GetString(FlagModel); err != nil {
		return opts, err
	}
	if opts.MaxConcurrency, err = flags.GetInt(FlagMaxConcurrency); err != nil {
		return opts, err
	}
	if opts.OnlyTicketID, err = flags.GetString(FlagOnly); err != nil {
		return opts, err
	}
	if opts.TreatFailedAsResolved, err = flags.GetBool(FlagTreatFailedAsResolved); err != nil {
		return opts, err
	}
	return opts, nil
}

// executeRun creates and starts a run, wires the console, event log and
// journal sinks, and blocks until the run finishes or a signal cancels it.
func (a *app) executeRun(ctx context.Context, st *stack, in buildrun.Input, baseURL string, console *events.ConsoleSink, logger *slog.Logger) error {
	m := st.manager

	// Process-wide sinks see every run's events.
	logSink := newEventLog(st.cfg, logger)
	if err := logSink.Start(ctx, m.SubscribeAll(st.cfg.Events.BufferSize)); err != nil {
		return fmt.Errorf("start log sink: %w", err)
	}
	journal, err := store.Open(st.cfg.Paths.Journal, logger)
	if err != nil {
		_ = closeManager(m)
		_ = logSink.Stop()
		return err
	}
	if err := journal.Start(ctx, m.SubscribeAll(st.cfg.Events.BufferSize)); err != nil {
		_ = closeManager(m)
		_ = logSink.Stop()
		_ = journal.Close()
		return fmt.Errorf("start journal: %w", err)
	}

	defer func() {
		if err := closeManager(m); err != nil {
			logger.Warn("runs did not stop in time", "error", err)
		}
		_ = logSink.Stop()
		_ = journal.Stop()
	}()

	run, err := m.CreateRun(in, baseURL)
	if err != nil {
		return err
	}
	ch, err := m.Subscribe(run.ID)
	if err != nil {
		return err
	}
	consoleCtx, stopConsole := context.WithCancel(ctx)
	defer stopConsole()
	if err := console.Start(consoleCtx, ch); err != nil {
		return fmt.Errorf("start console: %w", err)
	}

	finished := make(chan buildrun.Run, 1)
	err = shutdown.RunWithGracefulShutdown(ctx, logger, shutdownTimeout,
		func(runCtx context.Context) error {
			if err := m.Start(runCtx, run.ID); err != nil {
				// A run that failed to start is already finished; report it
				// like any other failed run.
				if r, gerr := m.GetRun(run.ID); gerr == nil && r.Status.Terminal() {
					finished <- r
					return nil
				}
				return err
			}
			r, err := m.Wait(context.Background(), run.ID)
			finished <- r
			return err
		},
		func(context.Context) error {
			return m.Cancel(run.ID)
		},
	)

	var final buildrun.Run
	select {
	case final = <-finished:
	default:
		// Shutdown timed out before the run finished; its stream is still open.
		stopConsole()
		final, _ = m.GetRun(run.ID)
	}
	_ = console.Stop()
	if err != nil {
		return err
	}

	printSummary(a.out, final)
	if final.Status != buildrun.StatusCompleted {
		return fmt.Errorf("%w: %s is %s", errRunNotCompleted, final.ID, final.Status)
	}
	return nil
}

func closeManager(m *buildrun.Manager) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return m.Close(ctx)
}

// printSummary prints a run's outcome after its event stream ends.
func printSummary(w io.Writer, run buildrun.Run) {
	fmt.Fprintf(w, "\nRun %s: %s\n", run.ID, run.Status)
	if run.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", run.Error)
	}
	printTickets(w, run)
	if len(run.NeverRan) > 0 {
		fmt.Fprintln(w, "Never ran:")
		for _, u := range run.NeverRan {
			fmt.Fprintf(w, "  %s: %s\n", u.TicketID, u.Reason)
		}
	}
}
