package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/npratt/foundry/internal/daemon"
	"github.com/npratt/foundry/internal/shutdown"
	"github.com/npratt/foundry/internal/store"
)

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the build run API on a Unix socket",
		Long: `Run the foundry daemon. Runs are created and controlled with the create,
start, cancel, get, list and move-ticket commands over the daemon socket.
Every run's events are appended to the event log and recorded in the journal.

Use --daemon to run in the background.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, projectRoot, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			infoPath := daemon.DaemonInfoPath(projectRoot)

			if daemon.NewClient(cfg.Paths.Socket).IsRunning() {
				return fmt.Errorf("%w (socket: %s)", daemon.ErrAlreadyRunning, cfg.Paths.Socket)
			}
			pidFile := daemon.NewPIDFile(cfg.Paths.PID)
			if pidFile.CleanupStale(cfg.Paths.Socket, infoPath) {
				a.logger.Info("removed stale daemon files", "pid_file", cfg.Paths.PID)
			}

			background, _ := cmd.Flags().GetBool(FlagDaemon)
			if background {
				shouldExit, _, err := daemon.Daemonize(daemon.SpawnOptions{
					SocketPath: cfg.Paths.Socket,
					OutputPath: filepath.Join(eventLogDir(cfg), "daemon.out"),
					Out:        a.out,
				})
				if err != nil {
					return fmt.Errorf("daemonize: %w", err)
				}
				if shouldExit {
					return nil
				}
			}

			logger := a.logger
			if daemon.IsDaemonized() {
				fileLog := SetupFileLogger(eventLogDir(cfg), a.logLevel, cfg.LogRotation)
				defer func() { _ = fileLog.Close() }()
				logger = fileLog.Logger
			}

			if err := pidFile.Acquire(); err != nil {
				return err
			}
			defer func() { _ = pidFile.Release() }()

			info := &daemon.DaemonInfo{
				SocketPath:  cfg.Paths.Socket,
				PIDPath:     cfg.Paths.PID,
				LogPath:     cfg.Paths.Log,
				JournalPath: cfg.Paths.Journal,
				StartTime:   time.Now(),
				PID:         os.Getpid(),
			}
			if err := daemon.WriteDaemonInfo(infoPath, info); err != nil {
				logger.Warn("failed to write daemon info", "error", err)
			}
			defer func() { _ = daemon.RemoveDaemonInfo(infoPath) }()

			logger.Info("foundry daemon starting",
				"version", version,
				"socket", cfg.Paths.Socket,
				"event_log", cfg.Paths.Log,
				"journal", cfg.Paths.Journal,
				"background", background)

			st, err := newStack(cfg, nil, nil, logger)
			if err != nil {
				return err
			}
			m := st.manager

			logSink := newEventLog(cfg, logger)
			if err := logSink.Start(cmd.Context(), m.SubscribeAll(cfg.Events.BufferSize)); err != nil {
				return fmt.Errorf("start log sink: %w", err)
			}
			journal, err := store.Open(cfg.Paths.Journal, logger)
			if err != nil {
				_ = closeManager(m)
				_ = logSink.Stop()
				return err
			}
			if err := journal.Start(cmd.Context(), m.SubscribeAll(cfg.Events.BufferSize)); err != nil {
				_ = closeManager(m)
				_ = logSink.Stop()
				_ = journal.Close()
				return fmt.Errorf("start journal: %w", err)
			}

			dmn := daemon.New(cfg, m, logger)
			err = shutdown.RunWithGracefulShutdown(cmd.Context(), logger, shutdownTimeout,
				dmn.Start,
				func(context.Context) error { return dmn.Stop() },
			)

			if cerr := closeManager(m); cerr != nil && !errors.Is(cerr, context.Canceled) {
				logger.Warn("runs did not stop in time", "error", cerr)
			}
			_ = logSink.Stop()
			_ = journal.Stop()
			logger.Info("foundry daemon stopped")
			return err
		},
	}
	cmd.Flags().Bool(FlagDaemon, false, "Run as a background daemon")
	return cmd
}
