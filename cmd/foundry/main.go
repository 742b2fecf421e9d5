package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/npratt/foundry/internal/config"
	"github.com/npratt/foundry/internal/daemon"
	"github.com/npratt/foundry/internal/events"
)

var version = "dev"

// app carries what every command shares: the process logger and its level.
type app struct {
	logger   *slog.Logger
	logLevel *slog.LevelVar
	out      io.Writer
}

func main() {
	logLevel := &slog.LevelVar{}
	a := &app{
		logger:   NewLogger(os.Stderr, logLevel),
		logLevel: logLevel,
		out:      os.Stdout,
	}

	if err := a.rootCmd().ExecuteContext(context.Background()); err != nil {
		a.logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func (a *app) rootCmd() *cobra.Command {
	viper.SetEnvPrefix("FOUNDRY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:   "foundry",
		Short: "Build run orchestrator for generated web apps",
		Long: `foundry builds an application one ticket at a time. It walks the ticket
dependency graph of a backlog, asks a code generator for each ticket's files,
writes them into a sandbox, verifies the build, and heals the sandbox when a
step fails because of missing packages or a dead dev server.

Runs can execute in-process with "foundry run" or inside a daemon started with
"foundry serve", controlled over a Unix socket.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if viper.GetBool(FlagVerbose) {
				a.logLevel.Set(slog.LevelDebug)
				a.logger.Debug("verbose logging enabled")
			}
		},
	}

	rootCmd.PersistentFlags().Bool(FlagVerbose, false, "Enable verbose (debug) logging")
	rootCmd.PersistentFlags().String(FlagConfig, "", "Config file path (default: .foundry/config.yaml)")
	rootCmd.PersistentFlags().String(FlagLogFile, "", "Event log path")
	rootCmd.PersistentFlags().String(FlagSocketPath, "", "Unix socket path for daemon control")
	rootCmd.PersistentFlags().String(FlagJournal, "", "Run journal database path")
	rootCmd.PersistentFlags().String(FlagSandboxRoot, "", "Local sandbox root directory")

	rootCmd.PersistentFlags().VisitAll(func(f *pflag.Flag) {
		_ = viper.BindPFlag(f.Name, f)
	})

	rootCmd.AddCommand(
		a.versionCmd(),
		a.initCmd(),
		a.runCmd(),
		a.serveCmd(),
		a.createCmd(),
		a.startCmd(),
		a.cancelCmd(),
		a.getCmd(),
		a.listCmd(),
		a.statusCmd(),
		a.stopCmd(),
		a.moveCmd(),
		a.moveTicketCmd(),
		a.readyCmd(),
		a.healthCmd(),
		a.healCmd(),
		a.historyCmd(),
	)
	return rootCmd
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.out, "foundry %s\n", version)
		},
	}
}

// loadConfig loads layered configuration, applies global flag overrides
// and resolves relative paths against the project root.
func (a *app) loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	cfg, err := config.LoadConfig(viper.GetViper())
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed(FlagLogFile) {
		cfg.Paths.Log = viper.GetString(FlagLogFile)
	}
	if flags.Changed(FlagSocketPath) {
		cfg.Paths.Socket = viper.GetString(FlagSocketPath)
	}
	if flags.Changed(FlagJournal) {
		cfg.Paths.Journal = viper.GetString(FlagJournal)
	}
	if flags.Changed(FlagSandboxRoot) {
		cfg.Sandbox.Root = viper.GetString(FlagSandboxRoot)
	}

	projectRoot := daemon.FindProjectRoot("")
	cfg.Paths, err = daemon.ResolvePaths(cfg.Paths, projectRoot)
	if err != nil {
		return nil, "", fmt.Errorf("resolve paths: %w", err)
	}
	if cfg.Sandbox.Root != "" && !filepath.IsAbs(cfg.Sandbox.Root) {
		cfg.Sandbox.Root = filepath.Join(projectRoot, cfg.Sandbox.Root)
	}
	return cfg, projectRoot, nil
}

// getDaemonClient finds the daemon through daemon.json, falling back to
// the configured socket path.
func (a *app) getDaemonClient(cmd *cobra.Command) (*daemon.Client, error) {
	if cmd.Flags().Changed(FlagSocketPath) {
		return daemon.NewClient(viper.GetString(FlagSocketPath)), nil
	}
	if info, err := daemon.FindDaemonInfo(""); err == nil && info.Alive() {
		return daemon.NewClient(info.SocketPath), nil
	}
	cfg, _, err := a.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return daemon.NewClient(cfg.Paths.Socket), nil
}

// consoleMode picks JSON lines when asked, styled output on a terminal and
// plain lines otherwise.
func consoleMode(asJSON bool, out io.Writer) events.ConsoleMode {
	if asJSON {
		return events.ConsoleJSON
	}
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return events.ConsoleStyled
	}
	return events.ConsolePlain
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
