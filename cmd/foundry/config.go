package main

// Flag names for Viper binding
const (
	// Global flags
	FlagVerbose     = "verbose"
	FlagConfig      = "config"
	FlagLogFile     = "log-file"
	FlagSocketPath  = "socket-path"
	FlagJournal     = "journal"
	FlagSandboxRoot = "sandbox-root"

	// Run and create flags
	FlagSandbox               = "sandbox"
	FlagModel                 = "model"
	FlagMaxConcurrency        = "max-concurrency"
	FlagOnly                  = "only"
	FlagTreatFailedAsResolved = "treat-failed-as-resolved"
	FlagBaseURL               = "base-url"
	FlagDevServer             = "dev-server"
	FlagHeartbeats            = "heartbeats"
	FlagStart                 = "start"

	// Serve flags
	FlagDaemon = "daemon"

	// Init command flags
	FlagDryRun  = "dry-run"
	FlagMinimal = "minimal"
	FlagPort    = "port"

	// Stop command flags
	FlagForce = "force"

	// Move command flags
	FlagConfirm = "confirm"

	// History command flags
	FlagTicket = "ticket"
	FlagLimit  = "limit"

	// Output format flags
	FlagJSON = "json"
)
