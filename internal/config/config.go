// Package config provides configuration types and defaults for foundry.
package config

import "time"

// Config holds all configuration for foundry.
type Config struct {
	Build       BuildConfig       `yaml:"build" mapstructure:"build"`
	Health      HealthConfig      `yaml:"health" mapstructure:"health"`
	Heal        HealConfig        `yaml:"heal" mapstructure:"heal"`
	Sandbox     SandboxConfig     `yaml:"sandbox" mapstructure:"sandbox"`
	Generator   GeneratorConfig   `yaml:"generator" mapstructure:"generator"`
	Paths       PathsConfig       `yaml:"paths" mapstructure:"paths"`
	LogRotation LogRotationConfig `yaml:"log_rotation" mapstructure:"log_rotation"`
	Events      EventsConfig      `yaml:"events" mapstructure:"events"`
}

// BuildConfig holds build run scheduling settings.
type BuildConfig struct {
	MaxConcurrency        int           `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	MaxHealRetries        int           `yaml:"max_heal_retries" mapstructure:"max_heal_retries"`
	CommandTimeout        time.Duration `yaml:"command_timeout" mapstructure:"command_timeout"`       // Timeout for the plan's verify command
	HeartbeatInterval     time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"` // 0 disables heartbeats
	TreatFailedAsResolved bool          `yaml:"treat_failed_as_resolved" mapstructure:"treat_failed_as_resolved"`
}

// HealthConfig holds health probe settings.
type HealthConfig struct {
	LogPath            string        `yaml:"log_path" mapstructure:"log_path"` // Dev server log, relative to the sandbox root
	LogTailLines       int           `yaml:"log_tail_lines" mapstructure:"log_tail_lines"`
	MaxMissingPackages int           `yaml:"max_missing_packages" mapstructure:"max_missing_packages"`
	ProbeTimeout       time.Duration `yaml:"probe_timeout" mapstructure:"probe_timeout"`
	DevServerPort      int           `yaml:"dev_server_port" mapstructure:"dev_server_port"`
}

// HealConfig holds auto-heal rate limiting settings.
type HealConfig struct {
	Cooldown             time.Duration `yaml:"cooldown" mapstructure:"cooldown"`
	Window               time.Duration `yaml:"window" mapstructure:"window"`
	MaxAttemptsPerWindow int           `yaml:"max_attempts_per_window" mapstructure:"max_attempts_per_window"`
	MaxInstallBatch      int           `yaml:"max_install_batch" mapstructure:"max_install_batch"`
}

// SandboxConfig describes the local sandbox used by the CLI.
type SandboxConfig struct {
	ID               string `yaml:"id" mapstructure:"id"`
	Root             string `yaml:"root" mapstructure:"root"`
	InstallCommand   string `yaml:"install_command" mapstructure:"install_command"`
	DevServerCommand string `yaml:"dev_server_command" mapstructure:"dev_server_command"`
	DevServerLog     string `yaml:"dev_server_log" mapstructure:"dev_server_log"`
}

// GeneratorConfig configures the command-backed code generator.
type GeneratorConfig struct {
	Command    string        `yaml:"command" mapstructure:"command"`
	Args       []string      `yaml:"args" mapstructure:"args"`
	Model      string        `yaml:"model" mapstructure:"model"`
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Prompt     string        `yaml:"prompt" mapstructure:"prompt"`
	PromptFile string        `yaml:"prompt_file" mapstructure:"prompt_file"` // Takes priority over Prompt
}

// PathsConfig holds file paths for logs, socket, and the run journal.
type PathsConfig struct {
	Log     string `yaml:"log" mapstructure:"log"`
	Socket  string `yaml:"socket" mapstructure:"socket"`
	PID     string `yaml:"pid" mapstructure:"pid"`
	Journal string `yaml:"journal" mapstructure:"journal"`
}

// LogRotationConfig holds settings for log file rotation.
type LogRotationConfig struct {
	MaxSizeMB  int  `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool `yaml:"compress" mapstructure:"compress"`
}

// EventsConfig holds progress stream settings.
type EventsConfig struct {
	BufferSize int `yaml:"buffer_size" mapstructure:"buffer_size"` // Per-subscriber channel buffer
}

// DefaultPrompt is the default prompt sent to the generator command.
const DefaultPrompt = `You are building the application "{{.PlanName}}" one ticket at a time.

## Ticket {{.TicketID}}: {{.TicketTitle}}

{{.TicketDescription}}

Builds on: {{.Dependencies}}

## Output
Respond with a single JSON object and nothing else:
{"files": [{"path": "relative/path", "content": "full file content"}], "summary": "one line"}

Only include files this ticket creates or changes. Paths are relative to the project root.`

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Build: BuildConfig{
			MaxConcurrency:    2,
			MaxHealRetries:    2,
			CommandTimeout:    5 * time.Minute,
			HeartbeatInterval: 10 * time.Second,
		},
		Health: HealthConfig{
			LogPath:            ".foundry/dev-server.log",
			LogTailLines:       200,
			MaxMissingPackages: 10,
			ProbeTimeout:       time.Second,
			DevServerPort:      5173,
		},
		Heal: HealConfig{
			Cooldown:             15 * time.Second,
			Window:               5 * time.Minute,
			MaxAttemptsPerWindow: 5,
			MaxInstallBatch:      10,
		},
		Sandbox: SandboxConfig{
			Root:             ".",
			InstallCommand:   "npm install --no-audit --no-fund",
			DevServerCommand: "npm run dev",
			DevServerLog:     ".foundry/dev-server.log",
		},
		Generator: GeneratorConfig{
			Command: "claude",
			Args:    []string{"-p", "--output-format", "text"},
			Model:   "sonnet",
			Timeout: 10 * time.Minute,
			Prompt:  DefaultPrompt,
		},
		Paths: PathsConfig{
			Log:     ".foundry/foundry.log",
			Socket:  ".foundry/foundry.sock",
			PID:     ".foundry/foundry.pid",
			Journal: ".foundry/journal.db",
		},
		LogRotation: LogRotationConfig{
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 7,
			Compress:   true,
		},
		Events: EventsConfig{
			BufferSize: 1000,
		},
	}
}
