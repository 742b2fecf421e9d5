package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config file locations. The global file lives under the XDG config
// directory, the project file under the working directory.
const (
	GlobalConfigDir   = "foundry"
	GlobalConfigFile  = "config.yaml"
	ProjectConfigDir  = ".foundry"
	ProjectConfigFile = "config.yaml"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid config")

// layer is one config file merged over the ones before it.
type layer struct {
	name     string
	path     string
	required bool
}

// LoadConfig builds the effective configuration. Later sources override
// earlier ones:
//  1. Default() values
//  2. $XDG_CONFIG_HOME/foundry/config.yaml (global)
//  3. .foundry/config.yaml (project)
//  4. the file named by the "config" key, which must exist
//  5. values already set on v: FOUNDRY_* environment and bound flags
//
// The decoded result is validated.
func LoadConfig(v *viper.Viper) (*Config, error) {
	cfg := Default()

	defaults, err := defaultsMap(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}
	if err := v.MergeConfigMap(defaults); err != nil {
		return nil, err
	}

	for _, l := range configLayers(v) {
		if err := mergeFile(v, l); err != nil {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg, decodeHooks()); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values the orchestrator cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Build.MaxConcurrency < 1:
		return fmt.Errorf("%w: build.max_concurrency must be at least 1", ErrInvalidConfig)
	case c.Build.MaxHealRetries < 0:
		return fmt.Errorf("%w: build.max_heal_retries must not be negative", ErrInvalidConfig)
	case c.Build.HeartbeatInterval < 0:
		return fmt.Errorf("%w: build.heartbeat_interval must not be negative", ErrInvalidConfig)
	case c.Health.LogTailLines < 1:
		return fmt.Errorf("%w: health.log_tail_lines must be at least 1", ErrInvalidConfig)
	case c.Heal.MaxAttemptsPerWindow < 1:
		return fmt.Errorf("%w: heal.max_attempts_per_window must be at least 1", ErrInvalidConfig)
	case c.Heal.Window <= 0:
		return fmt.Errorf("%w: heal.window must be positive", ErrInvalidConfig)
	case c.Events.BufferSize < 1:
		return fmt.Errorf("%w: events.buffer_size must be at least 1", ErrInvalidConfig)
	}
	return nil
}

func configLayers(v *viper.Viper) []layer {
	layers := []layer{
		{name: "project config", path: filepath.Join(ProjectConfigDir, ProjectConfigFile)},
	}
	if global := globalConfigPath(); global != "" {
		layers = append([]layer{{name: "global config", path: global}}, layers...)
	}
	if explicit := v.GetString("config"); explicit != "" {
		layers = append(layers, layer{name: "config " + explicit, path: explicit, required: true})
	}
	return layers
}

// globalConfigPath returns where the global config would live, or "" when
// no config directory can be determined.
func globalConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, GlobalConfigDir, GlobalConfigFile)
}

// mergeFile reads one YAML layer into v. A missing optional layer is
// skipped.
func mergeFile(v *viper.Viper, l layer) error {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) && !l.required {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", l.name, err)
	}

	file := viper.New()
	file.SetConfigType("yaml")
	if err := file.ReadConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%s: %w", l.name, err)
	}
	return v.MergeConfigMap(file.AllSettings())
}

func decodeHooks() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
}

// defaultsMap flattens cfg into the nested map viper merges. Durations are
// written as strings so they decode the same way file values do.
func defaultsMap(cfg *Config) (map[string]any, error) {
	out := make(map[string]any)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "mapstructure",
		Result:  &out,
		DecodeHook: func(_, _ reflect.Type, data any) (any, error) {
			if d, ok := data.(time.Duration); ok {
				return d.String(), nil
			}
			return data, nil
		},
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	return out, nil
}
