package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads, parses, defaults and validates the config file at path.
func Load(path string, logger lenientLogger) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b, logger)
}

// Parse decodes raw JSON into a Config, applies defaults, infers step
// types where omitted, and validates leniently (bad tasks are disabled,
// not fatal).
func Parse(raw []byte, logger lenientLogger) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateLenient(&cfg, logger); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg to path as pretty-printed JSON, creating parent
// directories as needed. The control surface uses this to keep the
// config file the single source of truth after an API-driven apply.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("save config: path is empty")
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Metrics.EnablePrometheus && cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = "127.0.0.1:9090"
	}
	if cfg.Runtime.MaxConcurrentPerTask <= 0 {
		cfg.Runtime.MaxConcurrentPerTask = 2
	}
	if cfg.Runtime.DeadLetterDir == "" {
		cfg.Runtime.DeadLetterDir = "/var/lib/cronplus/dead"
	}
	if cfg.Runtime.StateDbPath == "" {
		cfg.Runtime.StateDbPath = "/var/lib/cronplus/state.db"
	}

	for ti := range cfg.Tasks {
		t := &cfg.Tasks[ti]
		if t.Watch.Glob == "" {
			t.Watch.Glob = "*"
		}
		if t.Watch.DebounceMs < 0 {
			t.Watch.DebounceMs = 0
		}
		if t.Watch.StabilizationMs < 0 {
			t.Watch.StabilizationMs = 0
		}
		if t.MaxConcurrent <= 0 {
			t.MaxConcurrent = cfg.Runtime.MaxConcurrentPerTask
		}

		for pi := range t.Pipeline {
			step := &t.Pipeline[pi]
			if step.Type == "" {
				step.Type = inferStepType(*step)
			}
			applyStepDefaults(step)
		}
	}
}

func applyStepDefaults(step *Step) {
	switch step.Type {
	case StepTypePrint:
		if step.Print != nil {
			if step.Print.Copies <= 0 {
				step.Print.Copies = 1
			}
			if step.Print.TimeoutSeconds <= 0 {
				step.Print.TimeoutSeconds = 60
			}
		}
	case StepTypeArchive:
		if step.Archive != nil && step.Archive.ConflictStrategy == "" {
			step.Archive.ConflictStrategy = "rename"
		}
	case StepTypeHTTP:
		if step.HTTP != nil {
			if step.HTTP.TimeoutSeconds <= 0 {
				step.HTTP.TimeoutSeconds = 30
			}
			if step.HTTP.SendFileMode == "" {
				step.HTTP.SendFileMode = "none"
			}
			if step.HTTP.Auth == "" {
				step.HTTP.Auth = "none"
			}
			if step.HTTP.Method == "" {
				step.HTTP.Method = "POST"
			}
		}
	}
	if step.Retry != nil {
		if step.Retry.MaxAttempts <= 0 {
			step.Retry.MaxAttempts = 1
		}
		if step.Retry.BackoffType == "" {
			step.Retry.BackoffType = "constant"
		}
		if step.Retry.Multiplier <= 0 {
			step.Retry.Multiplier = 2
		}
	}
}
