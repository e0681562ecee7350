// Package config loads taskwarden configuration from config.yaml in the
// taskwarden home directory, applying defaults, normalization and
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// SweepConfig holds the daemon-mode sweep schedules. Both expressions use
// standard 5-field cron syntax.
type SweepConfig struct {
	StaleTasksCron string `yaml:"stale_tasks_cron"`
	AgentsCron     string `yaml:"agents_cron"`
}

// Config is the full taskwarden configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	// StorePath is the shared task/agent document. Empty uses
	// <home>/todo.json.
	StorePath string `yaml:"store_path"`

	// JournalPath is the SQLite event journal. Empty uses
	// <home>/journal.db.
	JournalPath string `yaml:"journal_path"`

	LogLevel string `yaml:"log_level"`

	// StaleThresholdMinutes reverts in_progress tasks with no activity for
	// strictly longer than this many minutes.
	StaleThresholdMinutes int `yaml:"stale_threshold_minutes"`

	// AgentInactivityMinutes drops agents idle for strictly longer than
	// this many minutes during a registry sweep.
	AgentInactivityMinutes int `yaml:"agent_inactivity_minutes"`

	// LockTimeoutSeconds bounds advisory-lock acquisition on the document.
	LockTimeoutSeconds int `yaml:"lock_timeout_seconds"`

	Sweep     SweepConfig     `yaml:"sweep"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// StaleThreshold returns the stale-task threshold as a duration.
func (c Config) StaleThreshold() time.Duration {
	return time.Duration(c.StaleThresholdMinutes) * time.Minute
}

// AgentInactivity returns the agent inactivity threshold as a duration.
func (c Config) AgentInactivity() time.Duration {
	return time.Duration(c.AgentInactivityMinutes) * time.Minute
}

// LockTimeout returns the lock acquisition bound as a duration.
func (c Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutSeconds) * time.Second
}

func defaultConfig() Config {
	return Config{
		LogLevel:               "info",
		StaleThresholdMinutes:  30,
		AgentInactivityMinutes: 30,
		LockTimeoutSeconds:     5,
		Sweep: SweepConfig{
			StaleTasksCron: "*/5 * * * *",
			AgentsCron:     "*/15 * * * *",
		},
		Telemetry: TelemetryConfig{
			Exporter:   "stdout",
			SampleRate: 1.0,
		},
	}
}

// HomeDir resolves the taskwarden home directory, honoring TASKWARDEN_HOME.
func HomeDir() string {
	if override := os.Getenv("TASKWARDEN_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskwarden")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml (if present), then applies env overrides and
// normalization. A missing file is not an error; defaults apply.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskwarden home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.StorePath == "" {
		cfg.StorePath = filepath.Join(cfg.HomeDir, "todo.json")
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = filepath.Join(cfg.HomeDir, "journal.db")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.StaleThresholdMinutes <= 0 {
		cfg.StaleThresholdMinutes = 30
	}
	if cfg.AgentInactivityMinutes <= 0 {
		cfg.AgentInactivityMinutes = 30
	}
	if cfg.LockTimeoutSeconds <= 0 {
		cfg.LockTimeoutSeconds = 5
	}
	if cfg.Sweep.StaleTasksCron == "" {
		cfg.Sweep.StaleTasksCron = "*/5 * * * *"
	}
	if cfg.Sweep.AgentsCron == "" {
		cfg.Sweep.AgentsCron = "*/15 * * * *"
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "stdout"
	}
	if cfg.Telemetry.SampleRate <= 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKWARDEN_STORE"); raw != "" {
		cfg.StorePath = raw
	}
	if raw := os.Getenv("TASKWARDEN_JOURNAL"); raw != "" {
		cfg.JournalPath = raw
	}
	if raw := os.Getenv("TASKWARDEN_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKWARDEN_STALE_THRESHOLD_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.StaleThresholdMinutes = v
		}
	}
	if raw := os.Getenv("TASKWARDEN_AGENT_INACTIVITY_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.AgentInactivityMinutes = v
		}
	}
	if raw := os.Getenv("TASKWARDEN_LOCK_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.LockTimeoutSeconds = v
		}
	}
}
