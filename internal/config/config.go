// Package config loads sentryd's configuration from a TOML file,
// applying the documented defaults and environment-variable overrides.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// WorkerSpec is one entry parsed from the workers configuration grammar:
// NAME:COMMAND:ESSENTIAL, comma-separated.
type WorkerSpec struct {
	Name      string
	Command   string
	Essential bool
}

// Config is the fully resolved configuration record passed into every
// component at construction time. No component reads global/env state of
// its own beyond this struct.
type Config struct {
	DeviceID          string        `mapstructure:"device_id"`
	LogLevel          string        `mapstructure:"log_level"`
	TelemetryEndpoint string        `mapstructure:"telemetry_endpoint"`
	FlushInterval     time.Duration `mapstructure:"flush_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`

	CircuitFailureThreshold uint32        `mapstructure:"circuit_failure_threshold"`
	CircuitTimeout          time.Duration `mapstructure:"circuit_timeout"`

	RetryMaxAttempts  int           `mapstructure:"retry_max_attempts"`
	RetryInitialDelay time.Duration `mapstructure:"retry_initial_delay"`

	HealthInterval  time.Duration `mapstructure:"health_interval"`
	TempThreshold   float64       `mapstructure:"temp_threshold"`
	CPUThreshold    float64       `mapstructure:"cpu_threshold"`
	MemoryThreshold float64       `mapstructure:"memory_threshold"`

	WatchdogInterval time.Duration `mapstructure:"watchdog_interval"`
	MaxRestarts      int           `mapstructure:"max_restarts"`
	StabilityWindow  time.Duration `mapstructure:"stability_window"`

	QueueMaxRows int    `mapstructure:"queue_max_rows"`
	AdminAddr    string `mapstructure:"admin_addr"`
	DataDir      string `mapstructure:"data_dir"`

	WorkersRaw string       `mapstructure:"workers"`
	Workers    []WorkerSpec `mapstructure:"-"`
}

// applyDefaults registers the default values from the configuration table
// before the file and environment are loaded, so any key the operator
// omits still resolves to its documented default.
func applyDefaults(v *viper.Viper) {
	v.SetDefault("device_id", "edge-001")
	v.SetDefault("log_level", "INFO")
	v.SetDefault("telemetry_endpoint", "https://localhost/telemetry")
	v.SetDefault("flush_interval", "30s")
	v.SetDefault("heartbeat_interval", "60s")
	v.SetDefault("circuit_failure_threshold", 3)
	v.SetDefault("circuit_timeout", "60s")
	v.SetDefault("retry_max_attempts", 3)
	v.SetDefault("retry_initial_delay", "2s")
	v.SetDefault("health_interval", "10s")
	v.SetDefault("temp_threshold", 75.0)
	v.SetDefault("cpu_threshold", 95.0)
	v.SetDefault("memory_threshold", 90.0)
	v.SetDefault("watchdog_interval", "5s")
	v.SetDefault("max_restarts", 10)
	v.SetDefault("stability_window", "60s")
	v.SetDefault("queue_max_rows", 0)
	v.SetDefault("admin_addr", "")
	v.SetDefault("data_dir", "/var/lib/sentryd")
	v.SetDefault("workers", "")
}

// Load reads configuration from path (TOML) if non-empty, applies the
// SENTRYD_-prefixed environment overrides, and validates the workers
// grammar. A missing path is not an error; defaults and env vars alone
// are a valid configuration.
func Load(path string) (*Config, error) {
	v := viper.New()
	applyDefaults(v)
	v.SetEnvPrefix("SENTRYD")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	workers, err := ParseWorkers(cfg.WorkersRaw)
	if err != nil {
		return nil, fmt.Errorf("config: workers: %w", err)
	}
	cfg.Workers = workers

	return &cfg, nil
}

// defaultWorkers is registered when the operator supplies no workers
// configuration at all, so a freshly installed sentryd has something to
// demonstrate rather than an empty fleet.
var defaultWorkers = []WorkerSpec{
	{Name: "sensor_reader", Command: `/bin/sh -c 'while true; do echo sensor-ok; sleep 5; done'`, Essential: false},
}

// ParseWorkers parses the WORKERS := ENTRY ("," ENTRY)* grammar, where
// ENTRY := NAME ":" COMMAND ":" BOOL. An empty string resolves to
// defaultWorkers rather than an empty fleet. Parse failures are fatal at
// startup, per the external interface design.
func ParseWorkers(raw string) ([]WorkerSpec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultWorkers, nil
	}

	var specs []WorkerSpec
	seen := make(map[string]bool)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("malformed worker entry %q: expected NAME:COMMAND:BOOL", entry)
		}
		name := strings.TrimSpace(parts[0])
		command := strings.TrimSpace(parts[1])
		essentialStr := strings.TrimSpace(parts[2])
		if name == "" {
			return nil, fmt.Errorf("malformed worker entry %q: empty name", entry)
		}
		if command == "" {
			return nil, fmt.Errorf("malformed worker entry %q: empty command", entry)
		}
		essential, err := strconv.ParseBool(essentialStr)
		if err != nil {
			return nil, fmt.Errorf("malformed worker entry %q: essential flag must be true/false: %w", entry, err)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate worker name %q", name)
		}
		seen[name] = true
		specs = append(specs, WorkerSpec{Name: name, Command: command, Essential: essential})
	}
	return specs, nil
}
