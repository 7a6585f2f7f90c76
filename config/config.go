// Copyright (C) 2024 right-sizer contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config provides configuration management for the batch analyzer.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the batch analyzer. It is loaded once
// at startup from an optional YAML file plus environment-variable overrides
// and read concurrently by the Supervisor and its worker processes.
type Config struct {
	mu sync.RWMutex

	// App is the application name used for the heartbeat key and the
	// alert-handoff key prefix.
	App string `yaml:"app"`

	// FullNamespace is the metric-name prefix under which the upstream
	// collector stores packed series blobs, e.g. "metrics.".
	FullNamespace string `yaml:"full_namespace"`

	// FullDurationSeconds is the analysis-window duration. Series data
	// older than this relative to a window's end is outside the window.
	FullDurationSeconds int64 `yaml:"full_duration_seconds"`

	// Algorithms is the ordered ensemble panel. The order defines the
	// positional alignment of every vote vector.
	Algorithms []string `yaml:"algorithms"`

	// DataRoot is the training-data directory root; ProfilesRoot holds
	// computed features profiles.
	DataRoot     string `yaml:"data_root"`
	ProfilesRoot string `yaml:"profiles_root"`

	// TrainingRetention is how long learner training-data index keys live.
	TrainingRetention time.Duration `yaml:"training_retention"`

	// RecordStoreCheckPath is where analyzer-metric anomaly check files are
	// dropped for the record store to ingest.
	RecordStoreCheckPath string `yaml:"record_store_check_path"`

	// Downstream enable flags.
	RecordStoreEnabled bool `yaml:"record_store_enabled"`
	MirageEnabled      bool `yaml:"mirage_enabled"`
	IonosphereEnabled  bool `yaml:"ionosphere_enabled"`

	// KnownNegativeMetrics are glob patterns for metrics where negative
	// values are expected; those skip the negatives scan.
	KnownNegativeMetrics []string `yaml:"known_negative_metrics"`

	// NonDerivativeMonotonicMetrics are glob patterns for metrics that look
	// monotonic but must never be differenced.
	NonDerivativeMonotonicMetrics []string `yaml:"non_derivative_monotonic_metrics"`

	// ServerMetricPath is the path segment identifying this host in shipped
	// self-monitoring metric names.
	ServerMetricPath string `yaml:"server_metric_path"`

	// StoreAddr, StorePassword, StoreDB configure the shared store client.
	StoreAddr     string `yaml:"store_addr"`
	StorePassword string `yaml:"store_password"`
	StoreDB       int    `yaml:"store_db"`

	// WatchdogTimeout is the hard deadline for one worker process.
	WatchdogTimeout time.Duration `yaml:"watchdog_timeout"`

	// LogLevel: debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// MetricsEnabled / MetricsPort control the Prometheus endpoint.
	MetricsEnabled bool `yaml:"metrics_enabled"`
	MetricsPort    int  `yaml:"metrics_port"`
}

var (
	// Global config instance
	Global     *Config
	globalLock sync.RWMutex
)

// GetDefaults returns the built-in defaults, matching the values the
// upstream real-time analyzer ships with so a worker pointed at the same
// store agrees on key names and windows without any file present.
func GetDefaults() *Config {
	return &Config{
		// Analysis defaults
		App:                 "analyzer_batch",
		FullNamespace:       "metrics.",
		FullDurationSeconds: 86400,
		Algorithms: []string{
			"stddev_outlier",
			"median_absolute_deviation",
			"first_hit",
		},

		// Downstream paths and flags
		DataRoot:             "/opt/analyzer/training_data",
		ProfilesRoot:         "/opt/analyzer/features_profiles",
		TrainingRetention:    30 * 24 * time.Hour,
		RecordStoreCheckPath: "/opt/analyzer/panorama/check",
		RecordStoreEnabled:   true,
		MirageEnabled:        true,
		IonosphereEnabled:    true,

		// Metric pattern lists
		KnownNegativeMetrics:          []string{},
		NonDerivativeMonotonicMetrics: []string{},
		ServerMetricPath:              "analyzer-batch-1",

		// Shared store
		StoreAddr:     "127.0.0.1:6379",
		StorePassword: "",
		StoreDB:       0,

		// Operational defaults
		WatchdogTimeout: 300 * time.Second,
		LogLevel:        "info",
		MetricsEnabled:  true,
		MetricsPort:     9090,
	}
}

// Load initializes the global configuration: defaults, then the YAML file
// named by RIGHTSIZER_BATCH_CONFIG (if set and readable), then env-var
// overrides for the operationally tunable fields. Safe to call more than
// once; later calls return the already-loaded instance.
func Load() (*Config, error) {
	globalLock.Lock()
	defer globalLock.Unlock()

	if Global != nil {
		return Global, nil
	}

	cfg := GetDefaults()

	if path := os.Getenv("RIGHTSIZER_BATCH_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	Global = cfg
	return Global, nil
}

// Get returns the global config instance, loading defaults if Load was
// never called (tests mostly).
func Get() *Config {
	globalLock.RLock()
	if Global == nil {
		globalLock.RUnlock()
		globalLock.Lock()
		if Global == nil {
			Global = GetDefaults()
		}
		globalLock.Unlock()
		globalLock.RLock()
	}
	defer globalLock.RUnlock()
	return Global
}

// applyEnvOverrides applies the small set of env-var overrides that make
// sense to flip per-deployment without editing the YAML.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RIGHTSIZER_BATCH_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("RIGHTSIZER_BATCH_STORE_ADDR"); v != "" {
		c.StoreAddr = v
	}
	if v := os.Getenv("RIGHTSIZER_BATCH_STORE_PASSWORD"); v != "" {
		c.StorePassword = v
	}
	if v := os.Getenv("RIGHTSIZER_BATCH_WATCHDOG_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.WatchdogTimeout = d
		}
	}
	if v := os.Getenv("RIGHTSIZER_BATCH_METRICS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			c.MetricsPort = p
		}
	}
}

// Validate checks the invariants the rest of the system relies on. A
// failure here is the one unrecoverable startup error the binary exits
// non-zero for.
func (c *Config) Validate() error {
	if c.App == "" {
		return fmt.Errorf("config: app name must not be empty")
	}
	if len(c.Algorithms) == 0 {
		return fmt.Errorf("config: at least one algorithm is required")
	}
	if c.FullDurationSeconds <= 0 {
		return fmt.Errorf("config: full_duration_seconds must be positive, got %d", c.FullDurationSeconds)
	}
	if c.WatchdogTimeout <= 0 {
		return fmt.Errorf("config: watchdog_timeout must be positive, got %v", c.WatchdogTimeout)
	}
	if c.TrainingRetention <= 0 {
		return fmt.Errorf("config: training_retention must be positive, got %v", c.TrainingRetention)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	return nil
}

// Clone returns a deep copy, so tests can mutate freely without touching
// the global instance.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		App:                           c.App,
		FullNamespace:                 c.FullNamespace,
		FullDurationSeconds:           c.FullDurationSeconds,
		Algorithms:                    append([]string(nil), c.Algorithms...),
		DataRoot:                      c.DataRoot,
		ProfilesRoot:                  c.ProfilesRoot,
		TrainingRetention:             c.TrainingRetention,
		RecordStoreCheckPath:          c.RecordStoreCheckPath,
		RecordStoreEnabled:            c.RecordStoreEnabled,
		MirageEnabled:                 c.MirageEnabled,
		IonosphereEnabled:             c.IonosphereEnabled,
		KnownNegativeMetrics:          append([]string(nil), c.KnownNegativeMetrics...),
		NonDerivativeMonotonicMetrics: append([]string(nil), c.NonDerivativeMonotonicMetrics...),
		ServerMetricPath:              c.ServerMetricPath,
		StoreAddr:                     c.StoreAddr,
		StorePassword:                 c.StorePassword,
		StoreDB:                       c.StoreDB,
		WatchdogTimeout:               c.WatchdogTimeout,
		LogLevel:                      c.LogLevel,
		MetricsEnabled:                c.MetricsEnabled,
		MetricsPort:                   c.MetricsPort,
	}
	return clone
}

// ResetToDefaults discards the loaded global config. Tests only.
func ResetToDefaults() {
	globalLock.Lock()
	defer globalLock.Unlock()
	Global = nil
}
