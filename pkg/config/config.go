// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package config loads spallocd's single YAML configuration document into
// typed options, applies environment variable overrides, and validates the
// result before the daemon starts any component.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of the configuration document.
type Config struct {
	Allocator    AllocatorConfig    `yaml:"allocator"`
	Keepalive    KeepaliveConfig    `yaml:"keepalive"`
	Transceiver  TransceiverConfig  `yaml:"transceiver"`
	StateControl StateControlConfig `yaml:"state_control"`
	DB           DBConfig           `yaml:"db"`
	Log          LogConfig          `yaml:"log"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	HTTP         HTTPConfig         `yaml:"http"`
}

// AllocatorConfig controls the allocation engine's tick cadence and
// importance-aging behaviour.
type AllocatorConfig struct {
	// Period is the allocation engine tick interval.
	Period time.Duration `yaml:"period"`
	// ImportanceSpan bounds the gap between the most and least important
	// pending request, and selects which requests a single pass considers:
	// those within ImportanceSpan of the most important one.
	ImportanceSpan int64 `yaml:"importance_span"`
	// PriorityScale sets per-request-shape priority accrual rates.
	PriorityScale PriorityScaleConfig `yaml:"priority_scale"`
}

// PriorityScaleConfig sets importance accrual rates per request shape.
type PriorityScaleConfig struct {
	Size          float64 `yaml:"size"`
	Dimensions    float64 `yaml:"dimensions"`
	SpecificBoard float64 `yaml:"specific_board"`
}

// KeepaliveConfig bounds the keepalive interval jobs may request and sets
// the expiry sweep cadence.
type KeepaliveConfig struct {
	Min          time.Duration `yaml:"min"`
	Max          time.Duration `yaml:"max"`
	ExpiryPeriod time.Duration `yaml:"expiry_period"`
}

// TransceiverConfig controls how the BMP controller talks to (or simulates)
// board management processors.
type TransceiverConfig struct {
	ProbeInterval time.Duration `yaml:"probe_interval"`
	PowerAttempts int           `yaml:"power_attempts"`
	FPGAAttempts  int           `yaml:"fpga_attempts"`
	FPGAReload    bool          `yaml:"fpga_reload"`
	BuildAttempts int           `yaml:"build_attempts"`
	// Dummy selects the in-memory Transceiver, for development and tests.
	Dummy bool `yaml:"dummy"`
}

// StateControlConfig times blacklist operation polling.
type StateControlConfig struct {
	BlacklistPoll    time.Duration `yaml:"blacklist_poll"`
	BlacklistTimeout time.Duration `yaml:"blacklist_timeout"`
}

// DBConfig configures the catalogue store. Timeout bounds how long
// boltstore waits for the database file lock when opening it. LockTries and
// LockFailedDelay are validated but not read by either store; boltstore's
// lock retry uses a fixed policy.
type DBConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	LockTries       int           `yaml:"lock_tries"`
	LockFailedDelay time.Duration `yaml:"lock_failed_delay"`
	// Path is the bbolt database file; empty selects the in-memory store.
	Path string `yaml:"path"`
}

// LogConfig controls structured-logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig toggles in-process metrics collection.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// HTTPConfig addresses the operator-facing health/metrics endpoint. This is
// not the job-management REST surface; it carries no job/board/machine CRUD.
type HTTPConfig struct {
	AdminAddr string `yaml:"admin_addr"`
}

// Default returns a Config populated with spallocd's default options.
func Default() *Config {
	return &Config{
		Allocator: AllocatorConfig{
			Period:         5 * time.Second,
			ImportanceSpan: 1000,
			PriorityScale: PriorityScaleConfig{
				Size:          1.0,
				Dimensions:    1.5,
				SpecificBoard: 2.0,
			},
		},
		Keepalive: KeepaliveConfig{
			Min:          30 * time.Second,
			Max:          24 * time.Hour,
			ExpiryPeriod: 10 * time.Second,
		},
		Transceiver: TransceiverConfig{
			ProbeInterval: 10 * time.Second,
			PowerAttempts: 3,
			FPGAAttempts:  3,
			FPGAReload:    true,
			BuildAttempts: 3,
			Dummy:         false,
		},
		StateControl: StateControlConfig{
			BlacklistPoll:    1 * time.Second,
			BlacklistTimeout: 30 * time.Second,
		},
		DB: DBConfig{
			Timeout:         5 * time.Second,
			LockTries:       5,
			LockFailedDelay: 100 * time.Millisecond,
			Path:            "spallocd.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		HTTP: HTTPConfig{
			AdminAddr: "127.0.0.1:22244",
		},
	}
}

// Load reads a YAML configuration document from path, merging it over the
// defaults, then applies environment variable overrides and validates the
// result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays a small set of SPALLOCD_-prefixed environment
// variables, for the options operators most commonly want to flip without
// editing the document (log verbosity, admin address, dummy transceiver).
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SPALLOCD_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("SPALLOCD_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("SPALLOCD_HTTP_ADMIN_ADDR"); v != "" {
		c.HTTP.AdminAddr = v
	}
	if v := os.Getenv("SPALLOCD_DB_PATH"); v != "" {
		c.DB.Path = v
	}
	if v := os.Getenv("SPALLOCD_TRANSCEIVER_DUMMY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Transceiver.Dummy = b
		}
	}
}

// Validate checks the configuration for internally-consistent values.
func (c *Config) Validate() error {
	if c.Allocator.Period <= 0 {
		return ErrInvalidAllocatorPeriod
	}
	if c.Keepalive.Min <= 0 || c.Keepalive.Max <= 0 {
		return ErrInvalidKeepaliveBounds
	}
	if c.Keepalive.Min > c.Keepalive.Max {
		return ErrInvalidKeepaliveBounds
	}
	if c.Keepalive.ExpiryPeriod <= 0 {
		return ErrInvalidKeepaliveBounds
	}
	if c.Transceiver.PowerAttempts < 1 || c.Transceiver.FPGAAttempts < 1 || c.Transceiver.BuildAttempts < 1 {
		return ErrInvalidTransceiverAttempts
	}
	if c.DB.LockTries < 1 {
		return ErrInvalidDBRetry
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return ErrInvalidLogFormat
	}
	return nil
}
