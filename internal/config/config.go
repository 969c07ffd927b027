// Receiptflow - POS Receipt Stream Ingestion and Reconciliation
// Copyright 2026 SmartAHC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/smartahc/receiptflow

// Package config loads and validates Receiptflow configuration from
// layered sources: built-in defaults, an optional YAML file, and
// environment variables (highest priority), via Koanf v2.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the receiptflow service.
type Config struct {
	Stream     StreamConfig     `koanf:"stream"`
	Store      StoreConfig      `koanf:"store"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Checkpoint CheckpointConfig `koanf:"checkpoint"`
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Restaurant RestaurantConfig `koanf:"restaurant"`
}

// StreamConfig configures the upstream receipt-capture stream
// connection and the reconnect policy.
type StreamConfig struct {
	// URL is the capture service's stream endpoint, e.g.
	// http://127.0.0.1:5000/api/stream.
	URL string `koanf:"url" validate:"required,url"`

	// AuthToken is the capture service's static credential, sent as a
	// bearer token on the stream request.
	AuthToken string `koanf:"auth_token"`

	// AutoStart opens the stream connection at process startup when
	// the checkpoint says the connection was active before.
	AutoStart bool `koanf:"auto_start"`

	// BackoffBase is the first reconnect delay; each consecutive
	// failure multiplies it by BackoffFactor up to BackoffMax.
	BackoffBase   time.Duration `koanf:"backoff_base"`
	BackoffMax    time.Duration `koanf:"backoff_max"`
	BackoffFactor float64       `koanf:"backoff_factor"`

	// MaxAttempts is the reconnect ceiling. Reaching it stops the
	// connection until an operator calls start again.
	MaxAttempts int `koanf:"max_attempts" validate:"min=1"`

	// ReadTimeout bounds a single stream read; a healthy upstream
	// sends at least a heartbeat within this window.
	ReadTimeout time.Duration `koanf:"read_timeout"`
}

// StoreConfig configures the destination relational store's HTTP
// insert interface (PostgREST-style, one endpoint per table).
type StoreConfig struct {
	URL        string        `koanf:"url" validate:"required,url"`
	ServiceKey string        `koanf:"service_key" validate:"required"`
	Timeout    time.Duration `koanf:"timeout"`

	// RetryEnabled reserves the at-least-once replay knob. The shipped
	// policy is best-effort: insert failures are logged and counted,
	// never replayed. Validate rejects true until replay exists, so
	// the setting cannot silently promise a policy the code lacks.
	RetryEnabled bool `koanf:"retry_enabled"`

	// Circuit breaker settings for insert calls.
	BreakerFailureThreshold uint32        `koanf:"breaker_failure_threshold"`
	BreakerTimeout          time.Duration `koanf:"breaker_timeout"`
}

// TelemetryConfig configures the batched telemetry backend client.
type TelemetryConfig struct {
	// Enabled gates all telemetry; without a token the buffer still
	// accepts records but flushes become no-ops.
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	Token   string `koanf:"token"`
	Dataset string `koanf:"dataset"`

	// BatchSize and FlushInterval are the flush thresholds.
	BatchSize     int           `koanf:"batch_size" validate:"min=1"`
	FlushInterval time.Duration `koanf:"flush_interval"`

	// HeartbeatInterval drives the periodic flush tick while the
	// stream connection is active.
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
}

// CheckpointConfig configures the durable connection-state store.
type CheckpointConfig struct {
	// Path is the BadgerDB directory.
	Path string `koanf:"path" validate:"required"`

	// InstanceName scopes the checkpoint key. Exactly one stream
	// manager runs per instance name.
	InstanceName string `koanf:"instance_name" validate:"required"`
}

// ServerConfig configures the operator-facing control API.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout time.Duration `koanf:"timeout"`

	// AuthToken protects the control endpoints. Empty disables auth
	// (development only).
	AuthToken string `koanf:"auth_token"`

	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// LoggingConfig mirrors logging.Config for koanf loading.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// RestaurantConfig identifies the deployment in the destination store.
type RestaurantConfig struct {
	ID string `koanf:"id" validate:"required,uuid"`
}

// defaultConfig returns a Config with all defaults applied. File and
// environment layers override these.
func defaultConfig() *Config {
	return &Config{
		Stream: StreamConfig{
			URL:           "",
			AuthToken:     "",
			AutoStart:     true,
			BackoffBase:   5 * time.Second,
			BackoffMax:    60 * time.Second,
			BackoffFactor: 1.5,
			MaxAttempts:   10,
			ReadTimeout:   6 * time.Minute,
		},
		Store: StoreConfig{
			URL:                     "",
			ServiceKey:              "",
			Timeout:                 15 * time.Second,
			RetryEnabled:            false,
			BreakerFailureThreshold: 5,
			BreakerTimeout:          30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:           false,
			URL:               "https://api.axiom.co",
			Token:             "",
			Dataset:           "kitchen-orders",
			BatchSize:         5,
			FlushInterval:     30 * time.Second,
			HeartbeatInterval: 5 * time.Minute,
		},
		Checkpoint: CheckpointConfig{
			Path:         "/data/receiptflow/checkpoint",
			InstanceName: "printer-stream",
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            5100,
			Timeout:         30 * time.Second,
			AuthToken:       "",
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Restaurant: RestaurantConfig{
			ID: "a1b2c3d4-e5f6-7890-abcd-ef1234567890",
		},
	}
}

// Validate checks struct tags plus the cross-field constraints the
// tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	if c.Stream.BackoffBase <= 0 {
		return fmt.Errorf("stream.backoff_base must be positive")
	}
	if c.Stream.BackoffMax < c.Stream.BackoffBase {
		return fmt.Errorf("stream.backoff_max %s is below stream.backoff_base %s",
			c.Stream.BackoffMax, c.Stream.BackoffBase)
	}
	if c.Stream.BackoffFactor < 1.0 {
		return fmt.Errorf("stream.backoff_factor must be >= 1.0, got %g", c.Stream.BackoffFactor)
	}
	if c.Store.RetryEnabled {
		return fmt.Errorf("store.retry_enabled is reserved for insert replay, which is not implemented; remove the setting")
	}
	if c.Telemetry.Enabled && c.Telemetry.Token == "" {
		return fmt.Errorf("telemetry.token is required when telemetry is enabled")
	}
	if c.Telemetry.FlushInterval <= 0 {
		return fmt.Errorf("telemetry.flush_interval must be positive")
	}
	return nil
}
