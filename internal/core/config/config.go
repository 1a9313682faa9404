package config

import (
	"time"

	redisclient "github.com/vietddude/gwcore/internal/infra/redis"
	"github.com/vietddude/gwcore/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration. It is loaded once at
// startup and treated as immutable afterwards.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Gateway  GatewayConfig      `yaml:"gateway"`
	Session  SessionConfig      `yaml:"session"`
	Health   HealthConfig       `yaml:"health"`
	Gate     GateConfig         `yaml:"gate"`
	Degrade  DegradeConfig      `yaml:"degrade"`
	Logging  LoggingConfig      `yaml:"logging"`
	Redis    redisclient.Config `yaml:"redis"`
	Database postgres.Config    `yaml:"database"`
}

// ServerConfig holds ops HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// GatewayConfig holds connection settings for the exchange-facing gateway.
type GatewayConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	UseTLS         bool          `yaml:"use_tls"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// SessionConfig holds session lifecycle and reconnect settings.
type SessionConfig struct {
	ClientIDBase    int32         `yaml:"client_id_base"`
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialBackoff  time.Duration `yaml:"initial_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	AuthPendingWait time.Duration `yaml:"auth_pending_wait"`
	QualifyTimeout  time.Duration `yaml:"qualify_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// HealthConfig holds probe loop settings.
type HealthConfig struct {
	ProbeInterval      time.Duration `yaml:"probe_interval"`
	ProbeTimeout       time.Duration `yaml:"probe_timeout"`
	FailureThreshold   int           `yaml:"failure_threshold"`
	StalenessThreshold time.Duration `yaml:"staleness_threshold"`
	SampleWindow       int           `yaml:"sample_window"`
}

// GateConfig holds request-gate limits.
type GateConfig struct {
	MaxInFlight       int64         `yaml:"max_in_flight"`
	HistoricalMaxSpan time.Duration `yaml:"historical_max_span"`
	HistoricalMaxBars int           `yaml:"historical_max_bars"`
	DefaultTimeout    time.Duration `yaml:"default_timeout"`
}

// DegradeConfig holds capital-preservation policy settings.
type DegradeConfig struct {
	RecoveryHealthySamples int           `yaml:"recovery_healthy_samples"`
	EvalInterval           time.Duration `yaml:"eval_interval"`
	StaleGracePeriod       time.Duration `yaml:"stale_grace_period"`
}
