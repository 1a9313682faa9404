package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 5000
	}
	if cfg.Gateway.StartupTimeout == 0 {
		cfg.Gateway.StartupTimeout = 30 * time.Second
	}
	if cfg.Gateway.RequestTimeout == 0 {
		cfg.Gateway.RequestTimeout = 10 * time.Second
	}

	if cfg.Session.ClientIDBase == 0 {
		cfg.Session.ClientIDBase = 100
	}
	if cfg.Session.MaxAttempts == 0 {
		cfg.Session.MaxAttempts = 5
	}
	if cfg.Session.InitialBackoff == 0 {
		cfg.Session.InitialBackoff = 2 * time.Second
	}
	if cfg.Session.MaxBackoff == 0 {
		cfg.Session.MaxBackoff = 60 * time.Second
	}
	if cfg.Session.AuthPendingWait == 0 {
		cfg.Session.AuthPendingWait = 2 * time.Minute
	}
	if cfg.Session.QualifyTimeout == 0 {
		cfg.Session.QualifyTimeout = 5 * time.Second
	}
	if cfg.Session.ShutdownTimeout == 0 {
		cfg.Session.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Health.ProbeInterval == 0 {
		cfg.Health.ProbeInterval = 5 * time.Second
	}
	if cfg.Health.ProbeTimeout == 0 {
		cfg.Health.ProbeTimeout = 3 * time.Second
	}
	if cfg.Health.FailureThreshold == 0 {
		cfg.Health.FailureThreshold = 3
	}
	if cfg.Health.StalenessThreshold == 0 {
		cfg.Health.StalenessThreshold = 5 * time.Minute
	}
	if cfg.Health.SampleWindow == 0 {
		cfg.Health.SampleWindow = 60
	}

	if cfg.Gate.MaxInFlight == 0 {
		cfg.Gate.MaxInFlight = 8
	}
	if cfg.Gate.HistoricalMaxSpan == 0 {
		cfg.Gate.HistoricalMaxSpan = time.Hour
	}
	if cfg.Gate.HistoricalMaxBars == 0 {
		cfg.Gate.HistoricalMaxBars = 1000
	}
	if cfg.Gate.DefaultTimeout == 0 {
		cfg.Gate.DefaultTimeout = 10 * time.Second
	}

	if cfg.Degrade.RecoveryHealthySamples == 0 {
		cfg.Degrade.RecoveryHealthySamples = 3
	}
	if cfg.Degrade.EvalInterval == 0 {
		cfg.Degrade.EvalInterval = 2 * time.Second
	}
	if cfg.Degrade.StaleGracePeriod == 0 {
		cfg.Degrade.StaleGracePeriod = 30 * time.Second
	}
}
