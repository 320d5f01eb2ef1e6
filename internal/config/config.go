// Package config loads layoutd settings from LAYOUTD_* environment
// variables. Command-line flags override what is loaded here.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the process configuration shared by every mode.
type Config struct {
	// Addr is the TCP session listener address in serve mode and the
	// server address in client mode.
	Addr string `env:"LAYOUTD_ADDR" envDefault:"127.0.0.1:7171"`
	// AdminAddr is the admin HTTP listener. Empty disables it.
	AdminAddr string `env:"LAYOUTD_ADMIN_ADDR" envDefault:"127.0.0.1:7172"`

	// Storage is a SQLite path, or "memory" for a store that does not
	// survive a restart.
	Storage string `env:"LAYOUTD_STORAGE" envDefault:"memory"`
	// Design names the document loaded at startup and checkpointed.
	Design string `env:"LAYOUTD_DESIGN" envDefault:"default"`

	LogLevel  string `env:"LAYOUTD_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LAYOUTD_LOG_FORMAT" envDefault:"text"`

	// MonitorInterval and LongTaskThreshold drive the long-running task
	// report.
	MonitorInterval   time.Duration `env:"LAYOUTD_MONITOR_INTERVAL" envDefault:"1s"`
	LongTaskThreshold time.Duration `env:"LAYOUTD_LONG_TASK_THRESHOLD" envDefault:"10s"`

	// DialTimeout bounds each connection attempt; DialRetry bounds the
	// total time spent retrying.
	DialTimeout time.Duration `env:"LAYOUTD_DIAL_TIMEOUT" envDefault:"3s"`
	DialRetry   time.Duration `env:"LAYOUTD_DIAL_RETRY" envDefault:"15s"`

	// OTelEndpoint is the OTLP HTTP endpoint for task spans. Empty disables
	// tracing.
	OTelEndpoint string `env:"LAYOUTD_OTEL_ENDPOINT"`
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings no mode can run with.
func (c Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("LAYOUTD_ADDR must not be empty")
	case c.Design == "":
		return fmt.Errorf("LAYOUTD_DESIGN must not be empty")
	case c.MonitorInterval <= 0:
		return fmt.Errorf("LAYOUTD_MONITOR_INTERVAL must be positive, got %s", c.MonitorInterval)
	case c.LongTaskThreshold <= 0:
		return fmt.Errorf("LAYOUTD_LONG_TASK_THRESHOLD must be positive, got %s", c.LongTaskThreshold)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LAYOUTD_LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	return nil
}
