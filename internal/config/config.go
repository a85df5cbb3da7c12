// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment
// variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"25"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"30000"`

	// ── Worker ───────────────────────────────────────────────────────────────────
	// Comma-separated queue names this worker polls.
	Queues        []string      `env:"QUEUES"         envDefault:"default"`
	MaxConcurrent int           `env:"MAX_CONCURRENT" envDefault:"10"`
	PollInterval  time.Duration `env:"POLL_INTERVAL"  envDefault:"500ms"`
	StatsInterval time.Duration `env:"STATS_INTERVAL" envDefault:"30s"`

	// ── Maintenance ──────────────────────────────────────────────────────────────
	MaintenanceInterval time.Duration `env:"MAINTENANCE_INTERVAL" envDefault:"60s"`
	RescueAfter         time.Duration `env:"RESCUE_AFTER"         envDefault:"24h"`
	RescueRetry         bool          `env:"RESCUE_RETRY"         envDefault:"true"`
	// RejectCooldown pushes a concurrency-rejected row's start_at forward;
	// 0 leaves rejected rows untouched.
	RejectCooldown time.Duration `env:"REJECT_COOLDOWN" envDefault:"5s"`

	// ── Ops listener ─────────────────────────────────────────────────────────────
	// Serves /healthz and /metrics. Empty disables the listener.
	OpsListenAddr          string `env:"OPS_LISTEN_ADDR"          envDefault:":9090"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	AppEnv    string `env:"APP_ENV"    envDefault:"development"`
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether the application is running in development
// mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
