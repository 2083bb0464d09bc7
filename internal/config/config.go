// Package config provides application configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration.
type Config struct {
	Port        string `env:"PORT"         envDefault:"8080"`
	FrontendURL string `env:"FRONTEND_URL"`
	DBPath      string `env:"DB_PATH"      envDefault:"./data/study.db"`

	// LockWindow is how long an unfinished session keeps its condition
	// occupied for assignment.
	LockWindow time.Duration `env:"LOCK_WINDOW" envDefault:"30m"`
	// AbandonAfter is the age at which an unfinished session is flagged as
	// abandoned.
	AbandonAfter  time.Duration `env:"ABANDON_AFTER"  envDefault:"168h"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	CatalogAutoseed bool   `env:"CATALOG_AUTOSEED" envDefault:"false"`
	CatalogSeed     uint64 `env:"CATALOG_SEED"     envDefault:"0"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	for i, origin := range cfg.AllowedOrigins {
		cfg.AllowedOrigins[i] = strings.TrimSpace(origin)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.LockWindow <= 0 {
		return fmt.Errorf("LOCK_WINDOW must be > 0")
	}
	if c.AbandonAfter < c.LockWindow {
		return fmt.Errorf("ABANDON_AFTER must not be shorter than LOCK_WINDOW")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be > 0")
	}
	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("ALLOWED_ORIGINS cannot be empty")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}
