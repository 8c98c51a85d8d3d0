// Package config loads process configuration from the environment. CLI
// flags override it; the environment supplies deployment defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the environment-driven configuration surface.
type Config struct {
	// Database is the SQLite path. Empty means the CLI requires --db.
	Database string `env:"STRATA_DB"`
	// Format is the default output format, text or json.
	Format string `env:"STRATA_FORMAT" envDefault:"text"`
	// Verbose enables debug logging.
	Verbose bool `env:"STRATA_VERBOSE"`
	// CooldownBase and CooldownMax clamp rate-limit cooldown waits.
	CooldownBase time.Duration `env:"STRATA_COOLDOWN_BASE" envDefault:"1s"`
	CooldownMax  time.Duration `env:"STRATA_COOLDOWN_MAX" envDefault:"30s"`
	// RepairWindow is the default duplicate-timestamp clustering gap.
	RepairWindow time.Duration `env:"STRATA_REPAIR_WINDOW" envDefault:"10m"`
}

// FromEnv parses the environment. An empty environment yields the defaults.
func FromEnv() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
