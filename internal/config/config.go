package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config carries every runtime knob of the service. All values come from the
// environment with the VAULTGATE_ prefix; defaults keep a dev instance
// runnable with nothing set except the assertion secret.
type Config struct {
	Addr string `env:"ADDR" envDefault:":8080"`

	// PGDSN selects the Postgres-backed entity store. Empty means the
	// in-memory store, which is only suitable for development.
	PGDSN string `env:"PG_DSN"`

	// AssertionSecret signs downstream context assertions. Empty is accepted
	// here so a core that never mints assertions can run without it; minting
	// one then fails with a configuration error.
	AssertionSecret string `env:"ASSERTION_SECRET"`

	SessionTTL   time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	StoreTimeout time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`

	LockoutThreshold int           `env:"LOCKOUT_THRESHOLD" envDefault:"5"`
	LockoutWindow    time.Duration `env:"LOCKOUT_WINDOW" envDefault:"15m"`
	LockoutDuration  time.Duration `env:"LOCKOUT_DURATION" envDefault:"15m"`

	// RateLimitRPS bounds login attempts per client IP; RateLimitBurst is the
	// short-term allowance on top.
	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"5"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"10"`

	MaxBodyBytes int64 `env:"MAX_BODY_BYTES" envDefault:"65536"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "VAULTGATE_"}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values that would silently weaken the security posture.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session ttl must be positive, got %s", c.SessionTTL)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("store timeout must be positive, got %s", c.StoreTimeout)
	}
	if c.LockoutThreshold < 1 {
		return fmt.Errorf("lockout threshold must be at least 1, got %d", c.LockoutThreshold)
	}
	if c.LockoutWindow <= 0 || c.LockoutDuration <= 0 {
		return fmt.Errorf("lockout window and duration must be positive")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		return fmt.Errorf("rate limit must allow at least one request")
	}
	if c.MaxBodyBytes < 1024 {
		return fmt.Errorf("max body bytes too small: %d", c.MaxBodyBytes)
	}
	return nil
}
