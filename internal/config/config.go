// Package config loads and validates all environment variables at startup.
// Every other package receives typed values — nothing reads os.Getenv
// directly.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the fully-parsed application configuration.
type Config struct {
	// ── Server ────────────────────────────────────────────────────────────────
	Port    string `env:"PORT" envDefault:"8080"`
	Env     string `env:"ENV" envDefault:"development"` // "development" | "staging" | "production"
	BaseURL string `env:"BASE_URL" envDefault:"http://localhost:8080"`

	// CORSAllowedOrigins is the comma-separated origin allow-list enforced in
	// production. Ignored outside production.
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`

	// ── Database ──────────────────────────────────────────────────────────────
	DatabaseURL    string `env:"DATABASE_URL"`
	MigrateOnStart bool   `env:"MIGRATE_ON_START" envDefault:"true"`

	// ── Mail dispatch ─────────────────────────────────────────────────────────
	// MailEndpointURL is where the dispatch coordinator posts send requests.
	// Empty means "this process", i.e. <BaseURL>/api/mail/send.
	MailEndpointURL string `env:"MAIL_ENDPOINT_URL"`

	// ── Resend ────────────────────────────────────────────────────────────────
	ResendAPIKey  string `env:"RESEND_API_KEY"`
	EmailFromAddr string `env:"EMAIL_FROM_ADDR" envDefault:"surveys@orbitview.io"`
	EmailFromName string `env:"EMAIL_FROM_NAME" envDefault:"OrbitView 360"`

	// ── Worker ────────────────────────────────────────────────────────────────
	WorkerCount  int           `env:"WORKER_COUNT" envDefault:"2"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"30s"`
	JobTimeout   time.Duration `env:"JOB_TIMEOUT" envDefault:"15m"`
	MaxRetries   int           `env:"MAX_RETRIES" envDefault:"3"`
}

// Load reads all environment variables and returns a validated Config.
// It first loads a .env file from the working directory when present, so
// plain `go run ./cmd/api` works in development without any wrapper. Real
// environment variables always take precedence over .env values.
func Load() (*Config, error) {
	loadDotEnv(".env")

	c := &Config{}
	if err := env.Parse(c); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if c.MailEndpointURL == "" {
		c.MailEndpointURL = c.BaseURL + "/api/mail/send"
	}

	return c, c.validate()
}

func (c *Config) validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("missing required env var: DATABASE_URL"))
	}
	if c.ResendAPIKey == "" {
		errs = append(errs, fmt.Errorf("missing required env var: RESEND_API_KEY"))
	}

	return errors.Join(errs...)
}

// ─── DOT-ENV LOADER ──────────────────────────────────────────────────────────

// loadDotEnv reads key=value pairs from path and sets them in the environment,
// but only for keys that are not already set. This means real env vars (e.g.
// from Docker / Railway / your shell) always win over the file.
// Missing file, blank lines, and #-comments are all silently ignored.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return // file absent — that's fine
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		// Strip optional surrounding quotes: KEY="value" or KEY='value'
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		// Only set if the key isn't already present in the environment.
		if os.Getenv(key) == "" {
			_ = os.Setenv(key, value)
		}
	}
}
