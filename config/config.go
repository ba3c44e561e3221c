/*
Package config loads process configuration for the server and the CLI.

PURPOSE:
  One Config struct filled from ALLOCSYNC_* environment variables, with an
  optional .env file loaded first in development. Also builds the shared
  logger, accounting client and driver from it.

ENVIRONMENT:
  ALLOCSYNC_API_URL            Accounting service base URL (required)
  ALLOCSYNC_API_USER           Basic auth user
  ALLOCSYNC_API_PASSWORD       Basic auth password
  ALLOCSYNC_RESOURCE           Resource name (default Jetstream)
  ALLOCSYNC_HTTP_TIMEOUT       Per-request timeout (default 30s)
  ALLOCSYNC_DB_PATH            SQLite path (default ./data/allocations.db)
  ALLOCSYNC_PORT               HTTP port (default 8080)
  ALLOCSYNC_SYNC_INTERVAL      Scheduler period (default 1h)
  ALLOCSYNC_SCHEDULER_ENABLED  Run the periodic sync (default true)
  ALLOCSYNC_LOG_LEVEL          debug, info, warn, error (default info)

SEE ALSO:
  - cmd/server/main.go
  - cmd/allocsync/main.go
*/
package config

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"

	"github.com/warp/allocation-engine/accounting"
)

// Prefix is the environment variable prefix.
const Prefix = "ALLOCSYNC"

// Config holds all settings.
type Config struct {
	APIURL      string `required:"true" envconfig:"API_URL"`
	APIUser     string `envconfig:"API_USER"`
	APIPassword string `envconfig:"API_PASSWORD"`
	Resource    string `envconfig:"RESOURCE" default:"Jetstream"`

	HTTPTimeout time.Duration `envconfig:"HTTP_TIMEOUT" default:"30s"`

	DBPath string `envconfig:"DB_PATH" default:"./data/allocations.db"`
	Port   string `envconfig:"PORT" default:"8080"`

	SyncInterval     time.Duration `envconfig:"SYNC_INTERVAL" default:"1h"`
	SchedulerEnabled bool          `envconfig:"SCHEDULER_ENABLED" default:"true"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadEnv loads a .env file from the working directory if one exists.
func LoadEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}

// FromEnv fills a Config from the process environment.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process(Prefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}
	if cfg.HTTPTimeout <= 0 {
		return nil, fmt.Errorf("http timeout must be positive, got %s", cfg.HTTPTimeout)
	}
	return cfg, nil
}

// Load runs LoadEnv then FromEnv.
func Load() (*Config, error) {
	if err := LoadEnv(); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return FromEnv()
}

// NewLogger builds a production zap logger at the given level.
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	return zc.Build()
}

// NewClient builds an accounting client with the configured credentials
// and timeout.
func (c *Config) NewClient(log *zap.Logger) *accounting.Client {
	client := accounting.NewClient(c.APIURL, c.APIUser, c.APIPassword)
	client.HTTP = &http.Client{Timeout: c.HTTPTimeout}
	if log != nil {
		client.Log = log.Named("accounting")
	}
	return client
}

// NewDriver builds a fresh driver with empty caches.
func (c *Config) NewDriver(log *zap.Logger) *accounting.Driver {
	return accounting.NewDriver(c.NewClient(log), c.Resource, log)
}
