/*
Package config loads server settings.

SOURCES (later wins):
  1. Defaults
  2. .env file in the working directory (optional)
  3. Environment variables
  4. Command-line flags

KEYS:
  COUNT_PORT               -port       HTTP port (default 8080)
  COUNT_DB_PATH            -db         SQLite path, ":memory:" allowed (default count.db)
  COUNT_LOG_LEVEL          -log-level  logrus level (default info)
  COUNT_REDIS_ADDR         -redis      Redis address; empty keeps the in-process locker
  COUNT_LOCK_TTL                       Redis lock TTL (default 30s)
  COUNT_SNAPSHOT_INTERVAL              Snapshot refresh period, 0 disables (default 1m)
  COUNT_UNCOUNTED_SAMPLE               Uncounted lines listed in warnings (default 10)
  COUNT_ALLOWED_ORIGINS                Comma separated CORS origins

SEE ALSO:
  - logger.go: logrus setup
  - cmd/server/main.go: consumer
*/
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port             int
	DBPath           string
	LogLevel         string
	RedisAddr        string
	LockTTL          time.Duration
	SnapshotInterval time.Duration
	UncountedSample  int
	AllowedOrigins   []string
}

func Default() Config {
	return Config{
		Port:             8080,
		DBPath:           "count.db",
		LogLevel:         "info",
		LockTTL:          30 * time.Second,
		SnapshotInterval: time.Minute,
		UncountedSample:  10,
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
	}
}

// Load reads .env, the environment and then args. Pass os.Args[1:] from main.
func Load(args []string) (Config, error) {
	// A missing .env is fine.
	_ = godotenv.Load()

	cfg, err := FromEnv(Default())
	if err != nil {
		return cfg, err
	}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address for cross-process batch locks")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// FromEnv overlays COUNT_* variables on base.
func FromEnv(base Config) (Config, error) {
	cfg := base
	var err error

	if v := env("COUNT_PORT"); v != "" {
		if cfg.Port, err = strconv.Atoi(v); err != nil {
			return cfg, fmt.Errorf("COUNT_PORT: %w", err)
		}
	}
	if v := env("COUNT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := env("COUNT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := env("COUNT_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := env("COUNT_LOCK_TTL"); v != "" {
		if cfg.LockTTL, err = time.ParseDuration(v); err != nil {
			return cfg, fmt.Errorf("COUNT_LOCK_TTL: %w", err)
		}
	}
	if v := env("COUNT_SNAPSHOT_INTERVAL"); v != "" {
		if cfg.SnapshotInterval, err = time.ParseDuration(v); err != nil {
			return cfg, fmt.Errorf("COUNT_SNAPSHOT_INTERVAL: %w", err)
		}
	}
	if v := env("COUNT_UNCOUNTED_SAMPLE"); v != "" {
		if cfg.UncountedSample, err = strconv.Atoi(v); err != nil {
			return cfg, fmt.Errorf("COUNT_UNCOUNTED_SAMPLE: %w", err)
		}
	}
	if v := env("COUNT_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("database path is required")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("lock TTL must be positive")
	}
	if c.SnapshotInterval < 0 {
		return fmt.Errorf("snapshot interval must not be negative")
	}
	if c.UncountedSample <= 0 {
		return fmt.Errorf("uncounted sample must be positive")
	}
	return nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
