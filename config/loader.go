package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ESCROWFLOW_* environment variable overrides, and
// returns the final Config. A missing file is not an error; the defaults plus
// environment are enough for local runs. The returned Config has NOT been
// validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ESCROWFLOW_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This lets
// operators inject secrets at deploy time without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Database.DSN, "ESCROWFLOW_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "DATABASE_URL") // compatibility alias
	setInt32(&cfg.Database.MaxConns, "ESCROWFLOW_DATABASE_MAX_CONNS")

	setStr(&cfg.Redis.Addr, "ESCROWFLOW_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ESCROWFLOW_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ESCROWFLOW_REDIS_DB")
	setStr(&cfg.Redis.ChannelPrefix, "ESCROWFLOW_REDIS_CHANNEL_PREFIX")

	setStr(&cfg.Auth.JWTSecret, "ESCROWFLOW_JWT_SECRET")
	setDuration(&cfg.Auth.TokenTTL, "ESCROWFLOW_TOKEN_TTL")

	setDuration(&cfg.Outbox.PollInterval, "ESCROWFLOW_OUTBOX_POLL_INTERVAL")
	setInt(&cfg.Outbox.BatchSize, "ESCROWFLOW_OUTBOX_BATCH_SIZE")
	setInt(&cfg.Outbox.MaxAttempts, "ESCROWFLOW_OUTBOX_MAX_ATTEMPTS")

	setStr(&cfg.Sweep.Schedule, "ESCROWFLOW_SWEEP_SCHEDULE")

	setStr(&cfg.Log.Level, "ESCROWFLOW_LOG_LEVEL")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
