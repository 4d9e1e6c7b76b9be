package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the QuillForge server.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Quota      QuotaConfig
	Pipeline   PipelineConfig
	Sweeper    SweeperConfig
	Capability CapabilityConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// QuotaConfig controls the ledger. ReserveAmount is the per-article hold in
// credits; ReservationTTL is the hard expiry after which the sweeper may
// resolve an abandoned hold.
type QuotaConfig struct {
	ReserveAmount  int64
	ReservationTTL time.Duration
}

type PipelineConfig struct {
	SpecPath          string // optional YAML pipeline definition; built-in default when empty
	StageMaxRetries   int
	StageRetryBackoff time.Duration
	StageTimeout      time.Duration
}

type SweeperConfig struct {
	Interval  time.Duration
	OlderThan time.Duration
}

type CapabilityConfig struct {
	Provider string
}

var validProviders = map[string]bool{
	"stub": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("QUILLFORGE_PORT", 8080),
			Env:  envString("QUILLFORGE_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Quota: QuotaConfig{
			ReserveAmount:  int64(envInt("QUOTA_RESERVE_AMOUNT", 1)),
			ReservationTTL: envDuration("QUOTA_RESERVATION_TTL", time.Hour),
		},
		Pipeline: PipelineConfig{
			SpecPath:          os.Getenv("PIPELINE_SPEC_PATH"),
			StageMaxRetries:   envInt("PIPELINE_STAGE_MAX_RETRIES", 3),
			StageRetryBackoff: envDuration("PIPELINE_STAGE_RETRY_BACKOFF", 2*time.Second),
			StageTimeout:      envDuration("PIPELINE_STAGE_TIMEOUT", 2*time.Minute),
		},
		Sweeper: SweeperConfig{
			Interval:  envDuration("SWEEPER_INTERVAL", 5*time.Minute),
			OlderThan: envDuration("SWEEPER_OLDER_THAN", 30*time.Minute),
		},
		Capability: CapabilityConfig{
			Provider: envString("CAPABILITY_PROVIDER", "stub"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Quota.ReserveAmount < 1 {
		return fmt.Errorf("QUOTA_RESERVE_AMOUNT must be at least 1, got %d", c.Quota.ReserveAmount)
	}
	if c.Quota.ReservationTTL <= 0 {
		return fmt.Errorf("QUOTA_RESERVATION_TTL must be positive, got %s", c.Quota.ReservationTTL)
	}

	if c.Pipeline.StageMaxRetries < 0 {
		return fmt.Errorf("PIPELINE_STAGE_MAX_RETRIES must be non-negative, got %d", c.Pipeline.StageMaxRetries)
	}

	if c.Sweeper.Interval <= 0 {
		return fmt.Errorf("SWEEPER_INTERVAL must be positive, got %s", c.Sweeper.Interval)
	}
	if c.Sweeper.OlderThan <= 0 {
		return fmt.Errorf("SWEEPER_OLDER_THAN must be positive, got %s", c.Sweeper.OlderThan)
	}

	if !validProviders[c.Capability.Provider] {
		return fmt.Errorf("CAPABILITY_PROVIDER must be one of stub; got %q", c.Capability.Provider)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
