package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries everything the process needs; it is built once in
// main and passed down explicitly. No package reads the environment
// after startup.
type Config struct {
	ListenAddr string
	PGDSN      string

	AuthSecret string
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	SweepInterval time.Duration
	BcryptCost    int

	RateBurst  int
	RatePerSec int

	MigrationsDir string
	SeedsDir      string
}

const (
	defaultListenAddr    = ":8080"
	defaultAccessTTL     = 24 * time.Hour
	defaultRefreshTTL    = 7 * 24 * time.Hour
	defaultSweepInterval = 15 * time.Minute
	defaultRateBurst     = 50
	defaultRatePerSec    = 25
	defaultMigrationsDir = "ops/migrations/sql"
	defaultSeedsDir      = "ops/migrations/seeds"
)

// Load reads configuration from the environment, after merging an
// optional .env file. The signing secret is mandatory: issuing
// unverifiable tokens is worse than refusing to start.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		ListenAddr:    envOr("CLINICORE_LISTEN_ADDR", defaultListenAddr),
		PGDSN:         os.Getenv("CLINICORE_PG_DSN"),
		AuthSecret:    strings.TrimSpace(os.Getenv("CLINICORE_AUTH_SECRET")),
		MigrationsDir: envOr("CLINICORE_MIGRATIONS_DIR", defaultMigrationsDir),
		SeedsDir:      envOr("CLINICORE_SEEDS_DIR", defaultSeedsDir),
	}
	if cfg.AuthSecret == "" {
		return Config{}, errors.New("config: CLINICORE_AUTH_SECRET is required")
	}

	var err error
	if cfg.AccessTTL, err = envDuration("CLINICORE_ACCESS_TTL", defaultAccessTTL); err != nil {
		return Config{}, err
	}
	if cfg.RefreshTTL, err = envDuration("CLINICORE_REFRESH_TTL", defaultRefreshTTL); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = envDuration("CLINICORE_SWEEP_INTERVAL", defaultSweepInterval); err != nil {
		return Config{}, err
	}
	if cfg.BcryptCost, err = envInt("CLINICORE_BCRYPT_COST", 0); err != nil {
		return Config{}, err
	}
	if cfg.RateBurst, err = envInt("CLINICORE_RATE_BURST", defaultRateBurst); err != nil {
		return Config{}, err
	}
	if cfg.RatePerSec, err = envInt("CLINICORE_RATE_PER_SEC", defaultRatePerSec); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: %s must be positive", key)
	}
	return d, nil
}

func envInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("config: %s must not be negative", key)
	}
	return n, nil
}
