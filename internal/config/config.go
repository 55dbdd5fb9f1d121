// Package config loads server settings from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port              string
	DatabaseURL       string
	UploadDir         string
	TokenTTL          time.Duration
	SweepInterval     time.Duration
	TimerPollInterval time.Duration
	AssetGracePeriod  time.Duration
}

func Load() (Config, error) {
	// A missing .env is fine; real deployments set the environment.
	_ = godotenv.Load()

	cfg := Config{
		Port:      getenv("PORT", "8080"),
		UploadDir: getenv("UPLOAD_DIR", "./uploads"),
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}

	var err error
	if cfg.TokenTTL, err = duration("TOKEN_TTL", 24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = duration("SWEEP_INTERVAL", time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.TimerPollInterval, err = duration("TIMER_POLL_INTERVAL", time.Second); err != nil {
		return Config{}, err
	}
	if cfg.AssetGracePeriod, err = duration("ASSET_GRACE_PERIOD", 24*time.Hour); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func duration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
