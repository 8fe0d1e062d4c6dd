package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime settings for the server.
type Config struct {
	// Web server
	Bind string

	// Database
	DatabaseURL string

	// Presence
	PresenceGrace time.Duration

	// Room lifecycle
	AbandonAfter   time.Duration
	SweepEvery     time.Duration
	RetainFinished time.Duration

	// Matchmaking
	RatingWindow int

	// Ratings
	EloK int

	// Chat
	ChatCooldown time.Duration
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	// Load environment variables from .env if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Bind:           getEnvDefault("BIND", ":8080"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		PresenceGrace:  getEnvDuration("PRESENCE_GRACE", 30*time.Second),
		AbandonAfter:   getEnvDuration("ABANDON_AFTER", 30*time.Minute),
		SweepEvery:     getEnvDuration("SWEEP_EVERY", 5*time.Minute),
		RetainFinished: getEnvDuration("RETAIN_FINISHED", time.Hour),
		RatingWindow:   getEnvInt("RATING_WINDOW", 400),
		EloK:           getEnvInt("ELO_K", 32),
		ChatCooldown:   getEnvDuration("CHAT_COOLDOWN", 5*time.Second),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
