// Package config loads relay configuration from environment variables.
package config

import (
	"os"
	"strconv"
)

// Config holds relay configuration.
type Config struct {
	// Server
	Host        string
	Port        int
	Environment string

	// Authentication
	JWTSecret string

	// Database (optional; in-memory store when empty)
	DatabaseURL string

	// Redis (optional; single-instance relay when empty)
	RedisURL           string
	RedisChannelPrefix string
}

// Load reads configuration from environment variables, falling back to
// development defaults.
func Load() *Config {
	return &Config{
		Host:               getEnv("HOST", "0.0.0.0"),
		Port:               getEnvInt("PORT", 8080),
		Environment:        getEnv("ENVIRONMENT", "development"),
		JWTSecret:          getEnv("JWT_SECRET", "development-secret-change-me-32-chars!"),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", ""),
		RedisChannelPrefix: getEnv("REDIS_CHANNEL_PREFIX", "pagesync:"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
