package config

import (
	"os"
	"strconv"
)

// Config holds cache service configuration
type Config struct {
	// Server
	Port int
	Env  string

	// Database. Optional: without it the service stores artifacts but
	// serves no metadata.
	DatabaseURL string

	// Artifact storage
	DataDir string

	// Auth token required on artifact uploads. Empty disables auth.
	AuthToken string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnvInt("PORT", 8080),
		Env:         getEnv("ENV", "development"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		DataDir:     getEnv("KILN_DATA_DIR", "data"),
		AuthToken:   getEnv("KILN_AUTH_TOKEN", ""),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
