// Package config loads orchestrator configuration from environment variables
// and optional .env files. Load should be called once at startup.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Load loads configuration from environment variables and .env files.
func Load() (*Config, error) {
	loadEnvFiles()

	cfg, err := parse()
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadEnvFiles loads .env files in order of precedence. Files are optional;
// real environment variables always win.
func loadEnvFiles() {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "local"
	}

	candidates := []string{
		fmt.Sprintf(".env.%s", env),
		".env",
	}

	for _, f := range candidates {
		if _, err := os.Stat(f); err == nil {
			_ = godotenv.Load(f)
		}
	}
}
