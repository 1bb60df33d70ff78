// Package config loads client configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds everything the client needs to reach the platform.
// Environment variables override file values.
type Config struct {
	APIBaseURL     string `yaml:"api_base_url" env:"GOTRADE_API_URL"`
	RealtimeURL    string `yaml:"realtime_url" env:"GOTRADE_REALTIME_URL"`
	CredentialPath string `yaml:"credential_path" env:"GOTRADE_CREDENTIAL_PATH"`
	LogLevel       string `yaml:"log_level" env:"GOTRADE_LOG_LEVEL"`
	LogFormat      string `yaml:"log_format" env:"GOTRADE_LOG_FORMAT"`
}

// Default returns the development defaults.
func Default() Config {
	return Config{
		APIBaseURL:     "http://localhost:5000/api",
		RealtimeURL:    "ws://localhost:5000/socket",
		CredentialPath: "gotrade.db",
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// Load reads path (missing file is fine) and applies environment
// overrides on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}
	return cfg, nil
}
