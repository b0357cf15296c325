// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fusheng-game/fusheng/internal/ai"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	// Providers lists the configured generation backends, in preference
	// order. Empty when no API key is set; the server still starts.
	Providers []ai.ProviderConfig
	// DefaultProvider pins generation to a named provider, or "auto".
	DefaultProvider string
	// CheatCheckModel addresses the compliance classifier.
	CheatCheckModel string

	// AdminToken gates the admin API. Empty disables it entirely.
	AdminToken string
	// IssueCodes switches settlement from narration to redemption codes.
	IssueCodes bool

	FlushInterval   time.Duration
	MonitorInterval time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		FrontendURL:     getEnv("FRONTEND_URL", ""),
		DBPath:          getEnv("DB_PATH", "./data/fusheng.db"),
		DefaultProvider: getEnv("AI_PROVIDER", "auto"),
		CheatCheckModel: getEnv("AI_MODEL_CHEAT_CHECK", ""),
		AdminToken:      getEnv("ADMIN_TOKEN", ""),
		IssueCodes:      getEnvBool("ISSUE_REDEMPTION_CODES", false),
		FlushInterval:   time.Duration(getEnvInt("FLUSH_INTERVAL_SECONDS", 30)) * time.Second,
		MonitorInterval: time.Duration(getEnvInt("MONITOR_INTERVAL_SECONDS", 60)) * time.Second,
	}

	if key := getEnv("OPENAI_API_KEY", ""); key != "" {
		cfg.Providers = append(cfg.Providers, ai.ProviderConfig{
			Name:    "openai",
			BaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			APIKey:  key,
			Model:   getEnv("OPENAI_MODEL", "gpt-4o"),
		})
	}
	if key := getEnv("ANTHROPIC_API_KEY", ""); key != "" {
		cfg.Providers = append(cfg.Providers, ai.ProviderConfig{
			Name:    "anthropic",
			BaseURL: getEnv("ANTHROPIC_BASE_URL", "https://api.anthropic.com/v1"),
			APIKey:  key,
			Model:   getEnv("ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),
		})
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.DefaultProvider != "auto" {
		found := false
		for _, p := range c.Providers {
			if p.Name == c.DefaultProvider {
				found = true
			}
		}
		if !found {
			return fmt.Errorf("AI_PROVIDER %q has no configured API key", c.DefaultProvider)
		}
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("FLUSH_INTERVAL_SECONDS must be > 0")
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("MONITOR_INTERVAL_SECONDS must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}
