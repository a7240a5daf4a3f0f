package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultConfigFile = "config.yaml"

// ApplyEnvironment overrides configuration values from PR_* environment variables.
// Malformed values are ignored and the existing value is kept.
func (c *Config) ApplyEnvironment() {
	// Logging
	c.Logging.Level = getEnv("PR_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("PR_LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnv("PR_LOG_OUTPUT", c.Logging.Output)
	c.Logging.File = getEnv("PR_LOG_FILE", c.Logging.File)

	// Store
	c.Store.Driver = getEnv("PR_STORE_DRIVER", c.Store.Driver)
	c.Store.DSN = getEnv("PR_STORE_DSN", c.Store.DSN)

	// Gate
	c.Gate.MaxAttempts = getEnvInt("PR_GATE_MAX_ATTEMPTS", c.Gate.MaxAttempts)
	c.Gate.BaseDelay = getEnvDuration("PR_GATE_BASE_DELAY", c.Gate.BaseDelay)
	c.Gate.AttemptTimeout = getEnvDuration("PR_GATE_ATTEMPT_TIMEOUT", c.Gate.AttemptTimeout)
	c.Gate.FailureThreshold = int64(getEnvInt("PR_BREAKER_FAILURE_THRESHOLD", int(c.Gate.FailureThreshold)))
	c.Gate.Cooldown = getEnvDuration("PR_BREAKER_COOLDOWN", c.Gate.Cooldown)

	// Health
	c.Registry.CheckInterval = getEnvDuration("PR_HEALTH_CHECK_INTERVAL", c.Registry.CheckInterval)
	c.Registry.ProbePath = getEnv("PR_HEALTH_PROBE_PATH", c.Registry.ProbePath)

	// Routing
	c.Routing.DefaultStrategy = getEnv("PR_ROUTING_STRATEGY", c.Routing.DefaultStrategy)

	// Events
	c.Events.BufferSize = getEnvInt("PR_EVENTS_BUFFER_SIZE", c.Events.BufferSize)

	// Admin
	if enabled := getEnv("PR_ADMIN_ENABLED", ""); enabled != "" {
		c.Admin.Enabled = strings.ToLower(enabled) == "true"
	}
	if port := getEnvInt("PR_ADMIN_PORT", 0); port > 0 && port <= 65535 {
		c.Admin.Port = port
	}
	c.Admin.JWTSecret = getEnv("PR_ADMIN_JWT_SECRET", c.Admin.JWTSecret)
}

// LoadFromEnvironment returns the defaults with environment overrides applied
func LoadFromEnvironment() *Config {
	config := DefaultConfig()
	config.ApplyEnvironment()
	return config
}

// ConfigFilePath returns the file LoadConfig reads
func ConfigFilePath() string {
	return getEnv("CONFIG_FILE", defaultConfigFile)
}

// LoadConfig loads configuration from CONFIG_FILE (default config.yaml), then
// applies environment overrides. A missing default file is not an error.
func LoadConfig() (*Config, error) {
	path := getEnv("CONFIG_FILE", "")
	explicit := path != ""
	if !explicit {
		path = defaultConfigFile
	}

	config := DefaultConfig()
	if _, err := os.Stat(path); err == nil {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		config = loaded
	} else if explicit {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	config.ApplyEnvironment()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration after environment overrides: %w", err)
	}
	return config, nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration gets a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
