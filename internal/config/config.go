// Package config provides configuration management for the workflow engine.
// It handles loading configuration from environment variables with sensible
// defaults and validates the configuration so the service starts safely.
//
// Environment Variables:
//
// Application Settings:
//   - PORT: Server port (default: 8080)
//   - LOG_LEVEL: Logging level (default: info)
//   - TLS_CERT_FILE / TLS_KEY_FILE: Serve HTTPS when both are set
//
// Run Store Configuration:
//   - STORAGE_TYPE: Run store backend - "memory", "sqlite", "postgres" or "redis" (default: memory)
//   - DATABASE_PATH: SQLite database file path (default: ./stepflow.db)
//   - POSTGRES_HOST: PostgreSQL host (required if using PostgreSQL)
//   - POSTGRES_PORT: PostgreSQL port (default: 5432)
//   - POSTGRES_DB: PostgreSQL database name (required if using PostgreSQL)
//   - POSTGRES_USER: PostgreSQL username (required if using PostgreSQL)
//   - POSTGRES_PASSWORD: PostgreSQL password
//   - POSTGRES_SSL_MODE: PostgreSQL SSL mode (default: disable)
//
// Redis Configuration:
//   - REDIS_ADDRESS: Redis server address (default: localhost:6379)
//   - REDIS_PASSWORD: Redis password
//   - REDIS_DB: Redis database number 0-15 (default: 0)
//   - REDIS_POOL_SIZE: Redis connection pool size (default: 10)
//
// Execution Defaults:
//   - TRANSPORT_MAX_RETRIES: Transient-failure retry cap per call (default: 3)
//   - TRANSPORT_TIMEOUT: Per-request HTTP timeout (default: 60s)
//   - TRANSPORT_QUICK_FAILURE_WINDOW: Failures slower than this are not retried (default: 2s)
//   - RATE_LIMIT_WAIT_BUDGET: Cumulative 429 wait budget per call (default: 1h)
//   - SELF_HEALING_MAX_RETRIES: Self-healing attempt cap per step (default: 10)
//   - LOOP_MAX_ITERS: Default loop iteration cap (default: 100)
//   - JS_TIMEOUT: Expression evaluation timeout (default: 10s)
//   - SQL_POOL_IDLE_TIMEOUT: Idle SQL pool eviction threshold (default: 10m)
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values for the workflow engine. All fields
// correspond to environment variables that can be set to override defaults.
//
// The configuration is loaded using the Load() function and should be
// validated using the Validate() method before use.
type Config struct {
	// Application settings
	Port        string // Server port number
	LogLevel    string // Logging level (debug, info, warn, error)
	TLSCertFile string // Path to TLS certificate (empty = plain HTTP)
	TLSKeyFile  string // Path to TLS private key

	// Run store configuration
	StorageType  string // Run store backend: memory, sqlite, postgres, redis
	DatabasePath string // Path to SQLite database file

	// PostgreSQL run store settings
	PostgresHost     string
	PostgresPort     string
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string
	PostgresSSLMode  string

	// Redis configuration
	RedisAddress  string // Redis server address (host:port)
	RedisPassword string // Redis authentication password
	RedisDB       string // Redis database number (0-15)
	RedisPoolSize string // Redis connection pool size

	// Execution defaults
	TransportMaxRetries   string // Retries for transient call failures
	TransportTimeout      string // Per-request HTTP timeout
	QuickFailureWindow    string // Failures slower than this are not retried
	RateLimitWaitBudget   string // Cumulative 429 wait budget per call
	SelfHealingMaxRetries string // Attempt cap for the self-healing loop
	LoopMaxIters          string // Default loop iteration cap
	JSTimeout             string // Expression evaluation timeout
	SQLPoolIdleTimeout    string // Idle SQL pool eviction threshold
	SQLPoolSweepInterval  string // How often idle pools are swept
}

// Load creates a new Config instance with values loaded from environment
// variables. Unset variables fall back to defaults.
//
// This function does not validate the configuration - call Validate() on the
// returned Config before use.
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		TLSCertFile: getEnv("TLS_CERT_FILE", ""),
		TLSKeyFile:  getEnv("TLS_KEY_FILE", ""),

		StorageType:  getEnv("STORAGE_TYPE", "memory"),
		DatabasePath: getEnv("DATABASE_PATH", "./stepflow.db"),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDB:       getEnv("POSTGRES_DB", "stepflow"),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresSSLMode:  getEnv("POSTGRES_SSL_MODE", "disable"),

		RedisAddress:  getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnv("REDIS_DB", "0"),
		RedisPoolSize: getEnv("REDIS_POOL_SIZE", "10"),

		TransportMaxRetries:   getEnv("TRANSPORT_MAX_RETRIES", "3"),
		TransportTimeout:      getEnv("TRANSPORT_TIMEOUT", "60s"),
		QuickFailureWindow:    getEnv("TRANSPORT_QUICK_FAILURE_WINDOW", "2s"),
		RateLimitWaitBudget:   getEnv("RATE_LIMIT_WAIT_BUDGET", "1h"),
		SelfHealingMaxRetries: getEnv("SELF_HEALING_MAX_RETRIES", "10"),
		LoopMaxIters:          getEnv("LOOP_MAX_ITERS", "100"),
		JSTimeout:             getEnv("JS_TIMEOUT", "10s"),
		SQLPoolIdleTimeout:    getEnv("SQL_POOL_IDLE_TIMEOUT", "10m"),
		SQLPoolSweepInterval:  getEnv("SQL_POOL_SWEEP_INTERVAL", "1m"),
	}
}

// getEnv retrieves an environment variable value or returns a default value if not set.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Validate performs comprehensive validation on the configuration to ensure
// all required fields are present and all values are valid.
//
// The application should call this method after loading configuration and
// before starting to ensure safe operation.
func (c *Config) Validate() error {
	// Validate port
	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a valid port number between 1 and 65535")
	}

	// Validate storage type
	switch c.StorageType {
	case "memory", "sqlite", "postgres", "postgresql", "redis":
		// Valid storage types
	default:
		return fmt.Errorf("STORAGE_TYPE must be 'memory', 'sqlite', 'postgres' or 'redis'")
	}

	// Validate PostgreSQL config if using PostgreSQL
	if c.StorageType == "postgres" || c.StorageType == "postgresql" {
		if c.PostgresHost == "" {
			return fmt.Errorf("POSTGRES_HOST is required when using PostgreSQL")
		}
		if c.PostgresDB == "" {
			return fmt.Errorf("POSTGRES_DB is required when using PostgreSQL")
		}
		if c.PostgresUser == "" {
			return fmt.Errorf("POSTGRES_USER is required when using PostgreSQL")
		}
		if port, err := strconv.Atoi(c.PostgresPort); err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("POSTGRES_PORT must be a valid port number")
		}
	}

	// Validate Redis config if provided
	if c.RedisAddress != "" {
		if db, err := strconv.Atoi(c.RedisDB); err != nil || db < 0 || db > 15 {
			return fmt.Errorf("REDIS_DB must be a number between 0 and 15")
		}
		if poolSize, err := strconv.Atoi(c.RedisPoolSize); err != nil || poolSize < 1 {
			return fmt.Errorf("REDIS_POOL_SIZE must be a positive number")
		}
	}

	// Validate execution defaults
	if retries, err := strconv.Atoi(c.TransportMaxRetries); err != nil || retries < 0 {
		return fmt.Errorf("TRANSPORT_MAX_RETRIES must be a non-negative number")
	}
	if retries, err := strconv.Atoi(c.SelfHealingMaxRetries); err != nil || retries < 1 {
		return fmt.Errorf("SELF_HEALING_MAX_RETRIES must be a positive number")
	}
	if iters, err := strconv.Atoi(c.LoopMaxIters); err != nil || iters < 1 {
		return fmt.Errorf("LOOP_MAX_ITERS must be a positive number")
	}
	for name, value := range map[string]string{
		"TRANSPORT_TIMEOUT":              c.TransportTimeout,
		"TRANSPORT_QUICK_FAILURE_WINDOW": c.QuickFailureWindow,
		"RATE_LIMIT_WAIT_BUDGET":         c.RateLimitWaitBudget,
		"JS_TIMEOUT":                     c.JSTimeout,
		"SQL_POOL_IDLE_TIMEOUT":          c.SQLPoolIdleTimeout,
		"SQL_POOL_SWEEP_INTERVAL":        c.SQLPoolSweepInterval,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s must be a valid duration (e.g., '60s', '1m')", name)
		}
	}

	return nil
}

// TransportMaxRetriesInt returns the parsed transient retry cap.
func (c *Config) TransportMaxRetriesInt() int {
	v, _ := strconv.Atoi(c.TransportMaxRetries)
	return v
}

// SelfHealingMaxRetriesInt returns the parsed self-healing attempt cap.
func (c *Config) SelfHealingMaxRetriesInt() int {
	v, _ := strconv.Atoi(c.SelfHealingMaxRetries)
	return v
}

// LoopMaxItersInt returns the parsed loop iteration cap.
func (c *Config) LoopMaxItersInt() int {
	v, _ := strconv.Atoi(c.LoopMaxIters)
	return v
}

// Duration parses one of the duration-valued fields, falling back to def on error.
func Duration(value string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return def
}
