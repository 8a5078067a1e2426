package config

import (
	"os"
	"testing"
	"time"
)

var engineEnvVars = []string{
	"PORT", "LOG_LEVEL", "STORAGE_TYPE", "DATABASE_PATH",
	"POSTGRES_HOST", "POSTGRES_PORT", "POSTGRES_DB", "POSTGRES_USER", "POSTGRES_PASSWORD", "POSTGRES_SSL_MODE",
	"REDIS_ADDRESS", "REDIS_PASSWORD", "REDIS_DB", "REDIS_POOL_SIZE",
	"TRANSPORT_MAX_RETRIES", "TRANSPORT_TIMEOUT", "TRANSPORT_QUICK_FAILURE_WINDOW",
	"RATE_LIMIT_WAIT_BUDGET", "SELF_HEALING_MAX_RETRIES", "LOOP_MAX_ITERS",
	"JS_TIMEOUT", "SQL_POOL_IDLE_TIMEOUT", "SQL_POOL_SWEEP_INTERVAL",
}

func clearTestEnvVars(t *testing.T) {
	t.Helper()
	for _, key := range engineEnvVars {
		os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearTestEnvVars(t)

	config := Load()

	if config.Port != "8080" {
		t.Errorf("Load() Port = %v, want %v", config.Port, "8080")
	}
	if config.LogLevel != "info" {
		t.Errorf("Load() LogLevel = %v, want %v", config.LogLevel, "info")
	}
	if config.StorageType != "memory" {
		t.Errorf("Load() StorageType = %v, want %v", config.StorageType, "memory")
	}
	if config.DatabasePath != "./stepflow.db" {
		t.Errorf("Load() DatabasePath = %v, want %v", config.DatabasePath, "./stepflow.db")
	}
	if config.RedisAddress != "localhost:6379" {
		t.Errorf("Load() RedisAddress = %v, want %v", config.RedisAddress, "localhost:6379")
	}
	if config.TransportMaxRetries != "3" {
		t.Errorf("Load() TransportMaxRetries = %v, want 3", config.TransportMaxRetries)
	}
	if config.QuickFailureWindow != "2s" {
		t.Errorf("Load() QuickFailureWindow = %v, want 2s", config.QuickFailureWindow)
	}
	if config.RateLimitWaitBudget != "1h" {
		t.Errorf("Load() RateLimitWaitBudget = %v, want 1h", config.RateLimitWaitBudget)
	}
	if config.SelfHealingMaxRetries != "10" {
		t.Errorf("Load() SelfHealingMaxRetries = %v, want 10", config.SelfHealingMaxRetries)
	}
	if config.LoopMaxIters != "100" {
		t.Errorf("Load() LoopMaxIters = %v, want 100", config.LoopMaxIters)
	}
}

func TestLoad_Overrides(t *testing.T) {
	clearTestEnvVars(t)
	os.Setenv("PORT", "9090")
	os.Setenv("STORAGE_TYPE", "sqlite")
	os.Setenv("TRANSPORT_MAX_RETRIES", "5")
	os.Setenv("LOOP_MAX_ITERS", "250")
	defer clearTestEnvVars(t)

	config := Load()

	if config.Port != "9090" {
		t.Errorf("Load() Port = %v, want 9090", config.Port)
	}
	if config.StorageType != "sqlite" {
		t.Errorf("Load() StorageType = %v, want sqlite", config.StorageType)
	}
	if config.TransportMaxRetriesInt() != 5 {
		t.Errorf("TransportMaxRetriesInt() = %v, want 5", config.TransportMaxRetriesInt())
	}
	if config.LoopMaxItersInt() != 250 {
		t.Errorf("LoopMaxItersInt() = %v, want 250", config.LoopMaxItersInt())
	}
}

func TestValidate(t *testing.T) {
	clearTestEnvVars(t)

	valid := func() *Config { return Load() }

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"bad port", func(c *Config) { c.Port = "not-a-port" }, true},
		{"port out of range", func(c *Config) { c.Port = "70000" }, true},
		{"unknown storage type", func(c *Config) { c.StorageType = "cassandra" }, true},
		{"postgres requires host", func(c *Config) { c.StorageType = "postgres"; c.PostgresHost = "" }, true},
		{"postgres requires db", func(c *Config) { c.StorageType = "postgres"; c.PostgresDB = "" }, true},
		{"postgres valid", func(c *Config) { c.StorageType = "postgres" }, false},
		{"redis db out of range", func(c *Config) { c.RedisDB = "16" }, true},
		{"redis pool size zero", func(c *Config) { c.RedisPoolSize = "0" }, true},
		{"negative retries", func(c *Config) { c.TransportMaxRetries = "-1" }, true},
		{"zero healing retries", func(c *Config) { c.SelfHealingMaxRetries = "0" }, true},
		{"zero loop iters", func(c *Config) { c.LoopMaxIters = "0" }, true},
		{"bad duration", func(c *Config) { c.RateLimitWaitBudget = "soon" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := valid()
			tt.mutate(config)
			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDuration(t *testing.T) {
	if got := Duration("90s", time.Second); got != 90*time.Second {
		t.Errorf("Duration() = %v, want 90s", got)
	}
	if got := Duration("bogus", 5*time.Second); got != 5*time.Second {
		t.Errorf("Duration() fallback = %v, want 5s", got)
	}
}
