// Package config loads process configuration from the environment. Flags in
// cmd/server override individual values; the env is the source of truth for
// deployments.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is everything the process needs at startup.
type Config struct {
	// Environment is "production" or "development". Production refuses to
	// start without the critical secrets.
	Environment string

	ListenAddr         string // REST API
	TerminalListenAddr string // terminal WebSocket
	StatsListenAddr    string // stats WebSocket

	DBDriver          string // "sqlite" or "postgres"
	DBPath            string // file path for sqlite, DSN for postgres
	EncryptionKey     string // column encryption (passwords, webhook secrets)
	VaultMasterKey    string // vault private-key encryption
	JWTSecret         string
	JWTExpiration     time.Duration
	AllowedOrigins    []string
	LogLevel          string

	// Task engine.
	TaskCommandMaxLength    int
	TasksStoreOutputDefault bool
	TasksOutputMaxBytes     int
	TasksConcurrentPerHost  int
	TasksDefaultTimeout     time.Duration
	TasksNumWorkers         int

	TerminalIdleTimeout time.Duration
	StatsInterval       time.Duration

	// CI enables the test-only rate-limit reset endpoint.
	CI bool
}

// Load reads the environment and applies defaults.
func Load() Config {
	return Config{
		Environment:        envOr("OPSDECK_ENV", "development"),
		ListenAddr:         envOr("OPSDECK_LISTEN_ADDR", ":9083"),
		TerminalListenAddr: envOr("OPSDECK_TERMINAL_ADDR", ":9084"),
		StatsListenAddr:    envOr("OPSDECK_STATS_ADDR", ":9085"),

		DBDriver:       envOr("DB_DRIVER", "sqlite"),
		DBPath:         envOr("DB_PATH", "./opsdeck.db"),
		EncryptionKey:  os.Getenv("ENCRYPTION_KEY"),
		VaultMasterKey: os.Getenv("KEY_VAULT_MASTER_KEY"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		JWTExpiration:  envDuration("JWT_EXPIRATION", 24*time.Hour),
		AllowedOrigins: envList("OPSDECK_ALLOWED_ORIGINS"),
		LogLevel:       envOr("OPSDECK_LOG_LEVEL", "info"),

		TaskCommandMaxLength:    envInt("TASK_COMMAND_MAX_LENGTH", 8192),
		TasksStoreOutputDefault: envBool("TASKS_STORE_OUTPUT_DEFAULT", true),
		TasksOutputMaxBytes:     envInt("TASKS_OUTPUT_MAX_BYTES", 64*1024),
		TasksConcurrentPerHost:  envInt("TASKS_CONCURRENT_PER_SERVER", 1),
		TasksDefaultTimeout:     envDuration("TASKS_DEFAULT_TIMEOUT", 5*time.Minute),
		TasksNumWorkers:         envInt("TASKS_NUM_WORKERS", 4),

		TerminalIdleTimeout: time.Duration(envInt("TERMINAL_IDLE_TIMEOUT_SECONDS", 1800)) * time.Second,
		StatsInterval:       envDuration("OPSDECK_STATS_INTERVAL", 3*time.Second),

		CI: envBool("CI", false),
	}
}

// Validate refuses a production start without the critical secrets. In
// development missing secrets are tolerated; the affected components generate
// ephemeral ones and log a warning.
func (c Config) Validate() error {
	if !c.Production() {
		return nil
	}
	var missing []string
	if c.EncryptionKey == "" {
		missing = append(missing, "ENCRYPTION_KEY")
	}
	if c.VaultMasterKey == "" {
		missing = append(missing, "KEY_VAULT_MASTER_KEY")
	}
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: refusing to start in production without %s", strings.Join(missing, ", "))
	}
	return nil
}

// Production reports whether the process runs in production mode.
func (c Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// envDuration accepts Go duration syntax ("5m") or a bare number of seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
