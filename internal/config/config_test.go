package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, ":9083", cfg.ListenAddr)
	assert.Equal(t, ":9084", cfg.TerminalListenAddr)
	assert.Equal(t, ":9085", cfg.StatsListenAddr)
	assert.Equal(t, 24*time.Hour, cfg.JWTExpiration)
	assert.Equal(t, 4, cfg.TasksNumWorkers)
	assert.Equal(t, 1, cfg.TasksConcurrentPerHost)
	assert.Equal(t, 64*1024, cfg.TasksOutputMaxBytes)
	assert.Equal(t, 30*time.Minute, cfg.TerminalIdleTimeout)
	assert.False(t, cfg.Production())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TASKS_NUM_WORKERS", "8")
	t.Setenv("JWT_EXPIRATION", "3600")
	t.Setenv("TASKS_DEFAULT_TIMEOUT", "2m")
	t.Setenv("OPSDECK_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("TERMINAL_IDLE_TIMEOUT_SECONDS", "600")

	cfg := Load()
	assert.Equal(t, 8, cfg.TasksNumWorkers)
	assert.Equal(t, time.Hour, cfg.JWTExpiration)
	assert.Equal(t, 2*time.Minute, cfg.TasksDefaultTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 10*time.Minute, cfg.TerminalIdleTimeout)
}

func TestProductionRequiresSecrets(t *testing.T) {
	cfg := Config{Environment: "production"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ENCRYPTION_KEY")
	assert.Contains(t, err.Error(), "KEY_VAULT_MASTER_KEY")
	assert.Contains(t, err.Error(), "JWT_SECRET")

	cfg.EncryptionKey = "k1"
	cfg.VaultMasterKey = "k2"
	cfg.JWTSecret = "k3"
	assert.NoError(t, cfg.Validate())

	dev := Config{Environment: "development"}
	assert.NoError(t, dev.Validate())
}
