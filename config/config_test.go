package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithOptions_Defaults(t *testing.T) {
	cfg, err := LoadWithOptions(LoadOptions{})
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "tagflow", cfg.Database.DBName)

	assert.Equal(t, 30*time.Second, cfg.Engine.PollInterval)
	assert.Equal(t, 100, cfg.Engine.BatchSize)
	assert.Equal(t, 8, cfg.Engine.WorkerCount)
	assert.Equal(t, 10, cfg.Engine.HopLimit)
	assert.Equal(t, 3, cfg.Engine.MaxStepAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Engine.StallTimeout)

	assert.Equal(t, 3, cfg.Webhook.Attempts)
	assert.Equal(t, 2*time.Second, cfg.Webhook.BackoffBase)
	assert.Equal(t, 10*time.Second, cfg.Webhook.Timeout)

	assert.Equal(t, "0.0.0.0:8090", cfg.Server.Addr())
	assert.Equal(t, 0, cfg.Server.EventRateLimit)
	assert.Equal(t, time.Minute, cfg.Server.EventRateWindow)
}

func TestLoadWithOptions_EnvOverrides(t *testing.T) {
	t.Setenv("DB_NAME", "tagflow_test")
	t.Setenv("ENGINE_POLL_INTERVAL", "5s")
	t.Setenv("ENGINE_WORKER_COUNT", "2")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadWithOptions(LoadOptions{})
	require.NoError(t, err)

	assert.Equal(t, "tagflow_test", cfg.Database.DBName)
	assert.Equal(t, 5*time.Second, cfg.Engine.PollInterval)
	assert.Equal(t, 2, cfg.Engine.WorkerCount)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadWithOptions_InvalidEngineConfig(t *testing.T) {
	t.Setenv("ENGINE_POLL_INTERVAL", "10ms")

	_, err := LoadWithOptions(LoadOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ENGINE_POLL_INTERVAL")
}

func TestDatabaseConfig_DSN(t *testing.T) {
	c := DatabaseConfig{
		Host:     "db.internal",
		Port:     5433,
		User:     "engine",
		Password: "secret",
		DBName:   "tagflow",
		SSLMode:  "disable",
	}
	assert.Equal(t, "host=db.internal port=5433 user=engine password=secret dbname=tagflow sslmode=disable", c.DSN())
}

func TestEngineConfig_Validate(t *testing.T) {
	valid := EngineConfig{
		PollInterval:    time.Minute,
		BatchSize:       10,
		WorkerCount:     4,
		QueueSize:       100,
		HopLimit:        10,
		MaxStepAttempts: 3,
		StallTimeout:    5 * time.Minute,
	}
	assert.NoError(t, valid.Validate())

	noWorkers := valid
	noWorkers.WorkerCount = 0
	assert.Error(t, noWorkers.Validate())

	noHops := valid
	noHops.HopLimit = 0
	assert.Error(t, noHops.Validate())

	noLease := valid
	noLease.StallTimeout = 0
	assert.Error(t, noLease.Validate())
}
