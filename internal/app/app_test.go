package app

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagflow/tagflow/config"
	"github.com/tagflow/tagflow/pkg/logger"
)

func testConfig() *config.Config {
	return &config.Config{
		LogLevel: "error",
		Server: config.ServerConfig{
			Host: "127.0.0.1",
			Port: 0, // ephemeral port, tests never dial it
		},
		Engine: config.EngineConfig{
			PollInterval:    time.Hour,
			BatchSize:       100,
			WorkerCount:     2,
			QueueSize:       16,
			HopLimit:        10,
			MaxStepAttempts: 3,
			StallTimeout:    5 * time.Minute,
		},
		Webhook: config.WebhookConfig{
			Attempts:    3,
			BackoffBase: time.Millisecond,
			Timeout:     time.Second,
		},
	}
}

func TestApp_InitializeStartShutdown(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	// Schema bootstrap runs every CREATE statement
	for i := 0; i < 11; i++ {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectClose()

	a := NewApp(testConfig(), WithMockDB(db), WithLogger(logger.NewTestLogger(t)))
	require.NoError(t, a.Initialize())

	assert.NotNil(t, a.Dispatcher())
	assert.NotNil(t, a.ContactGateway())
	assert.NotNil(t, a.RuleService())
	assert.NotNil(t, a.ReversalService())

	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, a.Shutdown())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApp_InitializeRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.WorkerCount = 0

	a := NewApp(cfg, WithLogger(logger.NewTestLogger(t)))
	assert.Error(t, a.Initialize())
}

func TestApp_StartRequiresInitialize(t *testing.T) {
	a := NewApp(testConfig(), WithLogger(logger.NewTestLogger(t)))
	assert.Error(t, a.Start(context.Background()))
}
