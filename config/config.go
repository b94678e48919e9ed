package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const VERSION = "1.4"

type Config struct {
	Database    DatabaseConfig
	Engine      EngineConfig
	Webhook     WebhookConfig
	Server      ServerConfig
	Environment string
	LogLevel    string
	Version     string
}

// ServerConfig controls the ingress HTTP API. EventRateLimit bounds the
// number of events accepted per contact within EventRateWindow; zero
// disables the limiter.
type ServerConfig struct {
	Host            string
	Port            int
	EventRateLimit  int
	EventRateWindow time.Duration
}

// Addr returns the listen address for the HTTP server
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// EngineConfig controls the automation engine runtime.
type EngineConfig struct {
	// PollInterval is how often the delay scheduler scans for due executions.
	PollInterval time.Duration
	// BatchSize caps the number of due executions claimed per scheduler tick.
	BatchSize int
	// WorkerCount is the size of the step executor worker pool.
	WorkerCount int
	// QueueSize is the capacity of the shared work queue.
	QueueSize int
	// HopLimit bounds trigger chains caused by steps mutating tags.
	HopLimit int
	// MaxStepAttempts is the per-step retry cap before an execution fails.
	MaxStepAttempts int
	// StallTimeout is how long a pending or running execution may sit
	// untouched before the scheduler sweeps it back into the queue.
	StallTimeout time.Duration
}

type WebhookConfig struct {
	// Attempts is the number of delivery attempts per executor turn.
	Attempts int
	// BackoffBase is the base delay between delivery attempts.
	BackoffBase time.Duration
	// Timeout bounds a single delivery attempt.
	Timeout time.Duration
}

// DSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// Validate checks the engine configuration for values the runtime cannot work with
func (c *EngineConfig) Validate() error {
	if c.PollInterval < time.Second {
		return fmt.Errorf("ENGINE_POLL_INTERVAL must be at least 1s")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("ENGINE_BATCH_SIZE must be positive")
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("ENGINE_WORKER_COUNT must be positive")
	}
	if c.HopLimit <= 0 {
		return fmt.Errorf("ENGINE_HOP_LIMIT must be positive")
	}
	if c.MaxStepAttempts <= 0 {
		return fmt.Errorf("ENGINE_MAX_STEP_ATTEMPTS must be positive")
	}
	if c.StallTimeout <= 0 {
		return fmt.Errorf("ENGINE_STALL_TIMEOUT must be positive")
	}
	return nil
}

type LoadOptions struct {
	EnvFile string
}

// Load loads the configuration with default options
func Load() (*Config, error) {
	// Try to load .env file but don't require it
	return LoadWithOptions(LoadOptions{EnvFile: ".env"})
}

// LoadWithOptions loads the configuration with the specified options
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "tagflow")
	v.SetDefault("DB_SSLMODE", "require")
	v.SetDefault("ENVIRONMENT", "production")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("VERSION", VERSION)

	// Engine defaults
	v.SetDefault("ENGINE_POLL_INTERVAL", "30s")
	v.SetDefault("ENGINE_BATCH_SIZE", 100)
	v.SetDefault("ENGINE_WORKER_COUNT", 8)
	v.SetDefault("ENGINE_QUEUE_SIZE", 1024)
	v.SetDefault("ENGINE_HOP_LIMIT", 10)
	v.SetDefault("ENGINE_MAX_STEP_ATTEMPTS", 3)
	v.SetDefault("ENGINE_STALL_TIMEOUT", "5m")

	// HTTP server defaults
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", 8090)
	v.SetDefault("SERVER_EVENT_RATE_LIMIT", 0)
	v.SetDefault("SERVER_EVENT_RATE_WINDOW", "1m")

	// Webhook delivery defaults
	v.SetDefault("WEBHOOK_ATTEMPTS", 3)
	v.SetDefault("WEBHOOK_BACKOFF_BASE", "2s")
	v.SetDefault("WEBHOOK_TIMEOUT", "10s")

	// Load environment file if specified
	if opts.EnvFile != "" {
		v.SetConfigName(opts.EnvFile)
		v.SetConfigType("env")

		currentPath, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("error getting current directory: %w", err)
		}

		v.AddConfigPath(currentPath)

		if err := v.ReadInConfig(); err != nil {
			// It's okay if config file doesn't exist
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	// Read environment variables
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetInt("DB_PORT"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			DBName:   v.GetString("DB_NAME"),
			SSLMode:  v.GetString("DB_SSLMODE"),
		},
		Engine: EngineConfig{
			PollInterval:    v.GetDuration("ENGINE_POLL_INTERVAL"),
			BatchSize:       v.GetInt("ENGINE_BATCH_SIZE"),
			WorkerCount:     v.GetInt("ENGINE_WORKER_COUNT"),
			QueueSize:       v.GetInt("ENGINE_QUEUE_SIZE"),
			HopLimit:        v.GetInt("ENGINE_HOP_LIMIT"),
			MaxStepAttempts: v.GetInt("ENGINE_MAX_STEP_ATTEMPTS"),
			StallTimeout:    v.GetDuration("ENGINE_STALL_TIMEOUT"),
		},
		Webhook: WebhookConfig{
			Attempts:    v.GetInt("WEBHOOK_ATTEMPTS"),
			BackoffBase: v.GetDuration("WEBHOOK_BACKOFF_BASE"),
			Timeout:     v.GetDuration("WEBHOOK_TIMEOUT"),
		},
		Server: ServerConfig{
			Host:            v.GetString("SERVER_HOST"),
			Port:            v.GetInt("SERVER_PORT"),
			EventRateLimit:  v.GetInt("SERVER_EVENT_RATE_LIMIT"),
			EventRateWindow: v.GetDuration("SERVER_EVENT_RATE_WINDOW"),
		},
		Environment: v.GetString("ENVIRONMENT"),
		LogLevel:    v.GetString("LOG_LEVEL"),
		Version:     v.GetString("VERSION"),
	}

	if err := cfg.Engine.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
