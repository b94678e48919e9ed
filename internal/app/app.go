package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tagflow/tagflow/config"
	"github.com/tagflow/tagflow/internal/database"
	"github.com/tagflow/tagflow/internal/domain"
	httpserver "github.com/tagflow/tagflow/internal/http"
	"github.com/tagflow/tagflow/internal/repository"
	"github.com/tagflow/tagflow/internal/service"
	"github.com/tagflow/tagflow/pkg/logger"
)

// App owns the engine's dependency graph and lifecycle
type App struct {
	config *config.Config
	logger logger.Logger
	db     *sql.DB

	ruleRepo     domain.RuleRepository
	execRepo     domain.ExecutionRepository
	contactRepo  *repository.ContactRepository
	templateRepo domain.TemplateRepository
	webhookRepo  domain.WebhookRepository

	dispatcher *service.TriggerDispatcher
	gateway    *service.ContactGateway
	executor   *service.StepExecutor
	scheduler  *service.DelayScheduler
	pool       *service.WorkerPool
	ruleSvc    *service.RuleService
	reversal   *service.ReversalService

	server *httpserver.Server
}

// AppOption configures the App
type AppOption func(*App)

// WithMockDB injects a database connection (for testing)
func WithMockDB(db *sql.DB) AppOption {
	return func(a *App) {
		a.db = db
	}
}

// WithLogger injects a logger
func WithLogger(log logger.Logger) AppOption {
	return func(a *App) {
		a.logger = log
	}
}

// NewApp creates a new App with the given configuration
func NewApp(cfg *config.Config, opts ...AppOption) *App {
	a := &App{config: cfg}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = logger.NewLogger(cfg.LogLevel)
	}
	return a
}

// InitDB opens the database connection and bootstraps the schema
func (a *App) InitDB() error {
	if a.db == nil {
		db, err := database.Connect(&a.config.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		a.db = db
	}

	if err := database.InitializeDatabase(a.db); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// InitRepositories wires the persistence layer
func (a *App) InitRepositories() error {
	if a.db == nil {
		return fmt.Errorf("database not initialized")
	}
	a.ruleRepo = repository.NewRuleRepository(a.db)
	a.execRepo = repository.NewExecutionRepository(a.db)
	a.contactRepo = repository.NewContactRepository(a.db)
	a.templateRepo = repository.NewTemplateRepository(a.db)
	a.webhookRepo = repository.NewWebhookRepository(a.db)
	return nil
}

// InitServices wires the engine services. The worker pool is created first
// since both event sources feed it, and the executor is attached to it
// before Start.
func (a *App) InitServices() error {
	engineCfg := a.config.Engine
	webhookCfg := a.config.Webhook

	a.pool = service.NewWorkerPool(nil, a.logger, engineCfg.WorkerCount, engineCfg.QueueSize)

	a.dispatcher = service.NewTriggerDispatcher(a.ruleRepo, a.execRepo, a.pool, a.logger, engineCfg.HopLimit)
	a.gateway = service.NewContactGateway(a.contactRepo, a.dispatcher, a.logger)

	renderer := service.NewTemplateRenderer(a.templateRepo)
	deliverer := service.NewWebhookDeliverer(a.webhookRepo, webhookCfg.Attempts, webhookCfg.BackoffBase, webhookCfg.Timeout, a.logger)

	a.executor = service.NewStepExecutor(a.ruleRepo, a.execRepo, a.gateway, renderer, deliverer, a.logger, engineCfg.MaxStepAttempts)
	a.pool.SetExecutor(a.executor)

	a.scheduler = service.NewDelayScheduler(a.execRepo, a.pool, a.logger, engineCfg.PollInterval, engineCfg.BatchSize, engineCfg.StallTimeout)
	a.reversal = service.NewReversalService(a.execRepo, a.contactRepo, a.logger)
	a.ruleSvc = service.NewRuleService(a.ruleRepo, a.reversal, a.logger)
	return nil
}

// InitServer builds the HTTP ingress API on top of the services
func (a *App) InitServer() error {
	if a.dispatcher == nil || a.ruleSvc == nil {
		return fmt.Errorf("services not initialized")
	}
	events := httpserver.NewEventHandler(a.dispatcher, a.logger)
	if limit := a.config.Server.EventRateLimit; limit > 0 {
		events = events.WithRateLimit(limit, a.config.Server.EventRateWindow)
	}
	rules := httpserver.NewRuleHandler(a.ruleSvc, a.execRepo, a.logger)
	a.server = httpserver.NewServer(a.config.Server.Addr(), a.logger, events, rules)
	return nil
}

// Initialize runs all init steps in order
func (a *App) Initialize() error {
	if err := a.config.Engine.Validate(); err != nil {
		return fmt.Errorf("invalid engine configuration: %w", err)
	}
	if err := a.InitDB(); err != nil {
		return err
	}
	if err := a.InitRepositories(); err != nil {
		return err
	}
	if err := a.InitServices(); err != nil {
		return err
	}
	if err := a.InitServer(); err != nil {
		return err
	}
	return nil
}

// Start launches the worker pool, the delay scheduler and the HTTP server
func (a *App) Start(ctx context.Context) error {
	if a.pool == nil || a.scheduler == nil {
		return fmt.Errorf("app not initialized")
	}

	a.pool.Start(ctx)
	a.scheduler.Start(ctx)

	if a.server != nil {
		go func() {
			if err := a.server.Start(); err != nil {
				a.logger.WithField("error", err.Error()).Error("HTTP server stopped unexpectedly")
			}
		}()
	}

	a.logger.WithFields(map[string]interface{}{
		"version":       a.config.Version,
		"addr":          a.config.Server.Addr(),
		"workers":       a.config.Engine.WorkerCount,
		"poll_interval": a.config.Engine.PollInterval.String(),
	}).Info("Automation engine started")
	return nil
}

// Shutdown stops the event sources first, then drains the workers, then
// closes the database
func (a *App) Shutdown() error {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.WithField("error", err.Error()).Error("HTTP server shutdown failed")
		}
	}
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.pool != nil {
		a.pool.Stop()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}

	a.logger.Info("Automation engine stopped")
	return nil
}

// GetConfig returns the app configuration
func (a *App) GetConfig() *config.Config {
	return a.config
}

// GetLogger returns the app logger
func (a *App) GetLogger() logger.Logger {
	return a.logger
}

// GetDB returns the database connection
func (a *App) GetDB() *sql.DB {
	return a.db
}

// Dispatcher returns the trigger dispatcher, the entry point for external
// tag mutation events
func (a *App) Dispatcher() *service.TriggerDispatcher {
	return a.dispatcher
}

// ContactGateway returns the mutation gateway used by automation steps
func (a *App) ContactGateway() *service.ContactGateway {
	return a.gateway
}

// RuleService returns the operator-facing rule service
func (a *App) RuleService() *service.RuleService {
	return a.ruleSvc
}

// ReversalService returns the rule reversal service
func (a *App) ReversalService() *service.ReversalService {
	return a.reversal
}
