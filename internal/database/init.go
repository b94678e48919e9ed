package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/tagflow/tagflow/config"
)

// tableDefinitions holds the engine's schema. Statements are idempotent so
// startup can run them unconditionally.
var tableDefinitions = []string{
	`CREATE TABLE IF NOT EXISTS contacts (
		id VARCHAR(64) PRIMARY KEY,
		email VARCHAR(255) NOT NULL,
		first_name VARCHAR(255) NOT NULL DEFAULT '',
		last_name VARCHAR(255) NOT NULL DEFAULT '',
		tags TEXT[] NOT NULL DEFAULT '{}',
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS automation_rules (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT FALSE,
		trigger_kind VARCHAR(32) NOT NULL,
		trigger_tag VARCHAR(255) NOT NULL,
		steps JSONB NOT NULL DEFAULT '[]',
		trigger_count INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0,
		last_triggered_at TIMESTAMP WITH TIME ZONE,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		deleted_at TIMESTAMP WITH TIME ZONE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rules_trigger
		ON automation_rules(trigger_kind, trigger_tag)
		WHERE enabled = TRUE AND deleted_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS executions (
		id VARCHAR(64) PRIMARY KEY,
		rule_id VARCHAR(64) NOT NULL,
		contact_id VARCHAR(64) NOT NULL,
		origin_token VARCHAR(64) NOT NULL,
		hop_count INTEGER NOT NULL DEFAULT 0,
		current_step_index INTEGER NOT NULL DEFAULT 0,
		status VARCHAR(32) NOT NULL,
		scheduled_wake_at TIMESTAMP WITH TIME ZONE,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,
	// One live execution per (rule, contact); the insert guard's backstop
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_active
		ON executions(rule_id, contact_id)
		WHERE status NOT IN ('completed', 'stopped', 'failed')`,
	`CREATE INDEX IF NOT EXISTS idx_executions_due
		ON executions(scheduled_wake_at)
		WHERE status = 'waiting'`,
	`CREATE TABLE IF NOT EXISTS audit_entries (
		id VARCHAR(64) PRIMARY KEY,
		execution_id VARCHAR(64) NOT NULL,
		rule_id VARCHAR(64) NOT NULL,
		contact_id VARCHAR(64) NOT NULL,
		step_index INTEGER NOT NULL,
		tags_before TEXT[] NOT NULL DEFAULT '{}',
		tags_after TEXT[] NOT NULL DEFAULT '{}',
		action TEXT NOT NULL,
		status VARCHAR(16) NOT NULL,
		error TEXT,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_execution ON audit_entries(execution_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_rule ON audit_entries(rule_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS templates (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		subject TEXT NOT NULL,
		html TEXT NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS webhooks (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		url TEXT NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,
}

// InitializeDatabase creates the engine's tables and indexes if they don't
// exist
func InitializeDatabase(db *sql.DB) error {
	for _, query := range tableDefinitions {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Connect opens the engine database with sane pool settings and verifies the
// connection
func Connect(cfg *config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(20 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}
