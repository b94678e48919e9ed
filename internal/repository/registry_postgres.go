package repository

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/tagflow/tagflow/internal/domain"
)

// TemplateRepository implements domain.TemplateRepository backed by Postgres
type TemplateRepository struct {
	db *sql.DB
}

// NewTemplateRepository creates a new TemplateRepository
func NewTemplateRepository(db *sql.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// GetTemplateByID retrieves a template by ID
func (r *TemplateRepository) GetTemplateByID(ctx context.Context, id string) (*domain.EmailTemplate, error) {
	query, args, err := psql.
		Select("id", "name", "subject", "html", "created_at", "updated_at").
		From("templates").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var template domain.EmailTemplate
	err = r.db.QueryRowContext(ctx, query, args...).Scan(
		&template.ID, &template.Name, &template.Subject, &template.HTML,
		&template.CreatedAt, &template.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, &domain.ErrNotFound{Entity: "template", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return &template, nil
}

// WebhookRepository implements domain.WebhookRepository backed by Postgres
type WebhookRepository struct {
	db *sql.DB
}

// NewWebhookRepository creates a new WebhookRepository
func NewWebhookRepository(db *sql.DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

// GetWebhookByID retrieves a webhook endpoint by ID
func (r *WebhookRepository) GetWebhookByID(ctx context.Context, id string) (*domain.WebhookEndpoint, error) {
	query, args, err := psql.
		Select("id", "name", "url", "created_at").
		From("webhooks").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var webhook domain.WebhookEndpoint
	err = r.db.QueryRowContext(ctx, query, args...).Scan(
		&webhook.ID, &webhook.Name, &webhook.URL, &webhook.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, &domain.ErrNotFound{Entity: "webhook", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook: %w", err)
	}
	return &webhook, nil
}
