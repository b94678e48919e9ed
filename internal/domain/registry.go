package domain

import (
	"context"
	"time"
)

// EmailTemplate is a stored subject/body pair referenced by send_email steps.
// Templates are authored in the external console; the engine reads them by id.
type EmailTemplate struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Subject   string    `json:"subject"`
	HTML      string    `json:"html"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WebhookEndpoint is a stored delivery URL referenced by send_email steps
type WebhookEndpoint struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// TemplateRepository is the read-only template registry
type TemplateRepository interface {
	GetTemplateByID(ctx context.Context, id string) (*EmailTemplate, error)
}

// WebhookRepository is the read-only webhook registry
type WebhookRepository interface {
	GetWebhookByID(ctx context.Context, id string) (*WebhookEndpoint, error)
}

// WebhookPayload is the JSON body POSTed to the resolved webhook URL for a
// send_email step.
type WebhookPayload struct {
	IdempotencyKey string `json:"idempotency_key"`
	To             string `json:"to"`
	Subject        string `json:"subject"`
	HTML           string `json:"html"`
	ExecutionID    string `json:"execution_id"`
	StepIndex      int    `json:"step_index"`
}
