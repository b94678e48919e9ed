package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/osteele/liquid"
	"github.com/tagflow/tagflow/internal/domain"
	"github.com/tagflow/tagflow/pkg/logger"
)

// placeholderRegex matches bare {{identifier}} placeholders in templates
var placeholderRegex = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// TemplateRenderer resolves a send_email step's content and substitutes
// contact placeholders. Placeholders without a binding are left verbatim:
// unknown keys may be intentional literal text.
type TemplateRenderer struct {
	templateRepo domain.TemplateRepository
	engine       *liquid.Engine
}

// NewTemplateRenderer creates a new TemplateRenderer
func NewTemplateRenderer(templateRepo domain.TemplateRepository) *TemplateRenderer {
	return &TemplateRenderer{
		templateRepo: templateRepo,
		engine:       liquid.NewEngine(),
	}
}

// Render resolves the step's subject and html and renders placeholders with
// the contact's data.
func (r *TemplateRenderer) Render(ctx context.Context, step *domain.SendEmailConfig, contact *domain.Contact) (string, string, error) {
	var subject, html string

	if step.TemplateID != nil && *step.TemplateID != "" {
		template, err := r.templateRepo.GetTemplateByID(ctx, *step.TemplateID)
		if err != nil {
			return "", "", &domain.TemplateRenderError{TemplateID: *step.TemplateID, Err: err}
		}
		subject = template.Subject
		html = template.HTML
	} else {
		if step.Subject == nil || step.HTML == nil {
			return "", "", &domain.TemplateRenderError{Err: fmt.Errorf("step has neither template nor inline content")}
		}
		subject = *step.Subject
		html = *step.HTML
	}

	data := contact.TemplateData()

	renderedSubject, err := r.renderString(subject, data)
	if err != nil {
		return "", "", r.renderError(step, err)
	}
	renderedHTML, err := r.renderString(html, data)
	if err != nil {
		return "", "", r.renderError(step, err)
	}

	return renderedSubject, renderedHTML, nil
}

func (r *TemplateRenderer) renderError(step *domain.SendEmailConfig, err error) error {
	templateID := ""
	if step.TemplateID != nil {
		templateID = *step.TemplateID
	}
	return &domain.TemplateRenderError{TemplateID: templateID, Err: err}
}

// renderString renders one template string, protecting unbound placeholders
// so they survive rendering verbatim.
func (r *TemplateRenderer) renderString(template string, data map[string]interface{}) (string, error) {
	protected := placeholderRegex.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderRegex.FindStringSubmatch(match)[1]
		if _, ok := data[name]; ok {
			return match
		}
		return "{% raw %}" + match + "{% endraw %}"
	})

	rendered, err := r.engine.ParseAndRenderString(protected, data)
	if err != nil {
		return "", fmt.Errorf("liquid rendering failed: %w", err)
	}
	return rendered, nil
}

// WebhookDeliverer POSTs rendered emails to webhook endpoints with bounded
// per-attempt timeouts and exponential backoff between attempts. Delivery is
// at-least-once; the idempotency key makes repeats safe for the receiver.
type WebhookDeliverer struct {
	webhookRepo domain.WebhookRepository
	httpClient  *http.Client
	attempts    int
	backoffBase time.Duration
	logger      logger.Logger
}

// NewWebhookDeliverer creates a new WebhookDeliverer
func NewWebhookDeliverer(
	webhookRepo domain.WebhookRepository,
	attempts int,
	backoffBase time.Duration,
	timeout time.Duration,
	log logger.Logger,
) *WebhookDeliverer {
	return &WebhookDeliverer{
		webhookRepo: webhookRepo,
		httpClient:  &http.Client{Timeout: timeout},
		attempts:    attempts,
		backoffBase: backoffBase,
		logger:      log,
	}
}

// ResolveURL resolves the delivery URL for a send_email step
func (d *WebhookDeliverer) ResolveURL(ctx context.Context, step *domain.SendEmailConfig) (string, error) {
	if step.WebhookID != nil && *step.WebhookID != "" {
		webhook, err := d.webhookRepo.GetWebhookByID(ctx, *step.WebhookID)
		if err != nil {
			return "", fmt.Errorf("failed to resolve webhook %s: %w", *step.WebhookID, err)
		}
		return webhook.URL, nil
	}
	if step.WebhookURL != nil && *step.WebhookURL != "" {
		return *step.WebhookURL, nil
	}
	return "", fmt.Errorf("step has neither webhook_id nor webhook_url")
}

// Deliver POSTs the payload to url, retrying transport errors and non-2xx
// responses up to the attempt budget. Returns a WebhookDeliveryError once
// the budget is exhausted.
func (d *WebhookDeliverer) Deliver(ctx context.Context, url string, payload *domain.WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	var lastErr error
	var lastStatus int

	for attempt := 1; attempt <= d.attempts; attempt++ {
		if attempt > 1 {
			backoff := d.backoffBase * time.Duration(1<<uint(attempt-2))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastStatus, lastErr = d.post(ctx, url, payload.IdempotencyKey, body)
		if lastErr == nil {
			return nil
		}

		d.logger.WithFields(map[string]interface{}{
			"url":             url,
			"idempotency_key": payload.IdempotencyKey,
			"attempt":         attempt,
			"error":           lastErr.Error(),
		}).Warn("Webhook delivery attempt failed")
	}

	return &domain.WebhookDeliveryError{
		URL:        url,
		Attempts:   d.attempts,
		StatusCode: lastStatus,
		Err:        lastErr,
	}
}

func (d *WebhookDeliverer) post(ctx context.Context, url, idempotencyKey string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 10*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}
