package domain

import (
	"errors"
	"fmt"
)

// ErrExecutionConflict is returned when an optimistic-concurrency write loses
// to a concurrent worker. Callers re-dequeue the execution token; the error
// never surfaces to operators.
var ErrExecutionConflict = errors.New("execution was modified concurrently")

// ErrNotFound is returned when an entity does not exist
type ErrNotFound struct {
	Entity string
	ID     string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found with ID: %s", e.Entity, e.ID)
}

// IsNotFound reports whether err wraps an ErrNotFound
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

// ValidationError represents an error that occurs due to invalid input or parameters
type ValidationError struct {
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", e.Message)
}

// NewValidationError creates a new validation error with the given message
func NewValidationError(format string, args ...interface{}) error {
	return ValidationError{Message: fmt.Sprintf(format, args...)}
}

// RuleNotFoundError marks an execution whose rule was deleted mid-flight.
// Such executions fail fast instead of silently completing.
type RuleNotFoundError struct {
	RuleID string
}

func (e *RuleNotFoundError) Error() string {
	return fmt.Sprintf("automation rule %s no longer exists", e.RuleID)
}

// TriggerLoopError is returned when a chain of tag mutations caused by
// automation steps exceeds the hop bound. The dispatcher refuses to create
// further executions from that origin chain.
type TriggerLoopError struct {
	OriginToken string
	HopCount    int
	HopLimit    int
}

func (e *TriggerLoopError) Error() string {
	return fmt.Sprintf("trigger loop detected: origin %s reached %d hops (limit %d)",
		e.OriginToken, e.HopCount, e.HopLimit)
}

// WebhookDeliveryError is returned after webhook delivery exhausted its
// per-turn attempt budget.
type WebhookDeliveryError struct {
	URL        string
	Attempts   int
	StatusCode int
	Err        error
}

func (e *WebhookDeliveryError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("webhook delivery to %s failed after %d attempts: status %d",
			e.URL, e.Attempts, e.StatusCode)
	}
	return fmt.Sprintf("webhook delivery to %s failed after %d attempts: %v",
		e.URL, e.Attempts, e.Err)
}

func (e *WebhookDeliveryError) Unwrap() error {
	return e.Err
}

// TemplateRenderError is terminal: the referenced template is missing or its
// content cannot be rendered.
type TemplateRenderError struct {
	TemplateID string
	Err        error
}

func (e *TemplateRenderError) Error() string {
	if e.TemplateID != "" {
		return fmt.Sprintf("failed to render template %s: %v", e.TemplateID, e.Err)
	}
	return fmt.Sprintf("failed to render inline template: %v", e.Err)
}

func (e *TemplateRenderError) Unwrap() error {
	return e.Err
}
