package domain

import (
	"context"
	"fmt"
	"time"
)

// ExecutionStatus represents the lifecycle state of an execution
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusWaiting   ExecutionStatus = "waiting"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusStopped   ExecutionStatus = "stopped"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// IsValid checks if the execution status is valid
func (s ExecutionStatus) IsValid() bool {
	switch s {
	case ExecutionStatusPending, ExecutionStatusRunning, ExecutionStatusWaiting,
		ExecutionStatusCompleted, ExecutionStatusStopped, ExecutionStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status ends an execution's lifecycle
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusStopped, ExecutionStatusFailed:
		return true
	default:
		return false
	}
}

// NonTerminalStatuses lists the statuses counted against the
// one-active-execution-per-rule-per-contact invariant.
var NonTerminalStatuses = []ExecutionStatus{
	ExecutionStatusPending,
	ExecutionStatusRunning,
	ExecutionStatusWaiting,
}

// Execution tracks one run of a rule against one contact. All state
// transitions go through CompareAndSwapExecution keyed on Version, so no two
// workers can advance the same execution concurrently.
type Execution struct {
	ID               string          `json:"id"`
	RuleID           string          `json:"rule_id"`
	ContactID        string          `json:"contact_id"`
	OriginToken      string          `json:"origin_token"`
	HopCount         int             `json:"hop_count"`
	CurrentStepIndex int             `json:"current_step_index"`
	Status           ExecutionStatus `json:"status"`
	ScheduledWakeAt  *time.Time      `json:"scheduled_wake_at,omitempty"`
	AttemptCount     int             `json:"attempt_count"`
	Version          int64           `json:"version"`
	LastError        *string         `json:"last_error,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Validate validates the execution
func (e *Execution) Validate() error {
	if e.ID == "" {
		return NewValidationError("id is required")
	}
	if e.RuleID == "" {
		return NewValidationError("rule_id is required")
	}
	if e.ContactID == "" {
		return NewValidationError("contact_id is required")
	}
	if e.OriginToken == "" {
		return NewValidationError("origin_token is required")
	}
	if !e.Status.IsValid() {
		return NewValidationError("invalid execution status: %s", e.Status)
	}
	if e.CurrentStepIndex < 0 {
		return NewValidationError("current_step_index cannot be negative")
	}
	if e.Status == ExecutionStatusWaiting && e.ScheduledWakeAt == nil {
		return NewValidationError("waiting execution requires scheduled_wake_at")
	}
	return nil
}

// IdempotencyKey returns the deterministic key that makes retried side
// effects of the current step safe to repeat.
func (e *Execution) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", e.ID, e.CurrentStepIndex)
}

// AuditStatus classifies a step attempt outcome in the audit log
type AuditStatus string

const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry records one step attempt. Entries are append-only and never
// mutated; they feed operator visibility, statistics recomputation, and the
// tag reversal tooling.
type AuditEntry struct {
	ID          string      `json:"id"`
	ExecutionID string      `json:"execution_id"`
	RuleID      string      `json:"rule_id"`
	ContactID   string      `json:"contact_id"`
	StepIndex   int         `json:"step_index"`
	TagsBefore  []string    `json:"tags_before"`
	TagsAfter   []string    `json:"tags_after"`
	Action      string      `json:"action"`
	Status      AuditStatus `json:"status"`
	Error       *string     `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Validate validates the audit entry
func (a *AuditEntry) Validate() error {
	if a.ID == "" {
		return NewValidationError("id is required")
	}
	if a.ExecutionID == "" {
		return NewValidationError("execution_id is required")
	}
	if a.RuleID == "" {
		return NewValidationError("rule_id is required")
	}
	if a.StepIndex < 0 {
		return NewValidationError("step_index cannot be negative")
	}
	if a.Status != AuditStatusSuccess && a.Status != AuditStatusError {
		return NewValidationError("invalid audit status: %s", a.Status)
	}
	return nil
}

// RuleStat names a rule counter incremented alongside an execution's
// terminal transition.
type RuleStat string

const (
	RuleStatSuccess RuleStat = "success_count"
	RuleStatFailure RuleStat = "failure_count"
)

// ExecutionFilter defines filtering options for listing executions
type ExecutionFilter struct {
	RuleID    string
	ContactID string
	Status    []ExecutionStatus
	Limit     int
	Offset    int
}

// ExecutionRepository is the durable execution store plus append-only audit
// log. It carries the two invariant-enforcing operations the engine's
// concurrency safety reduces to.
type ExecutionRepository interface {
	// TryCreateExecution inserts the execution unless a non-terminal one
	// already exists for the same (rule_id, contact_id) pair. Returns false
	// with no error when creation was suppressed.
	TryCreateExecution(ctx context.Context, execution *Execution) (bool, error)

	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, int, error)

	// CompareAndSwapExecution persists the execution's state conditioned on
	// its Version matching the stored row. On success the version is bumped
	// (in the row and on the passed struct); on mismatch it returns
	// ErrExecutionConflict and writes nothing. When stat is non-nil the
	// named rule counter is incremented in the same transaction.
	CompareAndSwapExecution(ctx context.Context, execution *Execution, stat *RuleStat) error

	// ListDueExecutions returns waiting executions whose wake time has
	// arrived, ordered by wake time.
	ListDueExecutions(ctx context.Context, before time.Time, limit int) ([]*Execution, error)

	// ListStalledExecutions returns pending and running executions that have
	// not been touched since before, oldest first. These are rows whose queue
	// token was dropped or whose worker died mid-step.
	ListStalledExecutions(ctx context.Context, before time.Time, limit int) ([]*Execution, error)

	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, executionID string) ([]*AuditEntry, error)
	ListAuditEntriesByRule(ctx context.Context, ruleID string) ([]*AuditEntry, error)
}
