package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tagflow/tagflow/internal/domain"
	"github.com/tagflow/tagflow/pkg/logger"
)

// StepExecutor is the engine's state-transition function: it advances one
// execution through its rule's steps until a suspending step, a terminal
// step, or the end of the sequence. Every state write is a compare-and-swap
// on the execution's version; a lost swap aborts the turn with no further
// side effects.
type StepExecutor struct {
	ruleRepo  domain.RuleRepository
	execRepo  domain.ExecutionRepository
	contacts  domain.ContactStore
	renderer  *TemplateRenderer
	deliverer *WebhookDeliverer
	logger    logger.Logger

	maxAttempts int
	now         func() time.Time
}

// NewStepExecutor creates a new StepExecutor
func NewStepExecutor(
	ruleRepo domain.RuleRepository,
	execRepo domain.ExecutionRepository,
	contacts domain.ContactStore,
	renderer *TemplateRenderer,
	deliverer *WebhookDeliverer,
	log logger.Logger,
	maxAttempts int,
) *StepExecutor {
	return &StepExecutor{
		ruleRepo:    ruleRepo,
		execRepo:    execRepo,
		contacts:    contacts,
		renderer:    renderer,
		deliverer:   deliverer,
		logger:      log,
		maxAttempts: maxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Advance runs one turn for the execution. Steps that do not suspend are
// executed in a tight loop to avoid needless persistence round-trips for
// fast chains of tag edits.
func (e *StepExecutor) Advance(ctx context.Context, executionID string) error {
	execution, err := e.execRepo.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}

	// Stale tokens for finished work are dropped silently
	if execution.Status.IsTerminal() {
		return nil
	}

	// Another worker owns this execution
	if execution.Status == domain.ExecutionStatusRunning {
		return nil
	}

	if execution.Status == domain.ExecutionStatusWaiting && execution.ScheduledWakeAt != nil && execution.ScheduledWakeAt.After(e.now()) {
		// Premature token; the scheduler will resubmit at wake time
		return nil
	}

	// A wake from a Wait suspension is distinguished from a retry-backoff
	// wake by the attempt counter: wait steps only suspend with a zeroed
	// counter, retries always park with attempt_count > 0.
	wokeFromWait := execution.Status == domain.ExecutionStatusWaiting && execution.AttemptCount == 0

	// Claim the execution. Only the worker that wins this swap proceeds.
	execution.Status = domain.ExecutionStatusRunning
	execution.ScheduledWakeAt = nil
	if err := e.execRepo.CompareAndSwapExecution(ctx, execution, nil); err != nil {
		return err
	}

	rule, err := e.ruleRepo.GetByID(ctx, execution.RuleID)
	if err != nil {
		if domain.IsNotFound(err) {
			// Deleted rules fail fast instead of silently completing
			return e.fail(ctx, execution, &domain.RuleNotFoundError{RuleID: execution.RuleID}, nil)
		}
		return e.retryOrFail(ctx, execution, fmt.Errorf("failed to load rule: %w", err))
	}
	// A disabled rule stops new triggers, not in-flight work

	// Snapshot for this turn. Tag steps refresh it from the mutation
	// result and check_tags re-reads; only the send step's audit tags can
	// lag behind an external edit made mid-turn.
	contact, err := e.contacts.GetContactByID(ctx, execution.ContactID)
	if err != nil {
		if domain.IsNotFound(err) {
			return e.fail(ctx, execution, fmt.Errorf("contact %s no longer exists", execution.ContactID), nil)
		}
		return e.retryOrFail(ctx, execution, fmt.Errorf("failed to load contact: %w", err))
	}

	for {
		if execution.CurrentStepIndex >= len(rule.Steps) {
			return e.complete(ctx, execution)
		}

		step := rule.Steps[execution.CurrentStepIndex]

		switch step.Kind {
		case domain.StepKindWait:
			if wokeFromWait {
				// The wake the scheduler delivered serves this wait
				wokeFromWait = false
				e.audit(ctx, execution, contact.Tags, contact.Tags, "wait elapsed", domain.AuditStatusSuccess, nil)
				if err := e.advanceStep(ctx, execution); err != nil {
					return err
				}
				continue
			}
			wake := step.Wait.NextWake(e.now())
			return e.suspend(ctx, execution, wake)

		case domain.StepKindAddTag, domain.StepKindRemoveTag:
			updated, err := e.mutateTags(ctx, execution, step, contact)
			if err != nil {
				return e.retryOrFail(ctx, execution, err)
			}
			contact = updated
			if err := e.advanceStep(ctx, execution); err != nil {
				return err
			}

		case domain.StepKindCheckTags:
			// Re-read the live tag set so changes made since trigger time
			// are respected
			fresh, err := e.contacts.GetContactByID(ctx, execution.ContactID)
			if err != nil {
				return e.retryOrFail(ctx, execution, fmt.Errorf("failed to re-read contact: %w", err))
			}
			contact = fresh

			if !step.CheckTags.Evaluate(contact) {
				e.audit(ctx, execution, contact.Tags, contact.Tags,
					fmt.Sprintf("tag condition (%s) not met, stopping", step.CheckTags.Mode),
					domain.AuditStatusSuccess, nil)
				return e.stop(ctx, execution)
			}
			e.audit(ctx, execution, contact.Tags, contact.Tags,
				fmt.Sprintf("tag condition (%s) met", step.CheckTags.Mode),
				domain.AuditStatusSuccess, nil)
			if err := e.advanceStep(ctx, execution); err != nil {
				return err
			}

		case domain.StepKindSendEmail:
			if err := e.sendEmail(ctx, execution, step, contact); err != nil {
				var renderErr *domain.TemplateRenderError
				if errors.As(err, &renderErr) {
					// Missing or broken template content is terminal
					e.audit(ctx, execution, contact.Tags, contact.Tags, "email rendering failed", domain.AuditStatusError, err)
					stat := domain.RuleStatFailure
					return e.fail(ctx, execution, err, &stat)
				}
				e.audit(ctx, execution, contact.Tags, contact.Tags, "email delivery failed", domain.AuditStatusError, err)
				return e.retryOrFail(ctx, execution, err)
			}
			if err := e.advanceStep(ctx, execution); err != nil {
				return err
			}

		case domain.StepKindStop:
			e.audit(ctx, execution, contact.Tags, contact.Tags, "stop step reached", domain.AuditStatusSuccess, nil)
			return e.stop(ctx, execution)

		default:
			// Rule validation rejects unknown kinds; a row that still
			// carries one is unrecoverable
			return e.fail(ctx, execution, fmt.Errorf("unknown step kind: %s", step.Kind), nil)
		}
	}
}

// mutateTags issues the tag mutation command for an add_tag/remove_tag step.
// Commands carry the execution's origin token plus an incremented hop
// counter so downstream triggers stay loop-bounded.
func (e *StepExecutor) mutateTags(ctx context.Context, execution *domain.Execution, step domain.Step, contact *domain.Contact) (*domain.Contact, error) {
	action := domain.TagActionAdd
	verb := "added"
	if step.Kind == domain.StepKindRemoveTag {
		action = domain.TagActionRemove
		verb = "removed"
	}

	tag := domain.NormalizeTag(step.Tag.Tag)
	cmd := domain.TagMutationCommand{
		ContactID:   execution.ContactID,
		Tag:         tag,
		Action:      action,
		OriginToken: execution.OriginToken,
		HopCount:    execution.HopCount + 1,
	}

	updated, err := e.contacts.ApplyTagMutation(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to %s tag %q: %w", string(action), tag, err)
	}

	e.audit(ctx, execution, contact.Tags, updated.Tags,
		fmt.Sprintf("%s tag %q", verb, tag), domain.AuditStatusSuccess, nil)
	return updated, nil
}

// sendEmail renders the step content and delivers it to the resolved webhook
func (e *StepExecutor) sendEmail(ctx context.Context, execution *domain.Execution, step domain.Step, contact *domain.Contact) error {
	subject, html, err := e.renderer.Render(ctx, step.SendEmail, contact)
	if err != nil {
		return err
	}

	url, err := e.deliverer.ResolveURL(ctx, step.SendEmail)
	if err != nil {
		return fmt.Errorf("failed to resolve webhook: %w", err)
	}

	payload := &domain.WebhookPayload{
		IdempotencyKey: execution.IdempotencyKey(),
		To:             contact.Email,
		Subject:        subject,
		HTML:           html,
		ExecutionID:    execution.ID,
		StepIndex:      execution.CurrentStepIndex,
	}

	if err := e.deliverer.Deliver(ctx, url, payload); err != nil {
		return err
	}

	e.audit(ctx, execution, contact.Tags, contact.Tags,
		fmt.Sprintf("sent email to %s", contact.Email), domain.AuditStatusSuccess, nil)

	e.logger.WithFields(map[string]interface{}{
		"execution_id":    execution.ID,
		"step_index":      execution.CurrentStepIndex,
		"idempotency_key": payload.IdempotencyKey,
		"to":              contact.Email,
	}).Info("Email dispatched")
	return nil
}

// advanceStep moves the execution to the next step index. The retry budget
// is per step, so the counter restarts with the index.
func (e *StepExecutor) advanceStep(ctx context.Context, execution *domain.Execution) error {
	execution.CurrentStepIndex++
	execution.AttemptCount = 0
	return e.execRepo.CompareAndSwapExecution(ctx, execution, nil)
}

// suspend parks the execution until the delay scheduler wakes it
func (e *StepExecutor) suspend(ctx context.Context, execution *domain.Execution, wake time.Time) error {
	execution.Status = domain.ExecutionStatusWaiting
	execution.ScheduledWakeAt = &wake
	if err := e.execRepo.CompareAndSwapExecution(ctx, execution, nil); err != nil {
		return err
	}

	e.logger.WithFields(map[string]interface{}{
		"execution_id": execution.ID,
		"step_index":   execution.CurrentStepIndex,
		"wake_at":      wake,
	}).Info("Execution suspended")
	return nil
}

// complete finishes the execution and counts the rule success in the same
// transaction as the terminal transition
func (e *StepExecutor) complete(ctx context.Context, execution *domain.Execution) error {
	execution.Status = domain.ExecutionStatusCompleted
	stat := domain.RuleStatSuccess
	if err := e.execRepo.CompareAndSwapExecution(ctx, execution, &stat); err != nil {
		return err
	}

	e.logger.WithFields(map[string]interface{}{
		"execution_id": execution.ID,
		"rule_id":      execution.RuleID,
		"contact_id":   execution.ContactID,
	}).Info("Execution completed")
	return nil
}

// stop terminates the execution without error and without a stat increment
func (e *StepExecutor) stop(ctx context.Context, execution *domain.Execution) error {
	execution.Status = domain.ExecutionStatusStopped
	if err := e.execRepo.CompareAndSwapExecution(ctx, execution, nil); err != nil {
		return err
	}

	e.logger.WithFields(map[string]interface{}{
		"execution_id": execution.ID,
		"rule_id":      execution.RuleID,
	}).Info("Execution stopped")
	return nil
}

// fail marks the execution failed with last_error populated. Failures are
// visible only through the audit log and statistics, never thrown back to
// the tag mutation caller.
func (e *StepExecutor) fail(ctx context.Context, execution *domain.Execution, cause error, stat *domain.RuleStat) error {
	errStr := cause.Error()
	execution.Status = domain.ExecutionStatusFailed
	execution.LastError = &errStr
	if err := e.execRepo.CompareAndSwapExecution(ctx, execution, stat); err != nil {
		return err
	}

	e.logger.WithFields(map[string]interface{}{
		"execution_id": execution.ID,
		"rule_id":      execution.RuleID,
		"step_index":   execution.CurrentStepIndex,
		"error":        errStr,
	}).Error("Execution failed")
	return nil
}

// retryOrFail handles a retryable step error: the execution goes back to
// waiting with exponential backoff until the attempt cap is reached, then
// fails with the rule's failure counter incremented.
func (e *StepExecutor) retryOrFail(ctx context.Context, execution *domain.Execution, cause error) error {
	execution.AttemptCount++

	if execution.AttemptCount >= e.maxAttempts {
		stat := domain.RuleStatFailure
		return e.fail(ctx, execution, cause, &stat)
	}

	// Backoff: 1min, 2min, 4min, ...
	backoff := time.Duration(1<<uint(execution.AttemptCount-1)) * time.Minute
	wake := e.now().Add(backoff)
	errStr := cause.Error()
	execution.LastError = &errStr
	execution.Status = domain.ExecutionStatusWaiting
	execution.ScheduledWakeAt = &wake

	if err := e.execRepo.CompareAndSwapExecution(ctx, execution, nil); err != nil {
		return err
	}

	e.logger.WithFields(map[string]interface{}{
		"execution_id":  execution.ID,
		"step_index":    execution.CurrentStepIndex,
		"attempt_count": execution.AttemptCount,
		"next_retry":    wake,
		"error":         errStr,
	}).Warn("Step failed, retry scheduled")
	return nil
}

// audit appends one step-attempt entry. Audit write problems are logged and
// never abort the turn.
func (e *StepExecutor) audit(ctx context.Context, execution *domain.Execution, before, after []string, action string, status domain.AuditStatus, cause error) {
	entry := &domain.AuditEntry{
		ID:          uuid.NewString(),
		ExecutionID: execution.ID,
		RuleID:      execution.RuleID,
		ContactID:   execution.ContactID,
		StepIndex:   execution.CurrentStepIndex,
		TagsBefore:  before,
		TagsAfter:   after,
		Action:      action,
		Status:      status,
		CreatedAt:   e.now(),
	}
	if cause != nil {
		errStr := cause.Error()
		entry.Error = &errStr
	}

	if err := e.execRepo.CreateAuditEntry(ctx, entry); err != nil {
		e.logger.WithFields(map[string]interface{}{
			"execution_id": execution.ID,
			"step_index":   execution.CurrentStepIndex,
			"error":        err.Error(),
		}).Warn("Failed to write audit entry")
	}
}
