package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tagflow/tagflow/internal/domain"
	"github.com/tagflow/tagflow/pkg/logger"
)

// ExecutionSink receives execution ids ready for a step executor turn. Both
// the trigger dispatcher and the delay scheduler feed the same sink.
type ExecutionSink interface {
	Submit(executionID string)
}

// TriggerDispatcher consumes tag mutation events, matches them against the
// rule registry and creates executions. Tag mutation is fire-and-forget for
// the caller: match or creation problems are logged, never thrown back.
type TriggerDispatcher struct {
	ruleRepo domain.RuleRepository
	execRepo domain.ExecutionRepository
	sink     ExecutionSink
	logger   logger.Logger
	hopLimit int
}

// NewTriggerDispatcher creates a new TriggerDispatcher
func NewTriggerDispatcher(
	ruleRepo domain.RuleRepository,
	execRepo domain.ExecutionRepository,
	sink ExecutionSink,
	log logger.Logger,
	hopLimit int,
) *TriggerDispatcher {
	return &TriggerDispatcher{
		ruleRepo: ruleRepo,
		execRepo: execRepo,
		sink:     sink,
		logger:   log,
		hopLimit: hopLimit,
	}
}

// OnTagMutation handles one tag mutation event. Externally-originated
// mutations (no origin token) open a fresh origin chain; mutations produced
// by automation steps carry their execution's token and hop counter, and the
// chain is cut once the counter exceeds the hop bound.
func (d *TriggerDispatcher) OnTagMutation(ctx context.Context, event *domain.TagMutationEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid tag mutation event: %w", err)
	}

	originToken := event.OriginToken
	if originToken == "" {
		originToken = uuid.NewString()
	}

	if event.HopCount > d.hopLimit {
		loopErr := &domain.TriggerLoopError{
			OriginToken: originToken,
			HopCount:    event.HopCount,
			HopLimit:    d.hopLimit,
		}
		d.logger.WithFields(map[string]interface{}{
			"contact_id":   event.ContactID,
			"tag":          event.Tag,
			"origin_token": originToken,
			"hop_count":    event.HopCount,
		}).Error(loopErr.Error())
		return loopErr
	}

	tag := domain.NormalizeTag(event.Tag)
	rules, err := d.ruleRepo.ListEnabledByTrigger(ctx, event.Kind, tag)
	if err != nil {
		return fmt.Errorf("failed to match rules for tag %q: %w", tag, err)
	}

	for _, rule := range rules {
		if err := d.startExecution(ctx, rule, event.ContactID, originToken, event.HopCount); err != nil {
			// One failing rule never affects the others
			d.logger.WithFields(map[string]interface{}{
				"rule_id":    rule.ID,
				"contact_id": event.ContactID,
				"tag":        tag,
				"error":      err.Error(),
			}).Error("Failed to start execution for matched rule")
		}
	}

	return nil
}

// startExecution creates and enqueues one execution for a matched rule.
// Creation is suppressed silently while a non-terminal execution exists for
// the same (rule, contact) pair.
func (d *TriggerDispatcher) startExecution(ctx context.Context, rule *domain.AutomationRule, contactID, originToken string, hopCount int) error {
	now := time.Now().UTC()
	execution := &domain.Execution{
		ID:          uuid.NewString(),
		RuleID:      rule.ID,
		ContactID:   contactID,
		OriginToken: originToken,
		HopCount:    hopCount,
		Status:      domain.ExecutionStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	created, err := d.execRepo.TryCreateExecution(ctx, execution)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	if !created {
		d.logger.WithFields(map[string]interface{}{
			"rule_id":    rule.ID,
			"contact_id": contactID,
		}).Debug("Execution already active for rule and contact, skipping")
		return nil
	}

	if err := d.ruleRepo.IncrementTriggerCount(ctx, rule.ID, now); err != nil {
		d.logger.WithFields(map[string]interface{}{
			"rule_id": rule.ID,
			"error":   err.Error(),
		}).Warn("Failed to increment trigger count")
	}

	d.logger.WithFields(map[string]interface{}{
		"execution_id": execution.ID,
		"rule_id":      rule.ID,
		"contact_id":   contactID,
		"hop_count":    hopCount,
	}).Info("Execution created")

	d.sink.Submit(execution.ID)
	return nil
}
