package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tagflow/tagflow/internal/domain"
	"github.com/tagflow/tagflow/pkg/logger"
)

// RuleService is the operator-facing surface for managing automation rules
type RuleService struct {
	ruleRepo domain.RuleRepository
	reversal *ReversalService
	logger   logger.Logger
}

// NewRuleService creates a new RuleService
func NewRuleService(ruleRepo domain.RuleRepository, reversal *ReversalService, log logger.Logger) *RuleService {
	return &RuleService{
		ruleRepo: ruleRepo,
		reversal: reversal,
		logger:   log,
	}
}

// CreateRule validates and persists a new rule
func (s *RuleService) CreateRule(ctx context.Context, rule *domain.AutomationRule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	rule.Trigger.Tag = domain.NormalizeTag(rule.Trigger.Tag)

	if err := rule.Validate(); err != nil {
		return fmt.Errorf("invalid rule: %w", err)
	}

	if err := s.ruleRepo.Create(ctx, rule); err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"rule_id": rule.ID,
		"name":    rule.Name,
		"trigger": string(rule.Trigger.Kind),
		"tag":     rule.Trigger.Tag,
	}).Info("Rule created")
	return nil
}

// GetRule fetches a rule with its statistics counters
func (s *RuleService) GetRule(ctx context.Context, id string) (*domain.AutomationRule, error) {
	return s.ruleRepo.GetByID(ctx, id)
}

// ListRules fetches rules matching the filter along with the total count
func (s *RuleService) ListRules(ctx context.Context, filter domain.RuleFilter) ([]*domain.AutomationRule, int, error) {
	return s.ruleRepo.List(ctx, filter)
}

// UpdateRule validates and persists changes to an existing rule. Running
// executions keep advancing against the updated step list on their next
// turn.
func (s *RuleService) UpdateRule(ctx context.Context, rule *domain.AutomationRule) error {
	rule.UpdatedAt = time.Now().UTC()
	rule.Trigger.Tag = domain.NormalizeTag(rule.Trigger.Tag)

	if err := rule.Validate(); err != nil {
		return fmt.Errorf("invalid rule: %w", err)
	}

	if err := s.ruleRepo.Update(ctx, rule); err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	s.logger.WithField("rule_id", rule.ID).Info("Rule updated")
	return nil
}

// SetRuleEnabled flips the enabled flag. Disabling stops new triggers only;
// executions already in flight run to completion.
func (s *RuleService) SetRuleEnabled(ctx context.Context, id string, enabled bool) error {
	if err := s.ruleRepo.SetEnabled(ctx, id, enabled); err != nil {
		return fmt.Errorf("failed to set rule enabled state: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"rule_id": id,
		"enabled": enabled,
	}).Info("Rule enabled state changed")
	return nil
}

// DeleteRule soft-deletes a rule. In-flight executions fail on their next
// turn when the rule lookup comes back empty.
func (s *RuleService) DeleteRule(ctx context.Context, id string) error {
	if err := s.ruleRepo.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	s.logger.WithField("rule_id", id).Info("Rule deleted")
	return nil
}

// DeleteRuleWithReversal deletes the rule and then undoes the tag changes
// its executions made
func (s *RuleService) DeleteRuleWithReversal(ctx context.Context, id string) (*ReversalResult, error) {
	if err := s.DeleteRule(ctx, id); err != nil {
		return nil, err
	}
	return s.reversal.ReverseRule(ctx, id)
}
