package service

import (
	"context"
	"fmt"

	"github.com/tagflow/tagflow/internal/domain"
	"github.com/tagflow/tagflow/pkg/logger"
)

// ReversalService undoes the tag changes a rule made across all of its
// executions, reconstructed from the audit log. Reversal mutations go
// through the raw contact store, not the trigger gateway, so undoing a rule
// can never start new executions.
type ReversalService struct {
	execRepo domain.ExecutionRepository
	contacts domain.ContactStore
	logger   logger.Logger
}

// NewReversalService creates a new ReversalService
func NewReversalService(execRepo domain.ExecutionRepository, contacts domain.ContactStore, log logger.Logger) *ReversalService {
	return &ReversalService{
		execRepo: execRepo,
		contacts: contacts,
		logger:   log,
	}
}

// ReversalResult summarizes one reversal run
type ReversalResult struct {
	EntriesScanned int `json:"entries_scanned"`
	TagsRestored   int `json:"tags_restored"`
	TagsRemoved    int `json:"tags_removed"`
	Failures       int `json:"failures"`
}

type tagDelta struct {
	contactID string
	tag       string
}

// ReverseRule computes the net tag delta per (contact, tag) from the rule's
// audit trail and applies the inverse of each. A tag the rule added and
// later removed nets to zero and is left alone. Running a reversal twice is
// safe: the inverse mutations are set operations, so a second pass finds
// nothing left to undo.
func (s *ReversalService) ReverseRule(ctx context.Context, ruleID string) (*ReversalResult, error) {
	entries, err := s.execRepo.ListAuditEntriesByRule(ctx, ruleID)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit entries for rule %s: %w", ruleID, err)
	}

	// Entries arrive in chronological order; net out repeated flips
	net := make(map[tagDelta]int)
	for _, entry := range entries {
		if entry.Status != domain.AuditStatusSuccess {
			continue
		}
		before := tagSet(entry.TagsBefore)
		after := tagSet(entry.TagsAfter)

		for tag := range after {
			if !before[tag] {
				net[tagDelta{entry.ContactID, tag}]++
			}
		}
		for tag := range before {
			if !after[tag] {
				net[tagDelta{entry.ContactID, tag}]--
			}
		}
	}

	result := &ReversalResult{EntriesScanned: len(entries)}
	for delta, count := range net {
		if count == 0 {
			continue
		}

		action := domain.TagActionAdd
		if count > 0 {
			// The rule added this tag on balance; take it back off
			action = domain.TagActionRemove
		}

		cmd := domain.TagMutationCommand{
			ContactID: delta.contactID,
			Tag:       delta.tag,
			Action:    action,
		}
		if _, err := s.contacts.ApplyTagMutation(ctx, cmd); err != nil {
			result.Failures++
			s.logger.WithFields(map[string]interface{}{
				"rule_id":    ruleID,
				"contact_id": delta.contactID,
				"tag":        delta.tag,
				"error":      err.Error(),
			}).Error("Failed to reverse tag change")
			continue
		}

		if action == domain.TagActionRemove {
			result.TagsRemoved++
		} else {
			result.TagsRestored++
		}
	}

	s.logger.WithFields(map[string]interface{}{
		"rule_id":       ruleID,
		"entries":       result.EntriesScanned,
		"tags_removed":  result.TagsRemoved,
		"tags_restored": result.TagsRestored,
		"failures":      result.Failures,
	}).Info("Rule reversal finished")
	return result, nil
}

func tagSet(tags []string) map[string]bool {
	set := make(map[string]bool, len(tags))
	for _, tag := range tags {
		set[domain.NormalizeTag(tag)] = true
	}
	return set
}
