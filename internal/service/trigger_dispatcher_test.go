package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagflow/tagflow/internal/domain"
	"github.com/tagflow/tagflow/pkg/logger"
)

func enabledRule(id, tag string, kind domain.TriggerKind) *domain.AutomationRule {
	return &domain.AutomationRule{
		ID:      id,
		Name:    id,
		Enabled: true,
		Trigger: domain.RuleTrigger{Kind: kind, Tag: tag},
		Steps: []domain.Step{
			{Kind: domain.StepKindStop},
		},
	}
}

func TestTriggerDispatcher_MatchesAndEnqueues(t *testing.T) {
	ruleRepo := newMockRuleRepository(
		enabledRule("rule-1", "customer", domain.TriggerTagAdded),
		enabledRule("rule-2", "customer", domain.TriggerTagAdded),
		enabledRule("rule-3", "other", domain.TriggerTagAdded),
		enabledRule("rule-4", "customer", domain.TriggerTagRemoved),
	)
	execRepo := newMockExecutionRepository()
	sink := &recordingSink{}
	dispatcher := NewTriggerDispatcher(ruleRepo, execRepo, sink, logger.NewTestLogger(t), 10)

	err := dispatcher.OnTagMutation(context.Background(), &domain.TagMutationEvent{
		ContactID: "contact-1",
		Tag:       "customer",
		Kind:      domain.TagMutationAdded,
	})
	require.NoError(t, err)

	// Only the two tag_added rules on "customer" fire
	assert.Len(t, sink.submitted(), 2)
	executions, total, err := execRepo.ListExecutions(context.Background(), domain.ExecutionFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	for _, execution := range executions {
		assert.Equal(t, "contact-1", execution.ContactID)
		assert.Equal(t, domain.ExecutionStatusPending, execution.Status)
		assert.NotEmpty(t, execution.OriginToken)
	}
	assert.Equal(t, 1, ruleRepo.triggerCounts["rule-1"])
	assert.Equal(t, 1, ruleRepo.triggerCounts["rule-2"])
	assert.Equal(t, 0, ruleRepo.triggerCounts["rule-3"])
}

func TestTriggerDispatcher_MatchingIsCaseInsensitive(t *testing.T) {
	ruleRepo := newMockRuleRepository(enabledRule("rule-1", "Customer", domain.TriggerTagAdded))
	execRepo := newMockExecutionRepository()
	sink := &recordingSink{}
	dispatcher := NewTriggerDispatcher(ruleRepo, execRepo, sink, logger.NewTestLogger(t), 10)

	err := dispatcher.OnTagMutation(context.Background(), &domain.TagMutationEvent{
		ContactID: "contact-1",
		Tag:       "CUSTOMER",
		Kind:      domain.TagMutationAdded,
	})
	require.NoError(t, err)
	assert.Len(t, sink.submitted(), 1)
}

func TestTriggerDispatcher_SuppressesDuplicateActiveExecution(t *testing.T) {
	ruleRepo := newMockRuleRepository(enabledRule("rule-1", "customer", domain.TriggerTagAdded))
	execRepo := newMockExecutionRepository()
	sink := &recordingSink{}
	dispatcher := NewTriggerDispatcher(ruleRepo, execRepo, sink, logger.NewTestLogger(t), 10)

	event := &domain.TagMutationEvent{ContactID: "contact-1", Tag: "customer", Kind: domain.TagMutationAdded}
	require.NoError(t, dispatcher.OnTagMutation(context.Background(), event))
	require.NoError(t, dispatcher.OnTagMutation(context.Background(), event))

	// The second trigger found a live execution and was swallowed
	assert.Len(t, sink.submitted(), 1)
	_, total, err := execRepo.ListExecutions(context.Background(), domain.ExecutionFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, ruleRepo.triggerCounts["rule-1"])

	// A different contact is unaffected
	require.NoError(t, dispatcher.OnTagMutation(context.Background(), &domain.TagMutationEvent{
		ContactID: "contact-2", Tag: "customer", Kind: domain.TagMutationAdded,
	}))
	assert.Len(t, sink.submitted(), 2)
}

func TestTriggerDispatcher_CutsLoopChains(t *testing.T) {
	ruleRepo := newMockRuleRepository(enabledRule("rule-1", "customer", domain.TriggerTagAdded))
	execRepo := newMockExecutionRepository()
	sink := &recordingSink{}
	dispatcher := NewTriggerDispatcher(ruleRepo, execRepo, sink, logger.NewTestLogger(t), 10)

	err := dispatcher.OnTagMutation(context.Background(), &domain.TagMutationEvent{
		ContactID:   "contact-1",
		Tag:         "customer",
		Kind:        domain.TagMutationAdded,
		OriginToken: "origin-1",
		HopCount:    11,
	})

	var loopErr *domain.TriggerLoopError
	require.ErrorAs(t, err, &loopErr)
	assert.Equal(t, "origin-1", loopErr.OriginToken)
	assert.Equal(t, 11, loopErr.HopCount)
	assert.Empty(t, sink.submitted())

	// At the bound itself the chain still runs
	err = dispatcher.OnTagMutation(context.Background(), &domain.TagMutationEvent{
		ContactID:   "contact-1",
		Tag:         "customer",
		Kind:        domain.TagMutationAdded,
		OriginToken: "origin-1",
		HopCount:    10,
	})
	require.NoError(t, err)
	assert.Len(t, sink.submitted(), 1)
}

func TestTriggerDispatcher_PropagatesOriginToNewExecutions(t *testing.T) {
	ruleRepo := newMockRuleRepository(enabledRule("rule-1", "customer", domain.TriggerTagAdded))
	execRepo := newMockExecutionRepository()
	sink := &recordingSink{}
	dispatcher := NewTriggerDispatcher(ruleRepo, execRepo, sink, logger.NewTestLogger(t), 10)

	require.NoError(t, dispatcher.OnTagMutation(context.Background(), &domain.TagMutationEvent{
		ContactID:   "contact-1",
		Tag:         "customer",
		Kind:        domain.TagMutationAdded,
		OriginToken: "origin-1",
		HopCount:    3,
	}))

	executions, _, err := execRepo.ListExecutions(context.Background(), domain.ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, executions, 1)
	assert.Equal(t, "origin-1", executions[0].OriginToken)
	assert.Equal(t, 3, executions[0].HopCount)
}

func TestTriggerDispatcher_RejectsInvalidEvent(t *testing.T) {
	dispatcher := NewTriggerDispatcher(newMockRuleRepository(), newMockExecutionRepository(), &recordingSink{}, logger.NewTestLogger(t), 10)

	err := dispatcher.OnTagMutation(context.Background(), &domain.TagMutationEvent{Tag: "customer", Kind: domain.TagMutationAdded})
	assert.Error(t, err)
}

func TestContactGateway_RedispatchesStepMutations(t *testing.T) {
	ruleRepo := newMockRuleRepository(enabledRule("rule-1", "welcomed", domain.TriggerTagAdded))
	execRepo := newMockExecutionRepository()
	sink := &recordingSink{}
	log := logger.NewTestLogger(t)
	dispatcher := NewTriggerDispatcher(ruleRepo, execRepo, sink, log, 10)
	store := newMockContactStore(&domain.Contact{ID: "contact-1", Email: "ada@example.com"})
	gateway := NewContactGateway(store, dispatcher, log)

	contact, err := gateway.ApplyTagMutation(context.Background(), domain.TagMutationCommand{
		ContactID:   "contact-1",
		Tag:         "welcomed",
		Action:      domain.TagActionAdd,
		OriginToken: "origin-1",
		HopCount:    2,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"welcomed"}, contact.Tags)

	// The step-caused mutation chained into a new execution
	require.Len(t, sink.submitted(), 1)
	executions, _, err := execRepo.ListExecutions(context.Background(), domain.ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, executions, 1)
	assert.Equal(t, "origin-1", executions[0].OriginToken)
	assert.Equal(t, 2, executions[0].HopCount)
}

func TestContactGateway_MutationSurvivesCutChain(t *testing.T) {
	ruleRepo := newMockRuleRepository(enabledRule("rule-1", "welcomed", domain.TriggerTagAdded))
	execRepo := newMockExecutionRepository()
	sink := &recordingSink{}
	log := logger.NewTestLogger(t)
	dispatcher := NewTriggerDispatcher(ruleRepo, execRepo, sink, log, 10)
	store := newMockContactStore(&domain.Contact{ID: "contact-1", Email: "ada@example.com"})
	gateway := NewContactGateway(store, dispatcher, log)

	// Past the hop bound the tag still lands, only the chain is cut
	contact, err := gateway.ApplyTagMutation(context.Background(), domain.TagMutationCommand{
		ContactID:   "contact-1",
		Tag:         "welcomed",
		Action:      domain.TagActionAdd,
		OriginToken: "origin-1",
		HopCount:    11,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"welcomed"}, contact.Tags)
	assert.Empty(t, sink.submitted())
}
