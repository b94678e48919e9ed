package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tagflow/tagflow/internal/domain"
)

// mockRuleRepository is an in-memory RuleRepository for service tests
type mockRuleRepository struct {
	mu            sync.Mutex
	rules         map[string]*domain.AutomationRule
	triggerCounts map[string]int
	getErr        error
}

func newMockRuleRepository(rules ...*domain.AutomationRule) *mockRuleRepository {
	repo := &mockRuleRepository{
		rules:         make(map[string]*domain.AutomationRule),
		triggerCounts: make(map[string]int),
	}
	for _, rule := range rules {
		repo.rules[rule.ID] = rule
	}
	return repo
}

func (m *mockRuleRepository) Create(_ context.Context, rule *domain.AutomationRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule.ID] = rule
	return nil
}

func (m *mockRuleRepository) GetByID(_ context.Context, id string) (*domain.AutomationRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	rule, ok := m.rules[id]
	if !ok || rule.DeletedAt != nil {
		return nil, &domain.ErrNotFound{Entity: "automation rule", ID: id}
	}
	copied := *rule
	return &copied, nil
}

func (m *mockRuleRepository) List(_ context.Context, _ domain.RuleFilter) ([]*domain.AutomationRule, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.AutomationRule
	for _, rule := range m.rules {
		if rule.DeletedAt == nil {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, len(out), nil
}

func (m *mockRuleRepository) ListEnabledByTrigger(_ context.Context, kind domain.TagMutationKind, tag string) ([]*domain.AutomationRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.AutomationRule
	for _, rule := range m.rules {
		if rule.Enabled && rule.DeletedAt == nil && rule.Trigger.Kind.MutationKind() == kind && domain.NormalizeTag(rule.Trigger.Tag) == tag {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockRuleRepository) Update(_ context.Context, rule *domain.AutomationRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[rule.ID]; !ok {
		return &domain.ErrNotFound{Entity: "automation rule", ID: rule.ID}
	}
	m.rules[rule.ID] = rule
	return nil
}

func (m *mockRuleRepository) SetEnabled(_ context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[id]
	if !ok {
		return &domain.ErrNotFound{Entity: "automation rule", ID: id}
	}
	rule.Enabled = enabled
	return nil
}

func (m *mockRuleRepository) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[id]
	if !ok {
		return &domain.ErrNotFound{Entity: "automation rule", ID: id}
	}
	now := time.Now().UTC()
	rule.Enabled = false
	rule.DeletedAt = &now
	return nil
}

func (m *mockRuleRepository) IncrementTriggerCount(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggerCounts[id]++
	if rule, ok := m.rules[id]; ok {
		rule.TriggerCount++
		rule.LastTriggeredAt = &at
	}
	return nil
}

// mockExecutionRepository implements the store with real version/CAS
// semantics so concurrency paths are exercised honestly
type mockExecutionRepository struct {
	mu         sync.Mutex
	executions map[string]*domain.Execution
	audits     []*domain.AuditEntry
	stats      map[string]map[domain.RuleStat]int

	// casHook runs inside CompareAndSwapExecution before the swap; tests
	// use it to simulate a concurrent writer
	casHook func(exec *domain.Execution)
}

func newMockExecutionRepository() *mockExecutionRepository {
	return &mockExecutionRepository{
		executions: make(map[string]*domain.Execution),
		stats:      make(map[string]map[domain.RuleStat]int),
	}
}

func (m *mockExecutionRepository) TryCreateExecution(_ context.Context, execution *domain.Execution) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.executions {
		if existing.RuleID == execution.RuleID && existing.ContactID == execution.ContactID && !existing.Status.IsTerminal() {
			return false, nil
		}
	}
	copied := *execution
	m.executions[execution.ID] = &copied
	return true, nil
}

func (m *mockExecutionRepository) GetExecution(_ context.Context, id string) (*domain.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	execution, ok := m.executions[id]
	if !ok {
		return nil, &domain.ErrNotFound{Entity: "execution", ID: id}
	}
	copied := *execution
	return &copied, nil
}

func (m *mockExecutionRepository) ListExecutions(_ context.Context, filter domain.ExecutionFilter) ([]*domain.Execution, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Execution
	for _, execution := range m.executions {
		if filter.RuleID != "" && execution.RuleID != filter.RuleID {
			continue
		}
		if filter.ContactID != "" && execution.ContactID != filter.ContactID {
			continue
		}
		copied := *execution
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, len(out), nil
}

func (m *mockExecutionRepository) CompareAndSwapExecution(_ context.Context, execution *domain.Execution, stat *domain.RuleStat) error {
	if m.casHook != nil {
		hook := m.casHook
		m.casHook = nil
		hook(execution)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.executions[execution.ID]
	if !ok {
		return &domain.ErrNotFound{Entity: "execution", ID: execution.ID}
	}
	if stored.Version != execution.Version {
		return domain.ErrExecutionConflict
	}
	execution.Version++
	execution.UpdatedAt = time.Now().UTC()
	copied := *execution
	m.executions[execution.ID] = &copied

	if stat != nil {
		if m.stats[execution.RuleID] == nil {
			m.stats[execution.RuleID] = make(map[domain.RuleStat]int)
		}
		m.stats[execution.RuleID][*stat]++
	}
	return nil
}

func (m *mockExecutionRepository) ListDueExecutions(_ context.Context, before time.Time, limit int) ([]*domain.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Execution
	for _, execution := range m.executions {
		if execution.Status == domain.ExecutionStatusWaiting && execution.ScheduledWakeAt != nil && !execution.ScheduledWakeAt.After(before) {
			copied := *execution
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledWakeAt.Before(*out[j].ScheduledWakeAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockExecutionRepository) ListStalledExecutions(_ context.Context, before time.Time, limit int) ([]*domain.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Execution
	for _, execution := range m.executions {
		stalled := execution.Status == domain.ExecutionStatusPending || execution.Status == domain.ExecutionStatusRunning
		if stalled && !execution.UpdatedAt.After(before) {
			copied := *execution
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockExecutionRepository) CreateAuditEntry(_ context.Context, entry *domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *entry
	m.audits = append(m.audits, &copied)
	return nil
}

func (m *mockExecutionRepository) ListAuditEntries(_ context.Context, executionID string) ([]*domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.AuditEntry
	for _, entry := range m.audits {
		if entry.ExecutionID == executionID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (m *mockExecutionRepository) ListAuditEntriesByRule(_ context.Context, ruleID string) ([]*domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.AuditEntry
	for _, entry := range m.audits {
		if entry.RuleID == ruleID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (m *mockExecutionRepository) statCount(ruleID string, stat domain.RuleStat) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats[ruleID][stat]
}

// mockContactStore is an in-memory ContactStore applying tag mutations as
// set operations
type mockContactStore struct {
	mu       sync.Mutex
	contacts map[string]*domain.Contact

	// mutations records every command applied, in order
	mutations []domain.TagMutationCommand

	// applyErr fails ApplyTagMutation; applyErrTimes > 0 limits the
	// failures to that many calls before the store recovers
	applyErr      error
	applyErrTimes int
}

func newMockContactStore(contacts ...*domain.Contact) *mockContactStore {
	store := &mockContactStore{contacts: make(map[string]*domain.Contact)}
	for _, contact := range contacts {
		store.contacts[contact.ID] = contact
	}
	return store
}

func (m *mockContactStore) GetContactByID(_ context.Context, contactID string) (*domain.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	contact, ok := m.contacts[contactID]
	if !ok {
		return nil, &domain.ErrNotFound{Entity: "contact", ID: contactID}
	}
	copied := *contact
	copied.Tags = append([]string(nil), contact.Tags...)
	return &copied, nil
}

func (m *mockContactStore) ApplyTagMutation(_ context.Context, cmd domain.TagMutationCommand) (*domain.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		err := m.applyErr
		if m.applyErrTimes > 0 {
			m.applyErrTimes--
			if m.applyErrTimes == 0 {
				m.applyErr = nil
			}
		}
		return nil, err
	}
	contact, ok := m.contacts[cmd.ContactID]
	if !ok {
		return nil, &domain.ErrNotFound{Entity: "contact", ID: cmd.ContactID}
	}

	m.mutations = append(m.mutations, cmd)
	tag := domain.NormalizeTag(cmd.Tag)
	switch cmd.Action {
	case domain.TagActionAdd:
		if !contact.HasTag(tag) {
			contact.Tags = domain.NormalizeTags(append(contact.Tags, tag))
		}
	case domain.TagActionRemove:
		var kept []string
		for _, t := range contact.Tags {
			if t != tag {
				kept = append(kept, t)
			}
		}
		contact.Tags = kept
	}
	contact.UpdatedAt = time.Now().UTC()

	copied := *contact
	copied.Tags = append([]string(nil), contact.Tags...)
	return &copied, nil
}

// mockTemplateRepository is an in-memory template registry
type mockTemplateRepository struct {
	templates map[string]*domain.EmailTemplate
}

func newMockTemplateRepository(templates ...*domain.EmailTemplate) *mockTemplateRepository {
	repo := &mockTemplateRepository{templates: make(map[string]*domain.EmailTemplate)}
	for _, tmpl := range templates {
		repo.templates[tmpl.ID] = tmpl
	}
	return repo
}

func (m *mockTemplateRepository) GetTemplateByID(_ context.Context, id string) (*domain.EmailTemplate, error) {
	tmpl, ok := m.templates[id]
	if !ok {
		return nil, &domain.ErrNotFound{Entity: "template", ID: id}
	}
	return tmpl, nil
}

// mockWebhookRepository is an in-memory webhook registry
type mockWebhookRepository struct {
	webhooks map[string]*domain.WebhookEndpoint
}

func newMockWebhookRepository(webhooks ...*domain.WebhookEndpoint) *mockWebhookRepository {
	repo := &mockWebhookRepository{webhooks: make(map[string]*domain.WebhookEndpoint)}
	for _, wh := range webhooks {
		repo.webhooks[wh.ID] = wh
	}
	return repo
}

func (m *mockWebhookRepository) GetWebhookByID(_ context.Context, id string) (*domain.WebhookEndpoint, error) {
	wh, ok := m.webhooks[id]
	if !ok {
		return nil, &domain.ErrNotFound{Entity: "webhook", ID: id}
	}
	return wh, nil
}

// recordingSink collects submitted execution ids
type recordingSink struct {
	mu  sync.Mutex
	ids []string
}

func (s *recordingSink) Submit(executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, executionID)
}

func (s *recordingSink) submitted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}
