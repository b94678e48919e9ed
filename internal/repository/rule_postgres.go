package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/tagflow/tagflow/internal/domain"
)

// psql is a Squirrel StatementBuilder configured for PostgreSQL
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// RuleRepository implements domain.RuleRepository backed by Postgres
type RuleRepository struct {
	db *sql.DB
}

// NewRuleRepository creates a new RuleRepository
func NewRuleRepository(db *sql.DB) *RuleRepository {
	return &RuleRepository{db: db}
}

var ruleColumns = []string{
	"id", "name", "enabled", "trigger_kind", "trigger_tag", "steps",
	"trigger_count", "success_count", "failure_count", "last_triggered_at",
	"created_at", "updated_at", "deleted_at",
}

// Create adds a new automation rule
func (r *RuleRepository) Create(ctx context.Context, rule *domain.AutomationRule) error {
	stepsJSON, err := json.Marshal(rule.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}

	query, args, err := psql.
		Insert("automation_rules").
		Columns(
			"id", "name", "enabled", "trigger_kind", "trigger_tag", "steps",
			"created_at", "updated_at",
		).
		Values(
			rule.ID, rule.Name, rule.Enabled, rule.Trigger.Kind, rule.Trigger.Tag,
			stepsJSON, rule.CreatedAt, rule.UpdatedAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}
	return nil
}

// GetByID retrieves a rule by ID. Soft-deleted rules are excluded.
func (r *RuleRepository) GetByID(ctx context.Context, id string) (*domain.AutomationRule, error) {
	query, args, err := psql.
		Select(ruleColumns...).
		From("automation_rules").
		Where(sq.Eq{"id": id, "deleted_at": nil}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rule, err := scanRule(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, &domain.ErrNotFound{Entity: "automation rule", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// List retrieves rules matching the filter plus the total count
func (r *RuleRepository) List(ctx context.Context, filter domain.RuleFilter) ([]*domain.AutomationRule, int, error) {
	whereClause := sq.Eq{}
	if !filter.IncludeDeleted {
		whereClause["deleted_at"] = nil
	}
	if filter.Enabled != nil {
		whereClause["enabled"] = *filter.Enabled
	}
	if filter.TriggerTag != "" {
		whereClause["trigger_tag"] = domain.NormalizeTag(filter.TriggerTag)
	}

	countQuery, countArgs, err := psql.
		Select("COUNT(*)").
		From("automation_rules").
		Where(whereClause).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build count query: %w", err)
	}

	var count int
	if err := r.db.QueryRowContext(ctx, countQuery, countArgs...).Scan(&count); err != nil {
		return nil, 0, fmt.Errorf("failed to count rules: %w", err)
	}

	dataQuery := psql.
		Select(ruleColumns...).
		From("automation_rules").
		Where(whereClause).
		OrderBy("created_at DESC")
	if filter.Limit > 0 {
		dataQuery = dataQuery.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		dataQuery = dataQuery.Offset(uint64(filter.Offset))
	}

	query, args, err := dataQuery.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []*domain.AutomationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate rules: %w", err)
	}

	return rules, count, nil
}

// ListEnabledByTrigger retrieves the enabled rules whose trigger matches the
// mutation kind and canonical tag
func (r *RuleRepository) ListEnabledByTrigger(ctx context.Context, kind domain.TagMutationKind, tag string) ([]*domain.AutomationRule, error) {
	triggerKind := domain.TriggerTagAdded
	if kind == domain.TagMutationRemoved {
		triggerKind = domain.TriggerTagRemoved
	}

	query, args, err := psql.
		Select(ruleColumns...).
		From("automation_rules").
		Where(sq.Eq{
			"enabled":      true,
			"deleted_at":   nil,
			"trigger_kind": triggerKind,
			"trigger_tag":  domain.NormalizeTag(tag),
		}).
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules by trigger: %w", err)
	}
	defer rows.Close()

	var rules []*domain.AutomationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rules: %w", err)
	}

	return rules, nil
}

// Update persists changes to a rule. Statistics counters are owned by their
// increment operations and are not written here.
func (r *RuleRepository) Update(ctx context.Context, rule *domain.AutomationRule) error {
	stepsJSON, err := json.Marshal(rule.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}

	query, args, err := psql.
		Update("automation_rules").
		Set("name", rule.Name).
		Set("enabled", rule.Enabled).
		Set("trigger_kind", rule.Trigger.Kind).
		Set("trigger_tag", rule.Trigger.Tag).
		Set("steps", stepsJSON).
		Set("updated_at", rule.UpdatedAt).
		Where(sq.Eq{"id": rule.ID, "deleted_at": nil}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return requireRowAffected(result, "automation rule", rule.ID)
}

// SetEnabled flips the enabled flag without touching the rest of the rule
func (r *RuleRepository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	query, args, err := psql.
		Update("automation_rules").
		Set("enabled", enabled).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": id, "deleted_at": nil}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to set rule enabled state: %w", err)
	}
	return requireRowAffected(result, "automation rule", id)
}

// Delete soft-deletes a rule and disables it in the same statement
func (r *RuleRepository) Delete(ctx context.Context, id string) error {
	now := time.Now().UTC()
	query, args, err := psql.
		Update("automation_rules").
		Set("enabled", false).
		Set("deleted_at", now).
		Set("updated_at", now).
		Where(sq.Eq{"id": id, "deleted_at": nil}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	return requireRowAffected(result, "automation rule", id)
}

// IncrementTriggerCount bumps trigger_count and stamps last_triggered_at
func (r *RuleRepository) IncrementTriggerCount(ctx context.Context, id string, at time.Time) error {
	query, args, err := psql.
		Update("automation_rules").
		Set("trigger_count", sq.Expr("trigger_count + 1")).
		Set("last_triggered_at", at).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to increment trigger count: %w", err)
	}
	return requireRowAffected(result, "automation rule", id)
}

// rowScanner abstracts *sql.Row and *sql.Rows for the scan helpers
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*domain.AutomationRule, error) {
	var rule domain.AutomationRule
	var stepsJSON []byte
	var lastTriggeredAt, deletedAt sql.NullTime

	err := row.Scan(
		&rule.ID, &rule.Name, &rule.Enabled, &rule.Trigger.Kind, &rule.Trigger.Tag,
		&stepsJSON, &rule.TriggerCount, &rule.SuccessCount, &rule.FailureCount,
		&lastTriggeredAt, &rule.CreatedAt, &rule.UpdatedAt, &deletedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(stepsJSON) > 0 {
		if err := json.Unmarshal(stepsJSON, &rule.Steps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
		}
	}
	if lastTriggeredAt.Valid {
		rule.LastTriggeredAt = &lastTriggeredAt.Time
	}
	if deletedAt.Valid {
		rule.DeletedAt = &deletedAt.Time
	}
	return &rule, nil
}

// requireRowAffected converts a zero-row UPDATE into a not-found error
func requireRowAffected(result sql.Result, entity, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return &domain.ErrNotFound{Entity: entity, ID: id}
	}
	return nil
}
