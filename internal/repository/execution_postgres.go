package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	"github.com/tagflow/tagflow/internal/domain"
)

// ExecutionRepository implements domain.ExecutionRepository backed by
// Postgres. The two invariants the engine leans on live here: at most one
// non-terminal execution per (rule, contact), enforced by a conditional
// insert, and serialized state transitions, enforced by the version column.
type ExecutionRepository struct {
	db *sql.DB
}

// NewExecutionRepository creates a new ExecutionRepository
func NewExecutionRepository(db *sql.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

var executionColumns = []string{
	"id", "rule_id", "contact_id", "origin_token", "hop_count",
	"current_step_index", "status", "scheduled_wake_at", "attempt_count",
	"version", "last_error", "created_at", "updated_at",
}

const tryCreateExecutionQuery = `
INSERT INTO executions (
	id, rule_id, contact_id, origin_token, hop_count,
	current_step_index, status, scheduled_wake_at, attempt_count,
	version, last_error, created_at, updated_at
)
SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
WHERE NOT EXISTS (
	SELECT 1 FROM executions
	WHERE rule_id = $2 AND contact_id = $3 AND status NOT IN ('completed', 'stopped', 'failed')
)`

// TryCreateExecution inserts the execution unless a non-terminal one already
// exists for the same (rule, contact) pair. The conditional insert races
// safely against itself: the partial unique index on non-terminal rows makes
// a concurrent double-insert impossible.
func (r *ExecutionRepository) TryCreateExecution(ctx context.Context, execution *domain.Execution) (bool, error) {
	result, err := r.db.ExecContext(ctx, tryCreateExecutionQuery,
		execution.ID, execution.RuleID, execution.ContactID,
		execution.OriginToken, execution.HopCount,
		execution.CurrentStepIndex, execution.Status, execution.ScheduledWakeAt,
		execution.AttemptCount, execution.Version, execution.LastError,
		execution.CreatedAt, execution.UpdatedAt,
	)
	if err != nil {
		// The partial unique index catches the remaining race window
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return false, nil
		}
		return false, fmt.Errorf("failed to create execution: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected == 1, nil
}

// GetExecution retrieves an execution by ID
func (r *ExecutionRepository) GetExecution(ctx context.Context, id string) (*domain.Execution, error) {
	query, args, err := psql.
		Select(executionColumns...).
		From("executions").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	execution, err := scanExecution(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, &domain.ErrNotFound{Entity: "execution", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return execution, nil
}

// ListExecutions retrieves executions matching the filter plus the total count
func (r *ExecutionRepository) ListExecutions(ctx context.Context, filter domain.ExecutionFilter) ([]*domain.Execution, int, error) {
	whereClause := sq.Eq{}
	if filter.RuleID != "" {
		whereClause["rule_id"] = filter.RuleID
	}
	if filter.ContactID != "" {
		whereClause["contact_id"] = filter.ContactID
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			statuses[i] = string(s)
		}
		whereClause["status"] = statuses
	}

	countQuery, countArgs, err := psql.
		Select("COUNT(*)").
		From("executions").
		Where(whereClause).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build count query: %w", err)
	}

	var count int
	if err := r.db.QueryRowContext(ctx, countQuery, countArgs...).Scan(&count); err != nil {
		return nil, 0, fmt.Errorf("failed to count executions: %w", err)
	}

	dataQuery := psql.
		Select(executionColumns...).
		From("executions").
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
		return nil, 0, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var executions []*domain.Execution
	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, execution)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate executions: %w", err)
	}

	return executions, count, nil
}

// CompareAndSwapExecution persists the execution conditioned on its version
// matching the stored row, bumping the version on success. When stat is
// non-nil the named rule counter is incremented in the same transaction, so
// a terminal transition and its statistic can never diverge.
func (r *ExecutionRepository) CompareAndSwapExecution(ctx context.Context, execution *domain.Execution, stat *domain.RuleStat) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	query, args, err := psql.
		Update("executions").
		Set("current_step_index", execution.CurrentStepIndex).
		Set("status", execution.Status).
		Set("scheduled_wake_at", execution.ScheduledWakeAt).
		Set("attempt_count", execution.AttemptCount).
		Set("last_error", execution.LastError).
		Set("version", execution.Version+1).
		Set("updated_at", now).
		Where(sq.Eq{"id": execution.ID, "version": execution.Version}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrExecutionConflict
	}

	if stat != nil {
		statQuery, statArgs, err := psql.
			Update("automation_rules").
			Set(string(*stat), sq.Expr(string(*stat)+" + 1")).
			Where(sq.Eq{"id": execution.RuleID}).
			ToSql()
		if err != nil {
			return fmt.Errorf("failed to build stat query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, statQuery, statArgs...); err != nil {
			return fmt.Errorf("failed to increment rule counter: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	execution.Version++
	execution.UpdatedAt = now
	return nil
}

// ListDueExecutions returns waiting executions whose wake time has arrived,
// ordered by wake time
func (r *ExecutionRepository) ListDueExecutions(ctx context.Context, before time.Time, limit int) ([]*domain.Execution, error) {
	query, args, err := psql.
		Select(executionColumns...).
		From("executions").
		Where(sq.Eq{"status": domain.ExecutionStatusWaiting}).
		Where(sq.LtOrEq{"scheduled_wake_at": before}).
		OrderBy("scheduled_wake_at ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list due executions: %w", err)
	}
	defer rows.Close()

	var executions []*domain.Execution
	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, execution)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate executions: %w", err)
	}

	return executions, nil
}

// ListStalledExecutions returns pending and running executions untouched
// since before, oldest first
func (r *ExecutionRepository) ListStalledExecutions(ctx context.Context, before time.Time, limit int) ([]*domain.Execution, error) {
	query, args, err := psql.
		Select(executionColumns...).
		From("executions").
		Where(sq.Eq{"status": []domain.ExecutionStatus{domain.ExecutionStatusPending, domain.ExecutionStatusRunning}}).
		Where(sq.LtOrEq{"updated_at": before}).
		OrderBy("updated_at ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list stalled executions: %w", err)
	}
	defer rows.Close()

	var executions []*domain.Execution
	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, execution)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate executions: %w", err)
	}

	return executions, nil
}

// CreateAuditEntry appends one audit log entry
func (r *ExecutionRepository) CreateAuditEntry(ctx context.Context, entry *domain.AuditEntry) error {
	query, args, err := psql.
		Insert("audit_entries").
		Columns(
			"id", "execution_id", "rule_id", "contact_id", "step_index",
			"tags_before", "tags_after", "action", "status", "error", "created_at",
		).
		Values(
			entry.ID, entry.ExecutionID, entry.RuleID, entry.ContactID, entry.StepIndex,
			pq.Array(entry.TagsBefore), pq.Array(entry.TagsAfter),
			entry.Action, entry.Status, entry.Error, entry.CreatedAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}
	return nil
}

// ListAuditEntries retrieves the audit trail of one execution in order
func (r *ExecutionRepository) ListAuditEntries(ctx context.Context, executionID string) ([]*domain.AuditEntry, error) {
	return r.listAudit(ctx, sq.Eq{"execution_id": executionID})
}

// ListAuditEntriesByRule retrieves every audit entry a rule's executions
// produced, in chronological order
func (r *ExecutionRepository) ListAuditEntriesByRule(ctx context.Context, ruleID string) ([]*domain.AuditEntry, error) {
	return r.listAudit(ctx, sq.Eq{"rule_id": ruleID})
}

func (r *ExecutionRepository) listAudit(ctx context.Context, whereClause sq.Eq) ([]*domain.AuditEntry, error) {
	query, args, err := psql.
		Select(
			"id", "execution_id", "rule_id", "contact_id", "step_index",
			"tags_before", "tags_after", "action", "status", "error", "created_at",
		).
		From("audit_entries").
		Where(whereClause).
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*domain.AuditEntry
	for rows.Next() {
		var entry domain.AuditEntry
		var errStr sql.NullString
		if err := rows.Scan(
			&entry.ID, &entry.ExecutionID, &entry.RuleID, &entry.ContactID, &entry.StepIndex,
			pq.Array(&entry.TagsBefore), pq.Array(&entry.TagsAfter),
			&entry.Action, &entry.Status, &errStr, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if errStr.Valid {
			entry.Error = &errStr.String
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit entries: %w", err)
	}

	return entries, nil
}

func scanExecution(row rowScanner) (*domain.Execution, error) {
	var execution domain.Execution
	var scheduledWakeAt sql.NullTime
	var lastError sql.NullString

	err := row.Scan(
		&execution.ID, &execution.RuleID, &execution.ContactID,
		&execution.OriginToken, &execution.HopCount,
		&execution.CurrentStepIndex, &execution.Status, &scheduledWakeAt,
		&execution.AttemptCount, &execution.Version, &lastError,
		&execution.CreatedAt, &execution.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if scheduledWakeAt.Valid {
		execution.ScheduledWakeAt = &scheduledWakeAt.Time
	}
	if lastError.Valid {
		execution.LastError = &lastError.String
	}
	return &execution, nil
}
