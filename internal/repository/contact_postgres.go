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

// ContactRepository implements domain.ContactStore backed by Postgres. Tag
// mutations lock the contact row so concurrent steps touching the same
// contact serialize instead of losing writes.
type ContactRepository struct {
	db *sql.DB
}

// NewContactRepository creates a new ContactRepository
func NewContactRepository(db *sql.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

var contactColumns = []string{
	"id", "email", "first_name", "last_name", "tags", "updated_at",
}

// GetContactByID retrieves a contact by ID
func (r *ContactRepository) GetContactByID(ctx context.Context, contactID string) (*domain.Contact, error) {
	query, args, err := psql.
		Select(contactColumns...).
		From("contacts").
		Where(sq.Eq{"id": contactID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	contact, err := scanContact(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, &domain.ErrNotFound{Entity: "contact", ID: contactID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	return contact, nil
}

// UpsertContact inserts or updates a contact snapshot from the owning system
func (r *ContactRepository) UpsertContact(ctx context.Context, contact *domain.Contact) error {
	contact.Tags = domain.NormalizeTags(contact.Tags)
	contact.UpdatedAt = time.Now().UTC()

	query, args, err := psql.
		Insert("contacts").
		Columns(contactColumns...).
		Values(
			contact.ID, contact.Email, contact.FirstName, contact.LastName,
			pq.Array(contact.Tags), contact.UpdatedAt,
		).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			tags = EXCLUDED.tags,
			updated_at = EXCLUDED.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert contact: %w", err)
	}
	return nil
}

// ApplyTagMutation applies one add/remove command to the contact's tag set
// and returns the updated contact. The mutation is a set operation: adding a
// present tag or removing an absent one is a no-op that still succeeds.
func (r *ContactRepository) ApplyTagMutation(ctx context.Context, cmd domain.TagMutationCommand) (*domain.Contact, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tag mutation: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query, args, err := psql.
		Select(contactColumns...).
		From("contacts").
		Where(sq.Eq{"id": cmd.ContactID}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	contact, err := scanContact(tx.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, &domain.ErrNotFound{Entity: "contact", ID: cmd.ContactID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock contact: %w", err)
	}

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

	updateQuery, updateArgs, err := psql.
		Update("contacts").
		Set("tags", pq.Array(contact.Tags)).
		Set("updated_at", contact.UpdatedAt).
		Where(sq.Eq{"id": contact.ID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	if _, err := tx.ExecContext(ctx, updateQuery, updateArgs...); err != nil {
		return nil, fmt.Errorf("failed to update contact tags: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return contact, nil
}

func scanContact(row rowScanner) (*domain.Contact, error) {
	var contact domain.Contact
	if err := row.Scan(
		&contact.ID, &contact.Email, &contact.FirstName, &contact.LastName,
		pq.Array(&contact.Tags), &contact.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &contact, nil
}
