package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagflow/tagflow/internal/domain"
)

func contactRow(id, email string, tags string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "email", "first_name", "last_name", "tags", "updated_at",
	}).AddRow(id, email, "Ada", "Lovelace", tags, time.Now().UTC())
}

func TestContactRepository_GetContactByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM contacts").
		WithArgs("contact-1").
		WillReturnRows(contactRow("contact-1", "ada@example.com", `{customer,vip}`))

	repo := NewContactRepository(db)
	contact, err := repo.GetContactByID(context.Background(), "contact-1")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", contact.Email)
	assert.Equal(t, []string{"customer", "vip"}, contact.Tags)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestContactRepository_GetContactByID_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM contacts").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "email", "first_name", "last_name", "tags", "updated_at",
		}))

	repo := NewContactRepository(db)
	_, err = repo.GetContactByID(context.Background(), "missing")
	assert.True(t, domain.IsNotFound(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestContactRepository_ApplyTagMutation_Add(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM contacts (.+) FOR UPDATE").
		WithArgs("contact-1").
		WillReturnRows(contactRow("contact-1", "ada@example.com", `{customer}`))
	mock.ExpectExec("UPDATE contacts SET tags").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	repo := NewContactRepository(db)
	contact, err := repo.ApplyTagMutation(context.Background(), domain.TagMutationCommand{
		ContactID: "contact-1",
		Tag:       "VIP",
		Action:    domain.TagActionAdd,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"customer", "vip"}, contact.Tags)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestContactRepository_ApplyTagMutation_RemoveAbsentTagIsNoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM contacts (.+) FOR UPDATE").
		WithArgs("contact-1").
		WillReturnRows(contactRow("contact-1", "ada@example.com", `{customer}`))
	mock.ExpectExec("UPDATE contacts SET tags").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	repo := NewContactRepository(db)
	contact, err := repo.ApplyTagMutation(context.Background(), domain.TagMutationCommand{
		ContactID: "contact-1",
		Tag:       "never-there",
		Action:    domain.TagActionRemove,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"customer"}, contact.Tags)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestContactRepository_ApplyTagMutation_InvalidCommand(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewContactRepository(db)
	_, err = repo.ApplyTagMutation(context.Background(), domain.TagMutationCommand{
		ContactID: "contact-1",
		Tag:       "vip",
		Action:    "sideways",
	})
	assert.Error(t, err)
}

func TestContactRepository_UpsertContact(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO contacts").
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewContactRepository(db)
	err = repo.UpsertContact(context.Background(), &domain.Contact{
		ID:    "contact-1",
		Email: "ada@example.com",
		Tags:  []string{"VIP", "customer", "vip"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
