package store

import (
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/fleetops/kbmapi/pkg/models"
)

// openMocked wires a go-sqlmock connection through gorm's Postgres
// dialect, letting these tests drive the exact driver error strings a
// real Postgres/MySQL backend would return without needing either
// database running (spec.md §2 Store row names both as supported
// drivers).
func openMocked(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{})
	require.NoError(t, err)
	return gdb, mock
}

func TestCreateTranslatesUniqueViolationToErrDuplicate(t *testing.T) {
	gdb, mock := openMocked(t)
	s := New(gdb, func() *models.RecoveryConfiguration { return &models.RecoveryConfiguration{} })

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "recovery_configurations"`).
		WillReturnError(&pgUniqueError{})
	mock.ExpectRollback()

	cfg := &models.RecoveryConfiguration{UUID: "dup-uuid", Template: "tmpl"}
	err := s.Create(cfg)
	assert.ErrorIs(t, err, ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTranslatesNoRowsToErrNotFound(t *testing.T) {
	gdb, mock := openMocked(t)
	s := New(gdb, func() *models.RecoveryConfiguration { return &models.RecoveryConfiguration{} })

	mock.ExpectQuery(`SELECT \* FROM "recovery_configurations"`).
		WillReturnRows(sqlmock.NewRows([]string{"uuid"}))

	_, err := s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

// pgUniqueError mimics the message shape lib/pq/pgx report for a
// unique-constraint violation, which isUniqueViolation matches on a
// substring rather than a typed error (see gormerr.go).
type pgUniqueError struct{}

func (e *pgUniqueError) Error() string {
	return `pq: duplicate key value violates unique constraint "recovery_configurations_pkey"`
}
