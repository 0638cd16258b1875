package store

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fleetops/kbmapi/pkg/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.RecoveryConfiguration{}))
	return db
}

func newConfigStore(t *testing.T) *Store[*models.RecoveryConfiguration] {
	t.Helper()
	return New(setupTestDB(t), func() *models.RecoveryConfiguration { return &models.RecoveryConfiguration{} })
}

func TestCreateStampsEtag(t *testing.T) {
	s := newConfigStore(t)
	cfg := &models.RecoveryConfiguration{UUID: models.NewEtag(), Template: "tmpl", Created: time.Now().UTC()}
	require.NoError(t, s.Create(cfg))
	assert.NotEmpty(t, cfg.Etag())
}

func TestCreateDuplicateReturnsErrDuplicate(t *testing.T) {
	s := newConfigStore(t)
	cfg := &models.RecoveryConfiguration{UUID: "same-uuid", Template: "a", Created: time.Now().UTC()}
	require.NoError(t, s.Create(cfg))

	dup := &models.RecoveryConfiguration{UUID: "same-uuid", Template: "b", Created: time.Now().UTC()}
	assert.ErrorIs(t, s.Create(dup), ErrDuplicate)
}

func TestGetNotFound(t *testing.T) {
	s := newConfigStore(t)
	_, err := s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutConditionalSucceedsOnMatchingEtag(t *testing.T) {
	s := newConfigStore(t)
	cfg := &models.RecoveryConfiguration{UUID: models.NewEtag(), Template: "tmpl", Created: time.Now().UTC()}
	require.NoError(t, s.Create(cfg))

	now := time.Now().UTC()
	require.NoError(t, s.Put(cfg, cfg.Etag(), map[string]any{"staged": now}))

	reloaded, err := s.Get(cfg.UUID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.Staged)
	assert.WithinDuration(t, now, *reloaded.Staged, time.Second)
}

func TestPutConditionalConflictsOnStaleEtag(t *testing.T) {
	s := newConfigStore(t)
	cfg := &models.RecoveryConfiguration{UUID: models.NewEtag(), Template: "tmpl", Created: time.Now().UTC()}
	require.NoError(t, s.Create(cfg))
	staleEtag := cfg.Etag()

	require.NoError(t, s.Put(cfg, staleEtag, map[string]any{"staged": time.Now().UTC()}))

	err := s.Put(cfg, staleEtag, map[string]any{"activated": time.Now().UTC()})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestPutAgainstMissingRowReturnsNotFound(t *testing.T) {
	s := newConfigStore(t)
	ghost := &models.RecoveryConfiguration{UUID: "never-created"}
	err := s.Put(ghost, models.NewEtag(), map[string]any{"staged": time.Now().UTC()})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteConditional(t *testing.T) {
	s := newConfigStore(t)
	cfg := &models.RecoveryConfiguration{UUID: models.NewEtag(), Template: "tmpl", Created: time.Now().UTC()}
	require.NoError(t, s.Create(cfg))

	require.NoError(t, s.Delete(cfg.UUID, cfg.Etag()))
	_, err := s.Get(cfg.UUID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSortsByCreatedAscending(t *testing.T) {
	s := newConfigStore(t)
	older := &models.RecoveryConfiguration{UUID: models.NewEtag(), Template: "old", Created: time.Now().UTC().Add(-time.Hour)}
	newer := &models.RecoveryConfiguration{UUID: models.NewEtag(), Template: "new", Created: time.Now().UTC()}
	require.NoError(t, s.Create(older))
	require.NoError(t, s.Create(newer))

	rows, err := s.List(ListOptions{Sort: []Sort{{Field: "created"}}})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, older.UUID, rows[0].UUID)
	assert.Equal(t, newer.UUID, rows[1].UUID)
}

func TestCountWithFilter(t *testing.T) {
	s := newConfigStore(t)
	cfg := &models.RecoveryConfiguration{UUID: models.NewEtag(), Template: "tmpl", Created: time.Now().UTC()}
	require.NoError(t, s.Create(cfg))

	n, err := s.Count(Eq("uuid", cfg.UUID))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Count(Eq("uuid", "nope"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
