//go:build integration

package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fleetops/kbmapi/internal/db"
	"github.com/fleetops/kbmapi/internal/store"
	"github.com/fleetops/kbmapi/pkg/models"
)

// Run with: go test -tags=integration ./internal/db/...
// Requires a Docker daemon; skipped from the default test run since
// spinning up a real Postgres per invocation is too slow for the
// inner loop.
func TestMigrateAndOpenAgainstRealPostgres(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("kbmapi"),
		postgres.WithUsername("kbmapi"),
		postgres.WithPassword("kbmapi"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()))
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cfg := db.Config{Driver: db.Postgres, DSN: dsn}
	require.NoError(t, db.Migrate(cfg))

	gdb, err := db.Open(cfg)
	require.NoError(t, err)

	repo := store.NewRepo(gdb)
	cfgRow := &models.RecoveryConfiguration{
		UUID:     models.DeriveUUID([]byte("integration-template")),
		Template: "integration-template",
		Created:  time.Now().UTC(),
	}
	require.NoError(t, repo.Configs.Create(cfgRow))

	reloaded, err := repo.Configs.Get(cfgRow.UUID)
	require.NoError(t, err)
	require.Equal(t, cfgRow.Template, reloaded.Template)
}
