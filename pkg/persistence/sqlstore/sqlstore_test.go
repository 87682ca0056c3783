package sqlstore_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/dukex/taskflow/pkg/persistence/sqlstore"
	"github.com/dukex/taskflow/pkg/testutil"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newSQLite(t *testing.T) *sqlstore.Persistence {
	t.Helper()

	url := "sqlite://" + filepath.Join(t.TempDir(), "taskflow.db")

	p, err := sqlstore.NewPersistence(t.Context(), testLogger(), url)
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, p.Close(context.Background()))
	})

	return p
}

func TestSQLite_Contract(t *testing.T) {
	testutil.RunPersistenceSuite(t, func(t *testing.T) persistence.Persistence {
		return newSQLite(t)
	})
}

func TestSQLite_MigrationsAreIdempotent(t *testing.T) {
	url := "sqlite://" + filepath.Join(t.TempDir(), "taskflow.db")

	first, err := sqlstore.NewPersistence(t.Context(), testLogger(), url)
	require.NoError(t, err)
	require.NoError(t, first.Close(t.Context()))

	second, err := sqlstore.NewPersistence(t.Context(), testLogger(), url)
	require.NoError(t, err)

	defer func() {
		assert.NoError(t, second.Close(t.Context()))
	}()

	version, err := sqlstore.NewMigrationManager(testLogger(), second.DB(), nil).CurrentVersion(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	assert.NoError(t, second.HealthCheck(t.Context()))
}

func TestNewPersistence_RejectsUnknownScheme(t *testing.T) {
	_, err := sqlstore.NewPersistence(t.Context(), testLogger(), "mysql://localhost/taskflow")
	assert.Error(t, err)
}

var postgresContainer *postgres.PostgresContainer

func dropTables(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sqlx.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range []string{"task_history", "automation_rules", "workflow_checkpoints", "workflow_executions", "tasks", "schema_migrations"} {
		_, err = db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", table))
		require.NoError(t, err)
	}

	require.NoError(t, db.Close())
}

func newPostgres(t *testing.T) *sqlstore.Persistence {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("taskflow_test"),
			postgres.WithUsername("taskflow"),
			postgres.WithPassword("taskflow"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropTables(ctx, t, databaseURL)

	p, err := sqlstore.NewPersistence(ctx, testLogger(), databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, p.Close(ctx))
		dropTables(ctx, t, databaseURL)
		cancel()
	})

	return p
}

func TestPostgres_Contract(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}

	testutil.RunPersistenceSuite(t, func(t *testing.T) persistence.Persistence {
		return newPostgres(t)
	})
}
