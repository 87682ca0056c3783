package sqlstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jmoiron/sqlx"
)

// MigrationManager handles database schema migrations.
type MigrationManager struct {
	db         *sqlx.DB
	logger     *slog.Logger
	migrations map[int]string
}

// NewMigrationManager creates a new migration manager.
func NewMigrationManager(logger *slog.Logger, db *sqlx.DB, migrations map[int]string) *MigrationManager {
	return &MigrationManager{
		db:         db,
		logger:     logger,
		migrations: migrations,
	}
}

// RunMigrations applies every migration newer than the recorded schema version, in version order.
func (m *MigrationManager) RunMigrations(ctx context.Context) error {
	m.logger.InfoContext(ctx, "Starting database migrations")

	err := m.createMigrationsTable(ctx)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	currentVersion, err := m.CurrentVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	m.logger.InfoContext(ctx, "Current schema version", "version", currentVersion)

	latest, err := m.applyMigrations(ctx, currentVersion)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	m.logger.InfoContext(ctx, "Database migrations completed", "version", latest)

	return nil
}

func (m *MigrationManager) createMigrationsTable(ctx context.Context) error {
	createMigrationsSQL := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`

	_, err := m.db.ExecContext(ctx, createMigrationsSQL)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	return nil
}

// CurrentVersion returns the highest applied migration version.
func (m *MigrationManager) CurrentVersion(ctx context.Context) (int, error) {
	var version int

	err := m.db.QueryRowxContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to query current schema version: %w", err)
	}

	return version, nil
}

func (m *MigrationManager) applyMigrations(ctx context.Context, fromVersion int) (int, error) {
	versions := make([]int, 0, len(m.migrations))
	for version := range m.migrations {
		versions = append(versions, version)
	}

	sort.Ints(versions)

	latest := fromVersion

	for _, version := range versions {
		if version <= fromVersion {
			continue
		}

		m.logger.InfoContext(ctx, "Applying migration", "version", version)

		transaction, err := m.db.BeginTxx(ctx, nil)
		if err != nil {
			return latest, fmt.Errorf("failed to begin transaction for migration %d: %w", version, err)
		}

		_, err = transaction.ExecContext(ctx, m.migrations[version])
		if err != nil {
			_ = transaction.Rollback()

			return latest, fmt.Errorf("failed to execute migration %d: %w", version, err)
		}

		_, err = transaction.ExecContext(ctx, m.db.Rebind("INSERT INTO schema_migrations (version) VALUES (?)"), version)
		if err != nil {
			_ = transaction.Rollback()

			return latest, fmt.Errorf("failed to record migration %d: %w", version, err)
		}

		err = transaction.Commit()
		if err != nil {
			return latest, fmt.Errorf("failed to commit migration %d: %w", version, err)
		}

		latest = version

		m.logger.InfoContext(ctx, "Migration applied successfully", "version", version)
	}

	return latest, nil
}

// migrations returns the schema for the given driver. JSON documents live in text columns so
// both drivers scan them the same way.
func migrations(driver string) map[int]string {
	timestamp := "TIMESTAMPTZ"
	serial := "BIGSERIAL PRIMARY KEY"
	double := "DOUBLE PRECISION"

	if driver == driverSQLite {
		timestamp = "DATETIME"
		serial = "INTEGER PRIMARY KEY AUTOINCREMENT"
		double = "REAL"
	}

	return map[int]string{
		1: fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS tasks (
				id TEXT NOT NULL,
				project_id TEXT NOT NULL,
				sequence INTEGER NOT NULL,
				title TEXT NOT NULL,
				task_type TEXT NOT NULL DEFAULT '',
				description TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL,
				dependencies TEXT NOT NULL DEFAULT '[]',
				trigger_config TEXT,
				is_paused BOOLEAN NOT NULL DEFAULT FALSE,
				is_subdivided BOOLEAN NOT NULL DEFAULT FALSE,
				parent_sequence INTEGER,
				blocked_by_task_id TEXT,
				blocked_reason TEXT NOT NULL DEFAULT '',
				execution_order INTEGER NOT NULL DEFAULT 0,
				assignee_id TEXT NOT NULL DEFAULT '',
				due_date %[1]s,
				started_at %[1]s,
				completed_at %[1]s,
				created_at %[1]s NOT NULL,
				updated_at %[1]s NOT NULL,
				deleted_at %[1]s,
				PRIMARY KEY (project_id, sequence)
			);

			CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_id ON tasks(id);

			CREATE TABLE IF NOT EXISTS workflow_executions (
				workflow_id TEXT PRIMARY KEY,
				project_id TEXT NOT NULL,
				name TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL,
				total_tasks INTEGER NOT NULL DEFAULT 0,
				completed_tasks INTEGER NOT NULL DEFAULT 0,
				failed_tasks INTEGER NOT NULL DEFAULT 0,
				total_stages INTEGER NOT NULL DEFAULT 0,
				current_stage INTEGER NOT NULL DEFAULT 0,
				total_cost %[3]s NOT NULL DEFAULT 0,
				total_tokens BIGINT NOT NULL DEFAULT 0,
				task_results TEXT NOT NULL DEFAULT '[]',
				metadata TEXT NOT NULL DEFAULT '{}',
				error_message TEXT NOT NULL DEFAULT '',
				version BIGINT NOT NULL DEFAULT 1,
				created_at %[1]s NOT NULL,
				updated_at %[1]s NOT NULL,
				started_at %[1]s,
				paused_at %[1]s,
				completed_at %[1]s,
				CHECK (completed_tasks + failed_tasks <= total_tasks)
			);

			CREATE INDEX IF NOT EXISTS idx_workflow_executions_project ON workflow_executions(project_id);

			CREATE TABLE IF NOT EXISTS workflow_checkpoints (
				checkpoint_id TEXT PRIMARY KEY,
				workflow_execution_id TEXT NOT NULL DEFAULT '',
				workflow_id TEXT NOT NULL,
				stage_index INTEGER NOT NULL,
				completed_task_ids TEXT NOT NULL DEFAULT '[]',
				context TEXT NOT NULL DEFAULT '{}',
				metadata TEXT NOT NULL DEFAULT '{}',
				created_at %[1]s NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_workflow_checkpoints_workflow ON workflow_checkpoints(workflow_id, stage_index, created_at);

			CREATE TABLE IF NOT EXISTS automation_rules (
				rule_id TEXT PRIMARY KEY,
				project_id TEXT,
				name TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				enabled BOOLEAN NOT NULL DEFAULT TRUE,
				trigger_def TEXT NOT NULL,
				conditions TEXT NOT NULL DEFAULT '[]',
				actions TEXT NOT NULL DEFAULT '[]',
				execution_count BIGINT NOT NULL DEFAULT 0,
				last_executed_at %[1]s,
				created_at %[1]s NOT NULL,
				updated_at %[1]s NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_automation_rules_project ON automation_rules(project_id, enabled);

			CREATE TABLE IF NOT EXISTS task_history (
				id %[2]s,
				project_id TEXT NOT NULL,
				task_sequence INTEGER NOT NULL,
				event_type TEXT NOT NULL,
				event_data TEXT NOT NULL DEFAULT '{}',
				metadata TEXT NOT NULL DEFAULT '{}',
				created_at %[1]s NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_task_history_task ON task_history(project_id, task_sequence, id);
		`, timestamp, serial, double),
		2: `ALTER TABLE tasks ADD COLUMN version BIGINT NOT NULL DEFAULT 1;`,
	}
}
