// Package sqlstore provides SQL persistence for SQLite and PostgreSQL on top of sqlx.
package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

const (
	driverSQLite   = "sqlite3"
	driverPostgres = "postgres"
)

// Persistence implements persistence.Persistence on a SQL database.
type Persistence struct {
	db             *sqlx.DB
	logger         *slog.Logger
	taskRepo       *TaskRepository
	workflowRepo   *WorkflowExecutionRepository
	checkpointRepo *CheckpointRepository
	ruleRepo       *AutomationRuleRepository
	historyRepo    *TaskHistoryRepository
}

// NewPersistence opens databaseURL and runs migrations. Supported URLs are
// sqlite://<path> and postgres://... (or postgresql://...).
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	driver, dsn, err := parseURL(databaseURL)
	if err != nil {
		return nil, err
	}

	database, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if driver == driverSQLite {
		err = configureSQLite(ctx, database)
		if err != nil {
			_ = database.Close()

			return nil, fmt.Errorf("failed to configure sqlite: %w", err)
		}
	}

	return newPersistence(ctx, logger, database)
}

func newPersistence(ctx context.Context, logger *slog.Logger, database *sqlx.DB) (*Persistence, error) {
	migrationManager := NewMigrationManager(logger, database, migrations(database.DriverName()))

	err := migrationManager.RunMigrations(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:             database,
		logger:         logger,
		taskRepo:       NewTaskRepository(database, logger),
		workflowRepo:   NewWorkflowExecutionRepository(database, logger),
		checkpointRepo: NewCheckpointRepository(database, logger),
		ruleRepo:       NewAutomationRuleRepository(database, logger),
		historyRepo:    NewTaskHistoryRepository(database, logger),
	}, nil
}

func parseURL(databaseURL string) (string, string, error) {
	switch {
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return driverSQLite, strings.TrimPrefix(databaseURL, "sqlite://"), nil
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return driverPostgres, databaseURL, nil
	default:
		return "", "", fmt.Errorf("unsupported database url: %s", databaseURL)
	}
}

// configureSQLite enables WAL so readers do not block the single writer.
func configureSQLite(ctx context.Context, db *sqlx.DB) error {
	// a single connection serializes writers and keeps per-connection pragmas applied
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=30000;",
		"PRAGMA wal_autocheckpoint=1000;",
		"PRAGMA synchronous=NORMAL;",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return err
		}
	}

	return nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// DB exposes the underlying connection pool.
func (p *Persistence) DB() *sqlx.DB {
	return p.db
}

func (p *Persistence) TaskRepository() persistence.TaskRepository {
	return p.taskRepo
}

func (p *Persistence) WorkflowExecutionRepository() persistence.WorkflowExecutionRepository {
	return p.workflowRepo
}

func (p *Persistence) CheckpointRepository() persistence.CheckpointRepository {
	return p.checkpointRepo
}

func (p *Persistence) AutomationRuleRepository() persistence.AutomationRuleRepository {
	return p.ruleRepo
}

func (p *Persistence) TaskHistoryRepository() persistence.TaskHistoryRepository {
	return p.historyRepo
}

// isUniqueViolation reports whether err is a primary key or unique constraint failure.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}

	return false
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func unmarshalJSON(data string, v any) error {
	if data == "" || data == "null" {
		return nil
	}

	return json.Unmarshal([]byte(data), v)
}

func closeRows(ctx context.Context, logger *slog.Logger, rows *sqlx.Rows) {
	if err := rows.Close(); err != nil {
		logger.ErrorContext(ctx, "failed to close rows", "error", err)
	}
}
