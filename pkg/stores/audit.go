// Package stores persists the operation audit log: one row per reconcile,
// deploy, or destroy run, kept in a per-user sqlite database so `convoy runs`
// can answer "what happened, when, and how did it end".
package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// Run is one audited operation.
type Run struct {
	ID         string
	Project    string
	Operation  string
	Status     string
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// AuditStore is the sqlite-backed run log.
type AuditStore struct {
	db   *sql.DB
	path string
}

// NewAuditStore creates a store for the database at path.
func NewAuditStore(path string) (*AuditStore, error) {
	if path == "" {
		return nil, fmt.Errorf("audit database path is required")
	}
	return &AuditStore{path: path}, nil
}

// DefaultAuditStore creates the store at the fixed per-user location
// (~/.convoy/audit.db).
func DefaultAuditStore() (*AuditStore, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve home directory for audit store: %w", err)
	}
	return NewAuditStore(filepath.Join(home, ".convoy", "audit.db"))
}

// Init opens the database in WAL mode and runs pending migrations.
func (s *AuditStore) Init(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create audit store directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", s.path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open audit database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping audit database: %w", err)
	}
	s.db = db

	return s.migrate()
}

// Close closes the database.
func (s *AuditStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *AuditStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// StartRun records the beginning of an operation and returns its record.
func (s *AuditStore) StartRun(ctx context.Context, project, operation string) (*Run, error) {
	run := &Run{
		ID:        uuid.NewString(),
		Project:   project,
		Operation: operation,
		Status:    RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, project, operation, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Project, run.Operation, run.Status, run.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record run start: %w", err)
	}
	return run, nil
}

// FinishRun marks a run completed. errText is empty on success.
func (s *AuditStore) FinishRun(ctx context.Context, id, status, errText string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, errText, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to record run finish: %w", err)
	}
	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// ListRuns returns the most recent runs for a project, newest first. An
// empty project lists runs across all projects.
func (s *AuditStore) ListRuns(ctx context.Context, project string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT id, project, operation, status, COALESCE(error, ''), started_at, finished_at
		FROM runs`
	args := []any{}
	if project != "" {
		query += ` WHERE project = ?`
		args = append(args, project)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var finished sql.NullTime
		if err := rows.Scan(&run.ID, &run.Project, &run.Operation, &run.Status, &run.Error, &run.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			run.FinishedAt = &t
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetRun looks one run up by ID.
func (s *AuditStore) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	var finished sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project, operation, status, COALESCE(error, ''), started_at, finished_at FROM runs WHERE id = ?`,
		id,
	).Scan(&run.ID, &run.Project, &run.Operation, &run.Status, &run.Error, &run.StartedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return &run, nil
}
