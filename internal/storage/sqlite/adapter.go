// Package sqlite stores runs in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"stepflow/internal/common/errors"
	"stepflow/internal/models"
	"stepflow/internal/storage"
)

type Adapter struct {
	db *sql.DB
}

// NewAdapter opens (and migrates) the database at path.
func NewAdapter(path string) (*Adapter, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite database path is required")
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	adapter := &Adapter{db: db}
	if err := adapter.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return adapter, nil
}

func (a *Adapter) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			payload TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow_id ON runs(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
	}

	for _, query := range queries {
		if _, err := a.db.Exec(query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (a *Adapter) CreateRun(ctx context.Context, run *models.Run) error {
	if run.ID == "" {
		return errors.ValidationError("run id is required")
	}

	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to serialize run: %w", err)
	}

	var completedAt *time.Time
	if run.Metadata.CompletedAt != nil {
		completedAt = run.Metadata.CompletedAt
	}

	_, err = a.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (id, workflow_id, status, started_at, completed_at, payload)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, string(run.Status), run.Metadata.StartedAt, completedAt, string(payload))
	if err != nil {
		return fmt.Errorf("failed to store run: %w", err)
	}
	return nil
}

func (a *Adapter) GetRun(ctx context.Context, id string) (*models.Run, error) {
	var payload string
	err := a.db.QueryRowContext(ctx, `SELECT payload FROM runs WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError("run " + id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}

	var run models.Run
	if err := json.Unmarshal([]byte(payload), &run); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", id, err)
	}
	return &run, nil
}

func (a *Adapter) ListRuns(ctx context.Context, workflowID string, limit, offset int) ([]*models.Run, int, error) {
	limit = storage.ClampLimit(limit)

	where := ""
	args := []interface{}{}
	if workflowID != "" {
		where = "WHERE workflow_id = ?"
		args = append(args, workflowID)
	}

	var total int
	if err := a.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count runs: %w", err)
	}

	query := fmt.Sprintf("SELECT payload FROM runs %s ORDER BY started_at DESC LIMIT ? OFFSET ?", where)
	rows, err := a.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*models.Run, 0, limit)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, 0, fmt.Errorf("failed to scan run: %w", err)
		}
		var run models.Run
		if err := json.Unmarshal([]byte(payload), &run); err != nil {
			return nil, 0, fmt.Errorf("failed to decode run: %w", err)
		}
		runs = append(runs, &run)
	}
	return runs, total, rows.Err()
}

func (a *Adapter) DeleteRun(ctx context.Context, id string) error {
	result, err := a.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.NotFoundError("run " + id)
	}
	return nil
}

func (a *Adapter) Health(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

func (a *Adapter) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}
