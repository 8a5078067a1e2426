// Package postgres stores runs in PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"stepflow/internal/common/errors"
	"stepflow/internal/common/utils"
	"stepflow/internal/models"
	"stepflow/internal/storage"
)

type Adapter struct {
	pool *pgxpool.Pool
}

// NewAdapter connects to the database and runs migrations. The initial
// connection retries with backoff so a database that is still starting up
// does not fail the process.
func NewAdapter(ctx context.Context, connString string) (*Adapter, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}

	retryConfig := utils.RetryConfig{
		MaxAttempts:   5,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
	if err := utils.RetryWithBackoff(ctx, retryConfig, func() error {
		return pool.Ping(ctx)
	}); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}

	adapter := &Adapter{pool: pool}
	if err := adapter.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return adapter, nil
}

func (a *Adapter) migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow_id ON runs(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
	}

	for _, query := range queries {
		if _, err := a.pool.Exec(ctx, query); err != nil {
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

	_, err = a.pool.Exec(ctx,
		`INSERT INTO runs (id, workflow_id, status, started_at, completed_at, payload)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			payload = EXCLUDED.payload`,
		run.ID, run.WorkflowID, string(run.Status), run.Metadata.StartedAt, run.Metadata.CompletedAt, payload)
	if err != nil {
		return fmt.Errorf("failed to store run: %w", err)
	}
	return nil
}

func (a *Adapter) GetRun(ctx context.Context, id string) (*models.Run, error) {
	var payload []byte
	err := a.pool.QueryRow(ctx, `SELECT payload FROM runs WHERE id = $1`, id).Scan(&payload)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFoundError("run " + id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}

	var run models.Run
	if err := json.Unmarshal(payload, &run); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", id, err)
	}
	return &run, nil
}

func (a *Adapter) ListRuns(ctx context.Context, workflowID string, limit, offset int) ([]*models.Run, int, error) {
	limit = storage.ClampLimit(limit)

	where := ""
	args := []interface{}{}
	if workflowID != "" {
		where = "WHERE workflow_id = $1"
		args = append(args, workflowID)
	}

	var total int
	if err := a.pool.QueryRow(ctx, "SELECT COUNT(*) FROM runs "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count runs: %w", err)
	}

	query := fmt.Sprintf("SELECT payload FROM runs %s ORDER BY started_at DESC LIMIT $%d OFFSET $%d",
		where, len(args)+1, len(args)+2)
	rows, err := a.pool.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*models.Run, 0, limit)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, 0, fmt.Errorf("failed to scan run: %w", err)
		}
		var run models.Run
		if err := json.Unmarshal(payload, &run); err != nil {
			return nil, 0, fmt.Errorf("failed to decode run: %w", err)
		}
		runs = append(runs, &run)
	}
	return runs, total, rows.Err()
}

func (a *Adapter) DeleteRun(ctx context.Context, id string) error {
	tag, err := a.pool.Exec(ctx, `DELETE FROM runs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFoundError("run " + id)
	}
	return nil
}

func (a *Adapter) Health(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

func (a *Adapter) Close() error {
	a.pool.Close()
	return nil
}
