// Package storage persists completed workflow runs.
package storage

import (
	"context"

	"stepflow/internal/models"
)

// RunStore is the persistence surface for workflow runs. Implementations
// are safe for concurrent use.
type RunStore interface {
	// CreateRun stores a completed (or failed) run.
	CreateRun(ctx context.Context, run *models.Run) error

	// GetRun returns the run with the given ID.
	GetRun(ctx context.Context, id string) (*models.Run, error)

	// ListRuns returns runs newest-first, optionally filtered by workflow
	// ID, plus the total count matching the filter.
	ListRuns(ctx context.Context, workflowID string, limit, offset int) ([]*models.Run, int, error)

	// DeleteRun removes the run with the given ID.
	DeleteRun(ctx context.Context, id string) error

	Health(ctx context.Context) error
	Close() error
}

const (
	// DefaultListLimit applies when a caller asks for 0 items.
	DefaultListLimit = 50
	// MaxListLimit caps a single page.
	MaxListLimit = 500
)

// ClampLimit normalizes a caller-supplied page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
