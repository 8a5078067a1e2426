// Package redisstore keeps runs in Redis: one JSON document per run plus
// list indexes for listing and filtering.
package redisstore

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"stepflow/internal/common/errors"
	"stepflow/internal/models"
	"stepflow/internal/redis"
	"stepflow/internal/storage"
)

const (
	runKeyPrefix   = "run:"
	allRunsKey     = "runs:all"
	workflowPrefix = "runs:workflow:"
)

// DefaultTTL bounds how long completed runs are kept.
const DefaultTTL = 30 * 24 * time.Hour

type Adapter struct {
	client *redis.Client
	ttl    time.Duration
}

// NewAdapter wraps an existing Redis client.
func NewAdapter(client *redis.Client, ttl time.Duration) *Adapter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Adapter{client: client, ttl: ttl}
}

func runKey(id string) string { return runKeyPrefix + id }

func workflowKey(workflowID string) string { return workflowPrefix + workflowID }

func (a *Adapter) CreateRun(ctx context.Context, run *models.Run) error {
	if run.ID == "" {
		return errors.ValidationError("run id is required")
	}

	exists, err := a.client.Exists(ctx, runKey(run.ID))
	if err != nil {
		return fmt.Errorf("failed to check run existence: %w", err)
	}

	if err := a.client.Set(ctx, runKey(run.ID), run, a.ttl); err != nil {
		return fmt.Errorf("failed to store run: %w", err)
	}

	if !exists {
		if err := a.client.LPush(ctx, allRunsKey, run.ID); err != nil {
			return fmt.Errorf("failed to index run: %w", err)
		}
		if run.WorkflowID != "" {
			if err := a.client.LPush(ctx, workflowKey(run.WorkflowID), run.ID); err != nil {
				return fmt.Errorf("failed to index run by workflow: %w", err)
			}
		}
	}
	return nil
}

func (a *Adapter) GetRun(ctx context.Context, id string) (*models.Run, error) {
	var run models.Run
	err := a.client.GetJSON(ctx, runKey(id), &run)
	if stderrors.Is(err, redis.Nil) {
		return nil, errors.NotFoundError("run " + id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	return &run, nil
}

func (a *Adapter) ListRuns(ctx context.Context, workflowID string, limit, offset int) ([]*models.Run, int, error) {
	limit = storage.ClampLimit(limit)

	index := allRunsKey
	if workflowID != "" {
		index = workflowKey(workflowID)
	}

	total, err := a.client.LLen(ctx, index)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count runs: %w", err)
	}

	ids, err := a.client.LRange(ctx, index, int64(offset), int64(offset+limit-1))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]*models.Run, 0, len(ids))
	for _, id := range ids {
		run, err := a.GetRun(ctx, id)
		if err != nil {
			// expired documents leave dangling index entries
			if errors.IsType(err, errors.ErrTypeNotFound) {
				continue
			}
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	return runs, int(total), nil
}

func (a *Adapter) DeleteRun(ctx context.Context, id string) error {
	run, err := a.GetRun(ctx, id)
	if err != nil {
		return err
	}

	if err := a.client.Delete(ctx, runKey(id)); err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	if err := a.client.LRem(ctx, allRunsKey, 0, id); err != nil {
		return fmt.Errorf("failed to unindex run: %w", err)
	}
	if run.WorkflowID != "" {
		if err := a.client.LRem(ctx, workflowKey(run.WorkflowID), 0, id); err != nil {
			return fmt.Errorf("failed to unindex run by workflow: %w", err)
		}
	}
	return nil
}

func (a *Adapter) Health(ctx context.Context) error {
	return a.client.Health(ctx)
}

func (a *Adapter) Close() error {
	return a.client.Close()
}
