package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stepflow/internal/common/errors"
	"stepflow/internal/models"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	adapter, err := NewAdapter(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { adapter.Close() })
	return adapter
}

func run(id, workflowID string, startedAt time.Time) *models.Run {
	return &models.Run{
		ID:         id,
		WorkflowID: workflowID,
		Status:     models.RunSuccess,
		Metadata:   models.RunMetadata{StartedAt: startedAt},
		Data:       map[string]interface{}{"value": id},
	}
}

func TestSQLite_RoundTrip(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()

	original := run("r1", "wf1", time.Now())
	original.StepResults = []models.StepResult{{StepID: "fetch", Success: true}}
	require.NoError(t, adapter.CreateRun(ctx, original))

	got, err := adapter.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "wf1", got.WorkflowID)
	require.Len(t, got.StepResults, 1)
	assert.Equal(t, "fetch", got.StepResults[0].StepID)
}

func TestSQLite_GetMissing(t *testing.T) {
	adapter := newTestAdapter(t)

	_, err := adapter.GetRun(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
}

func TestSQLite_ListFiltersAndOrders(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	require.NoError(t, adapter.CreateRun(ctx, run("old", "wf1", base)))
	require.NoError(t, adapter.CreateRun(ctx, run("new", "wf1", base.Add(time.Minute))))
	require.NoError(t, adapter.CreateRun(ctx, run("other", "wf2", base)))

	runs, total, err := adapter.ListRuns(ctx, "wf1", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].ID)

	all, total, err := adapter.ListRuns(ctx, "", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, all, 3)
}

func TestSQLite_CreateIsUpsert(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()

	first := run("r1", "wf1", time.Now())
	first.Status = models.RunRunning
	require.NoError(t, adapter.CreateRun(ctx, first))

	first.Status = models.RunSuccess
	require.NoError(t, adapter.CreateRun(ctx, first))

	got, err := adapter.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RunSuccess, got.Status)

	_, total, err := adapter.ListRuns(ctx, "wf1", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestSQLite_DeleteRun(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, adapter.CreateRun(ctx, run("r1", "wf1", time.Now())))
	require.NoError(t, adapter.DeleteRun(ctx, "r1"))

	err := adapter.DeleteRun(ctx, "r1")
	assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
}

func TestSQLite_Health(t *testing.T) {
	adapter := newTestAdapter(t)
	assert.NoError(t, adapter.Health(context.Background()))
}
