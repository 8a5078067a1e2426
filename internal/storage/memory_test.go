package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stepflow/internal/common/errors"
	"stepflow/internal/models"
)

func testRun(id, workflowID string) *models.Run {
	return &models.Run{
		ID:         id,
		WorkflowID: workflowID,
		Status:     models.RunSuccess,
		Metadata:   models.RunMetadata{StartedAt: time.Now()},
		Data:       map[string]interface{}{"ok": true},
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	run := testRun("r1", "wf1")
	require.NoError(t, store.CreateRun(ctx, run))

	got, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "wf1", got.WorkflowID)
	assert.Equal(t, models.RunSuccess, got.Status)
}

func TestMemoryStore_GetMissing(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.GetRun(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
}

func TestMemoryStore_CreateRequiresID(t *testing.T) {
	store := NewMemoryStore()

	err := store.CreateRun(context.Background(), &models.Run{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
}

func TestMemoryStore_ListNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.CreateRun(ctx, testRun(fmt.Sprintf("r%d", i), "wf1")))
	}

	runs, total, err := store.ListRuns(ctx, "", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, runs, 5)
	assert.Equal(t, "r4", runs[0].ID)
	assert.Equal(t, "r0", runs[4].ID)
}

func TestMemoryStore_ListFiltersByWorkflow(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.CreateRun(ctx, testRun("a", "wf1")))
	require.NoError(t, store.CreateRun(ctx, testRun("b", "wf2")))
	require.NoError(t, store.CreateRun(ctx, testRun("c", "wf1")))

	runs, total, err := store.ListRuns(ctx, "wf1", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ID)
}

func TestMemoryStore_ListPagination(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		require.NoError(t, store.CreateRun(ctx, testRun(fmt.Sprintf("r%d", i), "wf1")))
	}

	page, total, err := store.ListRuns(ctx, "wf1", 3, 3)
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	require.Len(t, page, 3)
	assert.Equal(t, "r3", page[0].ID)

	tail, _, err := store.ListRuns(ctx, "wf1", 3, 6)
	require.NoError(t, err)
	require.Len(t, tail, 1)

	past, _, err := store.ListRuns(ctx, "wf1", 3, 100)
	require.NoError(t, err)
	assert.Empty(t, past)
}

func TestMemoryStore_DeleteRun(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.CreateRun(ctx, testRun("r1", "wf1")))
	require.NoError(t, store.DeleteRun(ctx, "r1"))

	_, err := store.GetRun(ctx, "r1")
	assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))

	err = store.DeleteRun(ctx, "r1")
	assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultListLimit, ClampLimit(0))
	assert.Equal(t, DefaultListLimit, ClampLimit(-1))
	assert.Equal(t, 25, ClampLimit(25))
	assert.Equal(t, MaxListLimit, ClampLimit(10000))
}
