package storage

import (
	"context"
	"sync"

	"stepflow/internal/common/errors"
	"stepflow/internal/models"
)

// MemoryStore keeps runs in memory, for tests and single-process setups.
type MemoryStore struct {
	mu    sync.RWMutex
	runs  map[string]*models.Run
	order []string // insertion order, oldest first
}

// NewMemoryStore creates an empty in-memory run store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*models.Run)}
}

func (s *MemoryStore) CreateRun(ctx context.Context, run *models.Run) error {
	if run.ID == "" {
		return errors.ValidationError("run id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; !exists {
		s.order = append(s.order, run.ID)
	}
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, errors.NotFoundError("run " + id)
	}
	return run, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, workflowID string, limit, offset int) ([]*models.Run, int, error) {
	limit = ClampLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	// newest first
	var matching []*models.Run
	for i := len(s.order) - 1; i >= 0; i-- {
		run := s.runs[s.order[i]]
		if workflowID == "" || run.WorkflowID == workflowID {
			matching = append(matching, run)
		}
	}

	total := len(matching)
	if offset >= total {
		return []*models.Run{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matching[offset:end], total, nil
}

func (s *MemoryStore) DeleteRun(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[id]; !ok {
		return errors.NotFoundError("run " + id)
	}
	delete(s.runs, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) Health(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
