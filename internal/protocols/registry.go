package protocols

import (
	"fmt"
	"sync"

	"stepflow/internal/models"
)

// Registry maps protocols to their executors. It is thread-safe and allows
// replacing an executor, which tests use to install fakes.
type Registry struct {
	executors map[models.Protocol]Executor
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[models.Protocol]Executor),
	}
}

// Register adds an executor, replacing any existing one for the protocol.
func (r *Registry) Register(executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[executor.Protocol()] = executor
}

// ForURL resolves the executor for a step URL.
func (r *Registry) ForURL(rawURL string) (Executor, error) {
	protocol, err := models.DetectProtocol(rawURL)
	if err != nil {
		return nil, err
	}
	return r.Get(protocol)
}

// Get returns the executor registered for a protocol.
func (r *Registry) Get(protocol models.Protocol) (Executor, error) {
	r.mu.RLock()
	executor, exists := r.executors[protocol]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("no executor registered for protocol %s", protocol)
	}
	return executor, nil
}

// Protocols returns the registered protocol names.
func (r *Registry) Protocols() []models.Protocol {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Protocol, 0, len(r.executors))
	for protocol := range r.executors {
		out = append(out, protocol)
	}
	return out
}
