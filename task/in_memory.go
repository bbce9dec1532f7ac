package task

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/internal/util"
)

// ErrNotFound is returned for unknown task ids.
var ErrNotFound = errors.New("task not found")

// InMemoryStore is a volatile TaskStore keeping tasks in a process local map.
// It is safe for concurrent access and best suited for tests or single
// process deployments. Tasks are returned by value so callers cannot mutate
// stored state.
type InMemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]core.Task
}

var _ core.TaskStore = (*InMemoryStore)(nil)

// NewInMemoryStore constructs an empty in‑memory task store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{tasks: make(map[string]core.Task)}
}

// Create stores task and returns its id, generating one if empty. New tasks
// start pending unless a status is given.
func (s *InMemoryStore) Create(_ context.Context, task core.Task) (string, error) {
	if task.ID == "" {
		task.ID = util.NewID()
	}
	if task.Status == "" {
		task.Status = core.TaskPending
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return "", fmt.Errorf("task %s already exists", task.ID)
	}
	s.tasks[task.ID] = task
	return task.ID, nil
}

// Update applies patch. Status changes must move forward.
func (s *InMemoryStore) Update(_ context.Context, id string, patch core.TaskPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if patch.Status != nil && *patch.Status != task.Status {
		if err := task.Transition(*patch.Status); err != nil {
			return fmt.Errorf("task %s: %w", id, err)
		}
	}
	if patch.Result != nil {
		task.Result = *patch.Result
	}
	if patch.AgentID != nil {
		task.AgentID = *patch.AgentID
	}
	task.UpdatedAt = time.Now().UTC()
	s.tasks[id] = task
	return nil
}

// Get returns a copy of the task.
func (s *InMemoryStore) Get(_ context.Context, id string) (core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return core.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return task, nil
}

// ListByUser returns the tasks owned by userID, oldest first.
func (s *InMemoryStore) ListByUser(_ context.Context, userID string) []core.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Task
	for _, t := range s.tasks {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	slices.SortStableFunc(out, func(a, b core.Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}
