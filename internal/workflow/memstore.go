package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/rcmflow/model"
)

// MemoryStateStore is an in-memory StateStore. Mutations of one instance are
// serialized by a per-instance mutex; readers never see partial updates
// because states are copied in and out.
type MemoryStateStore struct {
	mu        sync.RWMutex
	instances map[string]model.WorkflowState // key: instance ID
	locks     keyedMutex
}

// NewMemoryStateStore creates a new in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		instances: make(map[string]model.WorkflowState),
		locks:     keyedMutex{locks: make(map[string]*sync.Mutex)},
	}
}

// Create persists a new workflow instance.
func (s *MemoryStateStore) Create(_ context.Context, state model.WorkflowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[state.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q already exists", state.ID),
		)
	}
	s.instances[state.ID] = state.Clone()
	return nil
}

// Get retrieves a workflow instance by ID.
func (s *MemoryStateStore) Get(_ context.Context, instanceID string) (model.WorkflowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, exists := s.instances[instanceID]
	if !exists {
		return model.WorkflowState{}, model.NewInstanceNotFoundError(instanceID)
	}
	return state.Clone(), nil
}

// ApplyStepCompletion implements StateStore.
func (s *MemoryStateStore) ApplyStepCompletion(ctx context.Context, instanceID string, c StepCompletion) (model.WorkflowState, error) {
	unlock, err := s.lockInstance(instanceID)
	if err != nil {
		return model.WorkflowState{}, err
	}
	defer unlock()

	state, err := s.Get(ctx, instanceID)
	if err != nil {
		return model.WorkflowState{}, err
	}
	changed, err := c.apply(&state)
	if err != nil {
		return model.WorkflowState{}, err
	}
	if changed {
		s.put(state)
	}
	return state, nil
}

// Mutate implements StateStore.
func (s *MemoryStateStore) Mutate(ctx context.Context, instanceID string, fn func(*model.WorkflowState) error) (model.WorkflowState, error) {
	unlock, err := s.lockInstance(instanceID)
	if err != nil {
		return model.WorkflowState{}, err
	}
	defer unlock()

	current, err := s.Get(ctx, instanceID)
	if err != nil {
		return model.WorkflowState{}, err
	}
	next := current.Clone()
	if err := fn(&next); err != nil {
		if errors.Is(err, ErrNoChange) {
			return current, nil
		}
		return model.WorkflowState{}, err
	}
	next.Version = current.Version + 1
	s.put(next)
	return next, nil
}

// List implements StateStore.
func (s *MemoryStateStore) List(_ context.Context, filters model.WorkflowFilters) ([]model.WorkflowState, int, error) {
	s.mu.RLock()
	var matched []model.WorkflowState
	for _, state := range s.instances {
		if filters.Status != "" && state.Status != filters.Status {
			continue
		}
		if filters.TemplateID != "" && state.TemplateID != filters.TemplateID {
			continue
		}
		if filters.ClaimID != "" && state.ClaimID != filters.ClaimID {
			continue
		}
		if filters.AssignedTo != "" && state.AssignedTo != filters.AssignedTo {
			continue
		}
		matched = append(matched, state)
	}
	s.mu.RUnlock()

	// Newest first; id breaks ties so pages are stable.
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].StartedAt.Equal(matched[j].StartedAt) {
			return matched[i].StartedAt.After(matched[j].StartedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	offset, limit := normalizePage(filters)
	if offset >= total {
		return []model.WorkflowState{}, total, nil
	}
	end := min(offset+limit, total)

	page := make([]model.WorkflowState, 0, end-offset)
	for _, state := range matched[offset:end] {
		page = append(page, state.Clone())
	}
	return page, total, nil
}

// Len returns the total number of instances. For testing.
func (s *MemoryStateStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

// lockInstance takes the mutex of a stored instance. Unknown ids are
// rejected before a mutex is allocated for them.
func (s *MemoryStateStore) lockInstance(instanceID string) (unlock func(), err error) {
	s.mu.RLock()
	_, exists := s.instances[instanceID]
	s.mu.RUnlock()
	if !exists {
		return nil, model.NewInstanceNotFoundError(instanceID)
	}
	return s.locks.lock(instanceID), nil
}

func (s *MemoryStateStore) put(state model.WorkflowState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[state.ID] = state.Clone()
}

// keyedMutex hands out one mutex per key. Keys are only ever stored instance
// ids; instances are never deleted, so neither are their mutexes.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
