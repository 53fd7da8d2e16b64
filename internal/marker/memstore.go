package marker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemStore is the in-process equivalent of the file store, used when workers
// are same-process tasks (and in tests). WaitAll collapses to a channel-based
// barrier while keeping the same atomicity and no-false-success contracts.
type MemStore struct {
	mu      sync.Mutex
	markers map[string]*Marker
	// changed is closed and replaced on every Create, waking all waiters.
	changed chan struct{}
}

// NewMemStore returns an empty in-process store.
func NewMemStore() *MemStore {
	return &MemStore{
		markers: make(map[string]*Marker),
		changed: make(chan struct{}),
	}
}

// Create records the marker. The first write for a task id wins.
func (s *MemStore) Create(ctx context.Context, m Marker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markers[m.TaskID]; ok {
		return nil
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	stored := m
	s.markers[m.TaskID] = &stored

	close(s.changed)
	s.changed = make(chan struct{})
	return nil
}

// Exists reports whether the marker has been created.
func (s *MemStore) Exists(ctx context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.markers[taskID]
	return ok, nil
}

// Read returns a copy of the stored marker.
func (s *MemStore) Read(ctx context.Context, taskID string) (*Marker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markers[taskID]
	if !ok {
		return nil, fmt.Errorf("no marker for task %s", taskID)
	}
	copied := *m
	return &copied, nil
}

// WaitAll blocks until every id has a marker, the timeout elapses, or the
// context is canceled.
func (s *MemStore) WaitAll(ctx context.Context, taskIDs []string, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		missing := make(map[string]bool)
		for _, id := range taskIDs {
			if _, ok := s.markers[id]; !ok {
				missing[id] = true
			}
		}
		changed := s.changed
		s.mu.Unlock()

		if len(missing) == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return &TimeoutError{Missing: keys(missing)}
		case <-changed:
		}
	}
}
