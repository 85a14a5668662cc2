package workflow

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is wrapped by store lookups for unknown workflow IDs.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface for workflow instances and their
// checkpoints.
type Store interface {
	// CreateInstance persists a new instance and assigns it an ID.
	CreateInstance(in *Instance) (string, error)

	// GetInstance retrieves an instance by ID.
	GetInstance(id string) (*Instance, error)

	// UpdateInstance overwrites an existing instance.
	UpdateInstance(in *Instance) error

	// ListInstances returns instances matching the filter, newest first.
	ListInstances(f Filter) ([]*Instance, error)

	// SaveCheckpoint persists a checkpoint and assigns it an ID.
	SaveCheckpoint(cp *Checkpoint) (int64, error)

	// LatestCheckpoint returns the most recent checkpoint for a workflow,
	// or ErrNotFound if none was ever saved.
	LatestCheckpoint(workflowID string) (*Checkpoint, error)

	// ListCheckpoints returns all checkpoints for a workflow, oldest first.
	ListCheckpoints(workflowID string) ([]*Checkpoint, error)

	// Close releases store resources.
	Close() error
}

// Filter narrows ListInstances results. Zero values mean "no constraint".
type Filter struct {
	Status    *Status
	Type      string
	ProjectID string
	Limit     int
	Offset    int
}

// MemoryStore is an in-process Store for tests and for running without a
// data directory. Everything is copied on the way in and out.
type MemoryStore struct {
	mu     sync.RWMutex
	insts  map[string]*Instance
	cps    map[string][]*Checkpoint
	nextCP int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		insts: make(map[string]*Instance),
		cps:   make(map[string][]*Checkpoint),
	}
}

func (s *MemoryStore) CreateInstance(in *Instance) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in.ID == "" {
		in.ID = newID()
	}
	if _, ok := s.insts[in.ID]; ok {
		return "", fmt.Errorf("workflow %s already exists", in.ID)
	}
	now := time.Now().UTC()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	in.UpdatedAt = now
	s.insts[in.ID] = in.Clone()
	return in.ID, nil
}

func (s *MemoryStore) GetInstance(id string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.insts[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	return in.Clone(), nil
}

func (s *MemoryStore) UpdateInstance(in *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.insts[in.ID]; !ok {
		return fmt.Errorf("workflow %s: %w", in.ID, ErrNotFound)
	}
	in.UpdatedAt = time.Now().UTC()
	s.insts[in.ID] = in.Clone()
	return nil
}

func (s *MemoryStore) ListInstances(f Filter) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Instance
	for _, in := range s.insts {
		if f.Status != nil && in.Status != *f.Status {
			continue
		}
		if f.Type != "" && in.Type != f.Type {
			continue
		}
		if f.ProjectID != "" && in.ProjectID != f.ProjectID {
			continue
		}
		out = append(out, in.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) SaveCheckpoint(cp *Checkpoint) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCP++
	cp.ID = s.nextCP
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.cps[cp.WorkflowID] = append(s.cps[cp.WorkflowID], cp.Clone())
	return cp.ID, nil
}

func (s *MemoryStore) LatestCheckpoint(workflowID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cps := s.cps[workflowID]
	if len(cps) == 0 {
		return nil, fmt.Errorf("checkpoint for workflow %s: %w", workflowID, ErrNotFound)
	}
	return cps[len(cps)-1].Clone(), nil
}

func (s *MemoryStore) ListCheckpoints(workflowID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cps := s.cps[workflowID]
	out := make([]*Checkpoint, len(cps))
	for i, cp := range cps {
		out[i] = cp.Clone()
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
