package db

import (
	"sort"
	"sync"
	"time"
)

// MemorySnapshotStore is the default store when no database is configured.
// Good enough for the dev relay and for tests; nothing survives a restart.
type MemorySnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string]*Snapshot
}

// NewMemorySnapshotStore creates an empty in-memory store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snapshots: make(map[string]*Snapshot)}
}

func (s *MemorySnapshotStore) Get(sessionID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[sessionID]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	out := *snap
	return &out, nil
}

func (s *MemorySnapshotStore) Save(snapshot *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	stored := *snapshot
	stored.UpdatedAt = now
	if existing, ok := s.snapshots[snapshot.SessionID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	s.snapshots[snapshot.SessionID] = &stored
	return nil
}

func (s *MemorySnapshotStore) Delete(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.snapshots[sessionID]; !ok {
		return ErrSnapshotNotFound
	}
	delete(s.snapshots, sessionID)
	return nil
}

func (s *MemorySnapshotStore) List() ([]*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Snapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		cp := *snap
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *MemorySnapshotStore) Close() error { return nil }

var _ SnapshotStore = (*MemorySnapshotStore)(nil)
