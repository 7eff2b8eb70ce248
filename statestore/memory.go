package statestore

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"fluxdnsd/cluster"
)

// MemoryStore keeps the state in process. It enforces revisions like the
// networked backends do, and counts writes.
type MemoryStore struct {
	mu       sync.Mutex
	state    cluster.State
	revision string
	writes   int
	corrupt  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Seed replaces the stored state without counting a write.
func (m *MemoryStore) Seed(state cluster.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state.Normalize()
	m.revision = uuid.NewString()
	m.corrupt = false
}

// SeedCorrupt makes the next Load report ErrCorruptState.
func (m *MemoryStore) SeedCorrupt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = cluster.State{}
	m.revision = uuid.NewString()
	m.corrupt = true
}

func (m *MemoryStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *MemoryStore) State() cluster.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *MemoryStore) Load(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.corrupt {
		return Snapshot{Revision: m.revision}, ErrCorruptState
	}
	return Snapshot{State: m.state, Revision: m.revision}, nil
}

func (m *MemoryStore) Save(ctx context.Context, prev string, state cluster.State) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev != m.revision {
		return "", ErrConflict
	}
	m.state = state.Normalize()
	m.revision = uuid.NewString()
	m.corrupt = false
	m.writes++
	return m.revision, nil
}
