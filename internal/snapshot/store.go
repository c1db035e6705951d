package snapshot

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/rpattn/evalsandbox/internal/domain"
)

// Store persists captured snapshots keyed by environment and label.
type Store interface {
	// Put stores the snapshot, replacing any existing one with the same label.
	Put(ctx context.Context, snapshot domain.Snapshot) error
	// Get returns domain.ErrNotFound when nothing was captured under label.
	Get(ctx context.Context, environmentID uuid.UUID, label string) (domain.Snapshot, error)
	// List returns the labels captured for an environment, oldest first.
	List(ctx context.Context, environmentID uuid.UUID) ([]string, error)
	// DeleteEnvironment purges every snapshot of an environment.
	DeleteEnvironment(ctx context.Context, environmentID uuid.UUID) error
}

func notFound(environmentID uuid.UUID, label string) error {
	return fmt.Errorf("snapshot %s of environment %s: %w", label, environmentID, domain.ErrNotFound)
}

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[uuid.UUID]map[string]domain.Snapshot
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: map[uuid.UUID]map[string]domain.Snapshot{}}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Put(_ context.Context, snapshot domain.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byLabel, ok := m.snapshots[snapshot.EnvironmentID()]
	if !ok {
		byLabel = map[string]domain.Snapshot{}
		m.snapshots[snapshot.EnvironmentID()] = byLabel
	}
	byLabel[snapshot.Label()] = snapshot
	return nil
}

func (m *MemoryStore) Get(_ context.Context, environmentID uuid.UUID, label string) (domain.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot, ok := m.snapshots[environmentID][label]
	if !ok {
		return domain.Snapshot{}, notFound(environmentID, label)
	}
	return snapshot, nil
}

func (m *MemoryStore) List(_ context.Context, environmentID uuid.UUID) ([]string, error) {
	m.mu.RLock()
	snapshots := make([]domain.Snapshot, 0, len(m.snapshots[environmentID]))
	for _, snapshot := range m.snapshots[environmentID] {
		snapshots = append(snapshots, snapshot)
	}
	m.mu.RUnlock()
	return labelsOf(snapshots), nil
}

func (m *MemoryStore) DeleteEnvironment(_ context.Context, environmentID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, environmentID)
	return nil
}

func labelsOf(snapshots []domain.Snapshot) []string {
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Compare(snapshots[j]) < 0
	})
	labels := make([]string, len(snapshots))
	for i, snapshot := range snapshots {
		labels[i] = snapshot.Label()
	}
	return labels
}
