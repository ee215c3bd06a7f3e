package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/adaptml/driftpatch/internal/api"
)

// MemoryStore is an in-memory store with an optional JSON file snapshot for
// restart survival. Suitable for single-node deployments and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	models   map[string]*api.Model
	states   map[string]*api.PreprocessingState
	patches  map[string]*api.Patch
	snaps    map[string]*api.PatchSnapshot
	drifts   map[string][]*api.DriftResult // modelID -> results, oldest first
	snapshot string                        // optional file path for persistence
}

type memorySnapshot struct {
	Models  map[string]*api.Model              `json:"models"`
	States  map[string]*api.PreprocessingState `json:"states"`
	Patches map[string]*api.Patch              `json:"patches"`
	Snaps   map[string]*api.PatchSnapshot      `json:"snapshots"`
	Drifts  map[string][]*api.DriftResult      `json:"drift_results"`
}

// NewMemoryStore creates an in-memory store. snapshotPath may be empty to
// disable file persistence.
func NewMemoryStore(snapshotPath string) *MemoryStore {
	ms := &MemoryStore{
		models:   make(map[string]*api.Model),
		states:   make(map[string]*api.PreprocessingState),
		patches:  make(map[string]*api.Patch),
		snaps:    make(map[string]*api.PatchSnapshot),
		drifts:   make(map[string][]*api.DriftResult),
		snapshot: snapshotPath,
	}
	if snapshotPath != "" {
		ms.loadSnapshot()
	}
	return ms
}

func (m *MemoryStore) SaveModel(ctx context.Context, model *api.Model) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.models[model.ID] = clone(model)
	return m.persist()
}

func (m *MemoryStore) GetModel(ctx context.Context, id string) (*api.Model, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	model, ok := m.models[id]
	if !ok {
		return nil, fmt.Errorf("%w: model %s", api.ErrNotFound, id)
	}
	return clone(model), nil
}

func (m *MemoryStore) ListModels(ctx context.Context) ([]*api.Model, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*api.Model, 0, len(m.models))
	for _, model := range m.models {
		out = append(out, clone(model))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetState(ctx context.Context, modelID string) (*api.PreprocessingState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[modelID]
	if !ok {
		return nil, fmt.Errorf("%w: state for model %s", api.ErrNotFound, modelID)
	}
	return clone(s), nil
}

func (m *MemoryStore) SaveState(ctx context.Context, s *api.PreprocessingState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[s.ModelID] = clone(s)
	return m.persist()
}

func (m *MemoryStore) CreatePatch(ctx context.Context, p *api.Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.patches[p.ID]; exists {
		return nil // first write wins
	}
	m.patches[p.ID] = clone(p)
	return m.persist()
}

func (m *MemoryStore) GetPatch(ctx context.Context, id string) (*api.Patch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patches[id]
	if !ok {
		return nil, fmt.Errorf("%w: patch %s", api.ErrNotFound, id)
	}
	return clone(p), nil
}

func (m *MemoryStore) ListPatches(ctx context.Context, modelID string) ([]*api.Patch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*api.Patch, 0)
	for _, p := range m.patches {
		if p.ModelID == modelID {
			out = append(out, clone(p))
		}
	}
	sortPatches(out)
	return out, nil
}

func (m *MemoryStore) UpdatePatch(ctx context.Context, p *api.Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patches[p.ID]; !ok {
		return fmt.Errorf("%w: patch %s", api.ErrNotFound, p.ID)
	}
	m.patches[p.ID] = clone(p)
	return m.persist()
}

func (m *MemoryStore) SaveSnapshot(ctx context.Context, s *api.PatchSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[s.PatchID] = clone(s)
	return m.persist()
}

func (m *MemoryStore) GetSnapshot(ctx context.Context, patchID string) (*api.PatchSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snaps[patchID]
	if !ok {
		return nil, fmt.Errorf("%w: snapshot for patch %s", api.ErrNotFound, patchID)
	}
	return clone(s), nil
}

func (m *MemoryStore) SaveDriftResult(ctx context.Context, r *api.DriftResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drifts[r.ModelID] = append(m.drifts[r.ModelID], clone(r))
	return m.persist()
}

func (m *MemoryStore) ListDriftResults(ctx context.Context, modelID string, since time.Time) ([]*api.DriftResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*api.DriftResult, 0)
	for _, r := range m.drifts[modelID] {
		if !r.Timestamp.Before(since) {
			out = append(out, clone(r))
		}
	}
	return out, nil
}

func (m *MemoryStore) PruneDriftResults(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for modelID, results := range m.drifts {
		kept := results[:0]
		for _, r := range results {
			if r.Timestamp.Before(before) {
				pruned++
			} else {
				kept = append(kept, r)
			}
		}
		m.drifts[modelID] = kept
	}
	if pruned > 0 {
		return pruned, m.persist()
	}
	return 0, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persist()
}

// persist writes the snapshot file. Caller must hold the lock.
func (m *MemoryStore) persist() error {
	if m.snapshot == "" {
		return nil
	}
	snap := memorySnapshot{
		Models:  m.models,
		States:  m.states,
		Patches: m.patches,
		Snaps:   m.snaps,
		Drifts:  m.drifts,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal store snapshot: %w", err)
	}
	if err := os.WriteFile(m.snapshot, data, 0644); err != nil {
		return fmt.Errorf("%w: writing snapshot: %v", api.ErrStoreUnavailable, err)
	}
	return nil
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshot)
	if err != nil {
		return // no snapshot yet
	}
	var snap memorySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return // corrupt snapshot, start fresh
	}
	if snap.Models != nil {
		m.models = snap.Models
	}
	if snap.States != nil {
		m.states = snap.States
	}
	if snap.Patches != nil {
		m.patches = snap.Patches
	}
	if snap.Snaps != nil {
		m.snaps = snap.Snaps
	}
	if snap.Drifts != nil {
		m.drifts = snap.Drifts
	}
}

// clone deep-copies a record through JSON so callers never alias stored memory.
func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return v
	}
	return out
}
