package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/adaptml/driftpatch/internal/api"
	"github.com/adaptml/driftpatch/internal/journal"
	"github.com/adaptml/driftpatch/internal/patch"
)

// Observer receives lifecycle notifications from the snapshot manager.
// Implementations must be safe for concurrent use. A nil observer disables
// notifications.
type Observer interface {
	PatchApplied(modelID string)
	PatchRolledBack(modelID string)
	OperationFailed(modelID, op string)
}

// SnapshotManager applies validated patches to preprocessing state and rolls
// them back, snapshotting state around every mutation so each operation is
// all-or-nothing. Operations on the same model are mutually exclusive and
// fail fast rather than queue.
type SnapshotManager struct {
	store    Store
	journal  *journal.Journal // optional
	observer Observer         // optional
	params   api.MonitorParams

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-model operation locks
}

// NewSnapshotManager creates a manager over the given store. jrnl and obs may
// be nil.
func NewSnapshotManager(s Store, jrnl *journal.Journal, obs Observer, params api.MonitorParams) *SnapshotManager {
	return &SnapshotManager{
		store:    s,
		journal:  jrnl,
		observer: obs,
		params:   params,
		locks:    make(map[string]*sync.Mutex),
	}
}

// lockFor returns the operation lock for a model, creating it on first use.
func (m *SnapshotManager) lockFor(modelID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[modelID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[modelID] = l
	}
	return l
}

func (m *SnapshotManager) record(op, phase, patchID, modelID, detail string) {
	if m.journal == nil {
		return
	}
	if err := m.journal.Record(op, phase, patchID, modelID, detail); err != nil {
		log.Printf("journal write failed (op=%s phase=%s patch=%s): %v", op, phase, patchID, err)
	}
}

func (m *SnapshotManager) failed(modelID, op string) {
	if m.observer != nil {
		m.observer.OperationFailed(modelID, op)
	}
}

// Apply atomically applies a validated patch to its model's preprocessing
// state. It snapshots the state before and after mutation so the operation
// can be rolled back exactly. If another apply or rollback is in flight for
// the same model it returns api.ErrConcurrentOperation immediately.
func (m *SnapshotManager) Apply(ctx context.Context, patchID string) (*api.Patch, error) {
	p, err := m.getPatch(ctx, patchID)
	if err != nil {
		return nil, err
	}

	lock := m.lockFor(p.ModelID)
	if !lock.TryLock() {
		m.failed(p.ModelID, "apply")
		return nil, fmt.Errorf("%w: model %s has an operation in flight", api.ErrConcurrentOperation, p.ModelID)
	}
	defer lock.Unlock()

	// Re-read under the lock; status may have changed while we waited.
	p, err = m.getPatch(ctx, patchID)
	if err != nil {
		return nil, err
	}
	if p.Status != api.StatusValidated {
		m.failed(p.ModelID, "apply")
		return nil, api.StateErrorf("patch %s is %s, only validated patches can be applied", p.ID, p.Status)
	}

	var state *api.PreprocessingState
	err = WithRetry(ctx, m.params, func() error {
		var e error
		state, e = m.store.GetState(ctx, p.ModelID)
		return e
	})
	if err != nil {
		m.failed(p.ModelID, "apply")
		return nil, fmt.Errorf("loading state for model %s: %w", p.ModelID, err)
	}

	newState, err := patch.ApplyToState(state, p.Config)
	if err != nil {
		m.failed(p.ModelID, "apply")
		return nil, fmt.Errorf("applying %s configuration: %w", p.Type, err)
	}

	preBytes, err := patch.EncodeState(state)
	if err != nil {
		m.failed(p.ModelID, "apply")
		return nil, err
	}
	postBytes, err := patch.EncodeState(newState)
	if err != nil {
		m.failed(p.ModelID, "apply")
		return nil, err
	}

	now := time.Now().UTC()
	m.record("apply", journal.PhaseBegin, p.ID, p.ModelID, string(p.Type))

	snap := &api.PatchSnapshot{
		PatchID:   p.ID,
		Timestamp: now,
		PreState:  preBytes,
		PostState: postBytes,
	}
	if err := WithRetry(ctx, m.params, func() error { return m.store.SaveSnapshot(ctx, snap) }); err != nil {
		m.record("apply", journal.PhaseAbort, p.ID, p.ModelID, "snapshot save failed")
		m.failed(p.ModelID, "apply")
		return nil, fmt.Errorf("saving snapshot for patch %s: %w", p.ID, err)
	}

	if err := WithRetry(ctx, m.params, func() error { return m.store.SaveState(ctx, newState) }); err != nil {
		m.record("apply", journal.PhaseAbort, p.ID, p.ModelID, "state save failed")
		m.failed(p.ModelID, "apply")
		return nil, fmt.Errorf("saving patched state for model %s: %w", p.ModelID, err)
	}

	p.Status = api.StatusApplied
	p.AppliedAt = &now
	if err := WithRetry(ctx, m.params, func() error { return m.store.UpdatePatch(ctx, p) }); err != nil {
		// Revert the state write so the model is untouched, then mark failed.
		if rerr := WithRetry(ctx, m.params, func() error { return m.store.SaveState(ctx, state) }); rerr != nil {
			log.Printf("CRITICAL: could not revert state for model %s after failed apply of %s: %v", p.ModelID, p.ID, rerr)
		}
		m.record("apply", journal.PhaseAbort, p.ID, p.ModelID, "patch update failed")
		m.markFailed(ctx, p, "status update failed during apply")
		m.failed(p.ModelID, "apply")
		return nil, fmt.Errorf("updating patch %s after apply: %w", p.ID, err)
	}

	m.record("apply", journal.PhaseCommit, p.ID, p.ModelID, "")
	if m.observer != nil {
		m.observer.PatchApplied(p.ModelID)
	}
	return p, nil
}

// Rollback restores the pre-apply state captured in the patch's snapshot.
// Applied patches must be rolled back newest first; rolling back a patch
// while a later one is still applied would clobber the later patch's effect.
func (m *SnapshotManager) Rollback(ctx context.Context, patchID string) (*api.Patch, error) {
	p, err := m.getPatch(ctx, patchID)
	if err != nil {
		return nil, err
	}

	lock := m.lockFor(p.ModelID)
	if !lock.TryLock() {
		m.failed(p.ModelID, "rollback")
		return nil, fmt.Errorf("%w: model %s has an operation in flight", api.ErrConcurrentOperation, p.ModelID)
	}
	defer lock.Unlock()

	p, err = m.getPatch(ctx, patchID)
	if err != nil {
		return nil, err
	}
	if p.Status != api.StatusApplied {
		m.failed(p.ModelID, "rollback")
		return nil, api.StateErrorf("patch %s is %s, only applied patches can be rolled back", p.ID, p.Status)
	}

	var siblings []*api.Patch
	err = WithRetry(ctx, m.params, func() error {
		var e error
		siblings, e = m.store.ListPatches(ctx, p.ModelID)
		return e
	})
	if err != nil {
		m.failed(p.ModelID, "rollback")
		return nil, fmt.Errorf("listing patches for model %s: %w", p.ModelID, err)
	}
	for _, sib := range siblings {
		if sib.ID == p.ID || sib.Status != api.StatusApplied {
			continue
		}
		if sib.AppliedAt != nil && p.AppliedAt != nil && sib.AppliedAt.After(*p.AppliedAt) {
			m.failed(p.ModelID, "rollback")
			return nil, api.StateErrorf("patch %s was applied after %s and must be rolled back first", sib.ID, p.ID)
		}
	}

	var snap *api.PatchSnapshot
	err = WithRetry(ctx, m.params, func() error {
		var e error
		snap, e = m.store.GetSnapshot(ctx, p.ID)
		return e
	})
	if err != nil {
		m.failed(p.ModelID, "rollback")
		return nil, fmt.Errorf("loading snapshot for patch %s: %w", p.ID, err)
	}

	preState, err := patch.DecodeState(snap.PreState)
	if err != nil {
		m.failed(p.ModelID, "rollback")
		return nil, err
	}

	var current *api.PreprocessingState
	err = WithRetry(ctx, m.params, func() error {
		var e error
		current, e = m.store.GetState(ctx, p.ModelID)
		return e
	})
	if err != nil {
		m.failed(p.ModelID, "rollback")
		return nil, fmt.Errorf("loading state for model %s: %w", p.ModelID, err)
	}

	now := time.Now().UTC()
	m.record("rollback", journal.PhaseBegin, p.ID, p.ModelID, "")

	if err := WithRetry(ctx, m.params, func() error { return m.store.SaveState(ctx, preState) }); err != nil {
		m.record("rollback", journal.PhaseAbort, p.ID, p.ModelID, "state restore failed")
		m.failed(p.ModelID, "rollback")
		return nil, fmt.Errorf("restoring state for model %s: %w", p.ModelID, err)
	}

	p.Status = api.StatusRolledBack
	p.RolledBackAt = &now
	if err := WithRetry(ctx, m.params, func() error { return m.store.UpdatePatch(ctx, p) }); err != nil {
		// Put the applied state back so the store stays consistent with the
		// patch still reading as applied.
		if rerr := WithRetry(ctx, m.params, func() error { return m.store.SaveState(ctx, current) }); rerr != nil {
			log.Printf("CRITICAL: could not restore state for model %s after failed rollback of %s: %v", p.ModelID, p.ID, rerr)
		}
		m.record("rollback", journal.PhaseAbort, p.ID, p.ModelID, "patch update failed")
		m.failed(p.ModelID, "rollback")
		return nil, fmt.Errorf("updating patch %s after rollback: %w", p.ID, err)
	}

	m.record("rollback", journal.PhaseCommit, p.ID, p.ModelID, "")
	if m.observer != nil {
		m.observer.PatchRolledBack(p.ModelID)
	}
	return p, nil
}

// RecoverInterrupted repairs patches left mid-operation by a crash. Called at
// startup with the unfinished begin entries recovered from the journal.
//
// An interrupted apply may have written the mutated state without the patch
// ever reading as applied, so the pre-apply snapshot is restored before the
// patch is marked failed. An interrupted rollback is left applied: the
// mutation may still be live, and a retried rollback converges the state
// either way.
func (m *SnapshotManager) RecoverInterrupted(ctx context.Context, interrupted []journal.Entry) {
	for _, e := range interrupted {
		p, err := m.getPatch(ctx, e.PatchID)
		if err != nil {
			log.Printf("crash recovery: cannot load patch %s: %v", e.PatchID, err)
			continue
		}
		if p.Status.Terminal() {
			continue
		}

		if e.Op == "rollback" {
			log.Printf("crash recovery: rollback of %s was interrupted, patch stays applied for retry", p.ID)
			continue
		}

		// UpdatePatch ran before the commit record, so a patch reading as
		// applied finished its apply; only the commit entry was lost.
		if p.Status == api.StatusApplied {
			log.Printf("crash recovery: apply of %s completed before crash, leaving applied", p.ID)
			continue
		}

		m.restorePreApply(ctx, p)
		m.markFailed(ctx, p, "operation interrupted by restart")
		log.Printf("crash recovery: marked patch %s failed", p.ID)
	}
}

// restorePreApply puts the pre-apply state back for an apply that journaled a
// begin but never finished. No snapshot means the crash hit before any state
// write, so there is nothing to undo.
func (m *SnapshotManager) restorePreApply(ctx context.Context, p *api.Patch) {
	var snap *api.PatchSnapshot
	err := WithRetry(ctx, m.params, func() error {
		var e error
		snap, e = m.store.GetSnapshot(ctx, p.ID)
		return e
	})
	if errors.Is(err, api.ErrNotFound) {
		return
	}
	if err != nil {
		log.Printf("CRITICAL: crash recovery cannot load snapshot for %s: %v", p.ID, err)
		return
	}

	pre, err := patch.DecodeState(snap.PreState)
	if err != nil {
		log.Printf("CRITICAL: crash recovery cannot decode snapshot for %s: %v", p.ID, err)
		return
	}
	if err := WithRetry(ctx, m.params, func() error { return m.store.SaveState(ctx, pre) }); err != nil {
		log.Printf("CRITICAL: crash recovery cannot restore state for model %s: %v", p.ModelID, err)
		return
	}
	log.Printf("crash recovery: restored pre-apply state for model %s", p.ModelID)
}

func (m *SnapshotManager) getPatch(ctx context.Context, id string) (*api.Patch, error) {
	var p *api.Patch
	err := WithRetry(ctx, m.params, func() error {
		var e error
		p, e = m.store.GetPatch(ctx, id)
		return e
	})
	return p, err
}

func (m *SnapshotManager) markFailed(ctx context.Context, p *api.Patch, reason string) {
	p.Status = api.StatusFailed
	if p.Metadata == nil {
		p.Metadata = make(map[string]string)
	}
	p.Metadata["failure_reason"] = reason
	if err := WithRetry(ctx, m.params, func() error { return m.store.UpdatePatch(ctx, p) }); err != nil {
		log.Printf("could not mark patch %s failed: %v", p.ID, err)
	}
}
