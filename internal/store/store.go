// Package store persists models, preprocessing state, drift results, patches,
// and snapshots, and hosts the snapshot manager that performs atomic,
// rollback-capable patch application.
package store

import (
	"context"
	"sort"
	"time"

	"github.com/adaptml/driftpatch/internal/api"
)

// Store is the persistence contract. Backends: memory (with optional file
// snapshot), Redis, Postgres. Implementations wrap I/O failures in
// api.ErrStoreUnavailable and missing records in api.ErrNotFound.
type Store interface {
	// SaveModel upserts model metadata.
	SaveModel(ctx context.Context, m *api.Model) error
	GetModel(ctx context.Context, id string) (*api.Model, error)
	ListModels(ctx context.Context) ([]*api.Model, error)

	// GetState returns the model's current preprocessing state.
	GetState(ctx context.Context, modelID string) (*api.PreprocessingState, error)
	SaveState(ctx context.Context, s *api.PreprocessingState) error

	// CreatePatch stores a new patch; first write wins, re-creating an existing
	// ID is a no-op so deterministic candidate regeneration stays idempotent.
	CreatePatch(ctx context.Context, p *api.Patch) error
	GetPatch(ctx context.Context, id string) (*api.Patch, error)
	// ListPatches returns a model's patches ordered by creation time.
	ListPatches(ctx context.Context, modelID string) ([]*api.Patch, error)
	UpdatePatch(ctx context.Context, p *api.Patch) error

	SaveSnapshot(ctx context.Context, s *api.PatchSnapshot) error
	GetSnapshot(ctx context.Context, patchID string) (*api.PatchSnapshot, error)

	SaveDriftResult(ctx context.Context, r *api.DriftResult) error
	// ListDriftResults returns a model's results at or after since, oldest first.
	ListDriftResults(ctx context.Context, modelID string, since time.Time) ([]*api.DriftResult, error)
	// PruneDriftResults deletes results older than before, returning the count.
	PruneDriftResults(ctx context.Context, before time.Time) (int, error)

	Close() error
}

// sortPatches orders by creation time, breaking ties by ID so listings are
// stable across backends.
func sortPatches(patches []*api.Patch) {
	sort.Slice(patches, func(i, j int) bool {
		if patches[i].CreatedAt.Equal(patches[j].CreatedAt) {
			return patches[i].ID < patches[j].ID
		}
		return patches[i].CreatedAt.Before(patches[j].CreatedAt)
	})
}

// WithRetry runs fn with bounded exponential backoff. Only store I/O errors
// (api.ErrStoreUnavailable) are retried; deterministic failures surface at once.
func WithRetry(ctx context.Context, params api.MonitorParams, fn func() error) error {
	backoff := params.RetryBackoff
	var err error
	for attempt := 0; attempt < params.MaxRetries; attempt++ {
		if err = fn(); err == nil || !api.Retryable(err) {
			return err
		}
		if attempt == params.MaxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}
