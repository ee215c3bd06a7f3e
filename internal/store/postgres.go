package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adaptml/driftpatch/internal/api"
)

// PostgresStore persists records as jsonb documents. Patch creation uses
// INSERT ... ON CONFLICT DO NOTHING so concurrent creation of the same
// deterministic patch ID is first-write-wins via the primary key constraint.
//
// Schema:
//
//	CREATE TABLE models (
//	  id VARCHAR(255) PRIMARY KEY,
//	  doc JSONB NOT NULL
//	);
//	CREATE TABLE states (
//	  model_id VARCHAR(255) PRIMARY KEY,
//	  doc JSONB NOT NULL
//	);
//	CREATE TABLE patches (
//	  id VARCHAR(255) PRIMARY KEY,
//	  model_id VARCHAR(255) NOT NULL,
//	  created_at TIMESTAMPTZ NOT NULL,
//	  doc JSONB NOT NULL
//	);
//	CREATE INDEX idx_patches_model ON patches(model_id, created_at);
//	CREATE TABLE snapshots (
//	  patch_id VARCHAR(255) PRIMARY KEY,
//	  doc JSONB NOT NULL
//	);
//	CREATE TABLE drift_results (
//	  id VARCHAR(255) PRIMARY KEY,
//	  model_id VARCHAR(255) NOT NULL,
//	  ts TIMESTAMPTZ NOT NULL,
//	  doc JSONB NOT NULL
//	);
//	CREATE INDEX idx_drift_results_model ON drift_results(model_id, ts);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres and verifies the connection.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create postgres pool: %v", api.ErrStoreUnavailable, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: postgres ping failed: %v", api.ErrStoreUnavailable, err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) SaveModel(ctx context.Context, m *api.Model) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal model: %w", err)
	}
	query := `
		INSERT INTO models (id, doc) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc
	`
	if _, err := p.pool.Exec(ctx, query, m.ID, doc); err != nil {
		return fmt.Errorf("%w: postgres insert failed: %v", api.ErrStoreUnavailable, err)
	}
	return nil
}

func (p *PostgresStore) GetModel(ctx context.Context, id string) (*api.Model, error) {
	var doc []byte
	err := p.pool.QueryRow(ctx, `SELECT doc FROM models WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: model %s", api.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: postgres query failed: %v", api.ErrStoreUnavailable, err)
	}
	var m api.Model
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal model: %w", err)
	}
	return &m, nil
}

func (p *PostgresStore) ListModels(ctx context.Context) ([]*api.Model, error) {
	rows, err := p.pool.Query(ctx, `SELECT doc FROM models ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: postgres query failed: %v", api.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []*api.Model
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("%w: postgres scan failed: %v", api.ErrStoreUnavailable, err)
		}
		var m api.Model
		if err := json.Unmarshal(doc, &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal model: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetState(ctx context.Context, modelID string) (*api.PreprocessingState, error) {
	var doc []byte
	err := p.pool.QueryRow(ctx, `SELECT doc FROM states WHERE model_id = $1`, modelID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: state for model %s", api.ErrNotFound, modelID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: postgres query failed: %v", api.ErrStoreUnavailable, err)
	}
	var s api.PreprocessingState
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &s, nil
}

func (p *PostgresStore) SaveState(ctx context.Context, s *api.PreprocessingState) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	query := `
		INSERT INTO states (model_id, doc) VALUES ($1, $2)
		ON CONFLICT (model_id) DO UPDATE SET doc = EXCLUDED.doc
	`
	if _, err := p.pool.Exec(ctx, query, s.ModelID, doc); err != nil {
		return fmt.Errorf("%w: postgres insert failed: %v", api.ErrStoreUnavailable, err)
	}
	return nil
}

func (p *PostgresStore) CreatePatch(ctx context.Context, patch *api.Patch) error {
	doc, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("failed to marshal patch: %w", err)
	}

	// ON CONFLICT DO NOTHING: first write wins via the primary key constraint.
	query := `
		INSERT INTO patches (id, model_id, created_at, doc)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := p.pool.Exec(ctx, query, patch.ID, patch.ModelID, patch.CreatedAt, doc); err != nil {
		return fmt.Errorf("%w: postgres insert failed: %v", api.ErrStoreUnavailable, err)
	}
	return nil
}

func (p *PostgresStore) GetPatch(ctx context.Context, id string) (*api.Patch, error) {
	var doc []byte
	err := p.pool.QueryRow(ctx, `SELECT doc FROM patches WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: patch %s", api.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: postgres query failed: %v", api.ErrStoreUnavailable, err)
	}
	var patch api.Patch
	if err := json.Unmarshal(doc, &patch); err != nil {
		return nil, fmt.Errorf("failed to unmarshal patch: %w", err)
	}
	return &patch, nil
}

func (p *PostgresStore) ListPatches(ctx context.Context, modelID string) ([]*api.Patch, error) {
	query := `SELECT doc FROM patches WHERE model_id = $1 ORDER BY created_at, id`
	rows, err := p.pool.Query(ctx, query, modelID)
	if err != nil {
		return nil, fmt.Errorf("%w: postgres query failed: %v", api.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []*api.Patch
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("%w: postgres scan failed: %v", api.ErrStoreUnavailable, err)
		}
		var patch api.Patch
		if err := json.Unmarshal(doc, &patch); err != nil {
			return nil, fmt.Errorf("failed to unmarshal patch: %w", err)
		}
		out = append(out, &patch)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdatePatch(ctx context.Context, patch *api.Patch) error {
	doc, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("failed to marshal patch: %w", err)
	}
	tag, err := p.pool.Exec(ctx, `UPDATE patches SET doc = $2 WHERE id = $1`, patch.ID, doc)
	if err != nil {
		return fmt.Errorf("%w: postgres update failed: %v", api.ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: patch %s", api.ErrNotFound, patch.ID)
	}
	return nil
}

func (p *PostgresStore) SaveSnapshot(ctx context.Context, s *api.PatchSnapshot) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	query := `
		INSERT INTO snapshots (patch_id, doc) VALUES ($1, $2)
		ON CONFLICT (patch_id) DO UPDATE SET doc = EXCLUDED.doc
	`
	if _, err := p.pool.Exec(ctx, query, s.PatchID, doc); err != nil {
		return fmt.Errorf("%w: postgres insert failed: %v", api.ErrStoreUnavailable, err)
	}
	return nil
}

func (p *PostgresStore) GetSnapshot(ctx context.Context, patchID string) (*api.PatchSnapshot, error) {
	var doc []byte
	err := p.pool.QueryRow(ctx, `SELECT doc FROM snapshots WHERE patch_id = $1`, patchID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: snapshot for patch %s", api.ErrNotFound, patchID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: postgres query failed: %v", api.ErrStoreUnavailable, err)
	}
	var s api.PatchSnapshot
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &s, nil
}

func (p *PostgresStore) SaveDriftResult(ctx context.Context, r *api.DriftResult) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal drift result: %w", err)
	}
	query := `
		INSERT INTO drift_results (id, model_id, ts, doc)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc
	`
	if _, err := p.pool.Exec(ctx, query, r.ID, r.ModelID, r.Timestamp, doc); err != nil {
		return fmt.Errorf("%w: postgres insert failed: %v", api.ErrStoreUnavailable, err)
	}
	return nil
}

func (p *PostgresStore) ListDriftResults(ctx context.Context, modelID string, since time.Time) ([]*api.DriftResult, error) {
	query := `SELECT doc FROM drift_results WHERE model_id = $1 AND ts >= $2 ORDER BY ts`
	rows, err := p.pool.Query(ctx, query, modelID, since)
	if err != nil {
		return nil, fmt.Errorf("%w: postgres query failed: %v", api.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []*api.DriftResult
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("%w: postgres scan failed: %v", api.ErrStoreUnavailable, err)
		}
		var r api.DriftResult
		if err := json.Unmarshal(doc, &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal drift result: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) PruneDriftResults(ctx context.Context, before time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM drift_results WHERE ts < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("%w: postgres delete failed: %v", api.ErrStoreUnavailable, err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
