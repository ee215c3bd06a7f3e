package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/adaptml/driftpatch/internal/api"
)

// RedisStore persists records in Redis. Patch creation uses SETNX so that
// concurrent creation of the same deterministic patch ID is first-write-wins
// without races.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: redis connection failed: %v", api.ErrStoreUnavailable, err)
	}
	return &RedisStore{client: client}, nil
}

func modelKey(id string) string     { return "dp:model:" + id }
func stateKey(id string) string     { return "dp:state:" + id }
func patchKey(id string) string     { return "dp:patch:" + id }
func snapshotKey(id string) string  { return "dp:snapshot:" + id }
func patchSetKey(id string) string  { return "dp:patches:" + id }
func driftKey(id string) string     { return "dp:driftres:" + id }
func driftIndexKey(id string) string { return "dp:drift:" + id }

const (
	modelSetKey      = "dp:models"
	driftModelSetKey = "dp:drift:models"
)

func (r *RedisStore) getJSON(ctx context.Context, key string, out interface{}) error {
	data, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return fmt.Errorf("%w: %s", api.ErrNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("%w: redis GET %s: %v", api.ErrStoreUnavailable, key, err)
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) setJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := r.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("%w: redis SET %s: %v", api.ErrStoreUnavailable, key, err)
	}
	return nil
}

func (r *RedisStore) SaveModel(ctx context.Context, m *api.Model) error {
	if err := r.setJSON(ctx, modelKey(m.ID), m); err != nil {
		return err
	}
	if err := r.client.SAdd(ctx, modelSetKey, m.ID).Err(); err != nil {
		return fmt.Errorf("%w: redis SADD: %v", api.ErrStoreUnavailable, err)
	}
	return nil
}

func (r *RedisStore) GetModel(ctx context.Context, id string) (*api.Model, error) {
	var m api.Model
	if err := r.getJSON(ctx, modelKey(id), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *RedisStore) ListModels(ctx context.Context) ([]*api.Model, error) {
	ids, err := r.client.SMembers(ctx, modelSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: redis SMEMBERS: %v", api.ErrStoreUnavailable, err)
	}
	out := make([]*api.Model, 0, len(ids))
	for _, id := range ids {
		m, err := r.GetModel(ctx, id)
		if err != nil {
			continue // model removed between SMEMBERS and GET
		}
		out = append(out, m)
	}
	return out, nil
}

func (r *RedisStore) GetState(ctx context.Context, modelID string) (*api.PreprocessingState, error) {
	var s api.PreprocessingState
	if err := r.getJSON(ctx, stateKey(modelID), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *RedisStore) SaveState(ctx context.Context, s *api.PreprocessingState) error {
	return r.setJSON(ctx, stateKey(s.ModelID), s)
}

func (r *RedisStore) CreatePatch(ctx context.Context, p *api.Patch) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal patch: %w", err)
	}

	// SETNX: first write wins; losing a creation race is not an error.
	wasSet, err := r.client.SetNX(ctx, patchKey(p.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("%w: redis SETNX: %v", api.ErrStoreUnavailable, err)
	}
	if !wasSet {
		return nil
	}
	if err := r.client.SAdd(ctx, patchSetKey(p.ModelID), p.ID).Err(); err != nil {
		return fmt.Errorf("%w: redis SADD: %v", api.ErrStoreUnavailable, err)
	}
	return nil
}

func (r *RedisStore) GetPatch(ctx context.Context, id string) (*api.Patch, error) {
	var p api.Patch
	if err := r.getJSON(ctx, patchKey(id), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *RedisStore) ListPatches(ctx context.Context, modelID string) ([]*api.Patch, error) {
	ids, err := r.client.SMembers(ctx, patchSetKey(modelID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: redis SMEMBERS: %v", api.ErrStoreUnavailable, err)
	}
	out := make([]*api.Patch, 0, len(ids))
	for _, id := range ids {
		p, err := r.GetPatch(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	sortPatches(out)
	return out, nil
}

func (r *RedisStore) UpdatePatch(ctx context.Context, p *api.Patch) error {
	exists, err := r.client.Exists(ctx, patchKey(p.ID)).Result()
	if err != nil {
		return fmt.Errorf("%w: redis EXISTS: %v", api.ErrStoreUnavailable, err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: patch %s", api.ErrNotFound, p.ID)
	}
	return r.setJSON(ctx, patchKey(p.ID), p)
}

func (r *RedisStore) SaveSnapshot(ctx context.Context, s *api.PatchSnapshot) error {
	return r.setJSON(ctx, snapshotKey(s.PatchID), s)
}

func (r *RedisStore) GetSnapshot(ctx context.Context, patchID string) (*api.PatchSnapshot, error) {
	var s api.PatchSnapshot
	if err := r.getJSON(ctx, snapshotKey(patchID), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *RedisStore) SaveDriftResult(ctx context.Context, result *api.DriftResult) error {
	if err := r.setJSON(ctx, driftKey(result.ID), result); err != nil {
		return err
	}
	z := &redis.Z{Score: float64(result.Timestamp.UnixNano()), Member: result.ID}
	if err := r.client.ZAdd(ctx, driftIndexKey(result.ModelID), z).Err(); err != nil {
		return fmt.Errorf("%w: redis ZADD: %v", api.ErrStoreUnavailable, err)
	}
	if err := r.client.SAdd(ctx, driftModelSetKey, result.ModelID).Err(); err != nil {
		return fmt.Errorf("%w: redis SADD: %v", api.ErrStoreUnavailable, err)
	}
	return nil
}

func (r *RedisStore) ListDriftResults(ctx context.Context, modelID string, since time.Time) ([]*api.DriftResult, error) {
	ids, err := r.client.ZRangeByScore(ctx, driftIndexKey(modelID), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixNano(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: redis ZRANGEBYSCORE: %v", api.ErrStoreUnavailable, err)
	}

	out := make([]*api.DriftResult, 0, len(ids))
	for _, id := range ids {
		var result api.DriftResult
		if err := r.getJSON(ctx, driftKey(id), &result); err != nil {
			continue
		}
		out = append(out, &result)
	}
	return out, nil
}

func (r *RedisStore) PruneDriftResults(ctx context.Context, before time.Time) (int, error) {
	modelIDs, err := r.client.SMembers(ctx, driftModelSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: redis SMEMBERS: %v", api.ErrStoreUnavailable, err)
	}

	max := strconv.FormatInt(before.UnixNano()-1, 10)
	pruned := 0
	for _, modelID := range modelIDs {
		ids, err := r.client.ZRangeByScore(ctx, driftIndexKey(modelID), &redis.ZRangeBy{
			Min: "-inf",
			Max: max,
		}).Result()
		if err != nil {
			return pruned, fmt.Errorf("%w: redis ZRANGEBYSCORE: %v", api.ErrStoreUnavailable, err)
		}
		for _, id := range ids {
			r.client.Del(ctx, driftKey(id))
		}
		removed, err := r.client.ZRemRangeByScore(ctx, driftIndexKey(modelID), "-inf", max).Result()
		if err != nil {
			return pruned, fmt.Errorf("%w: redis ZREMRANGEBYSCORE: %v", api.ErrStoreUnavailable, err)
		}
		pruned += int(removed)
	}
	return pruned, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
