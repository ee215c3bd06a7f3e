// Package monitor runs the periodic drift-detection loop: per model it pulls
// reference and current inference windows, scores drift, and when drift is
// severe enough generates, validates, and optionally auto-applies patches.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adaptml/driftpatch/internal/api"
	"github.com/adaptml/driftpatch/internal/patch"
)

// Sample is one analysis window: row-major feature vectors and optional
// observed labels or predictions.
type Sample struct {
	Rows   [][]float64 `json:"rows"`
	Labels []float64   `json:"labels,omitempty"`
}

// InferenceLogSource supplies the data a monitoring cycle consumes. Production
// implementations read inference logs; tests use StaticSource.
type InferenceLogSource interface {
	// Reference returns the training-time (or pinned) window for a model.
	Reference(ctx context.Context, model *api.Model) (*Sample, error)
	// Current returns the recent production window for a model.
	Current(ctx context.Context, model *api.Model) (*Sample, error)
	// Validation returns the held-out labeled window patches are scored on.
	// Sources without a dedicated hold-out fall back to the current window.
	Validation(ctx context.Context, model *api.Model) (*Sample, error)
	// Predictor returns the inference callback used to simulate patches for a
	// model, or nil when validation cannot run.
	Predictor(modelID string) patch.PredictFunc
}

// StaticSource serves fixed windows, keyed by model ID.
type StaticSource struct {
	Refs       map[string]*Sample
	Curs       map[string]*Sample
	Vals       map[string]*Sample // optional hold-outs; Curs serves as fallback
	Predictors map[string]patch.PredictFunc
}

// NewStaticSource returns an empty static source.
func NewStaticSource() *StaticSource {
	return &StaticSource{
		Refs:       make(map[string]*Sample),
		Curs:       make(map[string]*Sample),
		Vals:       make(map[string]*Sample),
		Predictors: make(map[string]patch.PredictFunc),
	}
}

func (s *StaticSource) Reference(ctx context.Context, model *api.Model) (*Sample, error) {
	sample, ok := s.Refs[model.ID]
	if !ok {
		return nil, api.InputErrorf("no reference window for model %s", model.ID)
	}
	return sample, nil
}

func (s *StaticSource) Current(ctx context.Context, model *api.Model) (*Sample, error) {
	sample, ok := s.Curs[model.ID]
	if !ok {
		return nil, api.InputErrorf("no current window for model %s", model.ID)
	}
	return sample, nil
}

func (s *StaticSource) Validation(ctx context.Context, model *api.Model) (*Sample, error) {
	if sample, ok := s.Vals[model.ID]; ok {
		return sample, nil
	}
	return s.Current(ctx, model)
}

func (s *StaticSource) Predictor(modelID string) patch.PredictFunc {
	return s.Predictors[modelID]
}

// FileSource reads inference log windows from disk. Serving infrastructure
// drops {dir}/{modelID}/reference.json, current.json, and optionally
// validation.json, each a JSON-encoded Sample; the engine never runs
// inference itself, so predictors are registered by the embedding process
// when available.
type FileSource struct {
	dir string

	mu         sync.RWMutex
	predictors map[string]patch.PredictFunc
}

// NewFileSource creates a source rooted at dir.
func NewFileSource(dir string) *FileSource {
	return &FileSource{dir: dir, predictors: make(map[string]patch.PredictFunc)}
}

func (f *FileSource) Reference(ctx context.Context, model *api.Model) (*Sample, error) {
	return f.load(model.ID, "reference.json")
}

func (f *FileSource) Current(ctx context.Context, model *api.Model) (*Sample, error) {
	return f.load(model.ID, "current.json")
}

// Validation reads {dir}/{modelID}/validation.json, falling back to the
// current window when no hold-out was dropped.
func (f *FileSource) Validation(ctx context.Context, model *api.Model) (*Sample, error) {
	sample, err := f.load(model.ID, "validation.json")
	if errors.Is(err, api.ErrNotFound) {
		return f.Current(ctx, model)
	}
	return sample, err
}

// RegisterPredictor attaches an inference callback for a model, enabling
// patch validation.
func (f *FileSource) RegisterPredictor(modelID string, fn patch.PredictFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.predictors[modelID] = fn
}

func (f *FileSource) Predictor(modelID string) patch.PredictFunc {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.predictors[modelID]
}

func (f *FileSource) load(modelID, name string) (*Sample, error) {
	path := filepath.Join(f.dir, modelID, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", api.ErrNotFound, path)
		}
		return nil, fmt.Errorf("reading inference window %s: %w", path, err)
	}
	var sample Sample
	if err := json.Unmarshal(data, &sample); err != nil {
		return nil, api.InputErrorf("malformed inference window %s: %v", path, err)
	}
	if len(sample.Rows) == 0 {
		return nil, api.InputErrorf("inference window %s has no rows", path)
	}
	return &sample, nil
}

// EventType labels scheduler notifications.
type EventType string

const (
	EventDriftDetected  EventType = "drift_detected"
	EventPatchCreated   EventType = "patch_created"
	EventPatchValidated EventType = "patch_validated"
	EventPatchApplied   EventType = "patch_applied"
	EventPatchRejected  EventType = "patch_rejected"
	EventCycleFailed    EventType = "cycle_failed"
	EventResultsPruned  EventType = "results_pruned"
)

// Event is one scheduler notification.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	ModelID   string    `json:"model_id,omitempty"`
	PatchID   string    `json:"patch_id,omitempty"`
	Score     float64   `json:"score,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// NotificationSink receives scheduler events. Notify must not block; slow
// consumers should buffer internally.
type NotificationSink interface {
	Notify(e Event)
}

// LogSink writes events to the process log.
type LogSink struct{}

func (LogSink) Notify(e Event) {
	log.Printf("event %s model=%s patch=%s score=%.3f %s", e.Type, e.ModelID, e.PatchID, e.Score, e.Detail)
}
