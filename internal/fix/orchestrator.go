// Package fix implements the interactive fix workflow: a guided state machine
// that analyzes one model, surfaces validated patch candidates, applies the
// chosen ones, and exports the result.
package fix

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adaptml/driftpatch/internal/api"
	"github.com/adaptml/driftpatch/internal/drift"
	"github.com/adaptml/driftpatch/internal/export"
	"github.com/adaptml/driftpatch/internal/monitor"
	"github.com/adaptml/driftpatch/internal/patch"
	"github.com/adaptml/driftpatch/internal/stats"
	"github.com/adaptml/driftpatch/internal/store"
	"github.com/adaptml/driftpatch/pkg/otel"
)

const tracerName = "driftpatch/fix"

// State is the orchestrator's workflow position.
type State string

const (
	StateIdle             State = "idle"
	StateAnalyzing        State = "analyzing"
	StateAnalysisComplete State = "analysis_complete"
	StateApplyingPatches  State = "applying_patches"
	StatePatchesApplied   State = "patches_applied"
	StateError            State = "error"
)

// Analysis holds the artifacts of one completed analysis.
type Analysis struct {
	Model      *api.Model
	Result     *api.DriftResult
	Candidates []*api.Patch // validated subset carries Validation
	ref        *monitor.Sample
	cur        *monitor.Sample
}

// Orchestrator drives one interactive fix session. A session works on one
// model at a time; Reset clears it for the next.
type Orchestrator struct {
	store    store.Store
	manager  *store.SnapshotManager
	source   monitor.InferenceLogSource
	exporter *export.Writer // optional
	params   api.MonitorParams

	aggregator *drift.Aggregator
	generator  *patch.Generator
	validator  *patch.Validator

	mu       sync.Mutex
	state    State
	analysis *Analysis
	lastErr  error
}

// NewOrchestrator wires a session. exporter may be nil to skip artifact export.
func NewOrchestrator(s store.Store, mgr *store.SnapshotManager, src monitor.InferenceLogSource,
	exporter *export.Writer, params api.MonitorParams) *Orchestrator {
	return &Orchestrator{
		store:      s,
		manager:    mgr,
		source:     src,
		exporter:   exporter,
		params:     params,
		aggregator: drift.NewAggregator(),
		generator:  patch.NewGenerator(),
		validator:  patch.NewValidator(params),
		state:      StateIdle,
	}
}

// State returns the current workflow state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Err returns the error that moved the session into StateError, if any.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// LastAnalysis returns the artifacts of the most recent analysis, or nil.
func (o *Orchestrator) LastAnalysis() *Analysis {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.analysis
}

func (o *Orchestrator) transition(from, to State) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != from {
		return api.StateErrorf("fix session is %s, operation requires %s", o.state, from)
	}
	o.state = to
	return nil
}

func (o *Orchestrator) fail(err error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = StateError
	o.lastErr = err
	return err
}

// Analyze runs the full diagnosis for one model: fetch windows, score drift,
// generate candidates, validate each. Valid session start states: Idle.
func (o *Orchestrator) Analyze(ctx context.Context, modelID string) (*Analysis, error) {
	if err := o.transition(StateIdle, StateAnalyzing); err != nil {
		return nil, err
	}

	ctx, span := otel.StartSpan(ctx, tracerName, "fix.analyze", otel.ModelAttributes(modelID, "")...)
	defer span.End()

	analysis, err := o.runAnalysis(ctx, modelID)
	if err != nil {
		otel.RecordError(span, err, "analysis")
		return nil, o.fail(err)
	}

	o.mu.Lock()
	o.analysis = analysis
	o.state = StateAnalysisComplete
	o.mu.Unlock()
	return analysis, nil
}

func (o *Orchestrator) runAnalysis(ctx context.Context, modelID string) (*Analysis, error) {
	var model *api.Model
	err := store.WithRetry(ctx, o.params, func() error {
		var e error
		model, e = o.store.GetModel(ctx, modelID)
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("loading model %s: %w", modelID, err)
	}

	ref, err := o.source.Reference(ctx, model)
	if err != nil {
		return nil, fmt.Errorf("reference window: %w", err)
	}
	cur, err := o.source.Current(ctx, model)
	if err != nil {
		return nil, fmt.Errorf("current window: %w", err)
	}

	n := len(model.Features)
	refCols, err := stats.Columns(ref.Rows, n)
	if err != nil {
		return nil, err
	}
	curCols, err := stats.Columns(cur.Rows, n)
	if err != nil {
		return nil, err
	}

	result, err := o.aggregator.Aggregate(drift.Input{
		Model:     model,
		RefCols:   refCols,
		CurCols:   curCols,
		RefLabels: ref.Labels,
		CurLabels: cur.Labels,
	}, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := store.WithRetry(ctx, o.params, func() error { return o.store.SaveDriftResult(ctx, result) }); err != nil {
		return nil, fmt.Errorf("saving drift result: %w", err)
	}

	analysis := &Analysis{Model: model, Result: result, ref: ref, cur: cur}
	if !result.Detected {
		return analysis, nil
	}

	var state *api.PreprocessingState
	err = store.WithRetry(ctx, o.params, func() error {
		var e error
		state, e = o.store.GetState(ctx, modelID)
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	candidates, err := o.generator.Generate(result, model, state,
		patch.Dataset{Rows: ref.Rows, Labels: ref.Labels},
		patch.Dataset{Rows: cur.Rows, Labels: cur.Labels})
	if err != nil {
		return nil, err
	}

	predict := o.source.Predictor(modelID)
	var val *monitor.Sample
	if predict != nil {
		if val, err = o.source.Validation(ctx, model); err != nil {
			return nil, fmt.Errorf("validation window: %w", err)
		}
	}
	for _, cand := range candidates {
		if err := store.WithRetry(ctx, o.params, func() error { return o.store.CreatePatch(ctx, cand) }); err != nil {
			return nil, fmt.Errorf("saving candidate %s: %w", cand.ID, err)
		}
		if predict == nil {
			continue
		}
		if _, err := o.validator.Validate(cand, model, state,
			patch.Dataset{Rows: ref.Rows, Labels: ref.Labels},
			patch.Dataset{Rows: cur.Rows, Labels: cur.Labels},
			patch.ValidationSet{Rows: val.Rows, Labels: val.Labels, Predict: predict}); err != nil {
			return nil, fmt.Errorf("validating candidate %s: %w", cand.ID, err)
		}
		if err := store.WithRetry(ctx, o.params, func() error { return o.store.UpdatePatch(ctx, cand) }); err != nil {
			return nil, fmt.Errorf("persisting validation of %s: %w", cand.ID, err)
		}
	}
	analysis.Candidates = candidates
	return analysis, nil
}

// Apply applies the selected candidates from the last analysis, in the given
// order, and exports each applied patch. Requires AnalysisComplete. An empty
// selection applies every validated recommended candidate.
func (o *Orchestrator) Apply(ctx context.Context, patchIDs ...string) ([]*api.Patch, error) {
	if err := o.transition(StateAnalysisComplete, StateApplyingPatches); err != nil {
		return nil, err
	}

	ctx, span := otel.StartSpan(ctx, tracerName, "fix.apply")
	defer span.End()

	o.mu.Lock()
	analysis := o.analysis
	o.mu.Unlock()

	if len(patchIDs) == 0 {
		for _, cand := range analysis.Candidates {
			if cand.Status == api.StatusValidated && cand.Recommended {
				patchIDs = append(patchIDs, cand.ID)
			}
		}
	}
	if len(patchIDs) == 0 {
		err := api.StateErrorf("no validated candidates to apply for model %s", analysis.Model.ID)
		otel.RecordError(span, err, "selection")
		return nil, o.fail(err)
	}

	var applied []*api.Patch
	for _, id := range patchIDs {
		p, err := o.manager.Apply(ctx, id)
		if err != nil {
			otel.RecordError(span, err, "applying "+id)
			return applied, o.fail(fmt.Errorf("applying patch %s: %w", id, err))
		}
		applied = append(applied, p)

		if o.exporter != nil {
			if _, _, err := o.exporter.WritePatch(p); err != nil {
				return applied, o.fail(fmt.Errorf("exporting patch %s: %w", id, err))
			}
		}
	}

	o.mu.Lock()
	o.state = StatePatchesApplied
	o.mu.Unlock()
	return applied, nil
}

// Cancel abandons the session. Only quiescent states accept cancellation; a
// session mid-analysis or mid-apply must finish or fail first.
func (o *Orchestrator) Cancel() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateIdle && o.state != StateAnalysisComplete {
		return api.StateErrorf("cannot cancel while %s", o.state)
	}
	o.state = StateIdle
	o.analysis = nil
	o.lastErr = nil
	return nil
}

// Reset returns the session to Idle from any state, clearing its artifacts.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = StateIdle
	o.analysis = nil
	o.lastErr = nil
}
