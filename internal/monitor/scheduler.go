package monitor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adaptml/driftpatch/internal/api"
	"github.com/adaptml/driftpatch/internal/cache"
	"github.com/adaptml/driftpatch/internal/drift"
	"github.com/adaptml/driftpatch/internal/metrics"
	"github.com/adaptml/driftpatch/internal/patch"
	"github.com/adaptml/driftpatch/internal/stats"
	"github.com/adaptml/driftpatch/internal/store"
	"github.com/adaptml/driftpatch/pkg/otel"
)

const tracerName = "driftpatch/monitor"

// Scheduler drives periodic drift analysis for every registered model. One
// cycle analyzes all models; if a cycle overruns the interval the next tick is
// skipped rather than stacked. Failures in one model never block the others.
type Scheduler struct {
	store   store.Store
	manager *store.SnapshotManager
	source  InferenceLogSource
	sink    NotificationSink // optional
	mets    *metrics.Metrics // optional
	params  api.MonitorParams

	aggregator *drift.Aggregator
	generator  *patch.Generator
	validator  *patch.Validator
	refCache   *cache.ReferenceCache

	lifecycle sync.Mutex // serializes Start and Stop
	running   atomic.Bool
	inCycle   atomic.Bool
	stopCh    chan struct{}
	wg        sync.WaitGroup

	events  chan Event
	dropped atomic.Uint64
}

// NewScheduler wires a scheduler. sink and mets may be nil. eventBuffer bounds
// the event channel; when full, new events are dropped and counted.
func NewScheduler(s store.Store, mgr *store.SnapshotManager, src InferenceLogSource,
	sink NotificationSink, mets *metrics.Metrics, params api.MonitorParams, eventBuffer int) (*Scheduler, error) {

	if eventBuffer <= 0 {
		eventBuffer = 256
	}
	refCache, err := cache.NewReferenceCache(1024, 10*params.Interval)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		store:      s,
		manager:    mgr,
		source:     src,
		sink:       sink,
		mets:       mets,
		params:     params,
		aggregator: drift.NewAggregator(),
		generator:  patch.NewGenerator(),
		validator:  patch.NewValidator(params),
		refCache:   refCache,
		events:     make(chan Event, eventBuffer),
	}, nil
}

// Events exposes the bounded notification channel.
func (s *Scheduler) Events() <-chan Event {
	return s.events
}

// DroppedEvents reports how many events were discarded on channel overflow.
func (s *Scheduler) DroppedEvents() uint64 {
	return s.dropped.Load()
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start launches the monitoring loop. Calling Start on a running scheduler is
// a no-op; a stopped scheduler can be started again.
func (s *Scheduler) Start(ctx context.Context) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.running.Load() {
		return
	}
	s.stopCh = make(chan struct{})
	s.running.Store(true)
	s.wg.Add(1)
	go s.loop(ctx, s.stopCh)
	log.Printf("monitor: started (interval %s)", s.params.Interval)
}

// Stop halts the loop and waits for any in-flight cycle to finish. An apply
// already underway completes; nothing is interrupted mid-operation. Stop is
// idempotent.
func (s *Scheduler) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if !s.running.Load() {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
	s.running.Store(false)
	log.Printf("monitor: stopped")
}

func (s *Scheduler) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.params.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

// runCycle analyzes every registered model once. Overlapping ticks are
// skipped: if the previous cycle is still running, this one does nothing.
func (s *Scheduler) runCycle(ctx context.Context) {
	if !s.inCycle.CompareAndSwap(false, true) {
		log.Printf("monitor: previous cycle still running, skipping tick")
		return
	}
	defer s.inCycle.Store(false)

	start := time.Now()
	ctx, span := otel.StartSpan(ctx, tracerName, "monitor.cycle")
	defer span.End()

	if s.mets != nil {
		s.mets.CyclesTotal.Inc()
		defer func() { s.mets.CycleDuration.Observe(time.Since(start).Seconds()) }()
	}

	var models []*api.Model
	err := store.WithRetry(ctx, s.params, func() error {
		var e error
		models, e = s.store.ListModels(ctx)
		return e
	})
	if err != nil {
		otel.RecordError(span, err, "listing models")
		s.emit(Event{Timestamp: time.Now(), Type: EventCycleFailed, Detail: err.Error()})
		log.Printf("monitor: cannot list models: %v", err)
		return
	}

	for _, model := range models {
		if err := s.analyzeModel(ctx, model); err != nil {
			// One model's failure never blocks the rest of the cycle.
			otel.RecordError(span, err, "analyzing model "+model.ID)
			s.emit(Event{Timestamp: time.Now(), Type: EventCycleFailed, ModelID: model.ID, Detail: err.Error()})
			log.Printf("monitor: model %s analysis failed: %v", model.ID, err)
		}
	}

	s.pruneRetention(ctx)
}

func (s *Scheduler) analyzeModel(ctx context.Context, model *api.Model) error {
	ctx, span := otel.StartSpan(ctx, tracerName, "monitor.analyze", otel.ModelAttributes(model.ID, model.Version)...)
	defer span.End()

	ref, err := s.referenceWindow(ctx, model)
	if err != nil {
		return fmt.Errorf("reference window: %w", err)
	}
	cur, err := s.source.Current(ctx, model)
	if err != nil {
		return fmt.Errorf("current window: %w", err)
	}

	n := len(model.Features)
	refCols, err := stats.Columns(ref.Rows, n)
	if err != nil {
		return err
	}
	curCols, err := stats.Columns(cur.Rows, n)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	result, err := s.aggregator.Aggregate(drift.Input{
		Model:     model,
		RefCols:   refCols,
		CurCols:   curCols,
		RefLabels: ref.Labels,
		CurLabels: cur.Labels,
	}, now)
	if err != nil {
		return err
	}

	if err := store.WithRetry(ctx, s.params, func() error { return s.store.SaveDriftResult(ctx, result) }); err != nil {
		return fmt.Errorf("saving drift result: %w", err)
	}

	span.SetAttributes(otel.DriftAttributes(model.ID, result.Score, string(result.Type), string(result.Severity), result.Detected)...)
	if s.mets != nil {
		s.mets.DriftScore.WithLabelValues(model.ID).Set(result.Score)
	}

	if result.Detected {
		if s.mets != nil {
			s.mets.DriftDetected.Inc()
			s.mets.DriftDetectedByModel.WithLabelValues(model.ID).Inc()
		}
		s.emit(Event{
			Timestamp: now, Type: EventDriftDetected, ModelID: model.ID,
			Score: result.Score, Detail: string(result.Severity),
		})
	}

	// Patch evaluation is gated on drift severity, not mere detection.
	if result.Score < s.params.AutoEvalThreshold {
		return nil
	}
	return s.evaluatePatches(ctx, model, result, ref, cur)
}

// referenceWindow serves the reference sample from cache when fresh, falling
// back to the source.
func (s *Scheduler) referenceWindow(ctx context.Context, model *api.Model) (*Sample, error) {
	if win, ok := s.refCache.Get(model.ID); ok {
		return &Sample{Rows: rowsFromColumns(win.Columns), Labels: win.Labels}, nil
	}
	ref, err := s.source.Reference(ctx, model)
	if err != nil {
		return nil, err
	}
	cols, err := stats.Columns(ref.Rows, len(model.Features))
	if err != nil {
		return nil, err
	}
	s.refCache.Set(model.ID, &cache.ReferenceWindow{
		Columns:   cols,
		Labels:    ref.Labels,
		FetchedAt: time.Now(),
	})
	return ref, nil
}

// evaluatePatches generates candidates, validates each, and auto-applies the
// best candidate that clears the safety gates.
func (s *Scheduler) evaluatePatches(ctx context.Context, model *api.Model,
	result *api.DriftResult, ref, cur *Sample) error {

	ctx, span := otel.StartSpan(ctx, tracerName, "monitor.evaluate",
		otel.DriftAttributes(model.ID, result.Score, string(result.Type), string(result.Severity), result.Detected)...)
	defer span.End()

	var state *api.PreprocessingState
	err := store.WithRetry(ctx, s.params, func() error {
		var e error
		state, e = s.store.GetState(ctx, model.ID)
		return e
	})
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}

	candidates, err := s.generator.Generate(result, model, state,
		patch.Dataset{Rows: ref.Rows, Labels: ref.Labels},
		patch.Dataset{Rows: cur.Rows, Labels: cur.Labels})
	if err != nil {
		return err
	}

	predict := s.source.Predictor(model.ID)

	// Candidates are scored on the hold-out, not on the window they were
	// generated from.
	var val *Sample
	if predict != nil {
		if val, err = s.source.Validation(ctx, model); err != nil {
			return fmt.Errorf("validation window: %w", err)
		}
	}

	var best *api.Patch
	for _, cand := range candidates {
		if err := store.WithRetry(ctx, s.params, func() error { return s.store.CreatePatch(ctx, cand) }); err != nil {
			log.Printf("monitor: saving candidate %s: %v", cand.ID, err)
			continue
		}
		if s.mets != nil {
			s.mets.PatchesCreated.Inc()
		}
		s.emit(Event{Timestamp: time.Now(), Type: EventPatchCreated, ModelID: model.ID, PatchID: cand.ID, Detail: string(cand.Type)})

		if predict == nil {
			continue // cannot simulate, leave candidates unvalidated
		}

		vstart := time.Now()
		vres, err := s.validator.Validate(cand, model, state,
			patch.Dataset{Rows: ref.Rows, Labels: ref.Labels},
			patch.Dataset{Rows: cur.Rows, Labels: cur.Labels},
			patch.ValidationSet{Rows: val.Rows, Labels: val.Labels, Predict: predict})
		if s.mets != nil {
			s.mets.ValidationDuration.Observe(time.Since(vstart).Seconds())
		}
		if err != nil {
			log.Printf("monitor: validating candidate %s: %v", cand.ID, err)
			continue
		}
		if err := store.WithRetry(ctx, s.params, func() error { return s.store.UpdatePatch(ctx, cand) }); err != nil {
			log.Printf("monitor: persisting validation of %s: %v", cand.ID, err)
			continue
		}

		if !vres.IsValid {
			s.emit(Event{Timestamp: time.Now(), Type: EventPatchRejected, ModelID: model.ID, PatchID: cand.ID,
				Detail: fmt.Sprintf("%d validation errors", len(vres.Errors))})
			continue
		}
		if s.mets != nil {
			s.mets.PatchesValidated.Inc()
		}
		s.emit(Event{Timestamp: time.Now(), Type: EventPatchValidated, ModelID: model.ID, PatchID: cand.ID,
			Score: vres.Metrics.SafetyScore})

		if best == nil || vres.Metrics.SafetyScore > best.Validation.Metrics.SafetyScore {
			best = cand
		}
	}

	if best == nil {
		return nil
	}
	m := best.Validation.Metrics
	if m.SafetyScore <= s.params.AutoApplySafety || m.DriftReduction <= s.params.AutoApplyReduction {
		return nil // below the auto-apply bar; leave for operator review
	}

	applied, err := s.manager.Apply(ctx, best.ID)
	if err != nil {
		// The patch stays validated; an operator can apply it manually.
		otel.RecordError(span, err, "auto-apply")
		s.emit(Event{Timestamp: time.Now(), Type: EventPatchRejected, ModelID: model.ID, PatchID: best.ID,
			Detail: "auto-apply failed: " + err.Error()})
		log.Printf("monitor: auto-apply of %s failed: %v", best.ID, err)
		return nil
	}

	s.refCache.Delete(model.ID)
	s.emit(Event{Timestamp: time.Now(), Type: EventPatchApplied, ModelID: model.ID, PatchID: applied.ID,
		Score: m.SafetyScore, Detail: string(applied.Type)})
	return nil
}

func (s *Scheduler) pruneRetention(ctx context.Context) {
	if s.params.RetentionDays <= 0 {
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.params.RetentionDays)
	var pruned int
	err := store.WithRetry(ctx, s.params, func() error {
		var e error
		pruned, e = s.store.PruneDriftResults(ctx, cutoff)
		return e
	})
	if err != nil {
		log.Printf("monitor: pruning drift results: %v", err)
		return
	}
	if pruned > 0 {
		s.emit(Event{Timestamp: time.Now(), Type: EventResultsPruned, Detail: fmt.Sprintf("%d results", pruned)})
	}
}

// emit delivers an event without ever blocking the cycle.
func (s *Scheduler) emit(e Event) {
	if s.sink != nil {
		s.sink.Notify(e)
	}
	select {
	case s.events <- e:
	default:
		s.dropped.Add(1)
	}
}

func rowsFromColumns(cols [][]float64) [][]float64 {
	if len(cols) == 0 {
		return nil
	}
	rows := make([][]float64, len(cols[0]))
	for r := range rows {
		row := make([]float64, len(cols))
		for c := range cols {
			row[c] = cols[c][r]
		}
		rows[r] = row
	}
	return rows
}
