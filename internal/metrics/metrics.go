package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus counters and gauges for the engine.
type Metrics struct {
	// Global counters
	CyclesTotal       prometheus.Counter
	DriftDetected     prometheus.Counter
	PatchesCreated    prometheus.Counter
	PatchesValidated  prometheus.Counter
	PatchesApplied    prometheus.Counter
	PatchesRolledBack prometheus.Counter
	OperationErrors   prometheus.Counter
	StoreRetries      prometheus.Counter

	// Per-model labeled metrics
	DriftScore               *prometheus.GaugeVec
	DriftDetectedByModel     *prometheus.CounterVec
	PatchesAppliedByModel    *prometheus.CounterVec
	PatchesRolledBackByModel *prometheus.CounterVec
	OperationErrorsByModel   *prometheus.CounterVec

	// Latency
	CycleDuration      prometheus.Histogram
	ValidationDuration prometheus.Histogram
}

// New creates and registers all metrics.
func New() *Metrics {
	return &Metrics{
		CyclesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dp_monitor_cycles_total",
			Help: "Total number of monitoring cycles executed",
		}),
		DriftDetected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dp_drift_detected_total",
			Help: "Number of analyses that detected drift",
		}),
		PatchesCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dp_patches_created_total",
			Help: "Number of patch candidates generated",
		}),
		PatchesValidated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dp_patches_validated_total",
			Help: "Number of patches that passed validation",
		}),
		PatchesApplied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dp_patches_applied_total",
			Help: "Number of patches applied to preprocessing state",
		}),
		PatchesRolledBack: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dp_patches_rolled_back_total",
			Help: "Number of patches rolled back",
		}),
		OperationErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dp_operation_errors_total",
			Help: "Number of failed apply or rollback operations",
		}),
		StoreRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dp_store_retries_total",
			Help: "Number of retried store operations after transient failures",
		}),

		DriftScore: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dp_drift_score",
				Help: "Latest aggregate drift score per model",
			},
			[]string{"model_id"},
		),
		DriftDetectedByModel: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dp_drift_detected_by_model",
				Help: "Number of analyses that detected drift per model",
			},
			[]string{"model_id"},
		),
		PatchesAppliedByModel: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dp_patches_applied_by_model",
				Help: "Number of patches applied per model",
			},
			[]string{"model_id"},
		),
		PatchesRolledBackByModel: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dp_patches_rolled_back_by_model",
				Help: "Number of patches rolled back per model",
			},
			[]string{"model_id"},
		),
		OperationErrorsByModel: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dp_operation_errors_by_model",
				Help: "Number of failed apply or rollback operations per model",
			},
			[]string{"model_id"},
		),

		CycleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dp_monitor_cycle_duration_seconds",
			Help:    "Wall time of a full monitoring cycle",
			Buckets: prometheus.DefBuckets,
		}),
		ValidationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dp_validation_duration_seconds",
			Help:    "Wall time of a single patch validation",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// PatchApplied implements the snapshot manager's observer contract.
func (m *Metrics) PatchApplied(modelID string) {
	m.PatchesApplied.Inc()
	m.PatchesAppliedByModel.WithLabelValues(modelID).Inc()
}

// PatchRolledBack implements the snapshot manager's observer contract.
func (m *Metrics) PatchRolledBack(modelID string) {
	m.PatchesRolledBack.Inc()
	m.PatchesRolledBackByModel.WithLabelValues(modelID).Inc()
}

// OperationFailed implements the snapshot manager's observer contract.
func (m *Metrics) OperationFailed(modelID, op string) {
	m.OperationErrors.Inc()
	m.OperationErrorsByModel.WithLabelValues(modelID).Inc()
}
