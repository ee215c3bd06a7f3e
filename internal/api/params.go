package api

import "time"

// MonitorParams collects the operator-configurable knobs. Values are loaded from
// the environment by cmd/server; nothing here is hardcoded at call sites.
type MonitorParams struct {
	Interval           time.Duration `json:"interval"`             // monitoring cycle period
	AutoEvalThreshold  float64       `json:"auto_eval_threshold"`  // drift score gating candidate generation
	AutoApplySafety    float64       `json:"auto_apply_safety"`    // minimum safety score for auto-apply
	AutoApplyReduction float64       `json:"auto_apply_reduction"` // minimum drift reduction for auto-apply
	RegressionFloor    float64       `json:"regression_floor"`     // max tolerated accuracy drop during validation
	RetentionDays      int           `json:"retention_days"`       // drift-result retention window
	MinSampleSize      int           `json:"min_sample_size"`      // below this, validation warns
	MaxRetries         int           `json:"max_retries"`          // store I/O retry budget
	RetryBackoff       time.Duration `json:"retry_backoff"`        // initial backoff, doubled per attempt
}

// DefaultMonitorParams returns production defaults.
func DefaultMonitorParams() MonitorParams {
	return MonitorParams{
		Interval:           30 * time.Second,
		AutoEvalThreshold:  0.3,
		AutoApplySafety:    0.7,
		AutoApplyReduction: 0.1,
		RegressionFloor:    -0.05,
		RetentionDays:      30,
		MinSampleSize:      30,
		MaxRetries:         3,
		RetryBackoff:       200 * time.Millisecond,
	}
}
