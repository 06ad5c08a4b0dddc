package models

import (
	"errors"
	"time"
)

// Run status values.
const (
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Run is one persisted execution of the analysis pipeline.
type Run struct {
	ID            string    `json:"id" db:"id"`
	StartedAt     time.Time `json:"started_at" db:"started_at"`
	FinishedAt    time.Time `json:"finished_at" db:"finished_at"`
	InputPath     string    `json:"input_path" db:"input_path"`
	OutputPath    string    `json:"output_path" db:"output_path"`
	AnalyzedPath  string    `json:"analyzed_path" db:"analyzed_path"`
	Samples       int       `json:"samples" db:"samples"`
	EpochsKept    int       `json:"epochs_kept" db:"epochs_kept"`
	EpochsDropped int       `json:"epochs_dropped" db:"epochs_dropped"`
	PeakChannel   string    `json:"peak_channel" db:"peak_channel"`
	PeakLatency   float64   `json:"peak_latency" db:"peak_latency"`     // seconds
	PeakAmplitude float64   `json:"peak_amplitude" db:"peak_amplitude"` // volts
	AUC           float64   `json:"auc" db:"auc"`
	Status        string    `json:"status" db:"status"`
	Error         string    `json:"error,omitempty" db:"error_message"`
}

// Validate checks that all run fields are valid
func (r *Run) Validate() error {
	if r.ID == "" {
		return errors.New("run ID must not be empty")
	}
	if r.StartedAt.IsZero() {
		return errors.New("started at must be set")
	}
	if !r.FinishedAt.IsZero() && r.FinishedAt.Before(r.StartedAt) {
		return errors.New("finished at must be >= started at")
	}
	if r.InputPath == "" {
		return errors.New("input path must not be empty")
	}
	if r.Samples < 0 || r.EpochsKept < 0 || r.EpochsDropped < 0 {
		return errors.New("counts must not be negative")
	}
	if r.Status != RunSucceeded && r.Status != RunFailed {
		return errors.New("status must be 'succeeded' or 'failed'")
	}
	if r.Status == RunFailed && r.Error == "" {
		return errors.New("failed runs must carry an error message")
	}
	return nil
}
