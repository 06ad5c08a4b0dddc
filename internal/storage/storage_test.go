package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/eegscope/internal/models"
)

func newTestStorage(t *testing.T, maxRuns int) *Storage {
	t.Helper()
	s, err := New("sqlite", filepath.Join(t.TempDir(), "ledger", "runs.db"), maxRuns)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRun(started time.Time) *models.Run {
	return &models.Run{
		ID:            uuid.New().String(),
		StartedAt:     started,
		FinishedAt:    started.Add(3 * time.Second),
		InputPath:     "neurosity_readings.csv",
		OutputPath:    "output_file.edf",
		AnalyzedPath:  "/data/MEG/sample/sample_audvis_raw.edf",
		Samples:       1250,
		EpochsKept:    55,
		EpochsDropped: 3,
		PeakChannel:   "Cz",
		PeakLatency:   0.412,
		PeakAmplitude: -3.5e-6,
		AUC:           -1.2e-5,
		Status:        models.RunSucceeded,
	}
}

func TestStorage_SaveAndGetRun(t *testing.T) {
	s := newTestStorage(t, 10)
	started := time.Now().UTC().Truncate(time.Second)
	run := testRun(started)

	if err := s.SaveRun(run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	got, err := s.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.PeakChannel != "Cz" || got.EpochsKept != 55 || got.PeakAmplitude != -3.5e-6 {
		t.Errorf("unexpected run: %+v", got)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("Expected started at %v, got %v", started, got.StartedAt)
	}

	// saving again replaces the row
	run.Status = models.RunFailed
	run.Error = "stage events failed"
	if err := s.SaveRun(run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	got, err = s.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != models.RunFailed || got.Error != "stage events failed" {
		t.Errorf("run was not replaced: %+v", got)
	}
	runs, err := s.ListRuns(0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("Expected 1 run, got %d", len(runs))
	}
}

func TestStorage_GetRunNotFound(t *testing.T) {
	s := newTestStorage(t, 10)
	_, err := s.GetRun("missing")
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Expected ErrRunNotFound, got %v", err)
	}
}

func TestStorage_SaveRunValidation(t *testing.T) {
	s := newTestStorage(t, 10)
	run := testRun(time.Now())
	run.Status = models.RunFailed // failed runs need an error message
	if err := s.SaveRun(run); err == nil {
		t.Error("Expected validation error")
	}
}

func TestStorage_ListRuns(t *testing.T) {
	s := newTestStorage(t, 10)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		run := testRun(base.Add(time.Duration(i) * time.Hour))
		run.Samples = i
		if err := s.SaveRun(run); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}
	}

	runs, err := s.ListRuns(3)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("Expected 3 runs, got %d", len(runs))
	}
	for i, want := range []int{4, 3, 2} {
		if runs[i].Samples != want {
			t.Errorf("runs[%d] is run %d, want %d (newest first)", i, runs[i].Samples, want)
		}
	}
}

func TestStorage_RotateRuns(t *testing.T) {
	s := newTestStorage(t, 3)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 5; i++ {
		run := testRun(base.Add(time.Duration(i) * time.Minute))
		run.InputPath = fmt.Sprintf("run-%d.csv", i)
		ids = append(ids, run.ID)
		if err := s.SaveRun(run); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}
	}

	removed, err := s.RotateRuns()
	if err != nil {
		t.Fatalf("RotateRuns failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("Expected 2 runs removed, got %d", removed)
	}

	// the two oldest runs are gone
	for i, id := range ids {
		_, err := s.GetRun(id)
		if i < 2 && !errors.Is(err, ErrRunNotFound) {
			t.Errorf("run %d should have been rotated out", i)
		}
		if i >= 2 && err != nil {
			t.Errorf("run %d should be kept: %v", i, err)
		}
	}

	removed, err = s.RotateRuns()
	if err != nil || removed != 0 {
		t.Errorf("Expected no-op rotation, got %d, %v", removed, err)
	}
}

func TestNew_UnsupportedDriver(t *testing.T) {
	if _, err := New("postgres", "dsn", 10); err == nil {
		t.Error("Expected error for unsupported driver")
	}
}
