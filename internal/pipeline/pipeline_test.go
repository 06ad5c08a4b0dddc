package pipeline

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/rewired-gh/eegscope/internal/config"
	"github.com/rewired-gh/eegscope/internal/container"
	"github.com/rewired-gh/eegscope/internal/convert"
	"github.com/rewired-gh/eegscope/internal/epochs"
	"github.com/rewired-gh/eegscope/internal/models"
	"github.com/rewired-gh/eegscope/internal/preprocess"
	"github.com/rewired-gh/eegscope/internal/source"
	"github.com/rewired-gh/eegscope/internal/spectral"
)

// fakeBackend records the order of calls and returns canned outputs.
type fakeBackend struct {
	calls   []string
	loaded  string
	events  []models.Event
	failAt  string
	failErr error
}

func (f *fakeBackend) call(name string) error {
	f.calls = append(f.calls, name)
	if name == f.failAt {
		return f.failErr
	}
	return nil
}

func fakeRecording() *models.Recording {
	info, _ := models.NewInfo(250, []string{"Cz"}, map[string]models.ChannelKind{"Cz": models.KindEEG})
	rec, _ := models.NewRecording(info, mat.NewDense(1, 10, nil))
	return rec
}

func (f *fakeBackend) Convert(_, _ string, _ convert.Options) (*models.Recording, error) {
	return fakeRecording(), f.call("Convert")
}

func (f *fakeBackend) Load(path string) (*models.Recording, error) {
	f.loaded = path
	return fakeRecording(), f.call("Load")
}

func (f *fakeBackend) SetMontage(rec *models.Recording, _ string, _ preprocess.MontageOptions) (*models.Recording, error) {
	return rec, f.call("SetMontage")
}

func (f *fakeBackend) Filter(rec *models.Recording, _ preprocess.FilterOptions) (*models.Recording, error) {
	return rec, f.call("Filter")
}

func (f *fakeBackend) FindEvents(_ *models.Recording, _ string) ([]models.Event, error) {
	return f.events, f.call("FindEvents")
}

func (f *fakeBackend) Epoch(rec *models.Recording, _ []models.Event, _ epochs.Options) (*models.Epochs, error) {
	return &models.Epochs{Info: rec.Info, Dropped: []models.DroppedEpoch{{Reason: models.DropClipped}}}, f.call("Epoch")
}

func (f *fakeBackend) Average(ep *models.Epochs) (*models.Evoked, error) {
	return &models.Evoked{Info: ep.Info}, f.call("Average")
}

func (f *fakeBackend) Peak(_ *models.Evoked, _, _ float64, _ string) (models.Peak, error) {
	return models.Peak{Channel: "Cz", Latency: 0.4, Amplitude: -2e-6}, f.call("Peak")
}

func (f *fakeBackend) AreaUnderCurve(_ *models.Evoked, _, _ float64) (float64, error) {
	return -1e-6, f.call("AreaUnderCurve")
}

func (f *fakeBackend) PSD(_ *models.Epochs, _ spectral.Options) (*models.Spectrum, error) {
	return &models.Spectrum{}, f.call("PSD")
}

func (f *fakeBackend) SourceSpace(_ string, _ float64) (*source.SourceSpace, error) {
	return &source.SourceSpace{}, f.call("SourceSpace")
}

func (f *fakeBackend) ConductorModel(_, _ []float64, _ int) (*source.ConductorModel, error) {
	return &source.ConductorModel{Layers: []source.Layer{{Radius: 0.08, Conductivity: 0.3}}}, f.call("ConductorModel")
}

func (f *fakeBackend) Forward(_ *models.Info, _ *source.SourceSpace, _ *source.ConductorModel) (*source.Forward, error) {
	return &source.Forward{}, f.call("Forward")
}

func (f *fakeBackend) Covariance(_ *models.Epochs, _ float64) (*source.Covariance, error) {
	return &source.Covariance{}, f.call("Covariance")
}

func (f *fakeBackend) InverseOperator(_ *source.Forward, _ *source.Covariance, _ source.InverseOptions) (*source.InverseOperator, error) {
	return &source.InverseOperator{}, f.call("InverseOperator")
}

func (f *fakeBackend) ApplyInverse(_ *source.InverseOperator, _ *models.Evoked, _ float64, _ string) (*models.SourceEstimate, error) {
	return &models.SourceEstimate{Method: "dSPM"}, f.call("ApplyInverse")
}

type fakeLocator struct {
	dir   string
	asked []string
	err   error
}

func (l *fakeLocator) Locate(_ context.Context, rel string) (string, error) {
	l.asked = append(l.asked, rel)
	if l.err != nil {
		return "", l.err
	}
	return filepath.Join(l.dir, rel), nil
}

func loadDefaults(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return cfg
}

func TestRunSequence(t *testing.T) {
	cfg := loadDefaults(t)
	backend := &fakeBackend{events: []models.Event{{Sample: 10, Code: 1}}}
	locator := &fakeLocator{dir: "/data"}
	p := &Pipeline{Backend: backend, Config: cfg, Dataset: locator}

	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []string{
		"Convert", "Load", "SetMontage", "Filter", "FindEvents", "Epoch", "Average",
		"Peak", "AreaUnderCurve", "PSD",
		"ConductorModel", "SourceSpace", "Forward", "Covariance", "InverseOperator", "ApplyInverse",
	}
	if strings.Join(backend.calls, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v, want %v", backend.calls, want)
	}

	wantPath := filepath.Join("/data", cfg.Dataset.ReferenceFile)
	if backend.loaded != wantPath || res.AnalyzedPath != wantPath {
		t.Errorf("loaded %q (result %q), want %q", backend.loaded, res.AnalyzedPath, wantPath)
	}
	if len(res.Timings) != 10 {
		t.Errorf("expected 10 stage timings, got %d", len(res.Timings))
	}
	if res.Timings[0].Stage != StageConvert || res.Timings[9].Stage != StageSource {
		t.Errorf("unexpected stage order: %v", res.Timings)
	}
	if res.Source == nil || res.Spectrum == nil || res.AUC != -1e-6 {
		t.Error("expected all stage outputs in result")
	}

	run := &models.Run{}
	res.FillRun(run)
	if run.EpochsDropped != 1 || run.PeakChannel != "Cz" || run.PeakLatency != 0.4 || run.Samples != 10 {
		t.Errorf("FillRun() = %+v", run)
	}
}

func TestRunConvertOnly(t *testing.T) {
	cfg := loadDefaults(t)
	cfg.Pipeline.ConvertOnly = true
	backend := &fakeBackend{}
	p := &Pipeline{Backend: backend, Config: cfg}

	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(backend.calls) != 1 || backend.calls[0] != "Convert" {
		t.Errorf("calls = %v, want only Convert", backend.calls)
	}
	if res.Converted == nil {
		t.Error("expected converted recording")
	}
}

func TestRunAnalyzeConverted(t *testing.T) {
	cfg := loadDefaults(t)
	cfg.Pipeline.Analyze = AnalyzeConverted
	cfg.Source.Enabled = false
	backend := &fakeBackend{events: []models.Event{{Sample: 10, Code: 1}}}
	locator := &fakeLocator{}
	p := &Pipeline{Backend: backend, Config: cfg, Dataset: locator}

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if backend.loaded != cfg.Input.OutputPath {
		t.Errorf("loaded %q, want converted output %q", backend.loaded, cfg.Input.OutputPath)
	}
	if len(locator.asked) != 0 {
		t.Errorf("locator should not be consulted, asked for %v", locator.asked)
	}
	if last := backend.calls[len(backend.calls)-1]; last != "PSD" {
		t.Errorf("last call = %s, want PSD with source modelling disabled", last)
	}
}

func TestRunNoEvents(t *testing.T) {
	cfg := loadDefaults(t)
	backend := &fakeBackend{}
	p := &Pipeline{Backend: backend, Config: cfg, Dataset: &fakeLocator{dir: "/data"}}

	res, err := p.Run(context.Background())
	if !errors.Is(err, ErrNoEvents) {
		t.Fatalf("expected ErrNoEvents, got %v", err)
	}
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageEvents {
		t.Fatalf("expected StageError for %s, got %v", StageEvents, err)
	}
	if res.Converted == nil {
		t.Error("completed stage outputs should be kept")
	}
	if last := backend.calls[len(backend.calls)-1]; last != "FindEvents" {
		t.Errorf("pipeline continued after failure: %v", backend.calls)
	}
}

func TestRunStageFailure(t *testing.T) {
	tests := []struct {
		failAt string
		stage  string
	}{
		{"Convert", StageConvert},
		{"Load", StageLoad},
		{"Filter", StageFilter},
		{"Epoch", StageEpochs},
		{"AreaUnderCurve", StagePeak},
		{"InverseOperator", StageSource},
	}
	for _, tt := range tests {
		t.Run(tt.failAt, func(t *testing.T) {
			boom := errors.New("boom")
			backend := &fakeBackend{events: []models.Event{{Sample: 1, Code: 1}}, failAt: tt.failAt, failErr: boom}
			p := &Pipeline{Backend: backend, Config: loadDefaults(t), Dataset: &fakeLocator{dir: "/data"}}

			_, err := p.Run(context.Background())
			var stageErr *StageError
			if !errors.As(err, &stageErr) || stageErr.Stage != tt.stage {
				t.Fatalf("expected StageError for %s, got %v", tt.stage, err)
			}
			if !errors.Is(err, boom) {
				t.Errorf("expected wrapped backend error, got %v", err)
			}
		})
	}
}

func TestRunLocatorFailure(t *testing.T) {
	missing := errors.New("unlocatable reference dataset")
	p := &Pipeline{Backend: &fakeBackend{}, Config: loadDefaults(t), Dataset: &fakeLocator{err: missing}}
	_, err := p.Run(context.Background())
	if !errors.Is(err, missing) {
		t.Fatalf("expected locator error, got %v", err)
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	backend := &fakeBackend{}
	p := &Pipeline{Backend: backend, Config: loadDefaults(t)}

	_, err := p.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(backend.calls) != 0 {
		t.Errorf("no stage should run, got %v", backend.calls)
	}
}

func TestConvertOptions(t *testing.T) {
	cfg := loadDefaults(t)
	opts, err := ConvertOptions(cfg)
	if err != nil {
		t.Fatalf("ConvertOptions() error = %v", err)
	}
	if len(opts.Columns) != 1 || opts.Columns[0] != "Value" || opts.Channels[0] != "Cz" || opts.Types[0] != models.KindEEG {
		t.Errorf("unexpected default options: %+v", opts)
	}
	if opts.MaxSize == 0 {
		t.Error("expected a size limit")
	}

	cfg.Recording.Channels = []string{"Fz", "Cz"}
	cfg.Recording.ChannelTypes = []string{"EEG", "eog"}
	opts, err = ConvertOptions(cfg)
	if err != nil {
		t.Fatalf("ConvertOptions() error = %v", err)
	}
	if strings.Join(opts.Columns, ",") != "Fz,Cz" || opts.Types[1] != models.KindEOG {
		t.Errorf("unexpected multi-channel options: %+v", opts)
	}

	cfg.Recording.ChannelTypes = []string{"eeg", "ecg"}
	if _, err := ConvertOptions(cfg); err == nil {
		t.Error("expected error for unknown channel type")
	}
	cfg.Recording.ChannelTypes = []string{"eeg"}
	if _, err := ConvertOptions(cfg); err == nil || !strings.Contains(err.Error(), "channel Cz") {
		t.Errorf("expected error naming the untyped channel, got %v", err)
	}
}

// writeReference saves a synthetic recording with a negative deflection 400 ms
// after every trigger and returns its directory and file name.
func writeReference(t *testing.T) (string, string) {
	t.Helper()
	const sfreq = 250.0
	names := []string{"Fz", "F3", "F4", "C3", "Cz", "C4", "P3", "Pz", "P4", "Oz", "STI 014"}
	types := map[string]models.ChannelKind{"STI 014": models.KindStim}
	for _, n := range names[:len(names)-1] {
		types[n] = models.KindEEG
	}
	info, err := models.NewInfo(sfreq, names, types)
	if err != nil {
		t.Fatal(err)
	}

	const n = 22 * 250
	rng := rand.New(rand.NewPCG(1, 2))
	data := mat.NewDense(len(names), n, nil)
	stim := len(names) - 1
	var onsets []int
	for s := 250; s+250 < n; s += 500 {
		onsets = append(onsets, s)
		for i := s; i < s+5; i++ {
			data.Set(stim, i, 1)
		}
	}
	for ch := 0; ch < stim; ch++ {
		for i := 0; i < n; i++ {
			data.Set(ch, i, 1e-6*rng.NormFloat64())
		}
		for _, s := range onsets {
			for i := s; i < s+250; i++ {
				dt := float64(i-s)/sfreq - 0.4
				data.Set(ch, i, data.At(ch, i)-8e-6*math.Exp(-dt*dt/(2*0.03*0.03)))
			}
		}
	}
	rec, err := models.NewRecording(info, data)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	rel := "sample_raw.edf"
	if err := container.Save(filepath.Join(dir, rel), rec); err != nil {
		t.Fatal(err)
	}
	return dir, rel
}

func TestRunNative(t *testing.T) {
	dataDir, rel := writeReference(t)
	work := t.TempDir()
	csvPath := filepath.Join(work, "readings.csv")
	if err := os.WriteFile(csvPath, []byte("Timestamp,Channel,Value\n1,Cz,1.5\n2,Cz,-0.5\n3,Cz,2.25\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := loadDefaults(t)
	cfg.Input.CSVPath = csvPath
	cfg.Input.OutputPath = filepath.Join(work, "out.edf")
	cfg.Dataset.ReferenceFile = rel
	cfg.Filter.Low = 1
	cfg.Filter.High = 40
	cfg.Source.Spacing = "ico1"
	cfg.Source.ICO = 2

	p := New(cfg, &fakeLocator{dir: dataDir})
	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if _, err := os.Stat(cfg.Input.OutputPath); err != nil {
		t.Errorf("converted container missing: %v", err)
	}
	if res.Converted.NumSamples() != 3 {
		t.Errorf("converted %d samples, want 3", res.Converted.NumSamples())
	}
	if len(res.Events) != 10 {
		t.Errorf("found %d events, want 10", len(res.Events))
	}
	if res.Epochs.Len() != 10 {
		t.Errorf("kept %d epochs, want 10", res.Epochs.Len())
	}
	if math.Abs(res.Peak.Latency-0.4) > 0.02 {
		t.Errorf("peak latency = %g s, want about 0.4 s", res.Peak.Latency)
	}
	if res.Peak.Amplitude > -4e-6 {
		t.Errorf("peak amplitude = %g V, want a clear negative deflection", res.Peak.Amplitude)
	}
	if res.AUC >= 0 {
		t.Errorf("AUC = %g, want negative", res.AUC)
	}
	if len(res.Spectrum.Channels) != 10 {
		t.Errorf("PSD has %d channels, want 10", len(res.Spectrum.Channels))
	}
	rows, _ := res.Source.Data.Dims()
	if rows != 42 || res.Source.Method != "dSPM" {
		t.Errorf("source estimate has %d sources (%s), want 42 (dSPM)", rows, res.Source.Method)
	}
}
