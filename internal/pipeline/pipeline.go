// Package pipeline sequences the analysis stages: conversion of the CSV export,
// loading and preprocessing of the analysed recording, event-locked averaging,
// N400 measurement, spectral estimation and source localisation.
//
// Each stage takes the typed output of the previous one. Any stage failure stops
// the run and is reported as a *StageError naming the stage; outputs already
// written (the converted container) are kept.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rewired-gh/eegscope/internal/config"
	"github.com/rewired-gh/eegscope/internal/convert"
	"github.com/rewired-gh/eegscope/internal/epochs"
	"github.com/rewired-gh/eegscope/internal/logger"
	"github.com/rewired-gh/eegscope/internal/models"
	"github.com/rewired-gh/eegscope/internal/preprocess"
	"github.com/rewired-gh/eegscope/internal/source"
	"github.com/rewired-gh/eegscope/internal/spectral"
)

// Stage names, in execution order.
const (
	StageConvert = "convert"
	StageLoad    = "load"
	StageMontage = "montage"
	StageFilter  = "filter"
	StageEvents  = "events"
	StageEpochs  = "epochs"
	StageAverage = "average"
	StagePeak    = "peak"
	StagePSD     = "psd"
	StageSource  = "source"
)

// Analysis targets.
const (
	AnalyzeReference = "reference"
	AnalyzeConverted = "converted"
)

// ErrNoEvents is returned when the stimulus channel carries no trigger.
var ErrNoEvents = errors.New("no events found")

// StageError wraps the failure of a named stage.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Locator resolves a file of the reference dataset to a local path.
type Locator interface {
	Locate(ctx context.Context, rel string) (string, error)
}

// StageTiming records how long a stage took.
type StageTiming struct {
	Stage    string
	Duration time.Duration
}

// Result holds the output of every stage that ran.
type Result struct {
	Converted    *models.Recording
	AnalyzedPath string
	Raw          *models.Recording
	Filtered     *models.Recording
	Events       []models.Event
	Epochs       *models.Epochs
	Evoked       *models.Evoked
	Peak         models.Peak
	AUC          float64
	Spectrum     *models.Spectrum
	Source       *models.SourceEstimate
	Timings      []StageTiming
}

// Pipeline runs the configured analysis once.
type Pipeline struct {
	Backend Backend
	Config  *config.Config
	Dataset Locator
}

// New returns a pipeline using the native backend.
func New(cfg *config.Config, dataset Locator) *Pipeline {
	return &Pipeline{Backend: Native{}, Config: cfg, Dataset: dataset}
}

// Run executes the stages in order. The returned Result is non-nil even on
// failure and carries the outputs of the stages that completed.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	cfg := p.Config
	res := &Result{}

	err := p.stage(ctx, res, StageConvert, func() error {
		opts, err := ConvertOptions(cfg)
		if err != nil {
			return err
		}
		res.Converted, err = p.Backend.Convert(cfg.Input.CSVPath, cfg.Input.OutputPath, opts)
		return err
	})
	if err != nil {
		return res, err
	}
	if cfg.Pipeline.ConvertOnly {
		logger.Info("Conversion only; skipping analysis")
		return res, nil
	}

	stages := []struct {
		name string
		fn   func() error
	}{
		{StageLoad, func() error { return p.load(ctx, res) }},
		{StageMontage, func() error {
			var err error
			res.Raw, err = p.Backend.SetMontage(res.Raw, cfg.Montage.Name, preprocess.MontageOptions{
				OnMissing: cfg.Montage.OnMissing,
				MatchCase: cfg.Montage.MatchCase,
			})
			return err
		}},
		{StageFilter, func() error {
			var err error
			res.Filtered, err = p.Backend.Filter(res.Raw, preprocess.FilterOptions{
				Low:    cfg.Filter.Low,
				High:   cfg.Filter.High,
				Method: cfg.Filter.Method,
				Order:  cfg.Filter.Order,
			})
			return err
		}},
		{StageEvents, func() error {
			var err error
			res.Events, err = p.Backend.FindEvents(res.Filtered, cfg.Epochs.StimChannel)
			if err != nil {
				return err
			}
			if len(res.Events) == 0 {
				return fmt.Errorf("%w on %s", ErrNoEvents, cfg.Epochs.StimChannel)
			}
			return nil
		}},
		{StageEpochs, func() error {
			var err error
			res.Epochs, err = p.Backend.Epoch(res.Filtered, res.Events, epochOptions(cfg))
			return err
		}},
		{StageAverage, func() error {
			var err error
			res.Evoked, err = p.Backend.Average(res.Epochs)
			return err
		}},
		{StagePeak, func() error {
			var err error
			res.Peak, err = p.Backend.Peak(res.Evoked, cfg.N400.Tmin, cfg.N400.Tmax, cfg.N400.Mode)
			if err != nil {
				return err
			}
			res.AUC, err = p.Backend.AreaUnderCurve(res.Evoked, cfg.N400.Tmin, cfg.N400.Tmax)
			return err
		}},
		{StagePSD, func() error {
			var err error
			res.Spectrum, err = p.Backend.PSD(res.Epochs, spectral.Options{
				Tmin: cfg.PSD.Tmin,
				Tmax: cfg.PSD.Tmax,
				Fmin: cfg.PSD.Fmin,
				Fmax: cfg.PSD.Fmax,
				NFFT: cfg.PSD.NFFT,
			})
			if err != nil {
				return err
			}
			if mean := spectral.ChannelMean(res.Spectrum.MeanOverEpochs()); len(mean) > 0 {
				logger.Debug("Mean PSD peaks at %.1f Hz", spectral.PeakFrequency(res.Spectrum.Freqs, mean))
			}
			return nil
		}},
	}
	if cfg.Source.Enabled {
		stages = append(stages, struct {
			name string
			fn   func() error
		}{StageSource, func() error { return p.source(res) }})
	}

	for _, s := range stages {
		if err := p.stage(ctx, res, s.name, s.fn); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (p *Pipeline) stage(ctx context.Context, res *Result, name string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return &StageError{Stage: name, Err: err}
	}
	start := time.Now()
	logger.Debug("Stage %s started", name)
	if err := fn(); err != nil {
		logger.Error("Stage %s failed after %v: %v", name, time.Since(start).Round(time.Millisecond), err)
		return &StageError{Stage: name, Err: err}
	}
	elapsed := time.Since(start)
	res.Timings = append(res.Timings, StageTiming{Stage: name, Duration: elapsed})
	logger.Info("Stage %s finished in %v", name, elapsed.Round(time.Millisecond))
	return nil
}

func (p *Pipeline) load(ctx context.Context, res *Result) error {
	switch p.Config.Pipeline.Analyze {
	case AnalyzeConverted:
		res.AnalyzedPath = p.Config.Input.OutputPath
	case AnalyzeReference:
		if p.Dataset == nil {
			return errors.New("no dataset locator configured")
		}
		path, err := p.Dataset.Locate(ctx, p.Config.Dataset.ReferenceFile)
		if err != nil {
			return err
		}
		res.AnalyzedPath = path
	default:
		return fmt.Errorf("unknown analysis target %q", p.Config.Pipeline.Analyze)
	}

	rec, err := p.Backend.Load(res.AnalyzedPath)
	if err != nil {
		return err
	}
	res.Raw = rec
	logger.Info("Analysing %s: %d channel(s), %.1f s at %g Hz", res.AnalyzedPath,
		rec.Info.NumChannels(), rec.Duration(), rec.Info.SampleRate())
	return nil
}

func (p *Pipeline) source(res *Result) error {
	sc := p.Config.Source
	model, err := p.Backend.ConductorModel(sc.Radii, sc.Conductivity, sc.ICO)
	if err != nil {
		return fmt.Errorf("failed to build conductor model: %w", err)
	}
	src, err := p.Backend.SourceSpace(sc.Spacing, model.SourceRadius())
	if err != nil {
		return fmt.Errorf("failed to build source space: %w", err)
	}
	fwd, err := p.Backend.Forward(res.Filtered.Info, src, model)
	if err != nil {
		return fmt.Errorf("failed to compute forward solution: %w", err)
	}
	cov, err := p.Backend.Covariance(res.Epochs, sc.CovTmax)
	if err != nil {
		return fmt.Errorf("failed to compute noise covariance: %w", err)
	}
	inv, err := p.Backend.InverseOperator(fwd, cov, source.InverseOptions{Loose: sc.Loose, Depth: sc.Depth})
	if err != nil {
		return fmt.Errorf("failed to make inverse operator: %w", err)
	}
	res.Source, err = p.Backend.ApplyInverse(inv, res.Evoked, sc.Lambda2, sc.Method)
	if err != nil {
		return fmt.Errorf("failed to apply inverse: %w", err)
	}
	return nil
}

// ConvertOptions maps the input and recording configuration onto converter
// options. A single channel reads input.column; several channels read one
// column named after each channel.
func ConvertOptions(cfg *config.Config) (convert.Options, error) {
	maxSize, err := cfg.Input.MaxSizeBytes()
	if err != nil {
		return convert.Options{}, fmt.Errorf("invalid input.max_size: %w", err)
	}
	opts := convert.Options{
		SampleRate: cfg.Recording.SampleRate,
		Channels:   cfg.Recording.Channels,
		MaxSize:    maxSize,
	}
	if len(cfg.Recording.Channels) == 1 {
		opts.Columns = []string{cfg.Input.Column}
	} else {
		opts.Columns = cfg.Recording.Channels
	}
	types := cfg.Recording.ChannelTypeMap()
	for _, ch := range cfg.Recording.Channels {
		kind, err := models.ParseChannelKind(types[ch])
		if err != nil {
			return convert.Options{}, fmt.Errorf("channel %s: %w", ch, err)
		}
		opts.Types = append(opts.Types, kind)
	}
	return opts, nil
}

func epochOptions(cfg *config.Config) epochs.Options {
	ec := cfg.Epochs
	return epochs.Options{
		EventID:  ec.EventID,
		Tmin:     ec.Tmin,
		Tmax:     ec.Tmax,
		Baseline: &epochs.Baseline{Start: ec.BaselineStart, End: ec.BaselineEnd},
		Reject:   ec.RejectPeakToPeak,
		Flat:     ec.FlatPeakToPeak,
	}
}

// FillRun copies the measurements of a result into a ledger entry.
func (r *Result) FillRun(run *models.Run) {
	run.AnalyzedPath = r.AnalyzedPath
	if r.Converted != nil {
		run.Samples = r.Converted.NumSamples()
	}
	if r.Epochs != nil {
		run.EpochsKept = r.Epochs.Len()
		run.EpochsDropped = len(r.Epochs.Dropped)
	}
	if r.Evoked != nil {
		run.PeakChannel = r.Peak.Channel
		run.PeakLatency = r.Peak.Latency
		run.PeakAmplitude = r.Peak.Amplitude
		run.AUC = r.AUC
	}
}
