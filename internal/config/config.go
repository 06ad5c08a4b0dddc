package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Input     InputConfig     `mapstructure:"input"`
	Recording RecordingConfig `mapstructure:"recording"`
	Dataset   DatasetConfig   `mapstructure:"dataset"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Montage   MontageConfig   `mapstructure:"montage"`
	Filter    FilterConfig    `mapstructure:"filter"`
	Epochs    EpochsConfig    `mapstructure:"epochs"`
	N400      PeakConfig      `mapstructure:"n400"`
	PSD       PSDConfig       `mapstructure:"psd"`
	Source    SourceConfig    `mapstructure:"source"`
	Plot      PlotConfig      `mapstructure:"plot"`
	Export    ExportConfig    `mapstructure:"export"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// InputConfig holds the CSV conversion paths
type InputConfig struct {
	CSVPath    string `mapstructure:"csv_path"`
	OutputPath string `mapstructure:"output_path"`
	Column     string `mapstructure:"column"`
	MaxSize    string `mapstructure:"max_size"` // e.g. "256MB"
}

// RecordingConfig holds the acquisition metadata attached to converted CSV data
type RecordingConfig struct {
	SampleRate   float64  `mapstructure:"sample_rate"`
	Channels     []string `mapstructure:"channels"`
	ChannelTypes []string `mapstructure:"channel_types"` // aligned with Channels
}

// DatasetConfig locates (and optionally fetches) the reference recording
type DatasetConfig struct {
	Path           string        `mapstructure:"path"`
	URL            string        `mapstructure:"url"`
	ReferenceFile  string        `mapstructure:"reference_file"` // relative to Path
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// PipelineConfig controls which stages run and on what
type PipelineConfig struct {
	Analyze     string `mapstructure:"analyze"` // "reference" or "converted"
	ConvertOnly bool   `mapstructure:"convert_only"`
}

// MontageConfig holds sensor layout options
type MontageConfig struct {
	Name      string `mapstructure:"name"`
	OnMissing string `mapstructure:"on_missing"` // "ignore", "warn" or "raise"
	MatchCase bool   `mapstructure:"match_case"`
}

// FilterConfig holds band-pass options
type FilterConfig struct {
	Low    float64 `mapstructure:"low"`
	High   float64 `mapstructure:"high"`
	Method string  `mapstructure:"method"` // "firwin" or "iir"
	Order  int     `mapstructure:"order"`  // iir only
}

// EpochsConfig holds event segmentation options
type EpochsConfig struct {
	StimChannel      string         `mapstructure:"stim_channel"`
	EventID          map[string]int `mapstructure:"event_id"`
	Tmin             float64        `mapstructure:"tmin"`
	Tmax             float64        `mapstructure:"tmax"`
	BaselineStart    *float64       `mapstructure:"baseline_start"` // nil = epoch start
	BaselineEnd      *float64       `mapstructure:"baseline_end"`   // nil = epoch end
	RejectPeakToPeak float64        `mapstructure:"reject_peak_to_peak"`
	FlatPeakToPeak   float64        `mapstructure:"flat_peak_to_peak"`
}

// PeakConfig holds the evoked component measurement window
type PeakConfig struct {
	Tmin float64 `mapstructure:"tmin"`
	Tmax float64 `mapstructure:"tmax"`
	Mode string  `mapstructure:"mode"` // "neg", "pos" or "abs"
}

// PSDConfig holds Welch options
type PSDConfig struct {
	Tmin float64 `mapstructure:"tmin"`
	Tmax float64 `mapstructure:"tmax"`
	Fmin float64 `mapstructure:"fmin"`
	Fmax float64 `mapstructure:"fmax"`
	NFFT int     `mapstructure:"n_fft"`
}

// SourceConfig holds forward and inverse modelling options
type SourceConfig struct {
	Enabled      bool      `mapstructure:"enabled"`
	Subject      string    `mapstructure:"subject"`
	Spacing      string    `mapstructure:"spacing"`
	ICO          int       `mapstructure:"ico"`
	Conductivity []float64 `mapstructure:"conductivity"` // brain, skull, scalp (S/m)
	Radii        []float64 `mapstructure:"radii"`        // inner to outer (m)
	CovTmax      float64   `mapstructure:"cov_tmax"`
	Loose        float64   `mapstructure:"loose"`
	Depth        float64   `mapstructure:"depth"`
	Lambda2      float64   `mapstructure:"lambda2"`
	Method       string    `mapstructure:"method"` // "MNE", "dSPM" or "sLORETA"
	InitialTime  float64   `mapstructure:"initial_time"`
}

// PlotConfig holds figure output options
type PlotConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
	Width   int    `mapstructure:"width"`  // centimetres
	Height  int    `mapstructure:"height"` // centimetres
}

// ExportConfig holds array export options
type ExportConfig struct {
	HDF5Path string `mapstructure:"hdf5_path"` // empty disables export
}

// StorageConfig holds run ledger options
type StorageConfig struct {
	Driver  string `mapstructure:"driver"` // "sqlite" or "mysql"
	DSN     string `mapstructure:"dsn"`
	MaxRuns int    `mapstructure:"max_runs"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
// An empty path loads defaults and environment overrides only.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// EEGSCOPE_FILTER_LOW overrides filter.low, and so on
	v.SetEnvPrefix("EEGSCOPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("input.csv_path", "neurosity_readings.csv")
	v.SetDefault("input.output_path", "output_file.edf")
	v.SetDefault("input.column", "Value")
	v.SetDefault("input.max_size", "256MB")

	v.SetDefault("recording.sample_rate", 250.0)
	v.SetDefault("recording.channels", []string{"Cz"})
	v.SetDefault("recording.channel_types", []string{"eeg"})

	v.SetDefault("dataset.path", "")
	v.SetDefault("dataset.url", "")
	v.SetDefault("dataset.reference_file", "MEG/sample/sample_audvis_raw.edf")
	v.SetDefault("dataset.timeout", "2m")
	v.SetDefault("dataset.max_retries", 3)
	v.SetDefault("dataset.retry_delay_base", "1s")

	v.SetDefault("pipeline.analyze", "reference")
	v.SetDefault("pipeline.convert_only", false)

	v.SetDefault("montage.name", "standard_1020")
	v.SetDefault("montage.on_missing", "ignore")
	v.SetDefault("montage.match_case", false)

	v.SetDefault("filter.low", 0.1)
	v.SetDefault("filter.high", 72.0)
	v.SetDefault("filter.method", "firwin")
	v.SetDefault("filter.order", 4)

	v.SetDefault("epochs.stim_channel", "STI 014")
	v.SetDefault("epochs.event_id", map[string]int{"semantic_incongruity": 1})
	v.SetDefault("epochs.tmin", -0.2)
	v.SetDefault("epochs.tmax", 0.8)
	v.SetDefault("epochs.baseline_end", 0.0)
	v.SetDefault("epochs.reject_peak_to_peak", 0.0)
	v.SetDefault("epochs.flat_peak_to_peak", 0.0)

	v.SetDefault("n400.tmin", 0.3)
	v.SetDefault("n400.tmax", 0.5)
	v.SetDefault("n400.mode", "neg")

	v.SetDefault("psd.tmin", 0.3)
	v.SetDefault("psd.tmax", 0.5)
	v.SetDefault("psd.fmin", 1.0)
	v.SetDefault("psd.fmax", 30.0)
	v.SetDefault("psd.n_fft", 256)

	v.SetDefault("source.enabled", true)
	v.SetDefault("source.subject", "sample")
	v.SetDefault("source.spacing", "oct6")
	v.SetDefault("source.ico", 4)
	v.SetDefault("source.conductivity", []float64{0.3, 0.006, 0.3})
	v.SetDefault("source.radii", []float64{0.081, 0.085, 0.09})
	v.SetDefault("source.cov_tmax", 0.0)
	v.SetDefault("source.loose", 0.2)
	v.SetDefault("source.depth", 0.8)
	v.SetDefault("source.lambda2", 1.0/9.0)
	v.SetDefault("source.method", "dSPM")
	v.SetDefault("source.initial_time", 0.4)

	v.SetDefault("plot.enabled", true)
	v.SetDefault("plot.dir", "./figures")
	v.SetDefault("plot.width", 16)
	v.SetDefault("plot.height", 10)

	v.SetDefault("export.hdf5_path", "")

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dsn", "./data/eegscope.db")
	v.SetDefault("storage.max_runs", 1000)

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Input
	if c.Input.CSVPath == "" {
		return fmt.Errorf("input.csv_path is required")
	}
	if c.Input.OutputPath == "" {
		return fmt.Errorf("input.output_path is required")
	}
	if c.Input.Column == "" {
		return fmt.Errorf("input.column is required")
	}
	if _, err := c.Input.MaxSizeBytes(); err != nil {
		return fmt.Errorf("input.max_size is invalid: %w", err)
	}

	// Recording
	if c.Recording.SampleRate <= 0 {
		return fmt.Errorf("recording.sample_rate must be positive")
	}
	if len(c.Recording.Channels) == 0 {
		return fmt.Errorf("recording.channels must contain at least one channel")
	}
	if len(c.Recording.Channels) != len(c.Recording.ChannelTypes) {
		return fmt.Errorf("recording.channel_types must have one entry per channel (%d channels, %d types)",
			len(c.Recording.Channels), len(c.Recording.ChannelTypes))
	}
	seen := make(map[string]bool, len(c.Recording.Channels))
	for _, ch := range c.Recording.Channels {
		if seen[ch] {
			return fmt.Errorf("recording.channels contains duplicate channel %q", ch)
		}
		seen[ch] = true
	}

	// Pipeline
	if c.Pipeline.Analyze != "reference" && c.Pipeline.Analyze != "converted" {
		return fmt.Errorf("pipeline.analyze must be one of: reference, converted")
	}
	if !c.Pipeline.ConvertOnly && c.Pipeline.Analyze == "reference" && c.Dataset.ReferenceFile == "" {
		return fmt.Errorf("dataset.reference_file is required when analyzing the reference recording")
	}

	// Montage
	validOnMissing := map[string]bool{"ignore": true, "warn": true, "raise": true}
	if !validOnMissing[c.Montage.OnMissing] {
		return fmt.Errorf("montage.on_missing must be one of: ignore, warn, raise")
	}

	// Filter
	if c.Filter.Low < 0 || c.Filter.High <= c.Filter.Low {
		return fmt.Errorf("filter band must satisfy 0 <= low < high")
	}
	if c.Filter.Method != "firwin" && c.Filter.Method != "iir" {
		return fmt.Errorf("filter.method must be one of: firwin, iir")
	}
	if c.Filter.Method == "iir" && c.Filter.Order < 1 {
		return fmt.Errorf("filter.order must be at least 1")
	}

	// Epochs
	if c.Epochs.StimChannel == "" {
		return fmt.Errorf("epochs.stim_channel is required")
	}
	if len(c.Epochs.EventID) == 0 {
		return fmt.Errorf("epochs.event_id must contain at least one event")
	}
	if c.Epochs.Tmax <= c.Epochs.Tmin {
		return fmt.Errorf("epochs.tmax must be greater than epochs.tmin")
	}

	// Measurement windows
	if c.N400.Tmax < c.N400.Tmin {
		return fmt.Errorf("n400.tmax must not be less than n400.tmin")
	}
	validModes := map[string]bool{"neg": true, "pos": true, "abs": true}
	if !validModes[c.N400.Mode] {
		return fmt.Errorf("n400.mode must be one of: neg, pos, abs")
	}
	if c.PSD.Tmax <= c.PSD.Tmin {
		return fmt.Errorf("psd.tmax must be greater than psd.tmin")
	}
	if c.PSD.Fmax <= c.PSD.Fmin {
		return fmt.Errorf("psd.fmax must be greater than psd.fmin")
	}
	if c.PSD.NFFT < 2 {
		return fmt.Errorf("psd.n_fft must be at least 2")
	}

	// Source
	if c.Source.Enabled {
		if c.Source.ICO < 0 || c.Source.ICO > 5 {
			return fmt.Errorf("source.ico must be between 0 and 5")
		}
		if len(c.Source.Conductivity) == 0 || len(c.Source.Conductivity) != len(c.Source.Radii) {
			return fmt.Errorf("source.conductivity and source.radii must be non-empty and of equal length")
		}
		if c.Source.Loose < 0 || c.Source.Loose > 1 {
			return fmt.Errorf("source.loose must be between 0.0 and 1.0")
		}
		if c.Source.Depth < 0 {
			return fmt.Errorf("source.depth must not be negative")
		}
		if c.Source.Lambda2 <= 0 {
			return fmt.Errorf("source.lambda2 must be positive")
		}
		validMethods := map[string]bool{"MNE": true, "dSPM": true, "sLORETA": true}
		if !validMethods[c.Source.Method] {
			return fmt.Errorf("source.method must be one of: MNE, dSPM, sLORETA")
		}
	}

	// Plot
	if c.Plot.Enabled {
		if c.Plot.Dir == "" {
			return fmt.Errorf("plot.dir is required when plotting is enabled")
		}
		if c.Plot.Width < 1 || c.Plot.Height < 1 {
			return fmt.Errorf("plot.width and plot.height must be at least 1")
		}
	}

	// Storage
	if c.Storage.Driver != "sqlite" && c.Storage.Driver != "mysql" {
		return fmt.Errorf("storage.driver must be one of: sqlite, mysql")
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required")
	}
	if c.Storage.MaxRuns < 1 {
		return fmt.Errorf("storage.max_runs must be at least 1")
	}

	// Telegram
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Logging
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// MaxSizeBytes parses Input.MaxSize. An empty value disables the limit.
func (c InputConfig) MaxSizeBytes() (datasize.ByteSize, error) {
	if c.MaxSize == "" {
		return 0, nil
	}
	var size datasize.ByteSize
	if err := size.UnmarshalText([]byte(c.MaxSize)); err != nil {
		return 0, err
	}
	return size, nil
}

// ChannelTypeMap returns Recording.ChannelTypes keyed by channel name.
func (c RecordingConfig) ChannelTypeMap() map[string]string {
	m := make(map[string]string, len(c.Channels))
	for i, ch := range c.Channels {
		if i < len(c.ChannelTypes) {
			m[ch] = c.ChannelTypes[i]
		}
	}
	return m
}
