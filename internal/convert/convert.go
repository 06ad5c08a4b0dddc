// Package convert turns tabular sensor exports into recording containers.
package convert

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/dustin/go-humanize"
	"gonum.org/v1/gonum/mat"

	"github.com/rewired-gh/eegscope/internal/container"
	"github.com/rewired-gh/eegscope/internal/logger"
	"github.com/rewired-gh/eegscope/internal/models"
)

var (
	// ErrMissingColumn is returned when a value column is absent from the CSV header.
	ErrMissingColumn = errors.New("missing column")
	// ErrDataShape is returned when the values cannot form a channels x samples matrix.
	ErrDataShape = errors.New("invalid data shape")
	// ErrParse is returned when a value cell is not a finite number.
	ErrParse = errors.New("invalid numeric value")
)

// FileError records a filesystem failure and the path that caused it.
type FileError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// Options describes how CSV columns map onto recording channels.
type Options struct {
	SampleRate float64
	// Columns lists the value column per channel; header names match case-sensitively.
	Columns  []string
	Channels []string
	Types    []models.ChannelKind
	// MaxSize rejects larger inputs; zero disables the check.
	MaxSize datasize.ByteSize
}

// DefaultOptions is a single 250 Hz EEG channel "Cz" read from the "Value" column.
func DefaultOptions() Options {
	return Options{
		SampleRate: 250,
		Columns:    []string{"Value"},
		Channels:   []string{"Cz"},
		Types:      []models.ChannelKind{models.KindEEG},
	}
}

func (o Options) validate() error {
	if len(o.Columns) == 0 {
		return errors.New("at least one value column is required")
	}
	if len(o.Channels) != len(o.Columns) || len(o.Types) != len(o.Columns) {
		return fmt.Errorf("%w: %d columns for %d channels and %d types",
			ErrDataShape, len(o.Columns), len(o.Channels), len(o.Types))
	}
	return nil
}

// ConvertCSV reads the value columns of the CSV at csvPath, writes them as a
// container to outPath and returns the recording that was persisted, decoded
// back from outPath. Samples therefore carry the container's 16-bit quantisation.
//
// The whole input is parsed before the destination is touched. Any existing file
// at outPath is replaced; on failure it is left as it was.
func ConvertCSV(csvPath, outPath string, opts Options) (*models.Recording, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	stat, err := os.Stat(csvPath)
	if err != nil {
		return nil, &FileError{Op: "stat", Path: csvPath, Err: err}
	}
	if opts.MaxSize > 0 && datasize.ByteSize(stat.Size()) > opts.MaxSize {
		return nil, &FileError{Op: "read", Path: csvPath,
			Err: fmt.Errorf("file is %s, limit is %s", humanize.Bytes(uint64(stat.Size())), opts.MaxSize.HumanReadable())}
	}

	f, err := os.Open(csvPath)
	if err != nil {
		return nil, &FileError{Op: "open", Path: csvPath, Err: err}
	}
	defer f.Close()

	rec, err := Parse(f, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", csvPath, err)
	}

	logger.Debug("Parsed %s samples from %s (%s)", humanize.Comma(int64(rec.NumSamples())), csvPath,
		humanize.Bytes(uint64(stat.Size())))

	if err := container.Save(outPath, rec); err != nil {
		return nil, &FileError{Op: "write", Path: outPath, Err: err}
	}
	saved, err := container.Load(outPath)
	if err != nil {
		return nil, &FileError{Op: "reload", Path: outPath, Err: err}
	}

	logger.Info("Converted %s -> %s (%d channel(s), %s samples at %g Hz)", csvPath, outPath,
		saved.Info.NumChannels(), humanize.Comma(int64(saved.NumSamples())), saved.Info.SampleRate())
	return saved, nil
}

// Parse reads CSV text with a header row and returns the configured columns as a recording.
// Columns other than the value columns are ignored.
func Parse(r io.Reader, opts Options) (*models.Recording, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	cr.FieldsPerRecord = -1 // row width is checked below to report ErrDataShape

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %s (empty file)", ErrMissingColumn, strings.Join(opts.Columns, ", "))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	idx := make([]int, len(opts.Columns))
	for i, col := range opts.Columns {
		idx[i] = indexOf(header, col)
		if idx[i] < 0 {
			return nil, fmt.Errorf("%w: %q", ErrMissingColumn, col)
		}
	}
	width := len(header)

	values := make([][]float64, len(opts.Columns))
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV: %w", err)
		}
		line, _ := cr.FieldPos(0)
		if len(row) != width {
			return nil, fmt.Errorf("%w: line %d has %d fields, header has %d", ErrDataShape, line, len(row), width)
		}
		for ch, col := range idx {
			v, err := strconv.ParseFloat(strings.TrimSpace(row[col]), 64)
			if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: line %d column %q: %q", ErrParse, line, opts.Columns[ch], row[col])
			}
			values[ch] = append(values[ch], v)
		}
	}

	n := len(values[0])
	if n == 0 {
		return nil, fmt.Errorf("%w: no samples", ErrDataShape)
	}

	types := make(map[string]models.ChannelKind, len(opts.Channels))
	for i, name := range opts.Channels {
		types[name] = opts.Types[i]
	}
	info, err := models.NewInfo(opts.SampleRate, opts.Channels, types)
	if err != nil {
		return nil, fmt.Errorf("invalid metadata: %w", err)
	}

	data := mat.NewDense(len(values), n, nil)
	for ch, v := range values {
		data.SetRow(ch, v)
	}
	return models.NewRecording(info, data)
}

func indexOf(header []string, name string) int {
	for i, h := range header {
		if strings.TrimSpace(h) == name {
			return i
		}
	}
	return -1
}
