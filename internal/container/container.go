// Package container persists recordings as EDF (European Data Format) files.
//
// Each channel becomes one EDF signal labelled "<KIND> <name>" (e.g. "EEG Cz").
// Data records are one second long, so only whole-number sample rates can be
// stored. Samples are quantised to 16 bits over the channel's own physical range;
// a round trip is exact up to one quantisation step (see Resolution). Channels
// whose range exceeds what an 8-character header field can state in megavolts
// fail with ErrRangeOverflow.
//
// The exact sample count is kept in the recording-id field so a trailing partial
// data record does not grow the recording on load.
package container

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/OpenPSG/edf"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/rewired-gh/eegscope/internal/models"
)

// ErrUnsupportedRate is returned for sample rates that do not fill a one-second record.
var ErrUnsupportedRate = errors.New("sample rate must be a whole number of samples per second")

// ErrRangeOverflow is returned when a channel's amplitude cannot be described in an EDF header.
var ErrRangeOverflow = errors.New("channel amplitude range does not fit the EDF header")

const (
	digitalMin = -32768
	digitalMax = 32767

	// EDF recommends data records of at most 61440 bytes.
	maxRecordBytes = 61440

	sampleCountKey = "nsamp="
)

// dimensions lists physical units from finest to coarsest with their scale to volts.
var dimensions = []struct {
	name  string
	scale float64 // physical units per volt
}{
	{"uV", 1e6},
	{"mV", 1e3},
	{"V", 1},
	{"kV", 1e-3},
	{"MV", 1e-6},
}

// Save writes rec to path, replacing any existing file. The file is written to a
// temporary sibling first and renamed into place, so a failed save leaves no
// partial container behind.
func Save(path string, rec *models.Recording) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid recording: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	tempPath := path + ".tmp"
	f, err := os.OpenFile(tempPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	werr := Write(f, rec, time.Now())
	cerr := f.Close()
	if werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(tempPath)
		return werr
	}

	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// Write encodes rec as EDF into w.
func Write(w io.WriteSeeker, rec *models.Recording, start time.Time) error {
	info := rec.Info
	spr := int(info.SampleRate())
	if float64(spr) != info.SampleRate() {
		return fmt.Errorf("%w: %g Hz", ErrUnsupportedRate, info.SampleRate())
	}
	nch := info.NumChannels()
	if spr*nch*2 > maxRecordBytes {
		return fmt.Errorf("data record of %d channels at %d Hz exceeds %d bytes", nch, spr, maxRecordBytes)
	}

	n := rec.NumSamples()
	rows := make([][]float64, nch)
	signals := make([]edf.Signal, nch)
	for ch := 0; ch < nch; ch++ {
		name := info.ChannelName(ch)
		kind, _ := info.ChannelType(name)

		row := rec.Channel(ch)
		dim, scale, pmin, pmax, err := physicalRange(row)
		if err != nil {
			return fmt.Errorf("channel %s: %w", name, err)
		}
		floats.Scale(scale, row)
		rows[ch] = row

		signals[ch] = edf.Signal{
			Label:             Label(kind, name),
			TransducerType:    transducer(kind),
			PhysicalDimension: dim,
			PhysicalMin:       pmin,
			PhysicalMax:       pmax,
			DigitalMin:        digitalMin,
			DigitalMax:        digitalMax,
			SamplesPerRecord:  spr,
		}
	}

	hdr := edf.Header{
		Version:            edf.Version0,
		PatientID:          "X X X X",
		RecordingID:        fmt.Sprintf("Startdate %s X X eegscope %s%d", strings.ToUpper(start.Format("02-Jan-2006")), sampleCountKey, n),
		StartTime:          start,
		DataRecordDuration: time.Second,
		SignalCount:        nch,
		Signals:            signals,
	}

	ew, err := edf.Create(w, hdr)
	if err != nil {
		return fmt.Errorf("failed to write EDF header: %w", err)
	}

	record := make([][]float64, nch)
	for ch := range record {
		record[ch] = make([]float64, spr)
	}
	for off := 0; off < n; off += spr {
		for ch := 0; ch < nch; ch++ {
			m := copy(record[ch], rows[ch][off:min(off+spr, n)])
			// pad a trailing partial record with the last real sample
			for i := m; i < spr; i++ {
				record[ch][i] = rows[ch][n-1]
			}
		}
		if err := ew.WriteRecord(record); err != nil {
			return fmt.Errorf("failed to write data record %d: %w", off/spr, err)
		}
	}

	if err := ew.Close(); err != nil {
		return fmt.Errorf("failed to finalize EDF header: %w", err)
	}
	return nil
}

// Load reads an EDF file written by Save (or any EDF with one-second-compatible records).
func Load(path string) (*models.Recording, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	rec, err := Read(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return rec, nil
}

// Read decodes an EDF stream into a recording.
func Read(r io.ReadSeeker) (*models.Recording, error) {
	hdr, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	er, err := edf.Open(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open EDF: %w", err)
	}

	if len(hdr.Signals) == 0 {
		return nil, errors.New("EDF file has no signals")
	}
	spr := hdr.Signals[0].SamplesPerRecord
	for _, s := range hdr.Signals {
		if s.SamplesPerRecord != spr {
			return nil, fmt.Errorf("mixed sample rates are not supported (%s has %d samples per record, want %d)",
				s.Label, s.SamplesPerRecord, spr)
		}
	}
	if hdr.DataRecordDuration <= 0 {
		return nil, errors.New("EDF data record duration must be positive")
	}
	sfreq := float64(spr) / hdr.DataRecordDuration.Seconds()

	total := hdr.DataRecords * spr
	n := total
	if declared, ok := sampleCount(hdr.RecordingID); ok && declared <= total {
		n = declared
	}

	names := make([]string, len(hdr.Signals))
	types := make(map[string]models.ChannelKind, len(hdr.Signals))
	data := mat.NewDense(len(hdr.Signals), max(n, 1), nil)
	buf := make([]float64, total)
	for ch, s := range hdr.Signals {
		kind, name := ParseLabel(s.Label)
		if _, dup := types[name]; dup {
			return nil, fmt.Errorf("duplicate channel label %q", s.Label)
		}
		names[ch] = name
		types[name] = kind

		sr, err := er.Signal(ch)
		if err != nil {
			return nil, fmt.Errorf("failed to open signal %s: %w", s.Label, err)
		}
		got, err := sr.Read(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to read signal %s: %w", s.Label, err)
		}
		if got < n {
			return nil, fmt.Errorf("signal %s is truncated: %d of %d samples", s.Label, got, n)
		}
		scale := dimensionScale(s.PhysicalDimension)
		for i := 0; i < n; i++ {
			data.Set(ch, i, buf[i]/scale)
		}
	}
	if n == 0 {
		return nil, errors.New("EDF file has no samples")
	}

	info, err := models.NewInfo(sfreq, names, types)
	if err != nil {
		return nil, fmt.Errorf("invalid EDF metadata: %w", err)
	}
	return models.NewRecording(info, data)
}

// Resolution returns the worst-case quantisation step (in volts) of rec's channels
// once written to EDF.
func Resolution(rec *models.Recording) (float64, error) {
	var worst float64
	for ch := 0; ch < rec.Info.NumChannels(); ch++ {
		_, scale, pmin, pmax, err := physicalRange(rec.Channel(ch))
		if err != nil {
			return 0, err
		}
		step := (pmax - pmin) / float64(digitalMax-digitalMin) / scale
		worst = math.Max(worst, step)
	}
	return worst, nil
}

// Label formats an EDF signal label for a channel.
func Label(kind models.ChannelKind, name string) string {
	prefix := strings.ToUpper(string(kind))
	if kind == models.KindStim {
		// stimulus channels are conventionally stored under their bare name
		return truncate(name, 16)
	}
	return truncate(prefix+" "+name, 16)
}

// ParseLabel splits an EDF signal label into kind and channel name.
// Labels without a recognised kind prefix are treated as stimulus channels when
// their name starts with "STI", and as EEG otherwise.
func ParseLabel(label string) (models.ChannelKind, string) {
	label = strings.TrimSpace(label)
	if prefix, rest, ok := strings.Cut(label, " "); ok {
		if kind, err := models.ParseChannelKind(prefix); err == nil && rest != "" {
			return kind, strings.TrimSpace(rest)
		}
	}
	if strings.HasPrefix(strings.ToUpper(label), "STI") {
		return models.KindStim, label
	}
	return models.KindEEG, label
}

func transducer(kind models.ChannelKind) string {
	switch kind {
	case models.KindEEG, models.KindEOG:
		return "AgAgCl electrode"
	case models.KindStim:
		return "Trigger"
	default:
		return ""
	}
}

// physicalRange picks the finest unit whose header fields can hold the channel's
// range and returns the unit, its scale, and the padded physical bounds.
// Bounds keep two decimals when they fit and are widened to whole units otherwise.
func physicalRange(row []float64) (string, float64, float64, float64, error) {
	if len(row) == 0 {
		return dimensions[0].name, dimensions[0].scale, -1, 1, nil
	}
	for i, v := range row {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "", 0, 0, 0, fmt.Errorf("channel contains a non-finite sample at index %d", i)
		}
	}
	lo, hi := floats.Min(row), floats.Max(row)

	for _, d := range dimensions {
		pmin := math.Floor(lo*d.scale*100)/100 - 0.01
		pmax := math.Ceil(hi*d.scale*100)/100 + 0.01
		if pmax-pmin < 0.1 {
			pmin -= 0.05
			pmax += 0.05
		}
		if fits(pmin, 2) && fits(pmax, 2) {
			return d.name, d.scale, pmin, pmax, nil
		}
		pmin, pmax = math.Floor(lo*d.scale)-1, math.Ceil(hi*d.scale)+1
		if fits(pmin, 0) && fits(pmax, 0) {
			return d.name, d.scale, pmin, pmax, nil
		}
	}
	return "", 0, 0, 0, ErrRangeOverflow
}

// fits reports whether v survives the 8-character header encoding with prec decimals.
func fits(v float64, prec int) bool {
	return len(strconv.FormatFloat(v, 'f', prec, 64)) <= 8
}

func dimensionScale(dim string) float64 {
	switch strings.TrimSpace(dim) {
	case "uV", "µV":
		return 1e6
	case "nV":
		return 1e9
	case "mV":
		return 1e3
	case "kV":
		return 1e-3
	case "MV":
		return 1e-6
	default:
		return 1
	}
}

func sampleCount(recordingID string) (int, bool) {
	for _, field := range strings.Fields(recordingID) {
		if v, ok := strings.CutPrefix(field, sampleCountKey); ok {
			n, err := strconv.Atoi(v)
			return n, err == nil && n >= 0
		}
	}
	return 0, false
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
