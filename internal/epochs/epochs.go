package epochs

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"golang.org/x/exp/maps"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/rewired-gh/eegscope/internal/logger"
	"github.com/rewired-gh/eegscope/internal/models"
)

// ErrNoEpochs is returned when no trial survives segmentation and rejection.
var ErrNoEpochs = errors.New("no epochs")

// Baseline is the interval, in seconds relative to the event, whose mean is
// subtracted from every trial. A nil bound means the edge of the epoch.
type Baseline struct {
	Start *float64
	End   *float64
}

// Options controls segmentation.
type Options struct {
	EventID  map[string]int // label -> trigger code
	Tmin     float64        // seconds
	Tmax     float64        // seconds
	Baseline *Baseline      // nil disables baseline correction
	// Reject drops trials whose peak-to-peak amplitude on any EEG channel exceeds it. Zero disables.
	Reject float64
	// Flat drops trials whose peak-to-peak amplitude on any EEG channel is below it. Zero disables.
	Flat float64
}

// Epoch cuts a fixed window around every event whose code is listed in
// opts.EventID. Trials that do not fit in the recording, or that fail the
// amplitude criteria, are recorded in Dropped.
func Epoch(rec *models.Recording, events []models.Event, opts Options) (*models.Epochs, error) {
	if opts.Tmax < opts.Tmin {
		return nil, fmt.Errorf("epoch tmax %g is before tmin %g", opts.Tmax, opts.Tmin)
	}
	if len(opts.EventID) == 0 {
		return nil, errors.New("no event ids given")
	}

	labels := make(map[int]string, len(opts.EventID))
	names := maps.Keys(opts.EventID)
	slices.Sort(names)
	for _, label := range names {
		code := opts.EventID[label]
		if _, dup := labels[code]; !dup {
			labels[code] = label
		}
	}

	sfreq := rec.Info.SampleRate()
	start := int(math.Round(opts.Tmin * sfreq))
	stop := int(math.Round(opts.Tmax * sfreq))
	times := make([]float64, stop-start+1)
	for i := range times {
		times[i] = float64(start+i) / sfreq
	}

	var blo, bhi int
	if opts.Baseline != nil {
		bmin, bmax := times[0], times[len(times)-1]
		if opts.Baseline.Start != nil {
			bmin = *opts.Baseline.Start
		}
		if opts.Baseline.End != nil {
			bmax = *opts.Baseline.End
		}
		blo, bhi = models.CropRange(times, bmin, bmax)
		if bhi <= blo {
			return nil, fmt.Errorf("baseline [%g, %g] s lies outside the epoch", bmin, bmax)
		}
	}

	nch := rec.Info.NumChannels()
	signal := make([]bool, nch)
	eeg := make([]bool, nch)
	for row := range signal {
		kind, _ := rec.Info.ChannelType(rec.Info.ChannelName(row))
		signal[row] = kind == models.KindEEG || kind == models.KindEOG
		eeg[row] = kind == models.KindEEG
	}

	out := &models.Epochs{Info: rec.Info, Times: times}
	n := rec.NumSamples()
	matched := 0
	for _, ev := range events {
		label, ok := labels[ev.Code]
		if !ok {
			continue
		}
		matched++

		first, last := ev.Sample+start, ev.Sample+stop
		if first < 0 || last >= n {
			out.Dropped = append(out.Dropped, models.DroppedEpoch{Event: ev, Reason: models.DropOutOfRange})
			continue
		}

		trial := mat.DenseCopyOf(rec.Data.Slice(0, nch, first, last+1))
		if opts.Baseline != nil {
			for row := 0; row < nch; row++ {
				if !signal[row] {
					continue
				}
				r := trial.RawRowView(row)
				floats.AddConst(-mean(r[blo:bhi]), r)
			}
		}

		if reason, drop := reject(trial, eeg, opts); drop {
			out.Dropped = append(out.Dropped, models.DroppedEpoch{Event: ev, Reason: reason})
			continue
		}

		out.Data = append(out.Data, trial)
		out.Events = append(out.Events, ev)
		out.Labels = append(out.Labels, label)
	}

	logger.Info("Epochs: %d matching event(s), %d kept, %d dropped%s", matched, out.Len(), len(out.Dropped), dropSummary(out.Dropped))
	if out.Len() == 0 {
		return out, fmt.Errorf("%w: %d of %d matching event(s) dropped", ErrNoEpochs, len(out.Dropped), matched)
	}
	return out, nil
}

func reject(trial *mat.Dense, eeg []bool, opts Options) (models.DropReason, bool) {
	if opts.Reject <= 0 && opts.Flat <= 0 {
		return "", false
	}
	for row, ok := range eeg {
		if !ok {
			continue
		}
		r := trial.RawRowView(row)
		ptp := floats.Max(r) - floats.Min(r)
		if opts.Reject > 0 && ptp > opts.Reject {
			return models.DropClipped, true
		}
		if opts.Flat > 0 && ptp < opts.Flat {
			return models.DropFlat, true
		}
	}
	return "", false
}

func dropSummary(dropped []models.DroppedEpoch) string {
	if len(dropped) == 0 {
		return ""
	}
	counts := make(map[models.DropReason]int)
	for _, d := range dropped {
		counts[d.Reason]++
	}
	parts := make([]string, 0, len(counts))
	reasons := maps.Keys(counts)
	slices.Sort(reasons)
	for _, reason := range reasons {
		parts = append(parts, fmt.Sprintf("%s=%d", reason, counts[reason]))
	}
	return " (" + strings.Join(parts, ", ") + ")"
}

func mean(x []float64) float64 {
	return floats.Sum(x) / float64(len(x))
}
