package models

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Event is a trigger detected on a stimulus channel.
type Event struct {
	Sample int `json:"sample"`
	Code   int `json:"code"`
}

// DropReason explains why an epoch was discarded.
type DropReason string

const (
	DropOutOfRange DropReason = "out_of_range"
	DropFlat       DropReason = "flat"
	DropClipped    DropReason = "clipped"
)

// DroppedEpoch records a discarded trial.
type DroppedEpoch struct {
	Event  Event      `json:"event"`
	Reason DropReason `json:"reason"`
}

// Epochs is a collection of equal-length trials cut around events.
type Epochs struct {
	Info    *Info
	Times   []float64    // seconds relative to the event
	Data    []*mat.Dense // one channels x len(Times) matrix per kept trial
	Events  []Event      // events of the kept trials
	Labels  []string     // event label per kept trial
	Dropped []DroppedEpoch
}

// Len returns the number of kept trials.
func (e *Epochs) Len() int { return len(e.Data) }

// Validate checks trial shapes against the metadata and time axis.
func (e *Epochs) Validate() error {
	if e.Info == nil {
		return errors.New("epochs have no metadata")
	}
	if len(e.Events) != len(e.Data) || len(e.Labels) != len(e.Data) {
		return errors.New("epochs data, events and labels must have equal length")
	}
	for i, d := range e.Data {
		rows, cols := d.Dims()
		if rows != e.Info.NumChannels() || cols != len(e.Times) {
			return fmt.Errorf("epoch %d has shape %dx%d, want %dx%d", i, rows, cols, e.Info.NumChannels(), len(e.Times))
		}
	}
	return nil
}

// Evoked is the trial average of an epoch collection.
type Evoked struct {
	Info  *Info
	Times []float64
	Data  *mat.Dense // channels x len(Times)
	NAve  int
}

// TimeIndex returns the first sample index whose time is >= t, clamped to the axis.
func (e *Evoked) TimeIndex(t float64) int {
	return timeIndex(e.Times, t)
}

// Crop returns the evoked response restricted to [tmin, tmax].
func (e *Evoked) Crop(tmin, tmax float64) (*Evoked, error) {
	lo, hi := CropRange(e.Times, tmin, tmax)
	if hi <= lo {
		return nil, fmt.Errorf("no samples in window [%g, %g]", tmin, tmax)
	}
	rows, _ := e.Data.Dims()
	data := mat.DenseCopyOf(e.Data.Slice(0, rows, lo, hi))
	times := make([]float64, hi-lo)
	copy(times, e.Times[lo:hi])
	return &Evoked{Info: e.Info, Times: times, Data: data, NAve: e.NAve}, nil
}

// Peak is the extremum of an evoked response within a window.
type Peak struct {
	Channel   string  `json:"channel"`
	Latency   float64 `json:"latency"`   // seconds
	Amplitude float64 `json:"amplitude"` // same unit as the data
}

// Spectrum is a power spectral density estimate per epoch and channel.
type Spectrum struct {
	Channels []string
	Freqs    []float64
	Power    [][][]float64 // epoch x channel x freq
}

// MeanOverEpochs returns the channel x freq PSD averaged across epochs.
func (s *Spectrum) MeanOverEpochs() [][]float64 {
	if len(s.Power) == 0 {
		return nil
	}
	nch := len(s.Power[0])
	out := make([][]float64, nch)
	for ch := range out {
		out[ch] = make([]float64, len(s.Freqs))
		for _, ep := range s.Power {
			for f, p := range ep[ch] {
				out[ch][f] += p
			}
		}
		for f := range out[ch] {
			out[ch][f] /= float64(len(s.Power))
		}
	}
	return out
}

// SourceEstimate is the spatial activation over time produced by an inverse solution.
type SourceEstimate struct {
	Positions []Position // one per source
	Times     []float64
	Data      *mat.Dense // sources x len(Times)
	Method    string
}

// At returns the activation of every source at time t (nearest following sample).
func (s *SourceEstimate) At(t float64) []float64 {
	return mat.Col(nil, timeIndex(s.Times, t), s.Data)
}

// CropRange returns the half-open index range [lo, hi) of times within [tmin, tmax].
func CropRange(times []float64, tmin, tmax float64) (int, int) {
	// half a sample of slack absorbs float error on grid-aligned bounds
	var eps float64
	if len(times) > 1 {
		eps = (times[1] - times[0]) / 2
	}
	lo, hi := len(times), 0
	for i, t := range times {
		if t >= tmin-eps && t <= tmax+eps {
			if i < lo {
				lo = i
			}
			hi = i + 1
		}
	}
	if hi == 0 {
		return 0, 0
	}
	return lo, hi
}

func timeIndex(times []float64, t float64) int {
	for i, v := range times {
		if v >= t {
			return i
		}
	}
	return len(times) - 1
}
