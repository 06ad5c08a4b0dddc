package models

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Recording is a continuous multichannel recording: a channels x samples matrix
// paired with its acquisition metadata.
type Recording struct {
	Info *Info
	Data *mat.Dense
}

// NewRecording wraps data with its metadata after checking the shapes agree.
func NewRecording(info *Info, data *mat.Dense) (*Recording, error) {
	r := &Recording{Info: info, Data: data}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate checks that the matrix rows match the channel count.
func (r *Recording) Validate() error {
	if r.Info == nil {
		return errors.New("recording has no metadata")
	}
	if r.Data == nil {
		return errors.New("recording has no data")
	}
	rows, _ := r.Data.Dims()
	if rows != r.Info.NumChannels() {
		return fmt.Errorf("data has %d rows but metadata lists %d channels", rows, r.Info.NumChannels())
	}
	return nil
}

// NumSamples returns the number of time samples per channel.
func (r *Recording) NumSamples() int {
	_, cols := r.Data.Dims()
	return cols
}

// Duration returns the recording length in seconds.
func (r *Recording) Duration() float64 {
	return float64(r.NumSamples()) / r.Info.SampleRate()
}

// Channel returns a copy of one channel's samples.
func (r *Recording) Channel(row int) []float64 {
	return mat.Row(nil, row, r.Data)
}

// Times returns the sample times in seconds starting at zero.
func (r *Recording) Times() []float64 {
	n := r.NumSamples()
	t := make([]float64, n)
	for i := range t {
		t[i] = float64(i) / r.Info.SampleRate()
	}
	return t
}

// Copy returns a deep copy sharing the immutable metadata.
func (r *Recording) Copy() *Recording {
	return &Recording{Info: r.Info, Data: mat.DenseCopyOf(r.Data)}
}
