package epochs

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/rewired-gh/eegscope/internal/models"
)

// ErrNoPolarity is returned when a signed peak search finds no sample of that sign.
var ErrNoPolarity = errors.New("no values of the requested polarity")

// Peak search modes.
const (
	ModeNeg = "neg"
	ModePos = "pos"
	ModeAbs = "abs"
)

// Average returns the mean over kept trials of the EEG channels.
func Average(ep *models.Epochs) (*models.Evoked, error) {
	if ep.Len() == 0 {
		return nil, ErrNoEpochs
	}
	if err := ep.Validate(); err != nil {
		return nil, fmt.Errorf("invalid epochs: %w", err)
	}

	rows := ep.Info.DataChannels()
	if len(rows) == 0 {
		return nil, errors.New("epochs have no EEG channels")
	}
	info, err := ep.Info.Pick(rows)
	if err != nil {
		return nil, err
	}

	sum := mat.NewDense(len(rows), len(ep.Times), nil)
	for _, trial := range ep.Data {
		for i, row := range rows {
			dst := sum.RawRowView(i)
			for j, v := range trial.RawRowView(row) {
				dst[j] += v
			}
		}
	}
	sum.Scale(1/float64(ep.Len()), sum)

	times := make([]float64, len(ep.Times))
	copy(times, ep.Times)
	return &models.Evoked{Info: info, Times: times, Data: sum, NAve: ep.Len()}, nil
}

// Peak finds the extremum of the evoked response within [tmin, tmax] across
// all channels. Samples are taken as-is, so the latency may fall on either
// window edge. Ties resolve to the first channel, then the earliest sample.
// For ModeAbs the signed amplitude at the largest magnitude is returned.
// ModeNeg and ModePos fail with ErrNoPolarity when the window holds no
// negative (respectively positive) sample.
func Peak(ev *models.Evoked, tmin, tmax float64, mode string) (models.Peak, error) {
	var score func(float64) float64
	switch mode {
	case ModeNeg:
		score = func(v float64) float64 { return -v }
	case ModePos:
		score = func(v float64) float64 { return v }
	case ModeAbs:
		score = math.Abs
	default:
		return models.Peak{}, fmt.Errorf("unknown peak mode %q", mode)
	}
	if len(ev.Times) == 0 || tmin < ev.Times[0]-halfSample(ev.Times) || tmax > ev.Times[len(ev.Times)-1]+halfSample(ev.Times) {
		return models.Peak{}, fmt.Errorf("peak window [%g, %g] s is outside the evoked time range", tmin, tmax)
	}
	lo, hi := models.CropRange(ev.Times, tmin, tmax)
	if hi <= lo {
		return models.Peak{}, fmt.Errorf("no samples in peak window [%g, %g] s", tmin, tmax)
	}

	rows, _ := ev.Data.Dims()
	best := math.Inf(-1)
	var peak models.Peak
	for ch := 0; ch < rows; ch++ {
		r := ev.Data.RawRowView(ch)
		for i := lo; i < hi; i++ {
			if s := score(r[i]); s > best {
				best = s
				peak = models.Peak{Channel: ev.Info.ChannelName(ch), Latency: ev.Times[i], Amplitude: r[i]}
			}
		}
	}
	if mode != ModeAbs && best <= 0 {
		return models.Peak{}, fmt.Errorf("%w: no %s samples in [%g, %g] s", ErrNoPolarity, mode, tmin, tmax)
	}
	return peak, nil
}

// AreaUnderCurve crops the evoked response to [tmin, tmax], averages each
// channel over time and sums the channel means.
func AreaUnderCurve(ev *models.Evoked, tmin, tmax float64) (float64, error) {
	cropped, err := ev.Crop(tmin, tmax)
	if err != nil {
		return 0, err
	}
	rows, _ := cropped.Data.Dims()
	var total float64
	for ch := 0; ch < rows; ch++ {
		total += mean(cropped.Data.RawRowView(ch))
	}
	return total, nil
}

func halfSample(times []float64) float64 {
	if len(times) < 2 {
		return 0
	}
	return (times[1] - times[0]) / 2
}
