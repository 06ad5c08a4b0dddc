// Package spectral estimates power spectral densities with Welch's method.
package spectral

import (
	"errors"
	"fmt"

	"github.com/cwbudde/algo-dsp/dsp/window"
	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/rewired-gh/eegscope/internal/logger"
	"github.com/rewired-gh/eegscope/internal/models"
)

// Options selects the analysed window and the reported band.
type Options struct {
	Tmin, Tmax float64 // seconds, relative to the epoch event
	Fmin, Fmax float64 // Hz, inclusive
	NFFT       int
}

// Welch estimates the one-sided PSD of every EEG channel of every epoch,
// restricted to [Tmin, Tmax] and [Fmin, Fmax]. Units are data units squared per Hz.
func Welch(ep *models.Epochs, opts Options) (*models.Spectrum, error) {
	if ep.Len() == 0 {
		return nil, errors.New("no epochs to analyse")
	}
	if opts.Fmax < opts.Fmin {
		return nil, fmt.Errorf("invalid band [%g, %g] Hz", opts.Fmin, opts.Fmax)
	}
	lo, hi := models.CropRange(ep.Times, opts.Tmin, opts.Tmax)
	if hi <= lo {
		return nil, fmt.Errorf("no samples in window [%g, %g] s", opts.Tmin, opts.Tmax)
	}

	rows := ep.Info.DataChannels()
	if len(rows) == 0 {
		return nil, errors.New("epochs have no EEG channels")
	}
	est, err := NewEstimator(hi-lo, ep.Info.SampleRate(), opts.NFFT)
	if err != nil {
		return nil, err
	}
	flo, fhi := Band(est.Freqs(), opts.Fmin, opts.Fmax)
	if fhi <= flo {
		return nil, fmt.Errorf("no frequencies in band [%g, %g] Hz (resolution %.3g Hz)", opts.Fmin, opts.Fmax,
			ep.Info.SampleRate()/float64(opts.NFFT))
	}

	spec := &models.Spectrum{Freqs: est.Freqs()[flo:fhi], Power: make([][][]float64, ep.Len())}
	for _, row := range rows {
		spec.Channels = append(spec.Channels, ep.Info.ChannelName(row))
	}
	for e, trial := range ep.Data {
		spec.Power[e] = make([][]float64, len(rows))
		for c, row := range rows {
			psd := est.PSD(trial.RawRowView(row)[lo:hi])
			spec.Power[e][c] = psd[flo:fhi]
		}
	}

	logger.Debug("Welch PSD: %d epoch(s) x %d channel(s), %d sample(s) per segment, %d bins in %g-%g Hz",
		ep.Len(), len(rows), est.segment, fhi-flo, opts.Fmin, opts.Fmax)
	return spec, nil
}

// Estimator computes Welch PSDs of signals of a fixed length. Segments are
// min(nfft, n) samples long, Hamming windowed, zero-padded to nfft and do not overlap.
type Estimator struct {
	n, nfft, segment int
	sfreq            float64
	win              []float64
	scale            float64
	fft              *fourier.FFT
}

// NewEstimator prepares an estimator for signals of n samples.
func NewEstimator(n int, sfreq float64, nfft int) (*Estimator, error) {
	if n < 1 {
		return nil, errors.New("signal must have at least one sample")
	}
	if nfft < 2 {
		return nil, fmt.Errorf("n_fft must be at least 2, got %d", nfft)
	}
	segment := min(nfft, n)
	win, err := window.Hamming(segment, window.WithPeriodic())
	if err != nil {
		return nil, fmt.Errorf("failed to build window: %w", err)
	}
	var power float64
	for _, w := range win {
		power += w * w
	}
	if power == 0 {
		return nil, fmt.Errorf("segment of %d sample(s) is too short for a Hamming window", segment)
	}
	return &Estimator{
		n:       n,
		nfft:    nfft,
		segment: segment,
		sfreq:   sfreq,
		win:     win,
		scale:   1 / (sfreq * power),
		fft:     fourier.NewFFT(nfft),
	}, nil
}

// Freqs returns the frequency of every one-sided bin.
func (e *Estimator) Freqs() []float64 {
	freqs := make([]float64, e.nfft/2+1)
	for i := range freqs {
		freqs[i] = e.fft.Freq(i) * e.sfreq
	}
	return freqs
}

// PSD returns the one-sided density of x, which must have the estimator's length.
func (e *Estimator) PSD(x []float64) []float64 {
	nbins := e.nfft/2 + 1
	psd := make([]float64, nbins)
	buf := make([]float64, e.nfft)
	var coeffs []complex128

	segments := e.n / e.segment
	for s := 0; s < segments; s++ {
		seg := x[s*e.segment : (s+1)*e.segment]
		for i := range buf {
			buf[i] = 0
		}
		for i, v := range seg {
			buf[i] = v * e.win[i]
		}
		coeffs = e.fft.Coefficients(coeffs, buf)
		for k, c := range coeffs {
			psd[k] += real(c)*real(c) + imag(c)*imag(c)
		}
	}

	for k := range psd {
		psd[k] *= e.scale / float64(segments)
		// fold negative frequencies, except DC and an even Nyquist bin
		if k > 0 && !(e.nfft%2 == 0 && k == nbins-1) {
			psd[k] *= 2
		}
	}
	return psd
}

// Band returns the index range [lo, hi) of freqs within [fmin, fmax].
func Band[T constraints.Float](freqs []T, fmin, fmax T) (int, int) {
	lo, hi := len(freqs), 0
	for i, f := range freqs {
		if f >= fmin && f <= fmax {
			lo = min(lo, i)
			hi = i + 1
		}
	}
	if hi == 0 {
		return 0, 0
	}
	return lo, hi
}

// PeakFrequency returns the frequency of the largest value of psd.
func PeakFrequency(freqs, psd []float64) float64 {
	best := 0
	for i, p := range psd {
		if p > psd[best] {
			best = i
		}
	}
	return freqs[best]
}

// ChannelMean averages a channel x freq matrix over channels.
func ChannelMean[T constraints.Float](psd [][]T) []T {
	if len(psd) == 0 {
		return nil
	}
	out := make([]T, len(psd[0]))
	for _, ch := range psd {
		for f, v := range ch {
			out[f] += v
		}
	}
	for f := range out {
		out[f] /= T(len(psd))
	}
	return out
}
