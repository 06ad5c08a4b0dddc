package preprocess

import (
	"fmt"
	"math"

	"github.com/cwbudde/algo-dsp/dsp/filter/biquad"
	"github.com/cwbudde/algo-dsp/dsp/filter/design"
	"github.com/cwbudde/algo-dsp/dsp/filter/fir"
	"github.com/cwbudde/algo-dsp/dsp/window"
	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/rewired-gh/eegscope/internal/logger"
	"github.com/rewired-gh/eegscope/internal/models"
)

// Filter design methods.
const (
	MethodFIR = "firwin"
	MethodIIR = "iir"
)

// Kernels up to this length are applied by direct convolution; longer ones in
// the frequency domain.
const directTaps = 256

// FilterOptions describes a band-pass filter. A zero Low gives a low-pass filter.
type FilterOptions struct {
	Low    float64 // Hz
	High   float64 // Hz
	Method string
	Order  int // Butterworth order, iir only
}

// BandPass returns a zero-phase band-pass filtered copy of rec. Only
// electrophysiological channels (EEG, EOG) are filtered; trigger and misc
// channels are copied unchanged.
func BandPass(rec *models.Recording, opts FilterOptions) (*models.Recording, error) {
	sfreq := rec.Info.SampleRate()
	nyq := sfreq / 2
	if opts.Low < 0 || opts.High <= opts.Low {
		return nil, fmt.Errorf("invalid band [%g, %g] Hz", opts.Low, opts.High)
	}
	if opts.High >= nyq {
		return nil, fmt.Errorf("high cutoff %g Hz must be below the Nyquist frequency %g Hz", opts.High, nyq)
	}
	if rec.NumSamples() < 2 {
		return nil, fmt.Errorf("cannot filter a recording of %d sample(s)", rec.NumSamples())
	}

	var apply func([]float64) []float64
	switch opts.Method {
	case MethodFIR, "":
		h, err := DesignFIR(opts.Low, opts.High, sfreq)
		if err != nil {
			return nil, err
		}
		logger.Debug("FIR band-pass %g-%g Hz: %d taps (%.2f s)", opts.Low, opts.High, len(h), float64(len(h))/sfreq)
		conv := newConvolver(h)
		apply = conv.zeroPhase
	case MethodIIR:
		if opts.Order < 1 {
			return nil, fmt.Errorf("iir filter order must be at least 1, got %d", opts.Order)
		}
		coeffs := DesignIIR(opts.Low, opts.High, opts.Order, sfreq)
		logger.Debug("IIR band-pass %g-%g Hz: order %d, %d sections", opts.Low, opts.High, opts.Order, len(coeffs))
		chain := biquad.NewChain(coeffs)
		padLen := 3 * (2*len(coeffs) + 1)
		apply = func(x []float64) []float64 { return filtfilt(chain, x, padLen) }
	default:
		return nil, fmt.Errorf("unknown filter method %q", opts.Method)
	}

	out := rec.Copy()
	filtered := 0
	for row := 0; row < rec.Info.NumChannels(); row++ {
		kind, _ := rec.Info.ChannelType(rec.Info.ChannelName(row))
		if kind != models.KindEEG && kind != models.KindEOG {
			continue
		}
		out.Data.SetRow(row, apply(rec.Channel(row)))
		filtered++
	}
	logger.Info("Filtered %d channel(s) between %g and %g Hz (%s)", filtered, opts.Low, opts.High, opts.Method)
	return out, nil
}

// DesignFIR returns a linear-phase windowed-sinc band-pass kernel of odd length.
//
// Transition bands follow the usual automatic rule: min(max(f/4, 2 Hz), f) below
// the pass band and min(max(f/4, 2 Hz), nyquist-f) above it. The cutoffs sit at
// the middle of each transition band and the length is 3.3/transition seconds,
// which is the Hamming window's main-lobe width.
func DesignFIR(low, high, sfreq float64) ([]float64, error) {
	nyq := sfreq / 2
	if low < 0 || high <= low || high >= nyq {
		return nil, fmt.Errorf("invalid band [%g, %g] Hz at %g Hz sampling", low, high, sfreq)
	}

	hTrans := math.Min(math.Max(0.25*high, 2), nyq-high)
	trans := hTrans
	var lTrans float64
	if low > 0 {
		lTrans = math.Min(math.Max(0.25*low, 2), low)
		trans = math.Min(trans, lTrans)
	}

	n := int(math.Ceil(3.3 / trans * sfreq))
	if n%2 == 0 {
		n++
	}
	win, err := window.Hamming(n)
	if err != nil {
		return nil, fmt.Errorf("failed to build window: %w", err)
	}

	f2 := (high + hTrans/2) / sfreq
	f1 := 0.0
	if low > 0 {
		f1 = (low - lTrans/2) / sfreq
	}

	m := float64(n-1) / 2
	h := make([]float64, n)
	for i := range h {
		k := float64(i) - m
		h[i] = win[i] * (2*f2*sinc(2*f2*k) - 2*f1*sinc(2*f1*k))
	}

	// unit gain at the centre of the pass band
	centre := 0.0
	if low > 0 {
		centre = (f1 + f2) / 2
	}
	var gain float64
	for i, v := range h {
		gain += v * math.Cos(2*math.Pi*centre*(float64(i)-m))
	}
	for i := range h {
		h[i] /= gain
	}
	return h, nil
}

// DesignIIR returns Butterworth high-pass and low-pass biquad sections forming a band-pass.
func DesignIIR(low, high float64, order int, sfreq float64) []biquad.Coefficients {
	var coeffs []biquad.Coefficients
	if low > 0 {
		coeffs = append(coeffs, design.ButterworthHP(low, order, sfreq)...)
	}
	return append(coeffs, design.ButterworthLP(high, order, sfreq)...)
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	return math.Sin(math.Pi*x) / (math.Pi * x)
}

// convolver applies a symmetric FIR kernel without phase shift.
type convolver struct {
	h     []float64
	fft   *fourier.FFT
	hfreq []complex128
}

func newConvolver(h []float64) *convolver {
	return &convolver{h: h}
}

// zeroPhase filters x with the kernel centred on each sample. The signal is
// extended by reflection so the edges see no step.
func (c *convolver) zeroPhase(x []float64) []float64 {
	n := len(x)
	delay := (len(c.h) - 1) / 2
	padded := reflect(x, delay, false)

	var y []float64
	if len(c.h) <= directTaps {
		// flush the delay line with trailing zeros
		src := make([]float64, len(padded)+delay)
		copy(src, padded)
		y = make([]float64, len(src))
		fir.New(c.h).ProcessBlockTo(y, src)
	} else {
		y = c.fftConvolve(padded)
	}

	out := make([]float64, n)
	copy(out, y[2*delay:2*delay+n])
	return out
}

func (c *convolver) fftConvolve(x []float64) []float64 {
	size := len(x) + len(c.h) - 1
	nfft := 1
	for nfft < size {
		nfft <<= 1
	}
	if c.fft == nil || c.fft.Len() != nfft {
		c.fft = fourier.NewFFT(nfft)
		hp := make([]float64, nfft)
		copy(hp, c.h)
		c.hfreq = c.fft.Coefficients(nil, hp)
	}

	xp := make([]float64, nfft)
	copy(xp, x)
	xf := c.fft.Coefficients(nil, xp)
	for i := range xf {
		xf[i] *= c.hfreq[i]
	}
	y := c.fft.Sequence(nil, xf)
	scale := 1 / float64(nfft)
	for i := range y {
		y[i] *= scale
	}
	return y[:size]
}

// filtfilt runs chain forward and backward over x for zero phase.
func filtfilt(chain *biquad.Chain, x []float64, padLen int) []float64 {
	n := len(x)
	padLen = min(padLen, n-1)
	buf := reflect(x, padLen, true)

	chain.Reset()
	chain.ProcessBlock(buf)
	reverse(buf)
	chain.Reset()
	chain.ProcessBlock(buf)
	reverse(buf)

	out := make([]float64, n)
	copy(out, buf[padLen:padLen+n])
	return out
}

// reflect extends x by pad samples on each side, mirroring about the edge
// samples. With odd set the mirror is also flipped about the edge value. Pad
// samples beyond the length of x are zero.
func reflect(x []float64, pad int, odd bool) []float64 {
	n := len(x)
	out := make([]float64, n+2*pad)
	copy(out[pad:], x)
	for i := 1; i <= pad && i < n; i++ {
		left, right := x[i], x[n-1-i]
		if odd {
			left = 2*x[0] - left
			right = 2*x[n-1] - right
		}
		out[pad-i] = left
		out[pad+n-1+i] = right
	}
	return out
}

func reverse(x []float64) {
	for i, j := 0, len(x)-1; i < j; i, j = i+1, j-1 {
		x[i], x[j] = x[j], x[i]
	}
}
