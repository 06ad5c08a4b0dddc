package preprocess

import (
	"math"
	"math/rand"
	"testing"

	dsptime "github.com/cwbudde/algo-dsp/stats/time"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/rewired-gh/eegscope/internal/models"
)

func sine(freq, sfreq float64, n int) []float64 {
	x := make([]float64, n)
	for i := range x {
		x[i] = math.Sin(2 * math.Pi * freq * float64(i) / sfreq)
	}
	return x
}

func recordingOf(t *testing.T, sfreq float64, names []string, kinds []models.ChannelKind, rows ...[]float64) *models.Recording {
	t.Helper()
	types := make(map[string]models.ChannelKind)
	for i, n := range names {
		types[n] = kinds[i]
	}
	info, err := models.NewInfo(sfreq, names, types)
	require.NoError(t, err)
	data := mat.NewDense(len(rows), len(rows[0]), nil)
	for i, r := range rows {
		data.SetRow(i, r)
	}
	rec, err := models.NewRecording(info, data)
	require.NoError(t, err)
	return rec
}

// gain returns the RMS ratio of filtered to raw over the middle of the signal.
func gain(raw, filtered []float64) float64 {
	lo, hi := len(raw)/5, 4*len(raw)/5
	return dsptime.RMS(filtered[lo:hi]) / dsptime.RMS(raw[lo:hi])
}

func TestBandPassFIR(t *testing.T) {
	const sfreq = 250.0
	pass := sine(10, sfreq, 5000)
	stop := sine(80, sfreq, 5000)
	rec := recordingOf(t, sfreq, []string{"Cz", "Pz"}, []models.ChannelKind{models.KindEEG, models.KindEEG}, pass, stop)

	out, err := BandPass(rec, FilterOptions{Low: 1, High: 30, Method: MethodFIR})
	require.NoError(t, err)

	require.InDelta(t, 1.0, gain(pass, out.Channel(0)), 0.02)
	require.Less(t, gain(stop, out.Channel(1)), 0.01)

	// input untouched
	require.Equal(t, pass, rec.Channel(0))
}

func TestBandPassFIRRemovesDrift(t *testing.T) {
	const sfreq = 250.0
	x := sine(10, sfreq, 5000)
	for i := range x {
		x[i] += 5 // DC offset below the pass band
	}
	rec := recordingOf(t, sfreq, []string{"Cz"}, []models.ChannelKind{models.KindEEG}, x)

	out, err := BandPass(rec, FilterOptions{Low: 1, High: 30, Method: MethodFIR})
	require.NoError(t, err)

	y := out.Channel(0)
	require.InDelta(t, 0, dsptime.DC(y[1000:4000]), 0.05)
}

func TestBandPassIIR(t *testing.T) {
	const sfreq = 250.0
	pass := sine(10, sfreq, 5000)
	stop := sine(80, sfreq, 5000)
	rec := recordingOf(t, sfreq, []string{"Cz", "Pz"}, []models.ChannelKind{models.KindEEG, models.KindEEG}, pass, stop)

	out, err := BandPass(rec, FilterOptions{Low: 1, High: 30, Method: MethodIIR, Order: 4})
	require.NoError(t, err)

	require.InDelta(t, 1.0, gain(pass, out.Channel(0)), 0.05)
	require.Less(t, gain(stop, out.Channel(1)), 0.02)
}

func TestBandPassZeroPhase(t *testing.T) {
	const sfreq = 250.0
	x := sine(10, sfreq, 5000)
	rec := recordingOf(t, sfreq, []string{"Cz"}, []models.ChannelKind{models.KindEEG}, x)

	for _, method := range []string{MethodFIR, MethodIIR} {
		out, err := BandPass(rec, FilterOptions{Low: 1, High: 30, Method: method, Order: 4})
		require.NoError(t, err)
		y := out.Channel(0)
		// a phase shift would show up as a large sample-wise difference
		diff := make([]float64, 3000)
		floats.SubTo(diff, y[1000:4000], x[1000:4000])
		require.Less(t, floats.Norm(diff, math.Inf(1)), 0.05, method)
	}
}

func TestBandPassSkipsStimChannel(t *testing.T) {
	const sfreq = 100.0
	stim := make([]float64, 1000)
	stim[200], stim[600] = 1, 2
	rec := recordingOf(t, sfreq, []string{"Cz", "STI 014"}, []models.ChannelKind{models.KindEEG, models.KindStim},
		sine(5, sfreq, 1000), stim)

	out, err := BandPass(rec, FilterOptions{Low: 1, High: 20, Method: MethodFIR})
	require.NoError(t, err)
	require.Equal(t, stim, out.Channel(1))
}

func TestBandPassErrors(t *testing.T) {
	rec := recordingOf(t, 100, []string{"Cz"}, []models.ChannelKind{models.KindEEG}, sine(5, 100, 100))

	tests := []struct {
		name string
		opts FilterOptions
	}{
		{"inverted band", FilterOptions{Low: 20, High: 10}},
		{"above nyquist", FilterOptions{Low: 1, High: 50}},
		{"unknown method", FilterOptions{Low: 1, High: 20, Method: "butter"}},
		{"iir without order", FilterOptions{Low: 1, High: 20, Method: MethodIIR}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BandPass(rec, tt.opts)
			require.Error(t, err)
		})
	}
}

func TestDesignFIR(t *testing.T) {
	h, err := DesignFIR(0.1, 72, 250)
	require.NoError(t, err)
	require.Equal(t, 1, len(h)%2)
	// 0.1 Hz transition band: 3.3 / 0.1 s of taps
	require.Equal(t, 8251, len(h))
	for i := range h {
		require.InDelta(t, h[i], h[len(h)-1-i], 1e-12)
	}

	lp, err := DesignFIR(0, 20, 100)
	require.NoError(t, err)
	require.InDelta(t, 1.0, floats.Sum(lp), 1e-9)
}

func TestConvolverPathsAgree(t *testing.T) {
	h, err := DesignFIR(0, 20, 100)
	require.NoError(t, err)
	require.LessOrEqual(t, len(h), directTaps)

	rng := rand.New(rand.NewSource(1))
	x := make([]float64, 700)
	for i := range x {
		x[i] = rng.NormFloat64()
	}

	c := newConvolver(h)
	direct := c.zeroPhase(x)

	delay := (len(h) - 1) / 2
	viaFFT := c.fftConvolve(reflect(x, delay, false))[2*delay : 2*delay+len(x)]
	for i := range x {
		require.InDelta(t, direct[i], viaFFT[i], 1e-9, "sample %d", i)
	}
}

func TestReflect(t *testing.T) {
	x := []float64{1, 2, 3, 4}
	require.Equal(t, []float64{3, 2, 1, 2, 3, 4, 3, 2}, reflect(x, 2, false))
	require.Equal(t, []float64{-1, 0, 1, 2, 3, 4, 5, 6}, reflect(x, 2, true))
	require.Equal(t, []float64{0, 4, 3, 2, 1, 2, 3, 4, 3, 2, 1, 0}, reflect(x, 4, false))
}

func TestStandardMontage(t *testing.T) {
	m, err := StandardMontage("standard_1020")
	require.NoError(t, err)

	cz, ok := m.Lookup("Cz", true)
	require.True(t, ok)
	require.InDeltaSlice(t, []float64{0, 0, headRadius}, cz[:], 1e-12)

	for _, name := range m.Names() {
		p, _ := m.Lookup(name, true)
		require.InDelta(t, headRadius, math.Sqrt(p[0]*p[0]+p[1]*p[1]+p[2]*p[2]), 1e-12, name)
	}

	fpz, _ := m.Lookup("Fpz", true)
	require.Greater(t, fpz[1], 0.09, "Fpz must be anterior")
	c3, _ := m.Lookup("C3", true)
	require.Less(t, c3[0], 0.0, "C3 must be on the left")

	t3, ok := m.Lookup("T3", true)
	require.True(t, ok)
	t7, _ := m.Lookup("T7", true)
	require.Equal(t, t7, t3)

	_, ok = m.Lookup("cz", true)
	require.False(t, ok)
	_, ok = m.Lookup("cz", false)
	require.True(t, ok)

	_, err = StandardMontage("biosemi64")
	require.Error(t, err)
}

func TestMontageApply(t *testing.T) {
	m, err := StandardMontage("standard_1020")
	require.NoError(t, err)

	rec := recordingOf(t, 100, []string{"cz", "EEG 061", "STI 014"},
		[]models.ChannelKind{models.KindEEG, models.KindEEG, models.KindStim},
		make([]float64, 10), make([]float64, 10), make([]float64, 10))

	out, err := m.Apply(rec, MontageOptions{OnMissing: OnMissingIgnore})
	require.NoError(t, err)
	_, ok := out.Info.Position("cz")
	require.True(t, ok)
	_, ok = out.Info.Position("EEG 061")
	require.False(t, ok)
	require.False(t, rec.Info.HasPositions(), "input metadata must not change")
	require.Same(t, rec.Data, out.Data)

	_, err = m.Apply(rec, MontageOptions{OnMissing: OnMissingWarn})
	require.NoError(t, err)

	_, err = m.Apply(rec, MontageOptions{OnMissing: OnMissingRaise})
	require.ErrorIs(t, err, ErrMissingPositions)
	require.Contains(t, err.Error(), "EEG 061")

	out, err = m.Apply(rec, MontageOptions{OnMissing: OnMissingIgnore, MatchCase: true})
	require.NoError(t, err)
	require.False(t, out.Info.HasPositions())
}
