package container_test

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/rewired-gh/eegscope/internal/container"
	"github.com/rewired-gh/eegscope/internal/models"
)

func newRecording(t *testing.T, sfreq float64, names []string, kinds []models.ChannelKind, data *mat.Dense) *models.Recording {
	t.Helper()
	types := make(map[string]models.ChannelKind, len(names))
	for i, n := range names {
		types[n] = kinds[i]
	}
	info, err := models.NewInfo(sfreq, names, types)
	require.NoError(t, err)
	rec, err := models.NewRecording(info, data)
	require.NoError(t, err)
	return rec
}

func TestSaveLoadRoundTrip(t *testing.T) {
	const n = 1013 // four full records plus a partial one at 250 Hz
	eeg := make([]float64, n)
	stim := make([]float64, n)
	for i := range eeg {
		eeg[i] = 40e-6 * math.Sin(2*math.Pi*10*float64(i)/250)
		if i%200 == 50 {
			stim[i] = 1
		}
	}
	data := mat.NewDense(2, n, append(eeg, stim...))
	rec := newRecording(t, 250, []string{"Cz", "STI 014"}, []models.ChannelKind{models.KindEEG, models.KindStim}, data)

	path := filepath.Join(t.TempDir(), "out.edf")
	require.NoError(t, container.Save(path, rec))

	_, err := os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err), "temporary file must not remain")

	loaded, err := container.Load(path)
	require.NoError(t, err)

	require.Equal(t, 250.0, loaded.Info.SampleRate())
	require.Equal(t, []string{"Cz", "STI 014"}, loaded.Info.ChannelNames())
	kind, _ := loaded.Info.ChannelType("STI 014")
	require.Equal(t, models.KindStim, kind)
	require.Equal(t, n, loaded.NumSamples())

	res, err := container.Resolution(rec)
	require.NoError(t, err)
	for ch := 0; ch < 2; ch++ {
		got := loaded.Channel(ch)
		want := rec.Channel(ch)
		for i := range want {
			require.InDelta(t, want[i], got[i], 2*res, "channel %d sample %d", ch, i)
		}
	}
}

func TestSaveOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.edf")

	first := newRecording(t, 10, []string{"Cz"}, []models.ChannelKind{models.KindEEG},
		mat.NewDense(1, 30, nil))
	require.NoError(t, container.Save(path, first))

	second := newRecording(t, 10, []string{"Pz"}, []models.ChannelKind{models.KindEEG},
		mat.NewDense(1, 5, []float64{1, 2, 3, 4, 5}))
	require.NoError(t, container.Save(path, second))

	loaded, err := container.Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"Pz"}, loaded.Info.ChannelNames())
	require.Equal(t, 5, loaded.NumSamples())
}

func TestSaveUnsupportedRate(t *testing.T) {
	rec := newRecording(t, 600.614990234375, []string{"Cz"}, []models.ChannelKind{models.KindEEG},
		mat.NewDense(1, 10, nil))

	path := filepath.Join(t.TempDir(), "out.edf")
	err := container.Save(path, rec)
	require.ErrorIs(t, err, container.ErrUnsupportedRate)

	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))
}

func TestSaveLargeMagnitudes(t *testing.T) {
	tests := []struct {
		name string
		row  []float64
	}{
		{"volts with whole-unit bounds", []float64{1e6, -250000.5, 3}},
		{"kilovolts", []float64{0, 1e9}},
		{"megavolts", []float64{-3e12, 4e12, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newRecording(t, 10, []string{"Cz"}, []models.ChannelKind{models.KindEEG},
				mat.NewDense(1, len(tt.row), tt.row))
			path := filepath.Join(t.TempDir(), "out.edf")
			require.NoError(t, container.Save(path, rec))

			loaded, err := container.Load(path)
			require.NoError(t, err)
			res, err := container.Resolution(rec)
			require.NoError(t, err)
			for i, want := range tt.row {
				require.InDelta(t, want, loaded.Data.At(0, i), res*1.001, "sample %d", i)
			}
		})
	}
}

func TestSaveRangeOverflow(t *testing.T) {
	rec := newRecording(t, 10, []string{"Cz"}, []models.ChannelKind{models.KindEEG},
		mat.NewDense(1, 2, []float64{0, 1e15}))

	path := filepath.Join(t.TempDir(), "out.edf")
	err := container.Save(path, rec)
	require.ErrorIs(t, err, container.ErrRangeOverflow)
	require.NoFileExists(t, path)
}

func TestSaveNonFinite(t *testing.T) {
	// NaN is skipped by min/max unless it comes first, so it sits in the middle
	for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		rec := newRecording(t, 10, []string{"Cz"}, []models.ChannelKind{models.KindEEG},
			mat.NewDense(1, 3, []float64{1, bad, 3}))

		path := filepath.Join(t.TempDir(), "out.edf")
		err := container.Save(path, rec)
		require.ErrorContains(t, err, "non-finite", "%v", bad)
		require.NoFileExists(t, path)
	}
}

func TestLabels(t *testing.T) {
	require.Equal(t, "EEG Cz", container.Label(models.KindEEG, "Cz"))
	require.Equal(t, "STI 014", container.Label(models.KindStim, "STI 014"))

	kind, name := container.ParseLabel("EEG Fp1")
	require.Equal(t, models.KindEEG, kind)
	require.Equal(t, "Fp1", name)

	kind, name = container.ParseLabel("STI 014")
	require.Equal(t, models.KindStim, kind)
	require.Equal(t, "STI 014", name)

	kind, name = container.ParseLabel("Oz")
	require.Equal(t, models.KindEEG, kind)
	require.Equal(t, "Oz", name)
}
