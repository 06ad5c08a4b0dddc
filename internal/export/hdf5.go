// Package export writes analysis arrays to HDF5 for use in other tools.
package export

import (
	"errors"
	"fmt"
	"os"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/hdf5"

	"github.com/rewired-gh/eegscope/internal/logger"
	"github.com/rewired-gh/eegscope/internal/models"
)

// Dataset names.
const (
	DatasetEvoked    = "evoked"
	DatasetTimes     = "times"
	DatasetPSD       = "psd"
	DatasetFreqs     = "freqs"
	DatasetSource    = "stc"
	DatasetPositions = "stc_positions"

	AttrSampleRate = "sfreq"
	AttrNAve       = "nave"
)

// Arrays selects the results to export. Nil members are skipped.
type Arrays struct {
	Evoked   *models.Evoked
	Spectrum *models.Spectrum
	Source   *models.SourceEstimate
}

// WriteHDF5 writes the arrays to path, replacing any existing file.
//
//	evoked        channels x times (V), attributes sfreq (Hz) and nave
//	times         times (s)
//	psd           channels x freqs (V²/Hz), averaged over epochs
//	freqs         freqs (Hz)
//	stc           sources x times
//	stc_positions sources x 3 (m)
func WriteHDF5(path string, a Arrays) error {
	if a.Evoked == nil {
		return errors.New("nothing to export: no evoked response")
	}

	tempPath := path + ".tmp"
	f, err := hdf5.CreateFile(tempPath, hdf5.F_ACC_TRUNC)
	if err != nil {
		return fmt.Errorf("failed to create HDF5 file: %w", err)
	}
	werr := write(f, a)
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
	logger.Info("Exported arrays to %s", path)
	return nil
}

func write(f *hdf5.File, a Arrays) error {
	ev := a.Evoked
	dset, err := writeMatrix(f, DatasetEvoked, ev.Data)
	if err != nil {
		return err
	}
	defer dset.Close()
	if err := writeScalarAttr(dset, AttrSampleRate, ev.Info.SampleRate()); err != nil {
		return err
	}
	if err := writeScalarAttr(dset, AttrNAve, float64(ev.NAve)); err != nil {
		return err
	}
	if err := writeVector(f, DatasetTimes, ev.Times); err != nil {
		return err
	}

	if s := a.Spectrum; s != nil {
		mean := s.MeanOverEpochs()
		if len(mean) > 0 {
			m := mat.NewDense(len(mean), len(s.Freqs), nil)
			for ch, row := range mean {
				m.SetRow(ch, row)
			}
			d, err := writeMatrix(f, DatasetPSD, m)
			if err != nil {
				return err
			}
			d.Close()
			if err := writeVector(f, DatasetFreqs, s.Freqs); err != nil {
				return err
			}
		}
	}

	if s := a.Source; s != nil {
		d, err := writeMatrix(f, DatasetSource, s.Data)
		if err != nil {
			return err
		}
		d.Close()
		pos := mat.NewDense(len(s.Positions), 3, nil)
		for i, p := range s.Positions {
			pos.SetRow(i, p[:])
		}
		d, err = writeMatrix(f, DatasetPositions, pos)
		if err != nil {
			return err
		}
		d.Close()
	}
	return nil
}

// writeMatrix stores m row-major as a 2-D double dataset. The caller closes it.
func writeMatrix(f *hdf5.File, name string, m *mat.Dense) (*hdf5.Dataset, error) {
	rows, cols := m.Dims()
	data := make([]float64, 0, rows*cols)
	for r := 0; r < rows; r++ {
		data = append(data, m.RawRowView(r)...)
	}
	space, err := hdf5.CreateSimpleDataspace([]uint{uint(rows), uint(cols)}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create dataspace for %s: %w", name, err)
	}
	defer space.Close()

	dset, err := f.CreateDataset(name, hdf5.T_NATIVE_DOUBLE, space)
	if err != nil {
		return nil, fmt.Errorf("failed to create dataset %s: %w", name, err)
	}
	if err := dset.Write(&data); err != nil {
		dset.Close()
		return nil, fmt.Errorf("failed to write dataset %s: %w", name, err)
	}
	return dset, nil
}

func writeVector(f *hdf5.File, name string, v []float64) error {
	space, err := hdf5.CreateSimpleDataspace([]uint{uint(len(v))}, nil)
	if err != nil {
		return fmt.Errorf("failed to create dataspace for %s: %w", name, err)
	}
	defer space.Close()

	dset, err := f.CreateDataset(name, hdf5.T_NATIVE_DOUBLE, space)
	if err != nil {
		return fmt.Errorf("failed to create dataset %s: %w", name, err)
	}
	defer dset.Close()
	data := append([]float64(nil), v...)
	if err := dset.Write(&data); err != nil {
		return fmt.Errorf("failed to write dataset %s: %w", name, err)
	}
	return nil
}

func writeScalarAttr(dset *hdf5.Dataset, name string, v float64) error {
	space, err := hdf5.CreateSimpleDataspace([]uint{1}, nil)
	if err != nil {
		return fmt.Errorf("failed to create dataspace for attribute %s: %w", name, err)
	}
	defer space.Close()

	attr, err := dset.CreateAttribute(name, hdf5.T_NATIVE_DOUBLE, space)
	if err != nil {
		return fmt.Errorf("failed to create attribute %s: %w", name, err)
	}
	defer attr.Close()
	if err := attr.Write(&v, hdf5.T_NATIVE_DOUBLE); err != nil {
		return fmt.Errorf("failed to write attribute %s: %w", name, err)
	}
	return nil
}
