package pipeline

import (
	"github.com/rewired-gh/eegscope/internal/container"
	"github.com/rewired-gh/eegscope/internal/convert"
	"github.com/rewired-gh/eegscope/internal/epochs"
	"github.com/rewired-gh/eegscope/internal/models"
	"github.com/rewired-gh/eegscope/internal/preprocess"
	"github.com/rewired-gh/eegscope/internal/source"
	"github.com/rewired-gh/eegscope/internal/spectral"
)

// Backend performs the signal processing behind each pipeline stage.
type Backend interface {
	Convert(csvPath, outPath string, opts convert.Options) (*models.Recording, error)
	Load(path string) (*models.Recording, error)
	SetMontage(rec *models.Recording, name string, opts preprocess.MontageOptions) (*models.Recording, error)
	Filter(rec *models.Recording, opts preprocess.FilterOptions) (*models.Recording, error)
	FindEvents(rec *models.Recording, stimChannel string) ([]models.Event, error)
	Epoch(rec *models.Recording, events []models.Event, opts epochs.Options) (*models.Epochs, error)
	Average(ep *models.Epochs) (*models.Evoked, error)
	Peak(ev *models.Evoked, tmin, tmax float64, mode string) (models.Peak, error)
	AreaUnderCurve(ev *models.Evoked, tmin, tmax float64) (float64, error)
	PSD(ep *models.Epochs, opts spectral.Options) (*models.Spectrum, error)

	SourceSpace(spacing string, radius float64) (*source.SourceSpace, error)
	ConductorModel(radii, conductivity []float64, ico int) (*source.ConductorModel, error)
	Forward(info *models.Info, src *source.SourceSpace, model *source.ConductorModel) (*source.Forward, error)
	Covariance(ep *models.Epochs, tmax float64) (*source.Covariance, error)
	InverseOperator(fwd *source.Forward, cov *source.Covariance, opts source.InverseOptions) (*source.InverseOperator, error)
	ApplyInverse(inv *source.InverseOperator, ev *models.Evoked, lambda2 float64, method string) (*models.SourceEstimate, error)
}

// minSourceDistance excludes sources closer than this (m) to the inner shell.
const minSourceDistance = 0.005

// Native implements Backend with the packages of this module.
type Native struct{}

var _ Backend = Native{}

func (Native) Convert(csvPath, outPath string, opts convert.Options) (*models.Recording, error) {
	return convert.ConvertCSV(csvPath, outPath, opts)
}

func (Native) Load(path string) (*models.Recording, error) {
	return container.Load(path)
}

func (Native) SetMontage(rec *models.Recording, name string, opts preprocess.MontageOptions) (*models.Recording, error) {
	m, err := preprocess.StandardMontage(name)
	if err != nil {
		return nil, err
	}
	return m.Apply(rec, opts)
}

func (Native) Filter(rec *models.Recording, opts preprocess.FilterOptions) (*models.Recording, error) {
	return preprocess.BandPass(rec, opts)
}

func (Native) FindEvents(rec *models.Recording, stimChannel string) ([]models.Event, error) {
	return epochs.FindEvents(rec, stimChannel)
}

func (Native) Epoch(rec *models.Recording, events []models.Event, opts epochs.Options) (*models.Epochs, error) {
	return epochs.Epoch(rec, events, opts)
}

func (Native) Average(ep *models.Epochs) (*models.Evoked, error) {
	return epochs.Average(ep)
}

func (Native) Peak(ev *models.Evoked, tmin, tmax float64, mode string) (models.Peak, error) {
	return epochs.Peak(ev, tmin, tmax, mode)
}

func (Native) AreaUnderCurve(ev *models.Evoked, tmin, tmax float64) (float64, error) {
	return epochs.AreaUnderCurve(ev, tmin, tmax)
}

func (Native) PSD(ep *models.Epochs, opts spectral.Options) (*models.Spectrum, error) {
	return spectral.Welch(ep, opts)
}

func (Native) SourceSpace(spacing string, radius float64) (*source.SourceSpace, error) {
	return source.NewSourceSpace(spacing, radius)
}

func (Native) ConductorModel(radii, conductivity []float64, ico int) (*source.ConductorModel, error) {
	return source.NewConductorModel(radii, conductivity, ico)
}

func (Native) Forward(info *models.Info, src *source.SourceSpace, model *source.ConductorModel) (*source.Forward, error) {
	return source.MakeForward(info, src, model, minSourceDistance)
}

func (Native) Covariance(ep *models.Epochs, tmax float64) (*source.Covariance, error) {
	return source.ComputeCovariance(ep, tmax)
}

func (Native) InverseOperator(fwd *source.Forward, cov *source.Covariance, opts source.InverseOptions) (*source.InverseOperator, error) {
	return source.MakeInverseOperator(fwd, cov, opts)
}

func (Native) ApplyInverse(inv *source.InverseOperator, ev *models.Evoked, lambda2 float64, method string) (*models.SourceEstimate, error) {
	return inv.Apply(ev, lambda2, method)
}
