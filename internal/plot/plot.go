// Package plot renders the analysis figures as PNG files.
package plot

import (
	"cmp"
	"errors"
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"slices"

	gplot "gonum.org/v1/plot"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/rewired-gh/eegscope/internal/config"
	"github.com/rewired-gh/eegscope/internal/logger"
	"github.com/rewired-gh/eegscope/internal/models"
	"github.com/rewired-gh/eegscope/internal/spectral"
)

// File names written by a Renderer.
const (
	EvokedFile = "evoked.png"
	PSDFile    = "psd.png"
	SourceFile = "source.png"
)

var windowShade = color.NRGBA{R: 200, G: 200, B: 200, A: 110}

// height of the colour bar strip under the source map
const colorBarHeight = 2.5 * vg.Centimeter

// PSD values are floored here before conversion to dB.
const minPower = 1e-30

// Renderer writes figures into a directory.
type Renderer struct {
	dir           string
	width, height vg.Length
}

// NewRenderer creates the output directory if needed.
func NewRenderer(cfg config.PlotConfig) (*Renderer, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create figure directory: %w", err)
	}
	return &Renderer{
		dir:    cfg.Dir,
		width:  vg.Length(cfg.Width) * vg.Centimeter,
		height: vg.Length(cfg.Height) * vg.Centimeter,
	}, nil
}

// Evoked draws one trace per channel in microvolts and shades [tmin, tmax].
func (r *Renderer) Evoked(ev *models.Evoked, tmin, tmax float64) (string, error) {
	p := gplot.New()
	p.Title.Text = fmt.Sprintf("Evoked response (N=%d)", ev.NAve)
	p.X.Label.Text = "Time (ms)"
	p.Y.Label.Text = "Amplitude (µV)"
	p.Add(plotter.NewGrid())

	rows, _ := ev.Data.Dims()
	lo, hi := math.Inf(1), math.Inf(-1)
	for ch := 0; ch < rows; ch++ {
		xys := make(plotter.XYs, len(ev.Times))
		for i, t := range ev.Times {
			xys[i].X = t * 1e3
			xys[i].Y = ev.Data.At(ch, i) * 1e6
			lo, hi = math.Min(lo, xys[i].Y), math.Max(hi, xys[i].Y)
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return "", fmt.Errorf("failed to plot channel %s: %w", ev.Info.ChannelName(ch), err)
		}
		line.Color = plotutil.Color(ch)
		p.Add(line)
		if rows <= 12 {
			p.Legend.Add(ev.Info.ChannelName(ch), line)
		}
	}

	if rows > 0 && hi > lo {
		shade, err := plotter.NewPolygon(plotter.XYs{
			{X: tmin * 1e3, Y: lo}, {X: tmax * 1e3, Y: lo}, {X: tmax * 1e3, Y: hi}, {X: tmin * 1e3, Y: hi},
		})
		if err != nil {
			return "", err
		}
		shade.Color = windowShade
		shade.LineStyle.Width = 0
		p.Add(shade)
	}

	return r.save(p, EvokedFile)
}

// PSD draws the spectrum averaged over epochs and channels, in dB re 1 µV²/Hz.
func (r *Renderer) PSD(spec *models.Spectrum) (string, error) {
	mean := spec.MeanOverEpochs()
	if len(mean) == 0 {
		return "", errors.New("spectrum is empty")
	}

	p := gplot.New()
	p.Title.Text = "Power spectral density"
	p.X.Label.Text = "Frequency (Hz)"
	p.Y.Label.Text = "PSD (dB µV²/Hz)"
	p.Add(plotter.NewGrid())

	power := spectral.ChannelMean(mean)
	xys := make(plotter.XYs, len(spec.Freqs))
	for f, freq := range spec.Freqs {
		xys[f].X = freq
		xys[f].Y = decibels(power[f] * 1e12)
	}
	line, err := plotter.NewLine(xys)
	if err != nil {
		return "", fmt.Errorf("failed to plot spectrum: %w", err)
	}
	p.Add(line)

	return r.save(p, PSDFile)
}

// Source draws source positions projected on the axial plane, coloured by
// their activation at time t.
func (r *Renderer) Source(stc *models.SourceEstimate, t float64) (string, error) {
	if len(stc.Positions) == 0 {
		return "", errors.New("source estimate has no sources")
	}
	values := stc.At(t)
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	if hi <= lo {
		hi = lo + 1
	}

	cmap := moreland.Kindlmann()
	cmap.SetMin(lo)
	cmap.SetMax(hi)

	p := gplot.New()
	p.Title.Text = fmt.Sprintf("%s at %.0f ms", stc.Method, t*1e3)
	p.X.Label.Text = "x (mm)"
	p.Y.Label.Text = "y (mm)"

	// draw the upper hemisphere last so it is not hidden by sources below
	order := make([]int, len(stc.Positions))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(stc.Positions[a][2], stc.Positions[b][2])
	})

	xys := make(plotter.XYs, len(order))
	for i, s := range order {
		xys[i].X = stc.Positions[s][0] * 1e3
		xys[i].Y = stc.Positions[s][1] * 1e3
	}
	scatter, err := plotter.NewScatter(xys)
	if err != nil {
		return "", fmt.Errorf("failed to plot sources: %w", err)
	}
	scatter.GlyphStyleFunc = func(i int) draw.GlyphStyle {
		c, err := cmap.At(values[order[i]])
		if err != nil {
			c = color.Gray{Y: 128}
		}
		return draw.GlyphStyle{Color: c, Radius: vg.Points(3), Shape: draw.CircleGlyph{}}
	}
	p.Add(scatter)

	bar := &plotter.ColorBar{ColorMap: cmap}
	legend := gplot.New()
	legend.HideY()
	legend.X.Label.Text = stc.Method
	legend.Add(bar)

	return r.saveWithBar(p, legend, SourceFile)
}

func (r *Renderer) save(p *gplot.Plot, name string) (string, error) {
	path := filepath.Join(r.dir, name)
	if err := p.Save(r.width, r.height, path); err != nil {
		return "", fmt.Errorf("failed to save %s: %w", name, err)
	}
	logger.Info("Figure saved: %s", path)
	return path, nil
}

// saveWithBar draws p above a strip holding bar.
func (r *Renderer) saveWithBar(p, bar *gplot.Plot, name string) (string, error) {
	img := vgimg.New(r.width, r.height)
	dc := draw.New(img)
	p.Draw(draw.Crop(dc, 0, 0, colorBarHeight, 0))
	bar.Draw(draw.Crop(dc, 0, 0, 0, colorBarHeight-r.height))

	path := filepath.Join(r.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", name, err)
	}
	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to save %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to save %s: %w", name, err)
	}
	logger.Info("Figure saved: %s", path)
	return path, nil
}

func decibels(v float64) float64 {
	return 10 * math.Log10(math.Max(v, minPower))
}
