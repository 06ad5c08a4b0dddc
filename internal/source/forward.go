package source

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/rewired-gh/eegscope/internal/logger"
	"github.com/rewired-gh/eegscope/internal/models"
)

// Sources are placed this fraction of the way from the centre to the inner layer.
const corticalDepth = 0.85

// Layer is one shell of a concentric-sphere head model.
type Layer struct {
	Radius       float64 // m
	Conductivity float64 // S/m
	Surface      []models.Position
}

// ConductorModel is a set of concentric spherical shells, innermost first
// (brain, skull, scalp). Each shell surface is tessellated at the model's ico level.
type ConductorModel struct {
	Layers []Layer
	ICO    int
}

// NewConductorModel validates the shells and tessellates their surfaces.
func NewConductorModel(radii, conductivity []float64, ico int) (*ConductorModel, error) {
	if len(radii) == 0 || len(radii) != len(conductivity) {
		return nil, fmt.Errorf("need one conductivity per radius (got %d radii, %d conductivities)", len(radii), len(conductivity))
	}
	if ico < 0 || ico > 5 {
		return nil, fmt.Errorf("ico level must be between 0 and 5, got %d", ico)
	}
	surface := tessellate(icosahedron(), ico)
	m := &ConductorModel{ICO: ico}
	for i, r := range radii {
		if r <= 0 || conductivity[i] <= 0 {
			return nil, fmt.Errorf("layer %d: radius and conductivity must be positive", i)
		}
		if i > 0 && r <= radii[i-1] {
			return nil, fmt.Errorf("layer radii must increase outwards (%g <= %g)", r, radii[i-1])
		}
		layer := Layer{Radius: r, Conductivity: conductivity[i], Surface: make([]models.Position, len(surface.verts))}
		for j, v := range surface.verts {
			layer.Surface[j] = scaled(v, r)
		}
		m.Layers = append(m.Layers, layer)
	}
	return m, nil
}

// SourceRadius is the radius of the cortical source shell inside the model.
func (m *ConductorModel) SourceRadius() float64 {
	return corticalDepth * m.Layers[0].Radius
}

func (m *ConductorModel) scalpRadius() float64 {
	return m.Layers[len(m.Layers)-1].Radius
}

// innerDistance returns the distance from p to the nearest vertex of the inner surface.
func (m *ConductorModel) innerDistance(p models.Position) float64 {
	best := math.Inf(1)
	for _, v := range m.Layers[0].Surface {
		best = math.Min(best, norm(sub(p, v)))
	}
	return best
}

// Potential returns the scalp potential at electrode e of a unit current
// dipole at r0 with moment q. The head is treated as a homogeneous sphere of
// the scalp radius with the brain conductivity (Frank's closed form); skull and
// scalp shells bound the geometry but do not attenuate.
func (m *ConductorModel) Potential(e, r0, q [3]float64) float64 {
	sigma := m.Layers[0].Conductivity
	R := norm(e)
	d := sub(e, r0)
	dn := norm(d)
	if dn == 0 {
		return 0
	}
	// 2 d.q / |d|^3 + (r |d| + R d).q / (R |d| (R |d| + R^2 - r0.r))
	direct := 2 * dot(d, q) / (dn * dn * dn)
	var boundary [3]float64
	for i := range boundary {
		boundary[i] = e[i]*dn + R*d[i]
	}
	denom := R * dn * (R*dn + R*R - dot(r0, e))
	return (direct + dot(boundary, q)/denom) / (4 * math.Pi * sigma)
}

// Forward is the gain matrix mapping source currents to sensor potentials.
// Columns come in triplets per source: normal, then two tangential directions.
type Forward struct {
	Channels []string
	Sources  *SourceSpace
	Gain     *mat.Dense // channels x 3*sources, V per A*m
}

// MakeForward computes the EEG gain of every source that lies at least
// minDist inside the inner shell, for every positioned EEG channel of info.
// Electrodes are projected radially onto the scalp.
func MakeForward(info *models.Info, src *SourceSpace, model *ConductorModel, minDist float64) (*Forward, error) {
	var channels []string
	var electrodes [][3]float64
	scalp := model.scalpRadius()
	for _, row := range info.DataChannels() {
		name := info.ChannelName(row)
		p, ok := info.Position(name)
		if !ok {
			continue
		}
		r := norm(p)
		if r == 0 {
			return nil, fmt.Errorf("electrode %s sits at the origin", name)
		}
		channels = append(channels, name)
		electrodes = append(electrodes, [3]float64{p[0] * scalp / r, p[1] * scalp / r, p[2] * scalp / r})
	}
	if len(channels) == 0 {
		return nil, errors.New("no EEG channels with positions; attach a montage first")
	}

	var keep []int
	inner := model.Layers[0].Radius
	for i, p := range src.Positions {
		if norm(p) < inner && model.innerDistance(p) >= minDist {
			keep = append(keep, i)
		}
	}
	if len(keep) == 0 {
		return nil, fmt.Errorf("no sources lie %g m inside the inner shell", minDist)
	}
	if omitted := src.Len() - len(keep); omitted > 0 {
		logger.Info("%d source(s) omitted (outside the inner shell or closer than %g mm)", omitted, minDist*1e3)
	}
	src = src.subset(keep)

	gain := mat.NewDense(len(channels), 3*src.Len(), nil)
	for s, pos := range src.Positions {
		n := src.Normals[s]
		t1, t2 := tangents(n)
		for c, e := range electrodes {
			gain.Set(c, 3*s, model.Potential(e, pos, n))
			gain.Set(c, 3*s+1, model.Potential(e, pos, t1))
			gain.Set(c, 3*s+2, model.Potential(e, pos, t2))
		}
	}

	logger.Info("Forward solution: %d EEG channel(s), %d source(s) (%s)", len(channels), src.Len(), src.Spacing)
	return &Forward{Channels: channels, Sources: src, Gain: gain}, nil
}

// Covariance is a channel noise covariance estimate.
type Covariance struct {
	Channels []string
	Data     *mat.SymDense
	NSamples int
}

// ComputeCovariance estimates the noise covariance of the EEG channels from
// epoch samples at or before tmax (typically the pre-stimulus interval). Each
// trial is centred on its own mean.
func ComputeCovariance(ep *models.Epochs, tmax float64) (*Covariance, error) {
	if ep.Len() == 0 {
		return nil, errors.New("no epochs for covariance")
	}
	hi := sort.Search(len(ep.Times), func(i int) bool { return ep.Times[i] > tmax+1e-9 })
	if hi == 0 {
		return nil, fmt.Errorf("no samples at or before %g s", tmax)
	}

	rows := ep.Info.DataChannels()
	channels := make([]string, len(rows))
	for i, r := range rows {
		channels[i] = ep.Info.ChannelName(r)
	}

	cov := mat.NewSymDense(len(rows), nil)
	block := mat.NewDense(len(rows), hi, nil)
	for _, trial := range ep.Data {
		for i, r := range rows {
			src := trial.RawRowView(r)[:hi]
			dst := block.RawRowView(i)
			var m float64
			for _, v := range src {
				m += v
			}
			m /= float64(hi)
			for j, v := range src {
				dst[j] = v - m
			}
		}
		cov.SymRankK(cov, 1, block)
	}
	n := ep.Len() * hi
	dof := n - ep.Len()
	if dof < 1 {
		return nil, fmt.Errorf("too few samples (%d) for a covariance estimate", n)
	}
	cov.ScaleSym(1/float64(dof), cov)

	logger.Info("Noise covariance from %d sample(s) in %d epoch(s) up to %g s", n, ep.Len(), tmax)
	return &Covariance{Channels: channels, Data: cov, NSamples: n}, nil
}

// pick returns the covariance restricted to names, in that order.
func (c *Covariance) pick(names []string) (*mat.SymDense, error) {
	idx := make([]int, len(names))
	for i, n := range names {
		idx[i] = -1
		for j, cn := range c.Channels {
			if cn == n {
				idx[i] = j
				break
			}
		}
		if idx[i] < 0 {
			return nil, fmt.Errorf("channel %s missing from noise covariance", n)
		}
	}
	out := mat.NewSymDense(len(names), nil)
	for i, a := range idx {
		for j := i; j < len(idx); j++ {
			out.SetSym(i, j, c.Data.At(a, idx[j]))
		}
	}
	return out, nil
}
