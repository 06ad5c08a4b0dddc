package source

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/rewired-gh/eegscope/internal/logger"
	"github.com/rewired-gh/eegscope/internal/models"
)

// Inverse methods.
const (
	MethodMNE     = "MNE"
	MethodDSPM    = "dSPM"
	MethodSLORETA = "sLORETA"
)

// Depth weights are bounded so the deepest source gets at most this many times
// the weight of the most superficial one.
const depthLimit = 10

// InverseOptions configures the source prior.
type InverseOptions struct {
	// Loose is the relative variance of the two tangential orientations (0 fixes
	// sources normal to the surface, 1 leaves them free).
	Loose float64
	// Depth is the exponent of the gain-norm depth weighting (0 disables).
	Depth float64
}

// InverseOperator holds the whitened, depth-weighted decomposition of a forward
// solution from which minimum-norm kernels are formed for any regularisation.
type InverseOperator struct {
	Channels []string
	Sources  *SourceSpace

	whitener *mat.Dense // rank x channels, includes the average reference
	sqrtR    []float64  // source prior standard deviation per gain column
	u        *mat.Dense // rank x k left singular vectors
	s        []float64  // k singular values
	v        *mat.Dense // 3*sources x k right singular vectors
}

// MakeInverseOperator builds an inverse operator for the EEG channels of fwd.
// The data are referenced to the common average before whitening.
func MakeInverseOperator(fwd *Forward, cov *Covariance, opts InverseOptions) (*InverseOperator, error) {
	if opts.Loose < 0 || opts.Loose > 1 {
		return nil, fmt.Errorf("loose must be within [0, 1], got %g", opts.Loose)
	}
	if opts.Depth < 0 {
		return nil, fmt.Errorf("depth must not be negative, got %g", opts.Depth)
	}
	nch := len(fwd.Channels)
	if nch < 2 {
		return nil, errors.New("an average-referenced inverse needs at least two channels")
	}

	c, err := cov.pick(fwd.Channels)
	if err != nil {
		return nil, err
	}
	avg := averageReference(nch)
	var cref mat.Dense
	cref.Product(avg, c, avg)
	whitener, rank, err := whiten(&cref)
	if err != nil {
		return nil, err
	}

	var w, g mat.Dense
	w.Mul(whitener, avg)
	g.Mul(&w, fwd.Gain)

	sqrtR := sourcePrior(fwd.Gain, opts)
	g.Apply(func(_, j int, v float64) float64 { return v * sqrtR[j] }, &g)

	// scale the prior so the whitened gain has unit power per data dimension
	var power float64
	_, cols := g.Dims()
	for i := 0; i < rank; i++ {
		for j := 0; j < cols; j++ {
			power += g.At(i, j) * g.At(i, j)
		}
	}
	if power == 0 {
		return nil, errors.New("forward solution has no sensitivity")
	}
	scale := math.Sqrt(float64(rank) / power)
	g.Scale(scale, &g)
	for j := range sqrtR {
		sqrtR[j] *= scale
	}

	var svd mat.SVD
	if !svd.Factorize(&g, mat.SVDThin) {
		return nil, errors.New("failed to decompose whitened gain matrix")
	}
	inv := &InverseOperator{
		Channels: fwd.Channels,
		Sources:  fwd.Sources,
		whitener: &w,
		sqrtR:    sqrtR,
		s:        svd.Values(nil),
		u:        &mat.Dense{},
		v:        &mat.Dense{},
	}
	svd.UTo(inv.u)
	svd.VTo(inv.v)

	logger.Info("Inverse operator: %d channel(s), noise rank %d, %d source(s), loose %.2f, depth %.2f",
		nch, rank, fwd.Sources.Len(), opts.Loose, opts.Depth)
	return inv, nil
}

// averageReference returns the n x n projector onto zero-mean vectors.
func averageReference(n int) *mat.Dense {
	p := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := -1 / float64(n)
			if i == j {
				v += 1
			}
			p.Set(i, j, v)
		}
	}
	return p
}

// whiten returns Λ^-1/2 Uᵀ for the significant eigenpairs of the covariance c.
func whiten(c mat.Matrix) (*mat.Dense, int, error) {
	n, _ := c.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, (c.At(i, j)+c.At(j, i))/2)
		}
	}
	var eig mat.EigenSym
	if !eig.Factorize(sym, true) {
		return nil, 0, errors.New("failed to decompose noise covariance")
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	largest := 0.0
	for _, v := range values {
		largest = math.Max(largest, v)
	}
	if largest <= 0 {
		return nil, 0, errors.New("noise covariance is zero")
	}
	var keep []int
	for i, v := range values {
		if v > 1e-10*largest {
			keep = append(keep, i)
		}
	}

	w := mat.NewDense(len(keep), n, nil)
	for row, k := range keep {
		inv := 1 / math.Sqrt(values[k])
		for j := 0; j < n; j++ {
			w.Set(row, j, vectors.At(j, k)*inv)
		}
	}
	return w, len(keep), nil
}

// sourcePrior returns the prior standard deviation of every gain column:
// depth weighting per source times the orientation weighting.
func sourcePrior(gain *mat.Dense, opts InverseOptions) []float64 {
	nch, cols := gain.Dims()
	nsrc := cols / 3

	norms := make([]float64, nsrc)
	minNorm := math.Inf(1)
	for s := range norms {
		for c := 0; c < nch; c++ {
			for k := 0; k < 3; k++ {
				v := gain.At(c, 3*s+k)
				norms[s] += v * v
			}
		}
		if norms[s] > 0 {
			minNorm = math.Min(minNorm, norms[s])
		}
	}

	prior := make([]float64, cols)
	// weight ratio (maxNorm/minNorm)^depth is capped at depthLimit
	var cap float64
	if opts.Depth > 0 {
		cap = minNorm * math.Pow(depthLimit, 1/opts.Depth)
	}
	for s, n := range norms {
		w := 1.0
		if opts.Depth > 0 && n > 0 {
			w = math.Pow(math.Min(n, cap), -opts.Depth)
		}
		prior[3*s] = math.Sqrt(w)
		prior[3*s+1] = math.Sqrt(w * opts.Loose)
		prior[3*s+2] = math.Sqrt(w * opts.Loose)
	}
	return prior
}

// Apply computes the source time courses of an evoked response. Orientations
// are combined into a current magnitude per source. For dSPM and sLORETA each
// source is divided by its noise (respectively resolution) normalisation.
func (inv *InverseOperator) Apply(ev *models.Evoked, lambda2 float64, method string) (*models.SourceEstimate, error) {
	if lambda2 <= 0 {
		return nil, fmt.Errorf("lambda2 must be positive, got %g", lambda2)
	}
	switch method {
	case MethodMNE, MethodDSPM, MethodSLORETA:
	default:
		return nil, fmt.Errorf("unknown inverse method %q", method)
	}

	// data rows in the operator's channel order
	y := mat.NewDense(len(inv.Channels), len(ev.Times), nil)
	for i, name := range inv.Channels {
		row := ev.Info.ChannelIndex(name)
		if row < 0 {
			return nil, fmt.Errorf("channel %s missing from evoked data", name)
		}
		y.SetRow(i, ev.Data.RawRowView(row))
	}

	// projected, whitened data in singular-vector coordinates, scaled by the
	// Tikhonov filter s/(s^2+lambda2)
	k := len(inv.s)
	filter := make([]float64, k)
	for i, s := range inv.s {
		filter[i] = s / (s*s + lambda2)
	}
	var wy, proj mat.Dense
	wy.Mul(inv.whitener, y)
	proj.Mul(inv.u.T(), &wy)
	for i := 0; i < k; i++ {
		row := proj.RawRowView(i)
		for t := range row {
			row[t] *= filter[i]
		}
	}

	nsrc := inv.Sources.Len()
	ntimes := len(ev.Times)
	out := mat.NewDense(nsrc, ntimes, nil)
	comp := make([]float64, ntimes)
	for s := 0; s < nsrc; s++ {
		dst := out.RawRowView(s)
		var noise float64
		for o := 0; o < 3; o++ {
			col := 3*s + o
			vrow := inv.v.RawRowView(col)
			for t := range comp {
				comp[t] = 0
			}
			var nrm float64
			for i := 0; i < k; i++ {
				if vrow[i] == 0 {
					continue
				}
				p := proj.RawRowView(i)
				for t := range comp {
					comp[t] += vrow[i] * p[t]
				}
				switch method {
				case MethodDSPM:
					nrm += vrow[i] * vrow[i] * filter[i] * filter[i]
				case MethodSLORETA:
					nrm += vrow[i] * vrow[i] * filter[i] * inv.s[i]
				}
			}
			r := inv.sqrtR[col]
			for t, v := range comp {
				dst[t] += (r * v) * (r * v)
			}
			noise += r * r * nrm
		}
		for t := range dst {
			dst[t] = math.Sqrt(dst[t])
		}
		if method != MethodMNE && noise > 0 {
			scale := 1 / math.Sqrt(noise)
			for t := range dst {
				dst[t] *= scale
			}
		}
	}

	times := make([]float64, ntimes)
	copy(times, ev.Times)
	positions := make([]models.Position, nsrc)
	copy(positions, inv.Sources.Positions)
	logger.Info("Applied %s inverse to %d time point(s) (lambda2 %.4f)", method, ntimes, lambda2)
	return &models.SourceEstimate{Positions: positions, Times: times, Data: out, Method: method}, nil
}
