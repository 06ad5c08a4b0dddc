// Package source estimates the cortical generators of scalp EEG: a tessellated
// source space, a concentric-sphere head model, the dipole forward operator,
// noise covariance and minimum-norm inverse solutions (MNE, dSPM, sLORETA).
package source

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/rewired-gh/eegscope/internal/models"
)

// mesh is a closed triangulated unit sphere.
type mesh struct {
	verts [][3]float64
	faces [][3]int
}

func icosahedron() mesh {
	t := (1 + math.Sqrt(5)) / 2
	m := mesh{
		verts: [][3]float64{
			{-1, t, 0}, {1, t, 0}, {-1, -t, 0}, {1, -t, 0},
			{0, -1, t}, {0, 1, t}, {0, -1, -t}, {0, 1, -t},
			{t, 0, -1}, {t, 0, 1}, {-t, 0, -1}, {-t, 0, 1},
		},
		faces: [][3]int{
			{0, 11, 5}, {0, 5, 1}, {0, 1, 7}, {0, 7, 10}, {0, 10, 11},
			{1, 5, 9}, {5, 11, 4}, {11, 10, 2}, {10, 7, 6}, {7, 1, 8},
			{3, 9, 4}, {3, 4, 2}, {3, 2, 6}, {3, 6, 8}, {3, 8, 9},
			{4, 9, 5}, {2, 4, 11}, {6, 2, 10}, {8, 6, 7}, {9, 8, 1},
		},
	}
	for i := range m.verts {
		m.verts[i] = unit(m.verts[i])
	}
	return m
}

func octahedron() mesh {
	return mesh{
		verts: [][3]float64{{1, 0, 0}, {-1, 0, 0}, {0, 1, 0}, {0, -1, 0}, {0, 0, 1}, {0, 0, -1}},
		faces: [][3]int{
			{4, 0, 2}, {4, 2, 1}, {4, 1, 3}, {4, 3, 0},
			{5, 2, 0}, {5, 1, 2}, {5, 3, 1}, {5, 0, 3},
		},
	}
}

// subdivide splits every triangle into four, pushing new vertices onto the sphere.
func (m mesh) subdivide() mesh {
	out := mesh{verts: append([][3]float64(nil), m.verts...)}
	mid := make(map[[2]int]int)
	midpoint := func(a, b int) int {
		key := [2]int{min(a, b), max(a, b)}
		if i, ok := mid[key]; ok {
			return i
		}
		va, vb := m.verts[a], m.verts[b]
		out.verts = append(out.verts, unit([3]float64{va[0] + vb[0], va[1] + vb[1], va[2] + vb[2]}))
		mid[key] = len(out.verts) - 1
		return len(out.verts) - 1
	}
	out.faces = make([][3]int, 0, 4*len(m.faces))
	for _, f := range m.faces {
		ab, bc, ca := midpoint(f[0], f[1]), midpoint(f[1], f[2]), midpoint(f[2], f[0])
		out.faces = append(out.faces,
			[3]int{f[0], ab, ca}, [3]int{f[1], bc, ab}, [3]int{f[2], ca, bc}, [3]int{ab, bc, ca})
	}
	return out
}

func tessellate(base mesh, level int) mesh {
	for i := 0; i < level; i++ {
		base = base.subdivide()
	}
	return base
}

func unit(v [3]float64) [3]float64 {
	n := floats.Norm(v[:], 2)
	return [3]float64{v[0] / n, v[1] / n, v[2] / n}
}

func scaled(v [3]float64, r float64) models.Position {
	return models.Position{v[0] * r, v[1] * r, v[2] * r}
}

// SourceSpace is a set of candidate dipole locations with their surface normals.
type SourceSpace struct {
	Spacing   string
	Positions []models.Position
	Normals   []models.Position // unit vectors
}

// Len returns the number of sources.
func (s *SourceSpace) Len() int { return len(s.Positions) }

// NewSourceSpace places sources on the vertices of a subdivided icosahedron
// ("ico<k>") or octahedron ("oct<k>") of the given radius, oriented radially.
func NewSourceSpace(spacing string, radius float64) (*SourceSpace, error) {
	if radius <= 0 {
		return nil, fmt.Errorf("source space radius must be positive, got %g", radius)
	}
	var base mesh
	var levelStr string
	switch {
	case strings.HasPrefix(spacing, "ico"):
		base, levelStr = icosahedron(), strings.TrimPrefix(spacing, "ico")
	case strings.HasPrefix(spacing, "oct"):
		base, levelStr = octahedron(), strings.TrimPrefix(spacing, "oct")
	default:
		return nil, fmt.Errorf("unknown source spacing %q (want ico<k> or oct<k>)", spacing)
	}
	level, err := strconv.Atoi(levelStr)
	if err != nil || level < 0 || level > 7 {
		return nil, fmt.Errorf("invalid subdivision level in spacing %q", spacing)
	}

	m := tessellate(base, level)
	src := &SourceSpace{
		Spacing:   spacing,
		Positions: make([]models.Position, len(m.verts)),
		Normals:   make([]models.Position, len(m.verts)),
	}
	for i, v := range m.verts {
		src.Positions[i] = scaled(v, radius)
		src.Normals[i] = models.Position(v)
	}
	return src, nil
}

// subset returns the sources at the given indices.
func (s *SourceSpace) subset(idx []int) *SourceSpace {
	out := &SourceSpace{
		Spacing:   s.Spacing,
		Positions: make([]models.Position, len(idx)),
		Normals:   make([]models.Position, len(idx)),
	}
	for i, j := range idx {
		out.Positions[i] = s.Positions[j]
		out.Normals[i] = s.Normals[j]
	}
	return out
}

// tangents returns two unit vectors completing n to a right-handed orthonormal frame.
func tangents(n models.Position) (models.Position, models.Position) {
	ref := [3]float64{0, 0, 1}
	if math.Abs(n[2]) > 0.9 {
		ref = [3]float64{1, 0, 0}
	}
	t1 := unit(cross(ref, n))
	t2 := unit(cross(n, t1))
	return models.Position(t1), models.Position(t2)
}

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func dot(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func sub(a, b [3]float64) [3]float64 {
	return [3]float64{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
}

func norm(a [3]float64) float64 {
	return math.Sqrt(dot(a, a))
}
