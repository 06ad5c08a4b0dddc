// Package preprocess prepares continuous recordings for analysis: sensor
// montages and band-pass filtering.
package preprocess

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rewired-gh/eegscope/internal/logger"
	"github.com/rewired-gh/eegscope/internal/models"
)

// ErrMissingPositions is returned by Apply with OnMissingRaise when data
// channels have no location in the montage.
var ErrMissingPositions = errors.New("channels missing from montage")

// OnMissing policies for channels the montage does not know.
const (
	OnMissingIgnore = "ignore"
	OnMissingWarn   = "warn"
	OnMissingRaise  = "raise"
)

// headRadius is the radius of the spherical head the standard montages are placed on.
const headRadius = 0.095

// Montage maps electrode names to positions in head coordinates
// (x right, y anterior, z up; metres).
type Montage struct {
	Name      string
	positions map[string]models.Position
}

// spherical electrode location: colatitude from the vertex (Cz) and azimuth
// from the right preauricular direction towards the nose, in degrees.
type spherical struct {
	theta, phi float64
}

var standard1020 = map[string]spherical{
	// midline
	"Nz": {108, 90}, "Fpz": {90, 90}, "AFz": {67.5, 90}, "Fz": {45, 90}, "FCz": {22.5, 90},
	"Cz": {0, 0}, "CPz": {22.5, 270}, "Pz": {45, 270}, "POz": {67.5, 270}, "Oz": {90, 270}, "Iz": {108, 270},

	// equator
	"Fp1": {90, 108}, "Fp2": {90, 72}, "AF7": {90, 126}, "AF8": {90, 54},
	"F7": {90, 144}, "F8": {90, 36}, "FT7": {90, 162}, "FT8": {90, 18},
	"T7": {90, 180}, "T8": {90, 0}, "TP7": {90, 198}, "TP8": {90, 342},
	"P7": {90, 216}, "P8": {90, 324}, "PO7": {90, 234}, "PO8": {90, 306},
	"O1": {90, 252}, "O2": {90, 288},

	// coronal line
	"C1": {22.5, 180}, "C2": {22.5, 0}, "C3": {45, 180}, "C4": {45, 0}, "C5": {67.5, 180}, "C6": {67.5, 0},

	// frontal
	"AF3": {74, 113}, "AF4": {74, 67},
	"F1": {48, 112}, "F2": {48, 68}, "F3": {60, 129}, "F4": {60, 51}, "F5": {75, 139}, "F6": {75, 41},
	"FC1": {32, 135}, "FC2": {32, 45}, "FC3": {51, 152}, "FC4": {51, 28}, "FC5": {72, 159}, "FC6": {72, 21},

	// parietal
	"CP1": {32, 225}, "CP2": {32, 315}, "CP3": {51, 208}, "CP4": {51, 332}, "CP5": {72, 201}, "CP6": {72, 339},
	"P1": {48, 248}, "P2": {48, 292}, "P3": {60, 231}, "P4": {60, 309}, "P5": {75, 221}, "P6": {75, 319},
	"PO3": {74, 247}, "PO4": {74, 293},

	// mastoids
	"M1": {120, 180}, "M2": {120, 0},
}

// legacy 10-20 names for electrodes renamed in the extended system
var legacy1020 = map[string]string{
	"T3": "T7", "T4": "T8", "T5": "P7", "T6": "P8", "A1": "M1", "A2": "M2",
}

// StandardMontage returns one of the built-in electrode layouts.
// "standard_1020" is the only layout currently available.
func StandardMontage(name string) (*Montage, error) {
	if name != "standard_1020" {
		return nil, fmt.Errorf("unknown montage %q", name)
	}
	m := &Montage{Name: name, positions: make(map[string]models.Position, len(standard1020)+len(legacy1020))}
	for ch, s := range standard1020 {
		m.positions[ch] = s.position(headRadius)
	}
	for old, current := range legacy1020 {
		m.positions[old] = m.positions[current]
	}
	return m, nil
}

func (s spherical) position(r float64) models.Position {
	theta := s.theta * math.Pi / 180
	phi := s.phi * math.Pi / 180
	return models.Position{
		r * math.Sin(theta) * math.Cos(phi),
		r * math.Sin(theta) * math.Sin(phi),
		r * math.Cos(theta),
	}
}

// Names returns the electrode names of the montage in sorted order.
func (m *Montage) Names() []string {
	names := make([]string, 0, len(m.positions))
	for n := range m.positions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the position of an electrode. Unless matchCase is set,
// names are compared case-insensitively.
func (m *Montage) Lookup(name string, matchCase bool) (models.Position, bool) {
	if p, ok := m.positions[name]; ok {
		return p, true
	}
	if matchCase {
		return models.Position{}, false
	}
	for n, p := range m.positions {
		if strings.EqualFold(n, name) {
			return p, true
		}
	}
	return models.Position{}, false
}

// MontageOptions controls how a montage is attached to a recording.
type MontageOptions struct {
	OnMissing string
	MatchCase bool
}

// Apply returns a recording whose metadata carries the montage positions of
// its EEG channels. The sample matrix is shared with rec.
func (m *Montage) Apply(rec *models.Recording, opts MontageOptions) (*models.Recording, error) {
	positions := make(map[string]models.Position)
	var missing []string
	for _, row := range rec.Info.DataChannels() {
		name := rec.Info.ChannelName(row)
		if p, ok := m.Lookup(name, opts.MatchCase); ok {
			positions[name] = p
		} else {
			missing = append(missing, name)
		}
	}

	if len(missing) > 0 {
		switch opts.OnMissing {
		case OnMissingRaise:
			return nil, fmt.Errorf("%w: %s", ErrMissingPositions, strings.Join(missing, ", "))
		case OnMissingWarn:
			logger.Warn("%d channel(s) not found in montage %s: %s", len(missing), m.Name, strings.Join(missing, ", "))
		case OnMissingIgnore, "":
			logger.Debug("%d channel(s) not found in montage %s", len(missing), m.Name)
		default:
			return nil, fmt.Errorf("unknown on_missing policy %q", opts.OnMissing)
		}
	}

	info, err := rec.Info.WithPositions(positions)
	if err != nil {
		return nil, fmt.Errorf("failed to attach positions: %w", err)
	}
	logger.Info("Montage %s: %d of %d EEG channel(s) positioned", m.Name, len(positions), len(rec.Info.DataChannels()))
	return &models.Recording{Info: info, Data: rec.Data}, nil
}
