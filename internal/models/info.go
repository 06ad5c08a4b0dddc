// Package models defines the core domain entities for eegscope.
// These models represent acquisition metadata, sensor recordings, the intermediate
// products of the analysis pipeline, and persisted analysis runs.
// Entities carry built-in validation so every stage can check its inputs.
package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ChannelKind identifies the sensor type of a channel.
type ChannelKind string

const (
	KindEEG  ChannelKind = "eeg"
	KindEOG  ChannelKind = "eog"
	KindStim ChannelKind = "stim"
	KindMisc ChannelKind = "misc"
)

// ParseChannelKind maps a case-insensitive name onto a ChannelKind.
func ParseChannelKind(s string) (ChannelKind, error) {
	switch ChannelKind(strings.ToLower(strings.TrimSpace(s))) {
	case KindEEG:
		return KindEEG, nil
	case KindEOG:
		return KindEOG, nil
	case KindStim:
		return KindStim, nil
	case KindMisc:
		return KindMisc, nil
	}
	return "", fmt.Errorf("unknown channel kind %q", s)
}

// IsData reports whether the channel carries brain signal (as opposed to triggers).
func (k ChannelKind) IsData() bool {
	return k == KindEEG
}

// Position is a sensor location in head coordinates (metres).
type Position [3]float64

// Info is the acquisition metadata of a recording. It is immutable once built:
// constructors copy their inputs and accessors return copies.
type Info struct {
	sampleRate   float64
	channelNames []string
	channelTypes map[string]ChannelKind
	positions    map[string]Position
}

// NewInfo builds acquisition metadata. types must contain exactly one entry per name.
func NewInfo(sampleRate float64, names []string, types map[string]ChannelKind) (*Info, error) {
	if sampleRate <= 0 {
		return nil, errors.New("sample rate must be positive")
	}
	if len(names) == 0 {
		return nil, errors.New("at least one channel is required")
	}
	if len(types) != len(names) {
		return nil, fmt.Errorf("got %d channel types for %d channels", len(types), len(names))
	}

	info := &Info{
		sampleRate:   sampleRate,
		channelNames: make([]string, len(names)),
		channelTypes: make(map[string]ChannelKind, len(names)),
	}
	for i, name := range names {
		if name == "" {
			return nil, fmt.Errorf("channel %d has an empty name", i)
		}
		if _, dup := info.channelTypes[name]; dup {
			return nil, fmt.Errorf("duplicate channel name %q", name)
		}
		kind, ok := types[name]
		if !ok {
			return nil, fmt.Errorf("missing channel type for %q", name)
		}
		info.channelNames[i] = name
		info.channelTypes[name] = kind
	}
	return info, nil
}

// SampleRate returns the sampling frequency in Hz.
func (i *Info) SampleRate() float64 { return i.sampleRate }

// NumChannels returns the channel count.
func (i *Info) NumChannels() int { return len(i.channelNames) }

// ChannelNames returns the ordered channel names.
func (i *Info) ChannelNames() []string {
	out := make([]string, len(i.channelNames))
	copy(out, i.channelNames)
	return out
}

// ChannelName returns the name of channel idx.
func (i *Info) ChannelName(idx int) string { return i.channelNames[idx] }

// ChannelType returns the kind of the named channel.
func (i *Info) ChannelType(name string) (ChannelKind, bool) {
	k, ok := i.channelTypes[name]
	return k, ok
}

// ChannelTypes returns a copy of the name -> kind mapping.
func (i *Info) ChannelTypes() map[string]ChannelKind {
	out := make(map[string]ChannelKind, len(i.channelTypes))
	for k, v := range i.channelTypes {
		out[k] = v
	}
	return out
}

// ChannelIndex returns the row of the named channel, or -1.
func (i *Info) ChannelIndex(name string) int {
	for idx, n := range i.channelNames {
		if n == name {
			return idx
		}
	}
	return -1
}

// DataChannels returns the rows holding brain signal.
func (i *Info) DataChannels() []int {
	var idx []int
	for row, name := range i.channelNames {
		if i.channelTypes[name].IsData() {
			idx = append(idx, row)
		}
	}
	return idx
}

// Position returns the sensor location of the named channel, if a montage set one.
func (i *Info) Position(name string) (Position, bool) {
	p, ok := i.positions[name]
	return p, ok
}

// HasPositions reports whether any channel has a location.
func (i *Info) HasPositions() bool { return len(i.positions) > 0 }

// WithPositions returns a copy of the metadata with sensor locations attached.
// Positions for unknown channels are rejected.
func (i *Info) WithPositions(pos map[string]Position) (*Info, error) {
	out := i.clone()
	out.positions = make(map[string]Position, len(pos))
	for name, p := range pos {
		if _, ok := i.channelTypes[name]; !ok {
			return nil, fmt.Errorf("position given for unknown channel %q", name)
		}
		out.positions[name] = p
	}
	return out, nil
}

// Pick returns metadata restricted to the given rows, in that order.
func (i *Info) Pick(rows []int) (*Info, error) {
	names := make([]string, len(rows))
	types := make(map[string]ChannelKind, len(rows))
	for n, row := range rows {
		if row < 0 || row >= len(i.channelNames) {
			return nil, fmt.Errorf("channel row %d out of range", row)
		}
		names[n] = i.channelNames[row]
		types[names[n]] = i.channelTypes[names[n]]
	}
	out, err := NewInfo(i.sampleRate, names, types)
	if err != nil {
		return nil, err
	}
	if i.positions != nil {
		out.positions = make(map[string]Position)
		for _, name := range names {
			if p, ok := i.positions[name]; ok {
				out.positions[name] = p
			}
		}
	}
	return out, nil
}

func (i *Info) clone() *Info {
	out := &Info{
		sampleRate:   i.sampleRate,
		channelNames: i.ChannelNames(),
		channelTypes: i.ChannelTypes(),
	}
	if i.positions != nil {
		out.positions = make(map[string]Position, len(i.positions))
		for k, v := range i.positions {
			out.positions[k] = v
		}
	}
	return out
}

// String renders a summary in the spirit of a toolkit's info printout.
func (i *Info) String() string {
	counts := make(map[ChannelKind]int)
	for _, k := range i.channelTypes {
		counts[k]++
	}
	kinds := make([]string, 0, len(counts))
	for k, n := range counts {
		kinds = append(kinds, fmt.Sprintf("%d %s", n, strings.ToUpper(string(k))))
	}
	sort.Strings(kinds)

	var b strings.Builder
	b.WriteString("<Info | ")
	fmt.Fprintf(&b, "%d channels", len(i.channelNames))
	fmt.Fprintf(&b, "\n chs: %s", strings.Join(kinds, ", "))
	fmt.Fprintf(&b, "\n ch_names: %s", strings.Join(i.channelNames, ", "))
	fmt.Fprintf(&b, "\n sfreq: %.1f Hz", i.sampleRate)
	fmt.Fprintf(&b, "\n dig: %d points", len(i.positions))
	b.WriteString("\n>")
	return b.String()
}
