package container

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/OpenPSG/edf"
)

// ReadHeader decodes the fixed and per-signal EDF header fields from the start of r.
//
// edf.Reader keeps its parsed header private, so labels, units and record layout
// are decoded here; sample values are still read through edf.Reader.
func ReadHeader(r io.ReadSeeker) (*edf.Header, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	fixed := make([]byte, 256)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, fmt.Errorf("error reading header: %w", err)
	}

	hdr := &edf.Header{
		Version:     edf.Version(field(fixed, 0, 8)),
		PatientID:   field(fixed, 8, 88),
		RecordingID: field(fixed, 88, 168),
	}

	// Start date and time are informational; a malformed stamp leaves StartTime zero.
	if start, err := time.Parse("02.01.06 15.04.05", field(fixed, 168, 176)+" "+field(fixed, 176, 184)); err == nil {
		hdr.StartTime = start
	}

	var err error
	if hdr.HeaderBytes, err = strconv.Atoi(field(fixed, 184, 192)); err != nil {
		return nil, fmt.Errorf("error parsing header bytes: %w", err)
	}
	if hdr.DataRecords, err = strconv.Atoi(field(fixed, 236, 244)); err != nil {
		return nil, fmt.Errorf("error parsing number of data records: %w", err)
	}
	if hdr.DataRecords < 0 {
		return nil, errors.New("EDF file was not finalized (unknown number of data records)")
	}
	seconds, err := strconv.ParseFloat(field(fixed, 244, 252), 64)
	if err != nil {
		return nil, fmt.Errorf("error parsing data record duration: %w", err)
	}
	hdr.DataRecordDuration = time.Duration(seconds * float64(time.Second))
	if hdr.SignalCount, err = strconv.Atoi(field(fixed, 252, 256)); err != nil {
		return nil, fmt.Errorf("error parsing signal count: %w", err)
	}
	if hdr.SignalCount < 0 {
		return nil, fmt.Errorf("invalid signal count %d", hdr.SignalCount)
	}

	ns := hdr.SignalCount
	sig := make([]byte, ns*256)
	if _, err := io.ReadFull(r, sig); err != nil {
		return nil, fmt.Errorf("error reading signal headers: %w", err)
	}

	// Signal headers are stored field by field, each field repeated ns times.
	offset := 0
	column := func(width int) []string {
		out := make([]string, ns)
		for i := range out {
			out[i] = field(sig, offset+i*width, offset+(i+1)*width)
		}
		offset += ns * width
		return out
	}
	labels := column(16)
	transducers := column(80)
	dims := column(8)
	pmins := column(8)
	pmaxs := column(8)
	dmins := column(8)
	dmaxs := column(8)
	prefilters := column(80)
	sprs := column(8)
	reserved := column(32)

	hdr.Signals = make([]edf.Signal, ns)
	for i := range hdr.Signals {
		s := &hdr.Signals[i]
		s.Label = labels[i]
		s.TransducerType = transducers[i]
		s.PhysicalDimension = dims[i]
		s.Prefiltering = prefilters[i]
		s.Reserved = reserved[i]
		if s.PhysicalMin, err = strconv.ParseFloat(pmins[i], 64); err != nil {
			return nil, fmt.Errorf("signal %q: error parsing physical minimum: %w", s.Label, err)
		}
		if s.PhysicalMax, err = strconv.ParseFloat(pmaxs[i], 64); err != nil {
			return nil, fmt.Errorf("signal %q: error parsing physical maximum: %w", s.Label, err)
		}
		if s.DigitalMin, err = strconv.Atoi(dmins[i]); err != nil {
			return nil, fmt.Errorf("signal %q: error parsing digital minimum: %w", s.Label, err)
		}
		if s.DigitalMax, err = strconv.Atoi(dmaxs[i]); err != nil {
			return nil, fmt.Errorf("signal %q: error parsing digital maximum: %w", s.Label, err)
		}
		if s.SamplesPerRecord, err = strconv.Atoi(sprs[i]); err != nil {
			return nil, fmt.Errorf("signal %q: error parsing samples per record: %w", s.Label, err)
		}
	}

	return hdr, nil
}

func field(b []byte, from, to int) string {
	return strings.TrimSpace(string(b[from:to]))
}
