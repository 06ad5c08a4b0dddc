// Command edfinfo prints the header of an EDF file: recording identification,
// record layout and one line per signal.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/rewired-gh/eegscope/internal/container"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s <file.edf>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	path := flag.Arg(0)
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("Failed to open %s: %v", path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		log.Fatalf("Failed to stat %s: %v", path, err)
	}

	hdr, err := container.ReadHeader(f)
	if err != nil {
		log.Fatalf("Failed to read header of %s: %v", path, err)
	}

	duration := time.Duration(hdr.DataRecords) * hdr.DataRecordDuration
	fmt.Printf("File:        %s (%s)\n", path, humanize.Bytes(uint64(stat.Size())))
	fmt.Printf("Version:     %q\n", hdr.Version)
	fmt.Printf("Patient:     %s\n", hdr.PatientID)
	fmt.Printf("Recording:   %s\n", hdr.RecordingID)
	if !hdr.StartTime.IsZero() {
		fmt.Printf("Start:       %s\n", hdr.StartTime.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("Records:     %s x %v (%v total)\n", humanize.Comma(int64(hdr.DataRecords)), hdr.DataRecordDuration, duration)
	fmt.Printf("Header size: %s\n", humanize.Bytes(uint64(hdr.HeaderBytes)))
	fmt.Printf("Signals:     %d\n\n", hdr.SignalCount)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tLABEL\tTRANSDUCER\tUNIT\tPHYSICAL\tDIGITAL\tRATE (Hz)")
	for i, s := range hdr.Signals {
		rate := 0.0
		if hdr.DataRecordDuration > 0 {
			rate = float64(s.SamplesPerRecord) / hdr.DataRecordDuration.Seconds()
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t[%g, %g]\t[%d, %d]\t%g\n",
			i, s.Label, s.TransducerType, s.PhysicalDimension,
			s.PhysicalMin, s.PhysicalMax, s.DigitalMin, s.DigitalMax, rate)
	}
	if err := w.Flush(); err != nil {
		log.Fatalf("Failed to write output: %v", err)
	}
}
