package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/ticktockdb/ticktock/internal/compression"
	"github.com/ticktockdb/ticktock/internal/logging"
	"github.com/ticktockdb/ticktock/internal/storage"
)

// bin_to_csv dumps every page of one epoch data file as
// timestamp,value CSV, sorted by timestamp.
func main() {
	file := flag.String("file", "", "Path to the data file")
	output := flag.String("output", "", "Output CSV path (default: stdout)")
	flag.Parse()

	if *file == "" {
		log.Fatal("Error: -file parameter is required")
	}

	info, err := storage.ReadFileInfo(*file)
	if err != nil {
		log.Fatalf("Error reading file header: %v\n", err)
	}

	logger := logging.NewWithWriter(os.Stderr, zerolog.WarnLevel)
	pm, err := storage.NewPageManager(*file, info.TimeRange, 0, storage.Options{
		PageCount:         info.PageCount,
		PageSize:          info.PageSize,
		CompressorVersion: info.CompressorVersion,
		ResolutionMS:      info.ResolutionMS,
	}, logger)
	if err != nil {
		log.Fatalf("Error opening data file: %v\n", err)
	}
	defer func() { _ = pm.CloseMmap() }()

	var points []compression.DataPoint
	for h := uint32(0); h < pm.HeaderCount(); h++ {
		view, err := pm.GetPageView(h)
		if err != nil {
			log.Fatalf("Error opening page %d: %v\n", h, err)
		}
		if view.IsEmpty() {
			continue
		}
		if err := view.EnsureDataAvailable(&points); err != nil {
			log.Printf("Warning: skipping corrupt page %d: %v\n", h, err)
		}
	}

	sort.Slice(points, func(i, j int) bool {
		return points[i].Timestamp < points[j].Timestamp
	})

	out := os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			log.Fatalf("Error creating output file: %v\n", err)
		}
		defer func() { _ = f.Close() }()
		out = f
	}

	w := csv.NewWriter(out)
	_ = w.Write([]string{"timestamp", "value"})
	for _, p := range points {
		_ = w.Write([]string{
			strconv.FormatUint(p.Timestamp, 10),
			strconv.FormatFloat(p.Value, 'g', -1, 64),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		log.Fatalf("Error writing CSV: %v\n", err)
	}

	fmt.Fprintf(os.Stderr, "Wrote %d data points\n", len(points))
}
