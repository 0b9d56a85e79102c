package rollup

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// recordSize is the fixed on-disk footprint of one rollup record:
// mid:u32 tid:u32 cnt:u32 min:f64 max:f64 sum:f64, little-endian.
const recordSize = 36

// Record is one pre-aggregated bucket for one series.
type Record struct {
	MetricID MetricID
	SeriesID SeriesID
	Count    uint32
	Min      float64
	Max      float64
	Sum      float64
}

// File is the append-only rollup file for one epoch.
type File struct {
	f *os.File
	w *bufio.Writer
}

// OpenFile opens (creating if needed) a rollup file for appending.
func OpenFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open rollup file %s: %w", path, err)
	}
	return &File{f: f, w: bufio.NewWriter(f)}, nil
}

// Append writes one record to the buffered tail of the file.
func (rf *File) Append(rec Record) error {
	var buf [recordSize]byte
	binary.LittleEndian.PutUint32(buf[0:], uint32(rec.MetricID))
	binary.LittleEndian.PutUint32(buf[4:], uint32(rec.SeriesID))
	binary.LittleEndian.PutUint32(buf[8:], rec.Count)
	binary.LittleEndian.PutUint64(buf[12:], math.Float64bits(rec.Min))
	binary.LittleEndian.PutUint64(buf[20:], math.Float64bits(rec.Max))
	binary.LittleEndian.PutUint64(buf[28:], math.Float64bits(rec.Sum))

	_, err := rf.w.Write(buf[:])
	return err
}

// Flush drains the buffer and fsyncs.
func (rf *File) Flush() error {
	if err := rf.w.Flush(); err != nil {
		return err
	}
	return rf.f.Sync()
}

// Close flushes and closes the file.
func (rf *File) Close() error {
	if err := rf.Flush(); err != nil {
		_ = rf.f.Close()
		return err
	}
	return rf.f.Close()
}

// ReadRecords reads every record of a rollup file in order.
func ReadRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rollup file %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var records []Record
	r := bufio.NewReader(f)
	var buf [recordSize]byte
	for {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			return nil, fmt.Errorf("failed to read rollup record: %w", err)
		}
		records = append(records, Record{
			MetricID: MetricID(binary.LittleEndian.Uint32(buf[0:])),
			SeriesID: SeriesID(binary.LittleEndian.Uint32(buf[4:])),
			Count:    binary.LittleEndian.Uint32(buf[8:]),
			Min:      math.Float64frombits(binary.LittleEndian.Uint64(buf[12:])),
			Max:      math.Float64frombits(binary.LittleEndian.Uint64(buf[20:])),
			Sum:      math.Float64frombits(binary.LittleEndian.Uint64(buf[28:])),
		})
	}
}
