package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/golang/snappy"
)

// The append log records every accepted sample so pages that were
// still in memory at crash time can be rebuilt on restart. Entries are
// buffered and written in snappy-compressed frames:
//
//	payload_len:u32  crc32c(compressed):u32  snappy(entries)
//
// with each entry a fixed 20 bytes: series:u32 ts:u64 value:f64,
// little-endian. Frames are torn-tail safe: a short or corrupt trailing
// frame is dropped during ReadAll.
const (
	entrySize   = 20
	frameHeader = 8

	segmentPrefix = "append-"
	segmentSuffix = ".log"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Entry is one logged sample.
type Entry struct {
	SeriesID  uint32
	Timestamp uint64
	Value     float64
}

// ErrCorruptFrame marks a frame whose checksum or length is wrong.
var ErrCorruptFrame = errors.New("wal: corrupt frame")

func encodeEntries(entries []Entry) []byte {
	buf := make([]byte, len(entries)*entrySize)
	for i, e := range entries {
		off := i * entrySize
		binary.LittleEndian.PutUint32(buf[off:], e.SeriesID)
		binary.LittleEndian.PutUint64(buf[off+4:], e.Timestamp)
		binary.LittleEndian.PutUint64(buf[off+12:], math.Float64bits(e.Value))
	}
	return buf
}

func decodeEntries(buf []byte, out []Entry) ([]Entry, error) {
	if len(buf)%entrySize != 0 {
		return out, fmt.Errorf("%w: payload length %d", ErrCorruptFrame, len(buf))
	}
	for off := 0; off < len(buf); off += entrySize {
		out = append(out, Entry{
			SeriesID:  binary.LittleEndian.Uint32(buf[off:]),
			Timestamp: binary.LittleEndian.Uint64(buf[off+4:]),
			Value:     math.Float64frombits(binary.LittleEndian.Uint64(buf[off+12:])),
		})
	}
	return out, nil
}

// writeFrame appends one compressed frame to w.
func writeFrame(w io.Writer, entries []Entry) error {
	compressed := snappy.Encode(nil, encodeEntries(entries))

	var hdr [frameHeader]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(len(compressed)))
	binary.LittleEndian.PutUint32(hdr[4:], crc32.Checksum(compressed, castagnoli))

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(compressed)
	return err
}

// readFrames decodes every complete frame of one segment file,
// stopping silently at a torn tail.
func readFrames(path string, out []Entry) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return out, err
	}

	for off := 0; off+frameHeader <= len(data); {
		length := int(binary.LittleEndian.Uint32(data[off:]))
		sum := binary.LittleEndian.Uint32(data[off+4:])
		off += frameHeader

		if off+length > len(data) {
			break // torn tail
		}
		compressed := data[off : off+length]
		off += length

		if crc32.Checksum(compressed, castagnoli) != sum {
			break
		}
		payload, err := snappy.Decode(nil, compressed)
		if err != nil {
			break
		}
		if out, err = decodeEntries(payload, out); err != nil {
			break
		}
	}
	return out, nil
}

// segmentFiles lists a directory's segments in creation order.
func segmentFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, segmentPrefix) && strings.HasSuffix(name, segmentSuffix) {
			files = append(files, filepath.Join(dir, name))
		}
	}
	sort.Strings(files)
	return files, nil
}
