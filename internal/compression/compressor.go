package compression

import (
	"errors"
	"fmt"
)

// Timestamp is a point in time in the file's native resolution
// (seconds or milliseconds, chosen once per data file).
type Timestamp = uint64

// DataPoint is one decoded (timestamp, value) pair.
type DataPoint struct {
	Timestamp Timestamp
	Value     float64
}

// Position is the bitstream cursor persisted in a page header: Offset
// complete bytes plus Start bits into the next byte. The version 0
// compressor counts data points in Offset instead.
type Position struct {
	Offset uint16
	Start  uint8
}

var (
	// ErrPageFull signals that a sample did not fit; the page must be
	// treated as full and a new one allocated.
	ErrPageFull = errors.New("compression: page full")

	// ErrCorruptStream signals an inconsistent frame during decode.
	ErrCorruptStream = errors.New("compression: corrupt stream")
)

// Compressor encodes a stream of (timestamp, value) pairs into a
// bounded byte region. Implementations are not thread-safe.
type Compressor interface {
	// Init binds the compressor to a byte region, with base as the
	// relative timestamp origin. Resets all state.
	Init(base Timestamp, buf []byte)

	// Compress appends one pair. It returns false, leaving the
	// internal state unchanged, when the encoded stream would exceed
	// the region; the page is then full.
	Compress(ts Timestamp, value float64) bool

	// Restore rebuilds compressor state by decoding the bound region
	// up to pos, appending the decoded pairs to out.
	Restore(out *[]DataPoint, pos Position) error

	// Uncompress decodes everything written so far into out.
	Uncompress(out *[]DataPoint) error

	// SaveCursor records the current bitstream cursor.
	SaveCursor(pos *Position)

	// SaveTo copies the encoded bytes into dst and returns the number
	// of bytes copied. Version 0 requires this to persist at all;
	// later versions only need it when relocating a page.
	SaveTo(dst []byte) int

	// Rebase retargets a live compressor after the underlying bytes
	// have been relocated. The cursor is preserved.
	Rebase(buf []byte)

	IsFull() bool
	IsEmpty() bool

	// Size is the current encoded length in bytes.
	Size() int

	Version() int
	LastTimestamp() Timestamp
	DataPointCount() int
}

// NewCompressor returns the encoder for a given on-disk compressor
// version. The caller must pass the version recorded in the file
// header, never the current process default, so that reopened files
// decode correctly.
func NewCompressor(version int) (Compressor, error) {
	switch version {
	case 0:
		return &CompressorV0{}, nil
	case 1:
		return newGorillaCompressor(1), nil
	case 2:
		return newGorillaCompressor(2), nil
	default:
		return nil, fmt.Errorf("unknown compressor version %d", version)
	}
}
