package compression

import (
	"encoding/binary"
	"fmt"
	"math"
)

// v0EntrySize is the fixed on-disk footprint of one version 0 sample:
// a raw 8-byte timestamp followed by a raw 8-byte value.
const v0EntrySize = 16

// CompressorV0 is the eager version 0 encoder. It accumulates samples
// in its own buffer rather than the mapped page, so SaveTo must be
// called to persist. It accepts timestamps in any order, which is why
// out-of-order pages always use it.
//
// Its cursor counts data points, not bytes: Position.Offset holds the
// sample count and Start is always zero.
type CompressorV0 struct {
	page    []byte // bound region, the source of truth for Restore
	scratch []byte
	base    Timestamp
	maxDP   int
	full    bool
	lastTs  Timestamp
}

func (c *CompressorV0) Init(base Timestamp, buf []byte) {
	c.page = buf
	c.base = base
	c.maxDP = len(buf) / v0EntrySize
	c.scratch = c.scratch[:0]
	c.full = false
	c.lastTs = 0
}

func (c *CompressorV0) Version() int        { return 0 }
func (c *CompressorV0) IsFull() bool        { return c.full }
func (c *CompressorV0) IsEmpty() bool       { return len(c.scratch) == 0 }
func (c *CompressorV0) DataPointCount() int { return len(c.scratch) / v0EntrySize }
func (c *CompressorV0) Size() int           { return len(c.scratch) }

func (c *CompressorV0) LastTimestamp() Timestamp { return c.lastTs }

func (c *CompressorV0) Compress(ts Timestamp, value float64) bool {
	if c.full || c.DataPointCount() >= c.maxDP {
		c.full = true
		return false
	}

	var entry [v0EntrySize]byte
	binary.LittleEndian.PutUint64(entry[0:8], ts)
	binary.LittleEndian.PutUint64(entry[8:16], math.Float64bits(value))
	c.scratch = append(c.scratch, entry[:]...)
	c.lastTs = ts
	return true
}

func (c *CompressorV0) SaveCursor(pos *Position) {
	pos.Offset = uint16(c.DataPointCount())
	pos.Start = 0
}

func (c *CompressorV0) SaveTo(dst []byte) int {
	return copy(dst, c.scratch)
}

func (c *CompressorV0) Rebase(buf []byte) {
	c.page = buf
}

func (c *CompressorV0) Restore(out *[]DataPoint, pos Position) error {
	count := int(pos.Offset)
	if count*v0EntrySize > len(c.page) {
		return fmt.Errorf("%w: %d samples exceed page", ErrCorruptStream, count)
	}

	c.scratch = append(c.scratch[:0], c.page[:count*v0EntrySize]...)
	for i := 0; i < count; i++ {
		ts := binary.LittleEndian.Uint64(c.scratch[i*v0EntrySize:])
		bits := binary.LittleEndian.Uint64(c.scratch[i*v0EntrySize+8:])
		c.lastTs = ts
		if out != nil {
			*out = append(*out, DataPoint{Timestamp: ts, Value: math.Float64frombits(bits)})
		}
	}
	return nil
}

func (c *CompressorV0) Uncompress(out *[]DataPoint) error {
	for i := 0; i < c.DataPointCount(); i++ {
		ts := binary.LittleEndian.Uint64(c.scratch[i*v0EntrySize:])
		bits := binary.LittleEndian.Uint64(c.scratch[i*v0EntrySize+8:])
		*out = append(*out, DataPoint{Timestamp: ts, Value: math.Float64frombits(bits)})
	}
	return nil
}
