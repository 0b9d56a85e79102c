package compression

import (
	"fmt"
	"math"
)

// gorillaCompressor implements the delta-of-delta timestamp and
// XOR value bit-packing scheme from Facebook's Gorilla paper
// (Pelkonen et al., PVLDB 8(12), 2015), writing directly into the
// byte region it was bound to — for pages, the mapped file bytes.
//
// Timestamps: the first point stores (ts - base) raw; every later
// point stores delta-of-delta in one of a few width buckets selected
// by a unary control prefix. Version 1 uses second-oriented buckets
// (7/9/12/32 bits); version 2 widens them (9/12/16/64 bits) for
// millisecond resolution.
//
// Values: XOR with the previous value. Zero XOR is a single '0' bit;
// otherwise '1' then either '0' plus the meaningful bits inside the
// previous leading/trailing window, or '1' plus a 6-bit leading-zero
// count, a 6-bit (length-1), and the meaningful bits.
type gorillaCompressor struct {
	version int
	buckets []dodBucket
	finBits uint8 // width of the final catch-all bucket
	fstBits uint8 // width of the first point's delta from base

	bits  bitCursor
	base  Timestamp
	count int
	full  bool

	prevTs    Timestamp
	prevDelta int64
	prevBits  uint64
	prevLead  uint8
	prevTrail uint8
	prevMean  uint8
}

// dodBucket is one delta-of-delta width class: ctrl control bits of
// length ctrlLen, then width bits holding the dod.
type dodBucket struct {
	ctrl    uint64
	ctrlLen uint8
	width   uint8
}

func newGorillaCompressor(version int) *gorillaCompressor {
	g := &gorillaCompressor{version: version}
	if version >= 2 {
		g.buckets = []dodBucket{
			{0b10, 2, 9},
			{0b110, 3, 12},
			{0b1110, 4, 16},
		}
		g.finBits = 64
		g.fstBits = 64
	} else {
		g.buckets = []dodBucket{
			{0b10, 2, 7},
			{0b110, 3, 9},
			{0b1110, 4, 12},
		}
		g.finBits = 32
		g.fstBits = 32
	}
	return g
}

func (g *gorillaCompressor) Init(base Timestamp, buf []byte) {
	g.bits = newBitCursor(buf)
	g.base = base
	g.count = 0
	g.full = false
	g.prevTs = 0
	g.prevDelta = 0
	g.prevBits = 0
	g.prevLead = 64
	g.prevTrail = 0
	g.prevMean = 64
}

func (g *gorillaCompressor) Version() int             { return g.version }
func (g *gorillaCompressor) IsFull() bool             { return g.full }
func (g *gorillaCompressor) IsEmpty() bool            { return g.count == 0 }
func (g *gorillaCompressor) DataPointCount() int      { return g.count }
func (g *gorillaCompressor) LastTimestamp() Timestamp { return g.prevTs }

func (g *gorillaCompressor) Size() int {
	return (g.bits.pos + 7) / 8
}

func (g *gorillaCompressor) SaveCursor(pos *Position) {
	pos.Offset = uint16(g.bits.pos / 8)
	pos.Start = uint8(g.bits.pos % 8)
}

func (g *gorillaCompressor) SaveTo(dst []byte) int {
	return copy(dst, g.bits.buf[:g.Size()])
}

func (g *gorillaCompressor) Rebase(buf []byte) {
	g.bits.buf = buf
}

// dodFits reports whether dod lies in the bucket's representable range
// (-2^(w-1), 2^(w-1)].
func dodFits(dod int64, width uint8) bool {
	half := int64(1) << (width - 1)
	return -half < dod && dod <= half
}

// tsBits returns the encoded width of the next timestamp.
func (g *gorillaCompressor) tsBits(ts Timestamp) int {
	if g.count == 0 {
		return int(g.fstBits)
	}
	delta := int64(ts - g.base)
	dod := delta - g.prevDelta
	if dod == 0 {
		return 1
	}
	for _, b := range g.buckets {
		if dodFits(dod, b.width) {
			return int(b.ctrlLen + b.width)
		}
	}
	return 4 + int(g.finBits)
}

// valueBits returns the encoded width of the next value.
func (g *gorillaCompressor) valueBits(value float64) int {
	if g.count == 0 {
		return 64
	}
	xor := g.prevBits ^ math.Float64bits(value)
	if xor == 0 {
		return 1
	}
	lead := leadingZeros64(xor)
	trail := trailingZeros64(xor)
	if g.prevMean < 64 && lead >= g.prevLead && trail >= g.prevTrail {
		return 2 + int(g.prevMean)
	}
	return 2 + 6 + 6 + int(64-lead-trail)
}

func (g *gorillaCompressor) Compress(ts Timestamp, value float64) bool {
	if g.full || ts < g.base {
		return false
	}

	// Width is computed before writing so a rejected sample leaves the
	// bitstream untouched.
	if !g.bits.Fits(g.tsBits(ts) + g.valueBits(value)) {
		g.full = true
		return false
	}

	g.writeTimestamp(ts)
	g.writeValue(value)
	g.count++
	return true
}

func (g *gorillaCompressor) writeTimestamp(ts Timestamp) {
	delta := int64(ts - g.base)

	if g.count == 0 {
		g.bits.WriteBits(uint64(delta), g.fstBits)
		g.prevTs = ts
		g.prevDelta = delta
		return
	}

	dod := delta - g.prevDelta
	switch {
	case dod == 0:
		g.bits.WriteBit(0)
	default:
		written := false
		for _, b := range g.buckets {
			if dodFits(dod, b.width) {
				g.bits.WriteBits(b.ctrl, b.ctrlLen)
				g.bits.WriteBits(uint64(dod)&(uint64(1)<<b.width-1), b.width)
				written = true
				break
			}
		}
		if !written {
			g.bits.WriteBits(0b1111, 4)
			if g.finBits == 64 {
				g.bits.WriteBits(uint64(dod), 64)
			} else {
				g.bits.WriteBits(uint64(dod)&(uint64(1)<<g.finBits-1), g.finBits)
			}
		}
	}

	g.prevTs = ts
	g.prevDelta = delta
}

func (g *gorillaCompressor) writeValue(value float64) {
	curr := math.Float64bits(value)

	if g.count == 0 {
		g.bits.WriteBits(curr, 64)
		g.prevBits = curr
		return
	}

	xor := g.prevBits ^ curr
	if xor == 0 {
		g.bits.WriteBit(0)
	} else {
		g.bits.WriteBit(1)
		lead := leadingZeros64(xor)
		trail := trailingZeros64(xor)

		if g.prevMean < 64 && lead >= g.prevLead && trail >= g.prevTrail {
			g.bits.WriteBit(0)
			g.bits.WriteBits(xor>>g.prevTrail, g.prevMean)
		} else {
			mean := 64 - lead - trail
			g.bits.WriteBit(1)
			g.bits.WriteBits(uint64(lead), 6)
			g.bits.WriteBits(uint64(mean-1), 6) // 1..64 stored as 0..63
			g.bits.WriteBits(xor>>trail, mean)
			g.prevLead = lead
			g.prevTrail = trail
			g.prevMean = mean
		}
	}

	g.prevBits = curr
}

func (g *gorillaCompressor) Restore(out *[]DataPoint, pos Position) error {
	target := int(pos.Offset)*8 + int(pos.Start)
	return g.decode(out, target, true)
}

func (g *gorillaCompressor) Uncompress(out *[]DataPoint) error {
	saved := *g // decode mutates state; keep the live cursor intact
	err := g.decode(out, g.bits.pos, true)
	if err != nil {
		*g = saved
	}
	return err
}

// decode replays the bitstream up to target bits, appending pairs to
// out (when non-nil) and, when adopt is set, leaving the compressor
// positioned to continue appending after the last decoded pair.
func (g *gorillaCompressor) decode(out *[]DataPoint, target int, adopt bool) error {
	if target > len(g.bits.buf)*8 {
		return fmt.Errorf("%w: cursor %d beyond page", ErrCorruptStream, target)
	}

	sc := newBitScanner(g.bits.buf)
	count := 0
	var prevTs Timestamp
	var prevDelta int64
	var prevBits uint64
	lead, trail, mean := uint8(64), uint8(0), uint8(64)

	for sc.pos < target {
		// timestamp
		var delta int64
		if count == 0 {
			raw, ok := sc.ReadBits(g.fstBits)
			if !ok {
				return fmt.Errorf("%w: truncated first timestamp", ErrCorruptStream)
			}
			delta = int64(raw)
		} else {
			dod, err := g.readDod(&sc)
			if err != nil {
				return err
			}
			delta = prevDelta + dod
		}
		if delta < 0 {
			return fmt.Errorf("%w: negative timestamp delta", ErrCorruptStream)
		}
		ts := g.base + Timestamp(delta)

		// value
		var currBits uint64
		if count == 0 {
			raw, ok := sc.ReadBits(64)
			if !ok {
				return fmt.Errorf("%w: truncated first value", ErrCorruptStream)
			}
			currBits = raw
		} else {
			ctrl, ok := sc.ReadBit()
			if !ok {
				return fmt.Errorf("%w: truncated value control", ErrCorruptStream)
			}
			if ctrl == 0 {
				currBits = prevBits
			} else {
				ctrl2, ok := sc.ReadBit()
				if !ok {
					return fmt.Errorf("%w: truncated value control", ErrCorruptStream)
				}
				var xor uint64
				if ctrl2 == 0 {
					meaningful, ok := sc.ReadBits(mean)
					if !ok {
						return fmt.Errorf("%w: truncated value bits", ErrCorruptStream)
					}
					xor = meaningful << trail
				} else {
					leadRaw, ok := sc.ReadBits(6)
					if !ok {
						return fmt.Errorf("%w: truncated value window", ErrCorruptStream)
					}
					meanRaw, ok := sc.ReadBits(6)
					if !ok {
						return fmt.Errorf("%w: truncated value window", ErrCorruptStream)
					}
					lead = uint8(leadRaw)
					mean = uint8(meanRaw) + 1
					trail = 64 - lead - mean
					meaningful, ok := sc.ReadBits(mean)
					if !ok {
						return fmt.Errorf("%w: truncated value bits", ErrCorruptStream)
					}
					xor = meaningful << trail
				}
				currBits = prevBits ^ xor
			}
		}

		if sc.pos > target {
			return fmt.Errorf("%w: frame crosses saved cursor", ErrCorruptStream)
		}

		if out != nil {
			*out = append(*out, DataPoint{Timestamp: ts, Value: math.Float64frombits(currBits)})
		}

		prevTs = ts
		prevDelta = delta
		prevBits = currBits
		count++
	}

	if adopt {
		g.bits.pos = target
		g.count = count
		g.prevTs = prevTs
		g.prevDelta = prevDelta
		g.prevBits = prevBits
		g.prevLead = lead
		g.prevTrail = trail
		g.prevMean = mean
	}
	return nil
}

// readDod decodes one delta-of-delta frame.
func (g *gorillaCompressor) readDod(sc *bitScanner) (int64, error) {
	bit, ok := sc.ReadBit()
	if !ok {
		return 0, fmt.Errorf("%w: truncated timestamp control", ErrCorruptStream)
	}
	if bit == 0 {
		return 0, nil
	}

	for _, b := range g.buckets {
		next, ok := sc.ReadBit()
		if !ok {
			return 0, fmt.Errorf("%w: truncated timestamp control", ErrCorruptStream)
		}
		if next == 0 {
			raw, ok := sc.ReadBits(b.width)
			if !ok {
				return 0, fmt.Errorf("%w: truncated timestamp bits", ErrCorruptStream)
			}
			return signExtend(raw, b.width), nil
		}
	}

	raw, ok := sc.ReadBits(g.finBits)
	if !ok {
		return 0, fmt.Errorf("%w: truncated timestamp bits", ErrCorruptStream)
	}
	if g.finBits == 64 {
		return int64(raw), nil
	}
	return signExtend(raw, g.finBits), nil
}

// signExtend interprets the low width bits of raw as a signed value in
// the range (-2^(width-1), 2^(width-1)].
func signExtend(raw uint64, width uint8) int64 {
	v := int64(raw)
	if v > int64(1)<<(width-1) {
		v -= int64(1) << width
	}
	return v
}
