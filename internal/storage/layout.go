package storage

import "encoding/binary"

// On-disk layout, major version 1. All integers little-endian. Mapped
// bytes are never cast to Go structs: every field goes through the
// offset-based accessors below, which keeps widths explicit and makes
// version evolution tractable.
//
//	offset 0              tsdb_header (40 bytes)
//	offset 40             page_info_on_disk[page_count] (20 bytes each)
//	first_info_index*PS   page bytes
const (
	MajorVersion = 1
	MinorVersion = 0

	FileHeaderSize = 40
	PageHeaderSize = 20
)

// tsdb_header field offsets.
const (
	offMajor       = 0
	offMinor       = 1
	offFileFlags   = 2
	offPageCount   = 4
	offPageIndex   = 8
	offHeaderIndex = 12
	offActualPgCnt = 16
	offStartTstamp = 20
	offEndTstamp   = 28
	offPageSize    = 36
)

// tsdb_header flag bits. The compressor version sits in bits 4-7.
const (
	fileFlagCompacted   = 1 << 0
	fileFlagMillisecond = 1 << 1
	fileCompressorShift = 4
	fileCompressorMask  = 0xf0
)

// page_info_on_disk field offsets, relative to the header slot.
const (
	offPIPageIndex = 0
	offPIOffset    = 4
	offPISize      = 6
	offPIMOffset   = 8
	offPIMStart    = 10
	offPIFlags     = 11
	offPITstampF   = 12
	offPITstampT   = 16
)

// page_info_on_disk flag bits.
const (
	pageFlagFull       = 1 << 0
	pageFlagOutOfOrder = 1 << 1
)

// fileHeader is a view over the mapped tsdb_header bytes.
type fileHeader struct{ b []byte }

func (h fileHeader) major() uint8        { return h.b[offMajor] }
func (h fileHeader) setMajor(v uint8)    { h.b[offMajor] = v }
func (h fileHeader) minor() uint8        { return h.b[offMinor] }
func (h fileHeader) setMinor(v uint8)    { h.b[offMinor] = v }
func (h fileHeader) flags() uint8        { return h.b[offFileFlags] }
func (h fileHeader) setFlags(v uint8)    { h.b[offFileFlags] = v }
func (h fileHeader) pageCount() uint32   { return binary.LittleEndian.Uint32(h.b[offPageCount:]) }
func (h fileHeader) pageIndex() uint32   { return binary.LittleEndian.Uint32(h.b[offPageIndex:]) }
func (h fileHeader) headerIndex() uint32 { return binary.LittleEndian.Uint32(h.b[offHeaderIndex:]) }
func (h fileHeader) actualPgCnt() uint32 { return binary.LittleEndian.Uint32(h.b[offActualPgCnt:]) }
func (h fileHeader) startTstamp() uint64 { return binary.LittleEndian.Uint64(h.b[offStartTstamp:]) }
func (h fileHeader) endTstamp() uint64   { return binary.LittleEndian.Uint64(h.b[offEndTstamp:]) }
func (h fileHeader) pageSize() uint32    { return binary.LittleEndian.Uint32(h.b[offPageSize:]) }

func (h fileHeader) setPageCount(v uint32) { binary.LittleEndian.PutUint32(h.b[offPageCount:], v) }
func (h fileHeader) setPageIndex(v uint32) { binary.LittleEndian.PutUint32(h.b[offPageIndex:], v) }
func (h fileHeader) setHeaderIndex(v uint32) {
	binary.LittleEndian.PutUint32(h.b[offHeaderIndex:], v)
}
func (h fileHeader) setActualPgCnt(v uint32) {
	binary.LittleEndian.PutUint32(h.b[offActualPgCnt:], v)
}
func (h fileHeader) setStartTstamp(v uint64) {
	binary.LittleEndian.PutUint64(h.b[offStartTstamp:], v)
}
func (h fileHeader) setEndTstamp(v uint64) { binary.LittleEndian.PutUint64(h.b[offEndTstamp:], v) }
func (h fileHeader) setPageSize(v uint32)  { binary.LittleEndian.PutUint32(h.b[offPageSize:], v) }

func (h fileHeader) compacted() bool   { return h.flags()&fileFlagCompacted != 0 }
func (h fileHeader) millisecond() bool { return h.flags()&fileFlagMillisecond != 0 }
func (h fileHeader) compressorVersion() int {
	return int(h.flags()&fileCompressorMask) >> fileCompressorShift
}

func (h fileHeader) setCompacted(on bool) {
	if on {
		h.setFlags(h.flags() | fileFlagCompacted)
	} else {
		h.setFlags(h.flags() &^ fileFlagCompacted)
	}
}

func (h fileHeader) setMillisecond(on bool) {
	if on {
		h.setFlags(h.flags() | fileFlagMillisecond)
	} else {
		h.setFlags(h.flags() &^ fileFlagMillisecond)
	}
}

func (h fileHeader) setCompressorVersion(v int) {
	h.setFlags(h.flags()&^fileCompressorMask | uint8(v)<<fileCompressorShift&fileCompressorMask)
}

// pageHeader is a view over one page_info_on_disk slot.
type pageHeader struct{ b []byte }

func (h pageHeader) pageIndex() uint32   { return binary.LittleEndian.Uint32(h.b[offPIPageIndex:]) }
func (h pageHeader) offset() uint16      { return binary.LittleEndian.Uint16(h.b[offPIOffset:]) }
func (h pageHeader) size() uint16        { return binary.LittleEndian.Uint16(h.b[offPISize:]) }
func (h pageHeader) mOffset() uint16     { return binary.LittleEndian.Uint16(h.b[offPIMOffset:]) }
func (h pageHeader) mStart() uint8       { return h.b[offPIMStart] }
func (h pageHeader) flags() uint8        { return h.b[offPIFlags] }
func (h pageHeader) tstampFrom() uint32  { return binary.LittleEndian.Uint32(h.b[offPITstampF:]) }
func (h pageHeader) tstampTo() uint32    { return binary.LittleEndian.Uint32(h.b[offPITstampT:]) }

func (h pageHeader) setPageIndex(v uint32) { binary.LittleEndian.PutUint32(h.b[offPIPageIndex:], v) }
func (h pageHeader) setOffset(v uint16)    { binary.LittleEndian.PutUint16(h.b[offPIOffset:], v) }
func (h pageHeader) setSize(v uint16)      { binary.LittleEndian.PutUint16(h.b[offPISize:], v) }
func (h pageHeader) setMOffset(v uint16)   { binary.LittleEndian.PutUint16(h.b[offPIMOffset:], v) }
func (h pageHeader) setMStart(v uint8)     { h.b[offPIMStart] = v }
func (h pageHeader) setFlags(v uint8)      { h.b[offPIFlags] = v }
func (h pageHeader) setTstampFrom(v uint32) {
	binary.LittleEndian.PutUint32(h.b[offPITstampF:], v)
}
func (h pageHeader) setTstampTo(v uint32) { binary.LittleEndian.PutUint32(h.b[offPITstampT:], v) }

func (h pageHeader) full() bool       { return h.flags()&pageFlagFull != 0 }
func (h pageHeader) outOfOrder() bool { return h.flags()&pageFlagOutOfOrder != 0 }

// setFull only ever raises the bit: once a page is marked full it stays
// full, even when a later persist runs with a non-full compressor
// (shrink_to_fit relies on this).
func (h pageHeader) setFull(on bool) {
	if on {
		h.setFlags(h.flags() | pageFlagFull)
	}
}

func (h pageHeader) setOutOfOrder(on bool) {
	if on {
		h.setFlags(h.flags() | pageFlagOutOfOrder)
	} else {
		h.setFlags(h.flags() &^ pageFlagOutOfOrder)
	}
}

// clear zeroes the whole slot.
func (h pageHeader) clear() {
	for i := 0; i < PageHeaderSize; i++ {
		h.b[i] = 0
	}
}

// isEmpty reports that nothing was ever encoded into the page.
func (h pageHeader) isEmpty() bool {
	return h.mOffset() == 0 && h.mStart() == 0
}

// firstInfoIndex is the index of the first page slot that holds data
// rather than the file header and the header array.
func firstInfoIndex(pageCount, pageSize int) int {
	return (pageCount*PageHeaderSize + FileHeaderSize + pageSize - 1) / pageSize
}
