package storage

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ticktockdb/ticktock/internal/compression"
)

// PageView is the in-memory handle over one compressed block: it
// bridges compressor state, the on-disk header, and the mapped bytes.
// A view holds its manager plus an integer header index — never a raw
// pointer into the mapping — so relocation and remapping stay safe.
//
// Two states: disk-only (compressor == nil; range and flags readable
// without decoding) and active (compressor attached; appendable when
// newly allocated, decodable when reconstituted from disk).
//
// Not thread-safe; each page has a single owner until marked full.
type PageView struct {
	pm         *PageManager
	headerIdx  uint32
	compressor compression.Compressor
	timeRange  TimeRange // absolute; the header keeps epoch-relative times
}

// initForDisk prepares a brand-new writable page: the header slot is
// zeroed and bound to the claimed page slot. Called by the allocator
// with the manager lock held.
func (v *PageView) initForDisk(pm *PageManager, headerIdx, pageIdx uint32, size uint16, ooo bool) {
	v.pm = pm
	v.headerIdx = headerIdx
	v.compressor = nil
	v.timeRange = EmptyTimeRange(pm.timeRange)

	h := v.header()
	h.clear()
	h.setOutOfOrder(ooo)
	h.setPageIndex(pageIdx)
	h.setOffset(0)
	h.setSize(size)
}

// initFromDisk opens an existing page read-only, deriving the absolute
// time range from the header's epoch-relative one.
func (v *PageView) initFromDisk(pm *PageManager, headerIdx uint32) error {
	v.pm = pm
	v.headerIdx = headerIdx
	v.compressor = nil

	h := v.header()
	start := pm.timeRange.From
	v.timeRange = TimeRange{
		From: start + Timestamp(h.tstampFrom()),
		To:   start + Timestamp(h.tstampTo()),
	}
	if !pm.timeRange.ContainsRange(v.timeRange) {
		return fmt.Errorf("page %d range [%d, %d] outside epoch [%d, %d)",
			headerIdx, v.timeRange.From, v.timeRange.To, pm.timeRange.From, pm.timeRange.To)
	}
	return nil
}

func (v *PageView) header() pageHeader {
	return v.pm.pageHeaderAt(v.headerIdx)
}

// page returns the mapped bytes of this view's block.
func (v *PageView) page() []byte {
	h := v.header()
	return v.pm.pageBytes(h.pageIndex(), h.offset(), h.size())
}

// setupCompressor attaches a fresh encoder of the given version,
// pinned at the block's bytes. Out-of-order pages always get V0.
func (v *PageView) setupCompressor(version int) error {
	if v.header().outOfOrder() {
		version = 0
	}
	c, err := compression.NewCompressor(version)
	if err != nil {
		return err
	}
	c.Init(v.pm.timeRange.From, v.page())
	v.compressor = c
	return nil
}

// EnsureDataAvailable lazily materializes the page's samples: it
// attaches a decoder of the file's compressor version, resets it to
// the saved cursor, and decodes. Decoded pairs are appended to out
// when non-nil. Idempotent once the view is active.
func (v *PageView) EnsureDataAvailable(out *[]compression.DataPoint) error {
	if v.compressor != nil {
		return nil
	}

	h := v.header()
	pos := compression.Position{Offset: h.mOffset(), Start: h.mStart()}
	if err := v.setupCompressor(v.pm.compressorVersion); err != nil {
		return err
	}
	if err := v.compressor.Restore(out, pos); err != nil {
		v.compressor = nil
		return err
	}
	return nil
}

// AddDataPoint appends one sample. On success the view's local time
// range is extended; the header's relative range is refreshed on the
// next Persist. Returns false when the page is full.
func (v *PageView) AddDataPoint(ts Timestamp, value float64) bool {
	if v.compressor == nil {
		return false
	}
	ok := v.compressor.Compress(ts, value)
	if ok {
		v.timeRange.AddTime(ts)
	}
	return ok
}

// GetAllDataPoints decodes every sample the view holds into out.
func (v *PageView) GetAllDataPoints(out *[]compression.DataPoint) error {
	if v.compressor == nil {
		return nil
	}
	return v.compressor.Uncompress(out)
}

// Persist flushes the compressor cursor and the relative timestamps to
// the header; version 0 output (or any caller forcing copyData) is
// also copied into the mapped page. Must run before an external reader
// may see the page.
func (v *PageView) Persist(copyData bool) {
	if v.compressor == nil {
		return
	}

	var pos compression.Position
	v.compressor.SaveCursor(&pos)
	if v.compressor.Version() == 0 || copyData {
		v.compressor.SaveTo(v.page())
	}

	h := v.header()
	start := v.pm.timeRange.From
	h.setMOffset(pos.Offset)
	h.setMStart(pos.Start)
	h.setFull(v.compressor.IsFull())
	h.setTstampFrom(uint32(v.timeRange.From - start))
	h.setTstampTo(uint32(v.timeRange.To - start))
}

// Flush persists, releases the page range from the page cache, and
// drops the compressor once the page is full.
func (v *PageView) Flush() {
	if v.compressor == nil {
		return
	}

	v.Persist(false)

	h := v.header()
	pageStart := int64(h.pageIndex()) * int64(v.pm.pageSize)
	region := v.pm.mm.data[pageStart : pageStart+int64(v.pm.pageSize)]
	if err := unix.Madvise(region, unix.MADV_DONTNEED); err != nil {
		v.pm.logger.Debug("madvise(DONTNEED) failed", "error", err)
	}

	if v.IsFull() {
		v.compressor = nil
	}
}

// ShrinkToFit clamps the header's size to the encoded length, marks
// the page full, and flushes. Used by the allocator at file close.
func (v *PageView) ShrinkToFit() {
	if v.compressor == nil {
		return
	}
	v.Persist(false)
	v.header().setSize(uint16(v.compressor.Size()))
	v.header().setFull(true)
	v.Flush()
}

// MergeAfter writes this view's bytes immediately after dst inside
// dst's physical page. Compaction only.
func (v *PageView) MergeAfter(dst *PageView) {
	h, dh := v.header(), dst.header()
	h.setPageIndex(dh.pageIndex())
	h.setOffset(dh.offset() + dh.size())
	h.setSize(uint16(v.compressor.Size()))
	v.Persist(true)
	v.compressor.Rebase(v.page())
}

// CopyTo relocates this view's bytes to the start of another page
// slot. Compaction only.
func (v *PageView) CopyTo(dstPage uint32) {
	h := v.header()
	h.setPageIndex(dstPage)
	h.setOffset(0)
	h.setSize(uint16(v.compressor.Size()))
	v.Persist(true)
	v.compressor.Rebase(v.page())
}

// IsFull reports the compressor's state when active, else the header
// flag.
func (v *PageView) IsFull() bool {
	if v.compressor != nil {
		return v.compressor.IsFull() || v.header().full()
	}
	return v.header().full()
}

// IsEmpty reports whether the page holds no samples.
func (v *PageView) IsEmpty() bool {
	if v.compressor != nil {
		return v.compressor.IsEmpty()
	}
	return v.header().isEmpty()
}

// IsOutOfOrder reports the page's out-of-order flag.
func (v *PageView) IsOutOfOrder() bool {
	return v.header().outOfOrder()
}

// TimeRange returns the view's absolute time range.
func (v *PageView) TimeRange() TimeRange { return v.timeRange }

// PageIndex returns the physical page slot currently hosting the view.
func (v *PageView) PageIndex() uint32 { return v.header().pageIndex() }

// HeaderIndex returns the view's header slot.
func (v *PageView) HeaderIndex() uint32 { return v.headerIdx }

// LastTimestamp returns the newest timestamp appended; only valid on
// an active view.
func (v *PageView) LastTimestamp() Timestamp {
	if v.compressor == nil {
		return 0
	}
	return v.compressor.LastTimestamp()
}

// DataPointCount returns the number of samples an active view holds.
func (v *PageView) DataPointCount() int {
	if v.compressor == nil {
		return 0
	}
	return v.compressor.DataPointCount()
}
