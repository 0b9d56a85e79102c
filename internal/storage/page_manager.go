package storage

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ticktockdb/ticktock/internal/logging"
)

var (
	// ErrOutOfSpace is returned when the allocator cannot find a free
	// header or page slot; the coordinator opens a new epoch file.
	ErrOutOfSpace = errors.New("storage: out of pages")

	// ErrVersionMismatch is returned on reopen when the file's major
	// version or timestamp resolution disagrees with the process.
	ErrVersionMismatch = errors.New("storage: version mismatch")
)

// Options configure a new data file. For an existing file the on-disk
// header wins over PageCount, PageSize and CompressorVersion.
type Options struct {
	PageCount         int
	PageSize          int
	CompressorVersion int
	ResolutionMS      bool
}

// PageManager owns one memory-mapped data file for one epoch: the file
// header, the page-header array, and the page bytes. It allocates
// pages, recovers torn writes on reopen, compacts, and truncates.
//
// The mutex guards the shared counters in the mapped file header and
// the free-slot allocator. Page bytes themselves are not locked: each
// page has exactly one writer until it is marked full.
type PageManager struct {
	mu     sync.Mutex
	logger *logging.Logger

	fileName  string
	id        int
	timeRange TimeRange

	pageSize          int
	compressorVersion int
	resolutionMS      bool
	compacted         bool

	mm *mmapFile
}

// NewPageManager opens (or creates) the data file for the given epoch
// range. Open failures are fatal for this epoch and surfaced to the
// caller.
func NewPageManager(fileName string, rng TimeRange, id int, opts Options, logger *logging.Logger) (*PageManager, error) {
	if opts.PageCount <= 0 || opts.PageSize <= 0 {
		return nil, fmt.Errorf("invalid page geometry %dx%d", opts.PageCount, opts.PageSize)
	}

	pm := &PageManager{
		logger:            logger.With("data_file", fileName),
		fileName:          fileName,
		id:                id,
		timeRange:         rng,
		pageSize:          opts.PageSize,
		compressorVersion: opts.CompressorVersion,
		resolutionMS:      opts.ResolutionMS,
	}

	total := int64(opts.PageCount) * int64(opts.PageSize)
	mm, isNew, err := openMmap(fileName, total)
	if err != nil {
		return nil, err
	}
	pm.mm = mm

	if err := mm.advise(unix.MADV_RANDOM); err != nil {
		pm.logger.Warn("madvise(RANDOM) failed", "error", err)
	}

	if isNew {
		pm.initNewFile(opts)
	} else if err := pm.openExistingFile(); err != nil {
		_ = mm.close()
		return nil, err
	}

	hdr := pm.header()
	pm.logger.Info("data file opened",
		"page_count", hdr.pageCount(), "page_index", hdr.pageIndex(), "new", isNew)
	return pm, nil
}

func (pm *PageManager) initNewFile(opts Options) {
	hdr := pm.header()
	hdr.setMajor(MajorVersion)
	hdr.setMinor(MinorVersion)
	hdr.setCompacted(false)
	hdr.setCompressorVersion(opts.CompressorVersion)
	hdr.setMillisecond(opts.ResolutionMS)
	hdr.setStartTstamp(pm.timeRange.From)
	hdr.setEndTstamp(pm.timeRange.To)
	hdr.setPageCount(uint32(opts.PageCount))
	hdr.setPageIndex(uint32(firstInfoIndex(opts.PageCount, opts.PageSize)))
	hdr.setHeaderIndex(0)
	hdr.setActualPgCnt(uint32(opts.PageCount))
	hdr.setPageSize(uint32(opts.PageSize))

	// a fresh mapping is already zeroed; make the header region durable
	headerRegion := int64(FileHeaderSize) + int64(opts.PageCount)*PageHeaderSize
	if err := pm.mm.sync(headerRegion, true); err != nil {
		pm.logger.Warn("msync of header region failed", "error", err)
	}
}

func (pm *PageManager) openExistingFile() error {
	hdr := pm.header()

	if hdr.major() != MajorVersion {
		return fmt.Errorf("%w: file major version %d, ours %d",
			ErrVersionMismatch, hdr.major(), MajorVersion)
	}
	if hdr.minor() != MinorVersion {
		pm.logger.Warn("minor version drift",
			"file_minor", hdr.minor(), "our_minor", MinorVersion)
	}
	if v := hdr.compressorVersion(); v != pm.compressorVersion {
		pm.logger.Warn("compressor version drift, adopting file's",
			"file_version", v, "our_version", pm.compressorVersion)
		pm.compressorVersion = v
	}
	if hdr.millisecond() != pm.resolutionMS {
		return fmt.Errorf("%w: timestamp resolution in config differs from data file",
			ErrVersionMismatch)
	}
	if ps := int(hdr.pageSize()); ps != 0 && ps != pm.pageSize {
		pm.pageSize = ps
	}
	pm.compacted = hdr.compacted()

	pm.recoverTornWrite()
	return nil
}

// recoverTornWrite discards trailing allocations whose header slot was
// never initialized: page_index is bumped after the header fields
// stabilize, so a crash in between leaves the last slot(s) with a zero
// page_index (impossible for a valid header, since slot 0 always holds
// the header region).
func (pm *PageManager) recoverTornWrite() {
	hdr := pm.header()
	first := uint32(firstInfoIndex(int(hdr.pageCount()), pm.pageSize))

	h := hdr.headerIndex()
	for h > 0 && pm.pageHeaderAt(h-1).pageIndex() == 0 {
		h--
	}

	if h != hdr.headerIndex() {
		pm.logger.Warn("last pages are not initialized, will be discarded",
			"discarded", hdr.headerIndex()-h)
		hdr.setHeaderIndex(h)
		hdr.setPageIndex(first + h)
	}
}

func (pm *PageManager) header() fileHeader {
	return fileHeader{b: pm.mm.data[:FileHeaderSize]}
}

func (pm *PageManager) pageHeaderAt(index uint32) pageHeader {
	off := FileHeaderSize + int(index)*PageHeaderSize
	return pageHeader{b: pm.mm.data[off : off+PageHeaderSize]}
}

// pageBytes returns the mapped byte region for a block: page slot,
// plus the block's offset within the page, for size bytes.
func (pm *PageManager) pageBytes(pageIdx uint32, offset, size uint16) []byte {
	start := int64(pageIdx)*int64(pm.pageSize) + int64(offset)
	return pm.mm.data[start : start+int64(size)]
}

// TimeRange returns the epoch range this file covers.
func (pm *PageManager) TimeRange() TimeRange { return pm.timeRange }

// CompressorVersion returns the version recorded in the file header.
func (pm *PageManager) CompressorVersion() int { return pm.compressorVersion }

// PageSize returns the physical page size of this file.
func (pm *PageManager) PageSize() int { return pm.pageSize }

// ID returns the manager's shard id within its epoch.
func (pm *PageManager) ID() int { return pm.id }

// FileName returns the backing file path.
func (pm *PageManager) FileName() string { return pm.fileName }

// ResolutionMS reports millisecond timestamp resolution.
func (pm *PageManager) ResolutionMS() bool { return pm.resolutionMS }

// HeaderCount returns the number of header slots in use.
func (pm *PageManager) HeaderCount() uint32 {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.header().headerIndex()
}

// GetFreePage claims one header slot and one page slot and returns a
// writable view over it. Out-of-order pages always get the version 0
// compressor. Returns ErrOutOfSpace when the file is exhausted.
func (pm *PageManager) GetFreePage(ooo bool) (*PageView, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	hdr := pm.header()
	if hdr.pageIndex() >= hdr.actualPgCnt() || hdr.headerIndex() >= hdr.pageCount() {
		pm.logger.Debug("running out of pages")
		return nil, ErrOutOfSpace
	}

	headerIdx := hdr.headerIndex()
	pageIdx := hdr.pageIndex()

	view := &PageView{}
	view.initForDisk(pm, headerIdx, pageIdx, uint16(pm.pageSize), ooo)
	version := pm.compressorVersion
	if ooo {
		version = 0
	}
	if err := view.setupCompressor(version); err != nil {
		return nil, err
	}

	// counters are bumped only after the header slot stabilized, so a
	// crash here at worst loses the page just claimed
	hdr.setPageIndex(pageIdx + 1)
	hdr.setHeaderIndex(headerIdx + 1)

	return view, nil
}

// GetFreePageForCompaction claims a slot like GetFreePage, but packs
// the new block into the previous header's trailing space when at
// least 12 bytes of its physical page remain.
func (pm *PageManager) GetFreePageForCompaction() (*PageView, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	hdr := pm.header()
	if hdr.pageIndex() >= hdr.actualPgCnt() || hdr.headerIndex() >= hdr.pageCount() {
		pm.logger.Debug("running out of pages")
		return nil, ErrOutOfSpace
	}

	headerIdx := hdr.headerIndex()
	pageIdx := hdr.pageIndex()

	view := &PageView{}
	view.initForDisk(pm, headerIdx, pageIdx, uint16(pm.pageSize), false)

	hdr.setPageIndex(pageIdx + 1)
	hdr.setHeaderIndex(headerIdx + 1)

	if headerIdx > 0 {
		prev := pm.pageHeaderAt(headerIdx - 1)
		offset := prev.offset() + prev.size()
		ph := pm.pageHeaderAt(headerIdx)

		if int(offset)+12 <= pm.pageSize {
			ph.setPageIndex(prev.pageIndex())
			ph.setOffset(offset)
			ph.setSize(uint16(pm.pageSize) - offset)
		} else {
			ph.setPageIndex(prev.pageIndex() + 1)
		}
	}

	if err := view.setupCompressor(pm.compressorVersion); err != nil {
		return nil, err
	}
	return view, nil
}

// GetPageView opens an existing page read-only by header index.
func (pm *PageManager) GetPageView(headerIdx uint32) (*PageView, error) {
	pm.mu.Lock()
	inUse := pm.header().headerIndex()
	pm.mu.Unlock()

	if headerIdx >= inUse {
		return nil, fmt.Errorf("header index %d out of range (%d in use)", headerIdx, inUse)
	}

	view := &PageView{}
	if err := view.initFromDisk(pm, headerIdx); err != nil {
		return nil, err
	}
	return view, nil
}

// Flush msyncs the used prefix of the file (SYNC when sync is true)
// and then releases the page cache with madvise(DONT_NEED). Transient
// failures are logged and suppressed.
func (pm *PageManager) Flush(sync bool) {
	pm.mu.Lock()
	used := int64(pm.header().pageIndex()) * int64(pm.pageSize)
	pm.mu.Unlock()

	if err := pm.mm.sync(used, sync); err != nil {
		pm.logger.Info("msync failed", "error", err)
	}
	if err := pm.mm.advise(unix.MADV_DONTNEED); err != nil {
		pm.logger.Info("madvise(DONTNEED) failed", "error", err)
	}
}

// Persist synchronously msyncs the used prefix without releasing the
// page cache.
func (pm *PageManager) Persist() {
	pm.mu.Lock()
	used := int64(pm.header().pageIndex()) * int64(pm.pageSize)
	pm.mu.Unlock()

	if err := pm.mm.sync(used, true); err != nil {
		pm.logger.Info("msync failed", "error", err)
	}
}

// ShrinkToFit truncates the file down to the pages actually used,
// derived from the last in-use header. Called on shutdown and after
// compaction.
func (pm *PageManager) ShrinkToFit() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	hdr := pm.header()
	last := uint32(firstInfoIndex(int(hdr.pageCount()), pm.pageSize))
	if hi := hdr.headerIndex(); hi > 0 {
		last = pm.pageHeaderAt(hi-1).pageIndex() + 1
	}

	hdr.setActualPgCnt(last)
	hdr.setCompacted(true)
	pm.compacted = true

	newSize := int64(last) * int64(pm.pageSize)
	pm.logger.Debug("shrinking data file", "from", pm.mm.size, "to", newSize)
	return pm.mm.resize(newSize)
}

// CloseMmap flushes nothing; the caller is expected to Persist first.
// It unmaps the region and closes the descriptor.
func (pm *PageManager) CloseMmap() error {
	return pm.mm.close()
}

// PercentUsed reports page_index as a percentage (0-100) of
// actual_pg_cnt; the header region counts as used.
func (pm *PageManager) PercentUsed() float64 {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	hdr := pm.header()
	if hdr.actualPgCnt() == 0 {
		return 0.0
	}
	return float64(hdr.pageIndex()) / float64(hdr.actualPgCnt()) * 100.0
}
