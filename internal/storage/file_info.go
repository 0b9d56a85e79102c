package storage

import (
	"fmt"
	"os"
)

// FileInfo is the decoded tsdb_header of a data file, read without
// mapping the file. Tools and tests use it to open a file with the
// geometry it was written with.
type FileInfo struct {
	Major             int
	Minor             int
	TimeRange         TimeRange
	PageCount         int
	PageSize          int
	PageIndex         uint32
	HeaderIndex       uint32
	ActualPageCount   uint32
	CompressorVersion int
	ResolutionMS      bool
	Compacted         bool
}

// ReadFileInfo reads and decodes a data file's header.
func ReadFileInfo(path string) (FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileInfo{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, FileHeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return FileInfo{}, fmt.Errorf("failed to read file header of %s: %w", path, err)
	}

	hdr := fileHeader{b: buf}
	return FileInfo{
		Major:             int(hdr.major()),
		Minor:             int(hdr.minor()),
		TimeRange:         TimeRange{From: hdr.startTstamp(), To: hdr.endTstamp()},
		PageCount:         int(hdr.pageCount()),
		PageSize:          int(hdr.pageSize()),
		PageIndex:         hdr.pageIndex(),
		HeaderIndex:       hdr.headerIndex(),
		ActualPageCount:   hdr.actualPgCnt(),
		CompressorVersion: hdr.compressorVersion(),
		ResolutionMS:      hdr.millisecond(),
		Compacted:         hdr.compacted(),
	}, nil
}
