package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ticktockdb/ticktock/internal/compression"
)

func TestPageView_FullPageRollover(t *testing.T) {
	opts := Options{PageCount: 64, PageSize: 64, CompressorVersion: 1}
	pm := openTestManager(t, filepath.Join(t.TempDir(), "0.100000.0"), NewTimeRange(0, 100000), opts)
	defer func() { require.NoError(t, pm.CloseMmap()) }()

	view, err := pm.GetFreePage(false)
	require.NoError(t, err)

	// write until the compressor rejects a sample
	var written int
	ts := Timestamp(0)
	for {
		// vary the value so each sample costs real bits
		if !view.AddDataPoint(ts, float64(ts)*1.7+0.3) {
			break
		}
		written++
		ts++
		require.Less(t, written, 10000, "page never filled")
	}
	require.Greater(t, written, 0)
	assert.True(t, view.IsFull())

	view.Flush()
	assert.True(t, view.header().full(), "full flag must be set after persist")
	firstPage := view.PageIndex()

	// the next allocation lands on a fresh page
	next, err := pm.GetFreePage(false)
	require.NoError(t, err)
	assert.Equal(t, firstPage+1, next.PageIndex())
	assert.True(t, next.AddDataPoint(ts, 1.0))

	// nothing was lost on the sealed page
	sealed, err := pm.GetPageView(0)
	require.NoError(t, err)
	var dps []compression.DataPoint
	require.NoError(t, sealed.EnsureDataAvailable(&dps))
	assert.Len(t, dps, written)
}

func TestPageView_OutOfOrderUsesV0(t *testing.T) {
	pm := openTestManager(t, filepath.Join(t.TempDir(), "0.10000.0"), NewTimeRange(0, 10000), testOptions())
	defer func() { require.NoError(t, pm.CloseMmap()) }()

	view, err := pm.GetFreePage(true)
	require.NoError(t, err)
	assert.True(t, view.IsOutOfOrder())
	assert.Equal(t, 0, view.compressor.Version())

	// timestamps go backward; V0 does not care
	require.True(t, view.AddDataPoint(500, 1.0))
	require.True(t, view.AddDataPoint(100, 2.0))
	require.True(t, view.AddDataPoint(300, 3.0))

	// V0 output lives off-page until persisted
	view.Persist(false)

	reopened, err := pm.GetPageView(view.HeaderIndex())
	require.NoError(t, err)
	var dps []compression.DataPoint
	require.NoError(t, reopened.EnsureDataAvailable(&dps))
	require.Len(t, dps, 3)
	assert.Equal(t, Timestamp(500), dps[0].Timestamp)
	assert.Equal(t, Timestamp(100), dps[1].Timestamp)
}

func TestPageView_ShrinkToFit(t *testing.T) {
	pm := openTestManager(t, filepath.Join(t.TempDir(), "0.10000.0"), NewTimeRange(0, 10000), testOptions())
	defer func() { require.NoError(t, pm.CloseMmap()) }()

	view, err := pm.GetFreePage(false)
	require.NoError(t, err)
	require.True(t, view.AddDataPoint(10, 1.0))
	require.True(t, view.AddDataPoint(11, 2.0))
	require.True(t, view.AddDataPoint(12, 3.0))
	encoded := view.compressor.Size()

	view.ShrinkToFit()

	h := view.header()
	assert.Equal(t, uint16(encoded), h.size())
	assert.True(t, h.full())
	assert.Less(t, int(h.size()), pm.PageSize())

	reopened, err := pm.GetPageView(0)
	require.NoError(t, err)
	var dps []compression.DataPoint
	require.NoError(t, reopened.EnsureDataAvailable(&dps))
	assert.Len(t, dps, 3)
}

func TestPageView_ShrinkToFitV0(t *testing.T) {
	pm := openTestManager(t, filepath.Join(t.TempDir(), "0.10000.0"), NewTimeRange(0, 10000), testOptions())
	defer func() { require.NoError(t, pm.CloseMmap()) }()

	view, err := pm.GetFreePage(true)
	require.NoError(t, err)
	require.True(t, view.AddDataPoint(20, 1.0))
	require.True(t, view.AddDataPoint(10, 2.0))

	view.ShrinkToFit()

	// V0 sizing is strictly 16 bytes per sample
	assert.Equal(t, uint16(2*16), view.header().size())
}

func TestPageView_MergeAfter(t *testing.T) {
	pm := openTestManager(t, filepath.Join(t.TempDir(), "0.10000.0"), NewTimeRange(0, 10000), testOptions())
	defer func() { require.NoError(t, pm.CloseMmap()) }()

	dst, err := pm.GetFreePage(false)
	require.NoError(t, err)
	require.True(t, dst.AddDataPoint(10, 1.0))
	require.True(t, dst.AddDataPoint(20, 2.0))
	dst.Persist(false)

	src, err := pm.GetFreePage(false)
	require.NoError(t, err)
	require.True(t, src.AddDataPoint(30, 3.0))
	src.Persist(false)

	dst.header().setSize(uint16(dst.compressor.Size()))
	src.MergeAfter(dst)

	sh, dh := src.header(), dst.header()
	assert.Equal(t, dh.pageIndex(), sh.pageIndex())
	assert.Equal(t, dh.offset()+dh.size(), sh.offset())
	assert.LessOrEqual(t, int(sh.offset())+int(sh.size()), pm.PageSize())

	// both blocks decode from the shared physical page
	var dps []compression.DataPoint
	for h := uint32(0); h < 2; h++ {
		view, err := pm.GetPageView(h)
		require.NoError(t, err)
		require.NoError(t, view.EnsureDataAvailable(&dps))
	}
	require.Len(t, dps, 3)

	// merged blocks are exactly sized; no slack remains for appends
	assert.False(t, src.AddDataPoint(40, 4.0))
}

func TestPageView_CopyTo(t *testing.T) {
	pm := openTestManager(t, filepath.Join(t.TempDir(), "0.10000.0"), NewTimeRange(0, 10000), testOptions())
	defer func() { require.NoError(t, pm.CloseMmap()) }()

	// burn two slots so the view to move sits high
	_, err := pm.GetFreePage(false)
	require.NoError(t, err)
	low, err := pm.GetFreePage(false)
	require.NoError(t, err)
	lowSlot := low.PageIndex()

	view, err := pm.GetFreePage(false)
	require.NoError(t, err)
	require.True(t, view.AddDataPoint(100, 42.0))
	view.Persist(false)

	view.CopyTo(lowSlot)

	h := view.header()
	assert.Equal(t, lowSlot, h.pageIndex())
	assert.Equal(t, uint16(0), h.offset())

	reopened, err := pm.GetPageView(view.HeaderIndex())
	require.NoError(t, err)
	var dps []compression.DataPoint
	require.NoError(t, reopened.EnsureDataAvailable(&dps))
	require.Len(t, dps, 1)
	assert.Equal(t, 42.0, dps[0].Value)
}

func TestPageView_CompactionAllocationReusesTail(t *testing.T) {
	pm := openTestManager(t, filepath.Join(t.TempDir(), "0.10000.0"), NewTimeRange(0, 10000), testOptions())
	defer func() { require.NoError(t, pm.CloseMmap()) }()

	first, err := pm.GetFreePageForCompaction()
	require.NoError(t, err)
	require.True(t, first.AddDataPoint(10, 1.0))
	first.ShrinkToFit()

	second, err := pm.GetFreePageForCompaction()
	require.NoError(t, err)

	fh, sh := first.header(), second.header()
	assert.Equal(t, fh.pageIndex(), sh.pageIndex(), "trailing space should be reused")
	assert.Equal(t, fh.offset()+fh.size(), sh.offset())
	assert.Equal(t, uint16(pm.PageSize())-sh.offset(), sh.size())

	require.True(t, second.AddDataPoint(20, 2.0))
	second.Persist(false)

	var dps []compression.DataPoint
	for h := uint32(0); h < 2; h++ {
		view, err := pm.GetPageView(h)
		require.NoError(t, err)
		require.NoError(t, view.EnsureDataAvailable(&dps))
	}
	require.Len(t, dps, 2)
}
