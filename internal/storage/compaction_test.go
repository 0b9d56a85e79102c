package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ticktockdb/ticktock/internal/compression"
)

func TestCompact_MergesPartialPages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.100000.0")
	rng := NewTimeRange(0, 100000)
	opts := Options{PageCount: 64, PageSize: 4096, CompressorVersion: 1}
	first := uint32(firstInfoIndex(opts.PageCount, opts.PageSize))

	pm := openTestManager(t, path, rng, opts)

	// three partial pages, each a handful of samples
	total := 0
	for i := 0; i < 3; i++ {
		view, err := pm.GetFreePage(false)
		require.NoError(t, err)
		for j := 0; j < 4; j++ {
			ts := Timestamp(i*1000 + j*10)
			require.True(t, view.AddDataPoint(ts, float64(i)+float64(j)/10))
			total++
		}
		view.Persist(false)
	}
	require.Equal(t, first+3, pm.header().pageIndex())

	compacted, err := pm.Compact()
	require.NoError(t, err)
	assert.True(t, compacted)

	// all three blocks now share the first data page
	for h := uint32(0); h < 3; h++ {
		assert.Equal(t, first, pm.pageHeaderAt(h).pageIndex(), "header %d", h)
	}

	hdr := pm.header()
	assert.Equal(t, first+1, hdr.actualPgCnt())
	assert.True(t, hdr.compacted())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(first+1)*int64(opts.PageSize), info.Size())

	require.NoError(t, pm.CloseMmap())

	// nothing lost across reopen
	pm2 := openTestManager(t, path, rng, opts)
	defer func() { require.NoError(t, pm2.CloseMmap()) }()

	var dps []compression.DataPoint
	for h := uint32(0); h < pm2.HeaderCount(); h++ {
		view, err := pm2.GetPageView(h)
		require.NoError(t, err)
		require.NoError(t, view.EnsureDataAvailable(&dps))
	}
	assert.Len(t, dps, total)
}

func TestCompact_RespectsBudget(t *testing.T) {
	rng := NewTimeRange(0, 1000000)
	opts := Options{PageCount: 64, PageSize: 256, CompressorVersion: 1}
	pm := openTestManager(t, filepath.Join(t.TempDir(), "0.1000000.0"), rng, opts)
	defer func() { require.NoError(t, pm.CloseMmap()) }()

	// two big partial blocks that cannot share one 256-byte page,
	// plus one tiny one that can join either
	sizes := []int{22, 22, 2}
	for i, n := range sizes {
		view, err := pm.GetFreePage(false)
		require.NoError(t, err)
		for j := 0; j < n; j++ {
			ts := Timestamp(i*10000 + j)
			require.True(t, view.AddDataPoint(ts, float64(j)*3.7+0.1))
		}
		view.Persist(false)
	}

	_, err := pm.Compact()
	require.NoError(t, err)

	// every block still honors the page bound
	for h := uint32(0); h < pm.HeaderCount(); h++ {
		ph := pm.pageHeaderAt(h)
		assert.LessOrEqual(t, int(ph.offset())+int(ph.size()), opts.PageSize, "header %d", h)
	}

	// and every sample survived
	var dps []compression.DataPoint
	for h := uint32(0); h < pm.HeaderCount(); h++ {
		view, err := pm.GetPageView(h)
		require.NoError(t, err)
		require.NoError(t, view.EnsureDataAvailable(&dps))
	}
	assert.Len(t, dps, 46)
}
