package tsdb

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ticktockdb/ticktock/internal/config"
	"github.com/ticktockdb/ticktock/internal/logging"
	"github.com/ticktockdb/ticktock/internal/rollup"
	"github.com/ticktockdb/ticktock/internal/storage"
)

// newTestStore writes a config file pointing the data directory into a
// temp dir and returns the loaded store.
func newTestStore(t *testing.T, extra string) *config.Store {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf("tsdb.data.dir=%s\n", filepath.Join(dir, "data")) + extra
	path := filepath.Join(dir, "ticktock.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s := config.NewStore(path, logging.NewDevelopment())
	require.NoError(t, s.Init())
	t.Cleanup(s.Close)
	return s
}

func newTestEpoch(t *testing.T, cfg *config.Store, from, to storage.Timestamp) *Epoch {
	t.Helper()
	e, err := NewEpoch(cfg, storage.NewTimeRange(from, to), logging.NewDevelopment())
	require.NoError(t, err)
	return e
}

func TestEpoch_WriteCloseReopenQuery(t *testing.T) {
	cfg := newTestStore(t, "tsdb.page.count=64\ntsdb.rollup.interval=10s\n")

	e := newTestEpoch(t, cfg, 1000, 2000)
	samples := []DataPoint{
		{Timestamp: 1000, Value: 1.0},
		{Timestamp: 1001, Value: 2.0},
		{Timestamp: 1002, Value: 3.0},
	}
	for _, s := range samples {
		require.NoError(t, e.AddDataPoint(1, 7, s))
	}
	require.NoError(t, e.Close())

	reopened := newTestEpoch(t, cfg, 1000, 2000)
	defer func() { require.NoError(t, reopened.Close()) }()

	got, err := reopened.Query(1000, 1003)
	require.NoError(t, err)
	assert.Equal(t, samples, got)
}

func TestEpoch_OutOfOrderRouting(t *testing.T) {
	cfg := newTestStore(t, "tsdb.page.count=64\ntsdb.rollup.interval=10s\n")

	e := newTestEpoch(t, cfg, 0, 10000)
	defer func() { require.NoError(t, e.Close()) }()

	require.NoError(t, e.AddDataPoint(1, 7, DataPoint{Timestamp: 100, Value: 1}))
	require.NoError(t, e.AddDataPoint(1, 7, DataPoint{Timestamp: 200, Value: 2}))
	require.NoError(t, e.AddDataPoint(1, 7, DataPoint{Timestamp: 150, Value: 3})) // late

	// queries merge and sort across in-order and OOO pages
	got, err := e.Query(0, 10000)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, storage.Timestamp(100), got[0].Timestamp)
	assert.Equal(t, storage.Timestamp(150), got[1].Timestamp)
	assert.Equal(t, storage.Timestamp(200), got[2].Timestamp)

	// the late sample landed in an out-of-order page
	require.Len(t, e.oooHeads, 1)
	assert.True(t, e.oooHeads[7].IsOutOfOrder())
}

func TestEpoch_EqualTimestampIsOutOfOrder(t *testing.T) {
	cfg := newTestStore(t, "tsdb.page.count=64\ntsdb.rollup.interval=10s\n")

	e := newTestEpoch(t, cfg, 0, 1000)
	defer func() { require.NoError(t, e.Close()) }()

	require.NoError(t, e.AddDataPoint(1, 7, DataPoint{Timestamp: 10, Value: 1}))
	require.NoError(t, e.AddDataPoint(1, 7, DataPoint{Timestamp: 10, Value: 2}))

	require.Len(t, e.oooHeads, 1)
}

func TestEpoch_RejectsOutsideRange(t *testing.T) {
	cfg := newTestStore(t, "tsdb.rollup.interval=10s\n")

	e := newTestEpoch(t, cfg, 1000, 2000)
	defer func() { require.NoError(t, e.Close()) }()

	assert.Error(t, e.AddDataPoint(1, 7, DataPoint{Timestamp: 999, Value: 1}))
	assert.Error(t, e.AddDataPoint(1, 7, DataPoint{Timestamp: 2000, Value: 1}))
}

func TestEpoch_RollsOverToNextDataFile(t *testing.T) {
	// 4 pages of 256 bytes leave room for exactly 3 data pages per file
	cfg := newTestStore(t, "tsdb.page.count=4\ntsdb.page.size=256\ntsdb.rollup.interval=1h\n")

	e := newTestEpoch(t, cfg, 0, 1000000)
	defer func() { require.NoError(t, e.Close()) }()

	const n = 600
	for i := 0; i < n; i++ {
		dp := DataPoint{Timestamp: storage.Timestamp(i), Value: float64(i)*3.3 + 0.7}
		require.NoError(t, e.AddDataPoint(1, 7, dp))
	}
	require.Greater(t, len(e.managers), 1, "expected rollover into a second data file")

	got, err := e.Query(0, 1000000)
	require.NoError(t, err)
	require.Len(t, got, n)
	for i, dp := range got {
		assert.Equal(t, storage.Timestamp(i), dp.Timestamp)
	}
}

func TestEpoch_RollupRecords(t *testing.T) {
	cfg := newTestStore(t, "tsdb.rollup.interval=10s\n")

	e := newTestEpoch(t, cfg, 0, 30)
	for _, dp := range []DataPoint{
		{Timestamp: 3, Value: 1},
		{Timestamp: 7, Value: 2},
		{Timestamp: 12, Value: 4},
		{Timestamp: 25, Value: 8},
	} {
		require.NoError(t, e.AddDataPoint(1, 7, dp))
	}
	rollupPath := e.rollupFileName()
	require.NoError(t, e.Close())

	records, err := rollup.ReadRecords(rollupPath)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, uint32(2), records[0].Count)
	assert.Equal(t, 3.0, records[0].Sum)
	assert.Equal(t, 1.0, records[0].Min)

	assert.Equal(t, uint32(1), records[1].Count)
	assert.Equal(t, 4.0, records[1].Sum)

	assert.Equal(t, uint32(1), records[2].Count)
	assert.Equal(t, 8.0, records[2].Sum)
}

func TestEpoch_RollupSkipsOutOfOrder(t *testing.T) {
	cfg := newTestStore(t, "tsdb.rollup.interval=10s\n")

	e := newTestEpoch(t, cfg, 0, 30)
	require.NoError(t, e.AddDataPoint(1, 7, DataPoint{Timestamp: 5, Value: 1}))
	require.NoError(t, e.AddDataPoint(1, 7, DataPoint{Timestamp: 3, Value: 100})) // OOO
	rollupPath := e.rollupFileName()
	require.NoError(t, e.Close())

	records, err := rollup.ReadRecords(rollupPath)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint32(1), records[0].Count, "out-of-order sample must not hit the aggregator")
	assert.Equal(t, 1.0, records[0].Sum)
}

func TestEpoch_AppendLog(t *testing.T) {
	cfg := newTestStore(t, "append.log.enabled=true\ntsdb.rollup.interval=10s\n")

	e := newTestEpoch(t, cfg, 0, 1000)

	for i := 0; i < 5; i++ {
		require.NoError(t, e.AddDataPoint(1, 7, DataPoint{Timestamp: storage.Timestamp(i + 1), Value: float64(i)}))
	}
	require.NoError(t, e.appendLog.Flush())

	entries, err := e.appendLog.ReadAll()
	require.NoError(t, err)
	assert.Len(t, entries, 5)
	assert.Equal(t, uint32(7), entries[0].SeriesID)

	// a clean shutdown truncates the log
	walDir := filepath.Join(cfg.DataDir(), "wal")
	require.NoError(t, e.Close())
	files, err := os.ReadDir(walDir)
	require.NoError(t, err)
	for _, f := range files {
		info, err := f.Info()
		require.NoError(t, err)
		assert.Zero(t, info.Size(), "segment %s should be empty after truncate", f.Name())
	}
}

func TestEpoch_StoppedRejectsWrites(t *testing.T) {
	cfg := newTestStore(t, "tsdb.rollup.interval=10s\n")

	e := newTestEpoch(t, cfg, 0, 1000)
	require.NoError(t, e.Close())

	err := e.AddDataPoint(1, 7, DataPoint{Timestamp: 10, Value: 1})
	assert.ErrorIs(t, err, ErrStopped)

	// closing twice is fine
	require.NoError(t, e.Close())
}

func TestEpoch_GetFileName(t *testing.T) {
	cfg := newTestStore(t, "tsdb.rollup.interval=10s\n")

	e := newTestEpoch(t, cfg, 100, 200)
	defer func() { require.NoError(t, e.Close()) }()

	rng := storage.NewTimeRange(100, 200)
	name := e.GetFileName(rng, "3", false)
	assert.Equal(t, filepath.Join(cfg.DataDir(), "100.200.3"), name)
	assert.Equal(t, name+".temp", e.GetFileName(rng, "3", true))
}

func TestEpoch_ContractAccessors(t *testing.T) {
	cfg := newTestStore(t, "tsdb.rollup.interval=5min\n")

	e := newTestEpoch(t, cfg, 0, 86400)
	defer func() { require.NoError(t, e.Close()) }()

	assert.Equal(t, storage.NewTimeRange(0, 86400), e.GetTimeRange())
	assert.Equal(t, uint64(300), e.GetRollupInterval())

	from, to := e.TimeRangeSec()
	assert.Equal(t, uint64(0), from)
	assert.Equal(t, uint64(86400), to)
}
