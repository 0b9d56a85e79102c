package tsdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ticktockdb/ticktock/internal/compression"
	"github.com/ticktockdb/ticktock/internal/config"
	"github.com/ticktockdb/ticktock/internal/logging"
	"github.com/ticktockdb/ticktock/internal/rollup"
	"github.com/ticktockdb/ticktock/internal/storage"
	"github.com/ticktockdb/ticktock/internal/wal"
)

// MetricID identifies a metric.
type MetricID = rollup.MetricID

// TimeSeriesID identifies one time series.
type TimeSeriesID = rollup.SeriesID

// DataPoint is one (timestamp, value) sample.
type DataPoint = compression.DataPoint

// ErrStopped is returned once the epoch has begun shutting down.
var ErrStopped = errors.New("tsdb: epoch stopped")

type seriesKey struct {
	mid MetricID
	tid TimeSeriesID
}

// Epoch binds one [from, to) time window to its page managers. It
// routes in-order writes to the hot page per series, reroutes
// out-of-order samples to version 0 pages, drives per-series rollup
// aggregation, and serves range queries by enumerating page headers.
type Epoch struct {
	mu     sync.Mutex
	logger *logging.Logger
	cfg    *config.Store

	timeRange      storage.TimeRange
	rollupInterval uint64 // seconds
	resolutionMS   bool
	dataDir        string
	opts           storage.Options

	managers []*storage.PageManager
	heads    map[TimeSeriesID]*storage.PageView
	oooHeads map[TimeSeriesID]*storage.PageView
	lastTs   map[TimeSeriesID]storage.Timestamp
	rollups  map[seriesKey]*rollup.Manager

	rollupFile *rollup.File
	appendLog  *wal.Log

	stopped bool
}

// NewEpoch opens the epoch for rng, creating the data directory, the
// first data file, the rollup file, and (when enabled) the append log.
func NewEpoch(cfg *config.Store, rng storage.TimeRange, logger *logging.Logger) (*Epoch, error) {
	if rng.From >= rng.To {
		return nil, fmt.Errorf("invalid epoch range [%d, %d)", rng.From, rng.To)
	}

	interval := cfg.GetTimeDefault(config.KeyRollupInterval, config.TimeUnitSecond, config.DefaultRollupInterval)
	if interval <= 0 {
		return nil, fmt.Errorf("invalid %s", config.KeyRollupInterval)
	}

	e := &Epoch{
		logger:         logger.With("epoch_from", rng.From, "epoch_to", rng.To),
		cfg:            cfg,
		timeRange:      rng,
		rollupInterval: uint64(interval),
		resolutionMS:   cfg.ResolutionMS(),
		dataDir:        cfg.DataDir(),
		opts: storage.Options{
			PageCount:         cfg.GetIntDefault(config.KeyPageCount, config.DefaultPageCount),
			PageSize:          cfg.GetIntDefault(config.KeyPageSize, config.DefaultPageSize),
			CompressorVersion: cfg.GetIntDefault(config.KeyCompressorVersion, config.DefaultCompressorVersion),
			ResolutionMS:      cfg.ResolutionMS(),
		},
		heads:    make(map[TimeSeriesID]*storage.PageView),
		oooHeads: make(map[TimeSeriesID]*storage.PageView),
		lastTs:   make(map[TimeSeriesID]storage.Timestamp),
		rollups:  make(map[seriesKey]*rollup.Manager),
	}

	if err := os.MkdirAll(e.dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	pm, err := storage.NewPageManager(e.GetFileName(rng, "0", false), rng, 0, e.opts, logger)
	if err != nil {
		return nil, err
	}
	e.managers = append(e.managers, pm)

	rf, err := rollup.OpenFile(e.rollupFileName())
	if err != nil {
		_ = pm.CloseMmap()
		return nil, err
	}
	e.rollupFile = rf

	if cfg.GetBoolDefault(config.KeyAppendLogEnabled, false) {
		log, err := wal.NewLog(wal.DefaultConfig(filepath.Join(e.dataDir, "wal")), logger)
		if err != nil {
			_ = pm.CloseMmap()
			_ = rf.Close()
			return nil, err
		}
		e.appendLog = log
	}

	return e, nil
}

// GetTimeRange returns the epoch's [from, to) window.
func (e *Epoch) GetTimeRange() storage.TimeRange { return e.timeRange }

// GetRollupInterval returns the rollup bucket width in seconds.
func (e *Epoch) GetRollupInterval() uint64 { return e.rollupInterval }

// RollupInterval implements rollup.Epoch.
func (e *Epoch) RollupInterval() uint64 { return e.rollupInterval }

// ResolutionMS implements rollup.Epoch.
func (e *Epoch) ResolutionMS() bool { return e.resolutionMS }

// TimeRangeSec implements rollup.Epoch: the epoch bounds in seconds.
func (e *Epoch) TimeRangeSec() (uint64, uint64) {
	return storage.ToSeconds(e.timeRange.From, e.resolutionMS),
		storage.ToSeconds(e.timeRange.To, e.resolutionMS)
}

// GetFileName derives a data file path from the epoch range and a
// manager id. Temp files carry a .temp suffix until renamed.
func (e *Epoch) GetFileName(rng storage.TimeRange, id string, temp bool) string {
	name := fmt.Sprintf("%d.%d.%s", rng.From, rng.To, id)
	if temp {
		name += ".temp"
	}
	return filepath.Join(e.dataDir, name)
}

func (e *Epoch) rollupFileName() string {
	return filepath.Join(e.dataDir, fmt.Sprintf("%d.%d.rollup", e.timeRange.From, e.timeRange.To))
}

// AddRollupPoint appends one rollup record to the epoch's rollup file.
func (e *Epoch) AddRollupPoint(mid MetricID, tid TimeSeriesID, cnt uint32, min, max, sum float64) error {
	return e.rollupFile.Append(rollup.Record{
		MetricID: mid, SeriesID: tid, Count: cnt, Min: min, Max: max, Sum: sum,
	})
}

// AddDataPoint persists one sample for the series, allocating pages as
// needed. Samples whose timestamp is not greater than the series' last
// one bypass the rollup aggregator and land in out-of-order pages.
func (e *Epoch) AddDataPoint(mid MetricID, tid TimeSeriesID, dp DataPoint) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return ErrStopped
	}
	if !(e.timeRange.From <= dp.Timestamp && dp.Timestamp < e.timeRange.To) {
		return fmt.Errorf("timestamp %d outside epoch [%d, %d)",
			dp.Timestamp, e.timeRange.From, e.timeRange.To)
	}

	if e.appendLog != nil {
		if err := e.appendLog.Append(wal.Entry{
			SeriesID: uint32(tid), Timestamp: dp.Timestamp, Value: dp.Value,
		}); err != nil {
			e.logger.Warn("append log write failed", "error", err)
		}
	}

	last, seen := e.lastTs[tid]
	ooo := seen && dp.Timestamp <= last

	if ooo {
		return e.writeLocked(e.oooHeads, tid, dp, true)
	}

	if err := e.writeLocked(e.heads, tid, dp, false); err != nil {
		return err
	}
	e.lastTs[tid] = dp.Timestamp

	key := seriesKey{mid: mid, tid: tid}
	rm := e.rollups[key]
	if rm == nil {
		rm = rollup.NewManager()
		e.rollups[key] = rm
	}
	return rm.AddDataPoint(e, mid, tid, dp)
}

// writeLocked appends dp to the series' hot page in the given set,
// rolling over to a freshly allocated page when the current one fills.
func (e *Epoch) writeLocked(heads map[TimeSeriesID]*storage.PageView, tid TimeSeriesID, dp DataPoint, ooo bool) error {
	view := heads[tid]

	for attempt := 0; attempt < 2; attempt++ {
		if view == nil {
			var err error
			if view, err = e.allocatePage(ooo); err != nil {
				return err
			}
			heads[tid] = view
		}

		if view.AddDataPoint(dp.Timestamp, dp.Value) {
			return nil
		}

		// page is full; seal it and retry on a fresh one
		view.Flush()
		view = nil
	}

	return compression.ErrPageFull
}

// allocatePage claims a page from the newest manager, opening the next
// data file when the current one is exhausted.
func (e *Epoch) allocatePage(ooo bool) (*storage.PageView, error) {
	pm := e.managers[len(e.managers)-1]
	view, err := pm.GetFreePage(ooo)
	if err == nil {
		return view, nil
	}
	if !errors.Is(err, storage.ErrOutOfSpace) {
		return nil, err
	}

	id := len(e.managers)
	e.logger.Info("data file exhausted, opening next", "id", id)
	next, err := storage.NewPageManager(
		e.GetFileName(e.timeRange, fmt.Sprintf("%d", id), false),
		e.timeRange, id, e.opts, e.logger)
	if err != nil {
		return nil, err
	}
	e.managers = append(e.managers, next)
	return next.GetFreePage(ooo)
}

// Query returns every sample in [from, to), merged across pages and
// sorted by timestamp. Pages whose decode fails are reported empty and
// skipped. Hot pages are persisted first so their headers are current.
func (e *Epoch) Query(from, to storage.Timestamp) ([]DataPoint, error) {
	e.mu.Lock()
	for _, view := range e.heads {
		view.Persist(false)
	}
	for _, view := range e.oooHeads {
		view.Persist(false)
	}
	managers := make([]*storage.PageManager, len(e.managers))
	copy(managers, e.managers)
	e.mu.Unlock()

	var result []DataPoint
	for _, pm := range managers {
		count := pm.HeaderCount()
		for h := uint32(0); h < count; h++ {
			view, err := pm.GetPageView(h)
			if err != nil {
				return nil, err
			}
			if view.IsEmpty() || !view.TimeRange().Intersects(from, to) {
				continue
			}

			var dps []DataPoint
			if err := view.EnsureDataAvailable(&dps); err != nil {
				e.logger.Error("failed to decode page, skipping",
					"data_file", pm.FileName(), "header_index", h, "error", err)
				continue
			}
			for _, dp := range dps {
				if from <= dp.Timestamp && dp.Timestamp < to {
					result = append(result, dp)
				}
			}
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp < result[j].Timestamp
	})
	return result, nil
}

// QueryRollups returns every rollup record written so far.
func (e *Epoch) QueryRollups() ([]rollup.Record, error) {
	e.mu.Lock()
	err := e.rollupFile.Flush()
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return rollup.ReadRecords(e.rollupFileName())
}

// Flush makes all in-flight pages durable without closing anything.
func (e *Epoch) Flush(sync bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, view := range e.heads {
		view.Persist(false)
	}
	for _, view := range e.oooHeads {
		view.Persist(false)
	}
	for _, pm := range e.managers {
		pm.Flush(sync)
	}
	if err := e.rollupFile.Flush(); err != nil {
		e.logger.Warn("rollup file flush failed", "error", err)
	}
}

// Close shuts the epoch down cooperatively: no more allocations,
// in-flight pages are shrunk to fit, files are persisted, truncated,
// and unmapped, and the current rollup buckets are flushed.
func (e *Epoch) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return nil
	}
	e.stopped = true

	for _, view := range e.heads {
		view.ShrinkToFit()
	}
	for _, view := range e.oooHeads {
		view.ShrinkToFit()
	}

	for key, rm := range e.rollups {
		if err := rm.Flush(key.mid, key.tid); err != nil {
			e.logger.Warn("rollup flush failed", "series", key.tid, "error", err)
		}
	}

	compact := e.cfg.GetBoolDefault(config.KeyCompactionEnabled, false)

	var firstErr error
	for _, pm := range e.managers {
		if e.cfg.SelfMeterEnabled() {
			e.logger.Info("data file utilization",
				"data_file", pm.FileName(), "percent_used", pm.PercentUsed())
		}
		if compact {
			if _, err := pm.Compact(); err != nil {
				e.logger.Warn("compaction failed", "data_file", pm.FileName(), "error", err)
			}
		}
		if err := pm.ShrinkToFit(); err != nil && firstErr == nil {
			firstErr = err
		}
		pm.Persist()
		if err := pm.CloseMmap(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := e.rollupFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	if e.appendLog != nil {
		if firstErr == nil {
			if err := e.appendLog.Truncate(); err != nil {
				e.logger.Warn("append log truncate failed", "error", err)
			}
		}
		if err := e.appendLog.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// RecoverAppendLog replays logged samples into the epoch; used at
// startup after an unclean shutdown.
func (e *Epoch) RecoverAppendLog(mid MetricID) (int, error) {
	if e.appendLog == nil {
		return 0, nil
	}

	entries, err := e.appendLog.ReadAll()
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, entry := range entries {
		dp := DataPoint{Timestamp: entry.Timestamp, Value: entry.Value}
		if err := e.AddDataPoint(mid, TimeSeriesID(entry.SeriesID), dp); err != nil {
			e.logger.Warn("failed to replay append log entry",
				"series", entry.SeriesID, "error", err)
			continue
		}
		recovered++
	}
	return recovered, nil
}
