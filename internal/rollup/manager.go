package rollup

import (
	"math"

	"github.com/ticktockdb/ticktock/internal/compression"
)

// MetricID identifies a metric; assigned by an external indexer.
type MetricID uint32

// SeriesID identifies one time series; assigned by an external
// indexer. The aggregator only uses it as a routing key.
type SeriesID uint32

// InvalidTimestamp marks an aggregator that has seen no samples yet.
const InvalidTimestamp = math.MaxUint64

// AggregateType selects which aggregate Query returns.
type AggregateType int

const (
	AggregateAvg AggregateType = iota
	AggregateCount
	AggregateMax
	AggregateMin
	AggregateSum
)

// Epoch is the slice of the coordinator the aggregator needs: the
// rollup interval, the epoch bounds in seconds, the file resolution,
// and the sink for finished bucket records.
type Epoch interface {
	RollupInterval() uint64
	TimeRangeSec() (from, to uint64)
	ResolutionMS() bool
	AddRollupPoint(mid MetricID, tid SeriesID, cnt uint32, min, max, sum float64) error
}

// Manager maintains one series' pre-aggregation over aligned time
// buckets: count, min, max, and sum. In-order samples only — the
// coordinator routes out-of-order samples elsewhere. Not thread-safe;
// the coordinator guarantees a single writer per series.
type Manager struct {
	cnt    uint32
	min    float64
	max    float64
	sum    float64
	tstamp uint64 // current bucket start, in seconds
	epoch  Epoch
}

// NewManager returns an empty aggregator.
func NewManager() *Manager {
	return &Manager{tstamp: InvalidTimestamp}
}

// AddDataPoint folds one in-order sample into the current bucket,
// flushing and zero-filling buckets as the sample crosses bucket or
// epoch boundaries. e is the epoch the sample belongs to; when the
// sample falls beyond the bound epoch, the aggregator rebinds to e.
func (m *Manager) AddDataPoint(e Epoch, mid MetricID, tid SeriesID, dp compression.DataPoint) error {
	if m.epoch == nil {
		m.epoch = e
	}

	interval := m.epoch.RollupInterval()
	ts := dp.Timestamp
	if m.epoch.ResolutionMS() {
		ts /= 1000
	}
	bucket := ts - ts%interval

	if m.tstamp == InvalidTimestamp {
		m.tstamp = bucket
	}

	if bucket != m.tstamp {
		if err := m.Flush(mid, tid); err != nil {
			return err
		}

		_, end := m.epoch.TimeRangeSec()
		for m.tstamp += interval; m.tstamp < end && m.tstamp < bucket; m.tstamp += interval {
			if err := m.Flush(mid, tid); err != nil {
				return err
			}
		}

		if m.tstamp >= end {
			m.epoch = e
			interval = m.epoch.RollupInterval()
			from, _ := m.epoch.TimeRangeSec()
			for m.tstamp = from; m.tstamp < bucket; m.tstamp += interval {
				if err := m.Flush(mid, tid); err != nil {
					return err
				}
			}
		}
	}

	if m.cnt == 0 {
		m.min = dp.Value
		m.max = dp.Value
	} else {
		m.min = math.Min(m.min, dp.Value)
		// TODO: max is seeded from min here; confirm against existing
		// rollup files before changing what gets written to disk.
		m.max = math.Max(m.min, dp.Value)
	}
	m.cnt++
	m.sum += dp.Value

	return nil
}

// Flush emits one rollup record for the current bucket and resets the
// accumulators. No-op before the first sample.
func (m *Manager) Flush(mid MetricID, tid SeriesID) error {
	if m.tstamp == InvalidTimestamp {
		return nil
	}

	if err := m.epoch.AddRollupPoint(mid, tid, m.cnt, m.min, m.max, m.sum); err != nil {
		return err
	}

	m.cnt = 0
	m.min, m.max, m.sum = 0, 0, 0
	return nil
}

// Query returns the currently-accumulated, not-yet-persisted aggregate
// for the bucket in progress. It reports false when the bucket is
// empty or the type is unknown. The returned timestamp is the bucket
// start in seconds.
func (m *Manager) Query(typ AggregateType, dp *compression.DataPoint) bool {
	if m.cnt == 0 {
		return false
	}

	switch typ {
	case AggregateAvg:
		dp.Value = m.sum / float64(m.cnt)
	case AggregateCount:
		dp.Value = float64(m.cnt)
	case AggregateMax:
		dp.Value = m.max
	case AggregateMin:
		dp.Value = m.min
	case AggregateSum:
		dp.Value = m.sum
	default:
		return false
	}

	dp.Timestamp = m.tstamp
	return true
}

// StepDown aligns a native-resolution timestamp to the start of its
// rollup bucket, in seconds.
func (m *Manager) StepDown(ts uint64) uint64 {
	interval := m.epoch.RollupInterval()
	if m.epoch.ResolutionMS() {
		ts /= 1000
	}
	return ts - ts%interval
}
