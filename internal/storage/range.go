package storage

import "github.com/ticktockdb/ticktock/internal/compression"

// Timestamp is re-exported so callers that never touch the compressor
// do not need to import it.
type Timestamp = compression.Timestamp

// TimeRange is a closed-open interval [From, To) in the file's native
// resolution. The zero value is not meaningful; use NewTimeRange or
// EmptyTimeRange.
type TimeRange struct {
	From Timestamp
	To   Timestamp
}

// NewTimeRange builds a range; from must be < to.
func NewTimeRange(from, to Timestamp) TimeRange {
	return TimeRange{From: from, To: to}
}

// EmptyTimeRange builds an inverted range over rng that collapses onto
// the first timestamp added to it.
func EmptyTimeRange(rng TimeRange) TimeRange {
	return TimeRange{From: rng.To, To: rng.From}
}

// IsEmpty reports an inverted (no samples yet) range.
func (r TimeRange) IsEmpty() bool {
	return r.From > r.To
}

// Contains reports from <= ts < to. Degenerate single-point ranges
// (From == To, produced by a one-sample page) contain that point.
func (r TimeRange) Contains(ts Timestamp) bool {
	return r.From <= ts && (ts < r.To || ts == r.To && r.From == r.To)
}

// ContainsRange reports whether other lies fully within r.
func (r TimeRange) ContainsRange(other TimeRange) bool {
	if other.IsEmpty() {
		return true
	}
	return r.From <= other.From && other.To <= r.To
}

// Intersects reports a non-empty overlap with [from, to).
func (r TimeRange) Intersects(from, to Timestamp) bool {
	if r.IsEmpty() {
		return false
	}
	return r.From < to && from <= r.To
}

// AddTime extends the range to include ts.
func (r *TimeRange) AddTime(ts Timestamp) {
	if ts < r.From {
		r.From = ts
	}
	if ts > r.To {
		r.To = ts
	}
}

// ToSeconds converts a native-resolution timestamp to seconds.
func ToSeconds(ts Timestamp, resolutionMS bool) Timestamp {
	if resolutionMS {
		return ts / 1000
	}
	return ts
}
