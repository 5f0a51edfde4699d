// Package availability holds the pure scheduling math: interval conflict
// detection and grid slot enumeration. It performs no I/O.
package availability

// DefaultProbeMinutes is the candidate length assumed when only a bare start
// time is being probed (slot checks without an explicit duration).
const DefaultProbeMinutes = 30

// Interval is a half-open [Start, End) range of minutes within one day.
type Interval struct {
	Start int
	End   int
}

// Overlaps reports whether two half-open intervals share any time.
// Touching at an endpoint (iv.End == other.Start) is not an overlap.
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start < other.End && other.Start < iv.End
}

// HasConflict reports whether the candidate interval overlaps any busy
// interval. The storage layer's conflict probe evaluates the same predicate
// in SQL (start_minute < candidate end AND start_minute + duration_minutes >
// candidate start); any change here must be mirrored there.
func HasConflict(candidate Interval, busy []Interval) bool {
	for _, b := range busy {
		if candidate.Overlaps(b) {
			return true
		}
	}
	return false
}
