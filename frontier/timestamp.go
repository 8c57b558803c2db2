// Package frontier provides the logical time and frontier value types used
// throughout oxbow. A Time identifies a point in logical time at which a
// collection's contents are defined, and a Frontier is a minimal antichain of
// Times marking the boundary between known-complete and not-yet-known data.
// All types in this package are immutable values with no I/O.
package frontier

import (
	"math"
	"strconv"
	"time"
)

// Time is a point in logical time, expressed as milliseconds since the Unix
// epoch. Time is totally ordered.
type Time uint64

// MaxTime is the supremum of knowable time. It is used as the standing target
// of continuously-maintained views, which have no scheduling delay.
const MaxTime Time = math.MaxUint64

// FromWall maps a wall-clock time to its logical Time.
func FromWall(t time.Time) Time { return Time(t.UnixMilli()) }

// Wall maps the Time back to a wall-clock time.
func (t Time) Wall() time.Time { return time.UnixMilli(int64(t)) }

// Add steps the Time forward by a duration, saturating at MaxTime.
func (t Time) Add(d time.Duration) Time {
	var step = Time(d.Milliseconds())
	if t > MaxTime-step {
		return MaxTime
	}
	return t + step
}

// String returns the Time in decimal, or "max" for MaxTime.
func (t Time) String() string {
	if t == MaxTime {
		return "max"
	}
	return strconv.FormatUint(uint64(t), 10)
}
