package sim

import (
	"fmt"
	"time"
)

// SimTime is the simulation's logical clock: microseconds elapsed since
// simulation start. It is totally ordered by integer comparison and is
// independent of wall-clock time.
type SimTime uint64

// TimeZero is the logical time at which every simulation starts.
const TimeZero SimTime = 0

// microsPerSecond is the resolution of the logical clock.
const microsPerSecond = 1_000_000

// FromMicros builds a SimTime from a microsecond count.
func FromMicros(us uint64) SimTime {
	return SimTime(us)
}

// FromMillis builds a SimTime from a millisecond count.
func FromMillis(ms uint64) SimTime {
	return SimTime(ms * 1000)
}

// FromSeconds builds a SimTime from (possibly fractional) seconds.
func FromSeconds(s float64) SimTime {
	return SimTime(s * microsPerSecond)
}

// Micros returns the raw microsecond count.
func (t SimTime) Micros() uint64 {
	return uint64(t)
}

// Seconds returns the time as fractional seconds.
func (t SimTime) Seconds() float64 {
	return float64(t) / microsPerSecond
}

// Add returns the time advanced by a non-negative wall-style duration.
// Sub-microsecond components are truncated.
func (t SimTime) Add(d time.Duration) SimTime {
	return t + SimTime(d.Microseconds())
}

// AddMicros returns the time advanced by us microseconds.
func (t SimTime) AddMicros(us uint64) SimTime {
	return t + SimTime(us)
}

// DeltaMicros returns t - other as a signed microsecond count.
func (t SimTime) DeltaMicros(other SimTime) int64 {
	return int64(t) - int64(other)
}

// Before reports whether t is strictly earlier than other.
func (t SimTime) Before(other SimTime) bool {
	return t < other
}

// After reports whether t is strictly later than other.
func (t SimTime) After(other SimTime) bool {
	return t > other
}

// AsDuration converts the logical time to a wall-style duration of the same
// magnitude. Used by the pacer to map logical offsets onto the wall clock.
func (t SimTime) AsDuration() time.Duration {
	return time.Duration(t) * time.Microsecond
}

func (t SimTime) String() string {
	return fmt.Sprintf("%d.%06ds", uint64(t)/microsPerSecond, uint64(t)%microsPerSecond)
}

// minTime returns the earlier of two logical times.
func minTime(a, b SimTime) SimTime {
	if a < b {
		return a
	}
	return b
}
