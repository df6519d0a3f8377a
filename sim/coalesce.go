package sim

import "sort"

// DefaultCoalesceThresholdMicros merges wake times that fall within 1 ms of
// a group's earliest member.
const DefaultCoalesceThresholdMicros = 1000

// CoalesceConfig controls wake-time coalescing for the whole run.
type CoalesceConfig struct {
	Enabled         bool   `yaml:"enabled"`
	ThresholdMicros uint64 `yaml:"threshold_us"`
}

// DefaultCoalesceConfig enables coalescing at the default threshold.
func DefaultCoalesceConfig() CoalesceConfig {
	return CoalesceConfig{Enabled: true, ThresholdMicros: DefaultCoalesceThresholdMicros}
}

// threshold returns the effective grouping window. Disabled coalescing is
// equivalent to a zero threshold: every distinct wake time stands alone.
func (c CoalesceConfig) threshold() uint64 {
	if !c.Enabled {
		return 0
	}
	return c.ThresholdMicros
}

// Wake is an optional next-wake time reported by one node.
type Wake struct {
	At    SimTime
	Valid bool
}

// CoalesceWakeTimes groups nearby wake times into synchronization points.
//
// Absent wake times are ignored. Present times are sorted; a time joins the
// current group while it is within thresholdMicros of the group's earliest
// member, and each group produces one synchronization point equal to that
// earliest member. Anchoring on the earliest member (rather than chaining
// neighbor-to-neighbor) keeps every node's early-wake error at most
// thresholdMicros and can never defer a wake past its due time.
func CoalesceWakeTimes(wakes []Wake, thresholdMicros uint64) []SimTime {
	times := make([]SimTime, 0, len(wakes))
	for _, w := range wakes {
		if w.Valid {
			times = append(times, w.At)
		}
	}
	if len(times) == 0 {
		return nil
	}

	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })

	points := make([]SimTime, 0, len(times))
	anchor := times[0]
	points = append(points, anchor)
	for _, t := range times[1:] {
		if uint64(t.DeltaMicros(anchor)) <= thresholdMicros {
			continue // coalesced into the current point
		}
		anchor = t
		points = append(points, anchor)
	}
	return points
}
