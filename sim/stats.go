package sim

import (
	"sync/atomic"
	"time"
)

// RunStats is the cumulative run-wide state of a simulation. All fields are
// written only by the coordinator's control goroutine; readers always get an
// immutable snapshot via Coordinator.Stats, never a live reference.
type RunStats struct {
	RunID string `json:"run_id"`
	Seed  int64  `json:"seed"`

	EventsProcessed   uint64 `json:"events_processed"`
	Rounds            uint64 `json:"rounds"`
	AirEventsRouted   uint64 `json:"air_events_routed"`
	PacketsDelivered  uint64 `json:"packets_delivered"`
	PacketsCollided   uint64 `json:"packets_collided"`
	FirmwareErrors    uint64 `json:"firmware_errors"`
	LagWarnings       uint64 `json:"lag_warnings"`
	UnresponsiveNodes uint64 `json:"unresponsive_nodes"`

	SimTime  SimTime       `json:"sim_time_us"`
	WallTime time.Duration `json:"wall_time_ns"`

	// Version increments on every published snapshot.
	Version uint64 `json:"version"`
}

// statsRecorder accumulates RunStats on the coordinator's control goroutine
// and publishes version-stamped copies for concurrent readers.
type statsRecorder struct {
	start time.Time
	cur   RunStats
	snap  atomic.Pointer[RunStats]
}

func newStatsRecorder(runID string, seed int64) *statsRecorder {
	r := &statsRecorder{
		start: time.Now(),
		cur:   RunStats{RunID: runID, Seed: seed},
	}
	r.publish()
	return r
}

// publish stores an immutable snapshot of the current counters. Coordinator
// control goroutine only.
func (r *statsRecorder) publish() {
	s := r.cur
	s.Version = r.cur.Version + 1
	r.cur.Version = s.Version
	s.WallTime = time.Since(r.start)
	r.snap.Store(&s)
}

// Snapshot returns the latest published copy. Safe from any goroutine.
func (r *statsRecorder) Snapshot() RunStats {
	if s := r.snap.Load(); s != nil {
		return *s
	}
	return RunStats{}
}
