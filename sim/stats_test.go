package sim

import (
	"sync"
	"testing"
)

func TestStatsRecorder_SnapshotReflectsPublishes(t *testing.T) {
	// GIVEN a fresh recorder
	r := newStatsRecorder("run-1", 42)

	// THEN the initial snapshot carries identity and version 1
	snap := r.Snapshot()
	if snap.RunID != "run-1" || snap.Seed != 42 {
		t.Errorf("identity: got %q/%d", snap.RunID, snap.Seed)
	}
	if snap.Version != 1 {
		t.Errorf("initial version: got %d, want 1", snap.Version)
	}

	// WHEN counters change and are published
	r.cur.EventsProcessed = 10
	r.cur.Rounds = 2
	r.publish()

	// THEN the snapshot advances
	snap = r.Snapshot()
	if snap.EventsProcessed != 10 || snap.Rounds != 2 {
		t.Errorf("counters: got %+v", snap)
	}
	if snap.Version != 2 {
		t.Errorf("version: got %d, want 2", snap.Version)
	}
	if snap.WallTime <= 0 {
		t.Errorf("wall time: got %v, want positive", snap.WallTime)
	}
}

func TestStatsRecorder_SnapshotIsACopy(t *testing.T) {
	r := newStatsRecorder("run-1", 1)
	r.cur.EventsProcessed = 5
	r.publish()

	snap := r.Snapshot()
	snap.EventsProcessed = 999

	if r.Snapshot().EventsProcessed != 5 {
		t.Error("mutating a snapshot leaked into the recorder")
	}
}

func TestStatsRecorder_ConcurrentSnapshotsDuringPublish(t *testing.T) {
	// GIVEN one writer publishing while readers snapshot concurrently
	r := newStatsRecorder("run-1", 1)
	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint64
			for {
				select {
				case <-done:
					return
				default:
				}
				snap := r.Snapshot()
				// Versions only ever move forward for any single reader
				if snap.Version < last {
					t.Errorf("version went backward: %d after %d", snap.Version, last)
					return
				}
				last = snap.Version
			}
		}()
	}

	for i := 0; i < 1000; i++ {
		r.cur.EventsProcessed++
		r.publish()
	}
	close(done)
	wg.Wait()
}
