package sim

import (
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// scriptedMedium routes every transmission to a fixed receiver set with a
// fixed propagation delay, so tests control delivery exactly.
type scriptedMedium struct {
	delayMicros uint64
	routes      map[EntityID][]EntityID
}

func (m *scriptedMedium) Resolve(batch []Transmission) []Reception {
	var recs []Reception
	for _, tx := range batch {
		for _, target := range m.routes[tx.SourceRadio] {
			recs = append(recs, Reception{
				TargetRadio: target,
				SourceRadio: tx.SourceRadio,
				Frame:       tx.Frame,
				At:          tx.Start.AddMicros(m.delayMicros),
				MeanSNRdB:   10,
				RSSIdBm:     -80,
			})
		}
	}
	return recs
}

type deliveredRecord struct {
	ID     EventID
	Time   SimTime
	Source EntityID
	Kind   PayloadKind
}

// captureObserver records the sequential delivery stream.
type captureObserver struct {
	delivered []deliveredRecord
}

func (o *captureObserver) ObserveDelivered(ev *Event) {
	o.delivered = append(o.delivered, deliveredRecord{
		ID:     ev.ID,
		Time:   ev.Time,
		Source: ev.Source,
		Kind:   ev.Payload.Kind(),
	})
}

func (o *captureObserver) ObserveTrace(node string, tr TraceEvent) {}

// oneShotTxFirmware transmits a single frame the first time it is stepped.
type oneShotTxFirmware struct {
	stubFirmware
	frame []byte
	sent  bool
}

func (f *oneShotTxFirmware) Step(now SimTime) StepResult {
	if !f.sent {
		f.sent = true
		return StepResult{
			Reason:  YieldRadioTxStart,
			RadioTx: &RadioTxRequestPayload{Frame: RadioFrame{Data: f.frame}, Params: testRadioParams()},
		}
	}
	return StepResult{Reason: YieldIdle}
}

func newTestCoordinator(t *testing.T, medium Medium, cfg CoordinatorConfig) *Coordinator {
	t.Helper()
	if medium == nil {
		medium = &scriptedMedium{delayMicros: 3}
	}
	c, err := NewCoordinator(cfg, medium)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	t.Cleanup(func() {
		if err := c.Shutdown(); err != nil {
			t.Errorf("cleanup shutdown: %v", err)
		}
	})
	return c
}

func addStubNode(t *testing.T, c *Coordinator, name string, index int, fw Firmware) {
	t.Helper()
	cfg := NodeConfig{Name: name, FirmwareID: EntityID(index*2 + 1), RadioID: EntityID(index*2 + 2)}
	if err := c.AddNode(cfg, fw); err != nil {
		t.Fatalf("AddNode(%s): %v", name, err)
	}
}

func TestCoordinator_AdvanceIdle_ProcessesNothing(t *testing.T) {
	// GIVEN two nodes with no pending events
	c := newTestCoordinator(t, nil, CoordinatorConfig{})
	addStubNode(t, c, "a", 0, &stubFirmware{})
	addStubNode(t, c, "b", 1, &stubFirmware{})

	// WHEN advancing one simulated second
	if err := c.AdvanceTo(FromSeconds(1)); err != nil {
		t.Fatalf("AdvanceTo: %v", err)
	}

	// THEN no events were processed and the clock landed on the target
	stats := c.Stats()
	if stats.EventsProcessed != 0 {
		t.Errorf("events processed: got %d, want 0", stats.EventsProcessed)
	}
	if c.Now() != FromSeconds(1) {
		t.Errorf("clock: got %v, want 1s", c.Now())
	}
	if stats.Rounds != 1 {
		t.Errorf("rounds: got %d, want 1", stats.Rounds)
	}
	// AND neither node reports a pending wake afterwards
	for i, w := range c.wakes {
		if w.Valid {
			t.Errorf("node %d wake after idle advance: got %+v, want none", i, w)
		}
	}
}

func TestCoordinator_AddNodeAfterStartFails(t *testing.T) {
	c := newTestCoordinator(t, nil, CoordinatorConfig{})
	addStubNode(t, c, "a", 0, &stubFirmware{})
	if err := c.AdvanceTo(FromMillis(1)); err != nil {
		t.Fatalf("AdvanceTo: %v", err)
	}

	err := c.AddNode(NodeConfig{Name: "late", FirmwareID: 10, RadioID: 11}, &stubFirmware{})
	if err == nil || !strings.Contains(err.Error(), "already started") {
		t.Errorf("AddNode mid-run: got %v, want already-started error", err)
	}
}

func TestCoordinator_ScheduleAfterStartFails(t *testing.T) {
	// GIVEN a run that already advanced
	c := newTestCoordinator(t, nil, CoordinatorConfig{})
	addStubNode(t, c, "a", 0, &stubFirmware{})
	if err := c.AdvanceTo(FromMillis(1)); err != nil {
		t.Fatalf("AdvanceTo: %v", err)
	}

	// THEN seeding more events is rejected; mid-run input goes through
	// InjectSerialRx
	err := c.Schedule("a", FromMillis(5), TimerPayload{TimerID: TimerFirmwareWake})
	if err == nil || !strings.Contains(err.Error(), "already started") {
		t.Errorf("Schedule mid-run: got %v, want already-started error", err)
	}
}

func TestCoordinator_AddNodeValidation(t *testing.T) {
	c := newTestCoordinator(t, nil, CoordinatorConfig{})
	addStubNode(t, c, "a", 0, &stubFirmware{})

	cases := []struct {
		name string
		cfg  NodeConfig
		fw   Firmware
	}{
		{"empty name", NodeConfig{FirmwareID: 10, RadioID: 11}, &stubFirmware{}},
		{"nil firmware", NodeConfig{Name: "x", FirmwareID: 10, RadioID: 11}, nil},
		{"zero entity", NodeConfig{Name: "x", FirmwareID: 0, RadioID: 11}, &stubFirmware{}},
		{"equal entities", NodeConfig{Name: "x", FirmwareID: 10, RadioID: 10}, &stubFirmware{}},
		{"taken entity", NodeConfig{Name: "x", FirmwareID: 1, RadioID: 11}, &stubFirmware{}},
	}
	for _, tc := range cases {
		if err := c.AddNode(tc.cfg, tc.fw); err == nil {
			t.Errorf("%s: AddNode accepted invalid config", tc.name)
		}
	}
}

func TestCoordinator_AirEventRoundTrip(t *testing.T) {
	// GIVEN node a transmitting at t=10_000us and a medium routing a's radio
	// (2) to b's radio (4) with a 3us propagation delay
	medium := &scriptedMedium{delayMicros: 3, routes: map[EntityID][]EntityID{2: {4}}}
	c := newTestCoordinator(t, medium, CoordinatorConfig{})
	capture := &captureObserver{}
	c.AddObserver(capture)

	rxFw := &stubFirmware{}
	addStubNode(t, c, "a", 0, &oneShotTxFirmware{frame: []byte("hello")})
	addStubNode(t, c, "b", 1, rxFw)
	if err := c.Schedule("a", FromMicros(10_000), TimerPayload{TimerID: TimerFirmwareWake}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	// WHEN advancing past the reception
	if err := c.AdvanceTo(FromMillis(20)); err != nil {
		t.Fatalf("AdvanceTo: %v", err)
	}

	// THEN b's firmware received exactly the transmitted frame
	if len(rxFw.rx) != 1 || string(rxFw.rx[0].Data) != "hello" {
		t.Fatalf("received frames: got %v, want [hello]", rxFw.rx)
	}

	// AND the delivery stream shows one transmission and one reception at
	// transmission time plus propagation delay
	var txSeen, rxSeen int
	for _, rec := range capture.delivered {
		switch rec.Kind {
		case KindTransmitAir:
			txSeen++
			if rec.Time != FromMicros(10_000) || rec.Source != 2 {
				t.Errorf("transmit record: got %+v", rec)
			}
		case KindReceiveAir:
			rxSeen++
			if rec.Time != FromMicros(10_003) {
				t.Errorf("reception time: got %v, want 10003us", rec.Time)
			}
		}
	}
	if txSeen != 1 || rxSeen != 1 {
		t.Errorf("delivery stream: got %d tx, %d rx, want 1 and 1", txSeen, rxSeen)
	}

	stats := c.Stats()
	if stats.AirEventsRouted != 1 || stats.PacketsDelivered != 1 {
		t.Errorf("stats: routed=%d delivered=%d, want 1 and 1", stats.AirEventsRouted, stats.PacketsDelivered)
	}
}

// buildBeaconTopology wires three beaconing nodes with deterministic seeded
// jitter onto a broadcast medium.
func buildBeaconTopology(t *testing.T, seed int64) (*Coordinator, *captureObserver) {
	t.Helper()
	medium := &scriptedMedium{delayMicros: 3, routes: map[EntityID][]EntityID{
		2: {4, 6},
		4: {2, 6},
		6: {2, 4},
	}}
	c := newTestCoordinator(t, medium, CoordinatorConfig{Seed: seed})
	capture := &captureObserver{}
	c.AddObserver(capture)

	rng := NewRNG(seed)
	period := FromMillis(100)
	for i, name := range []string{"a", "b", "c"} {
		fw := NewBeaconFirmware(name, period, testRadioParams())
		first := FromMicros(period.Micros() + rng.Uint64n(period.Micros()))
		fw.SetFirstBeacon(first)
		addStubNode(t, c, name, i, fw)
		if err := c.Schedule(name, first, TimerPayload{TimerID: TimerFirmwareWake}); err != nil {
			t.Fatalf("Schedule(%s): %v", name, err)
		}
	}
	return c, capture
}

func TestCoordinator_Determinism_SameSeedIdenticalStreams(t *testing.T) {
	// GIVEN two identical three-node beacon topologies
	run := func() ([]deliveredRecord, RunStats) {
		c, capture := buildBeaconTopology(t, 42)
		if err := c.AdvanceTo(FromSeconds(1)); err != nil {
			t.Fatalf("AdvanceTo: %v", err)
		}
		return capture.delivered, c.Stats()
	}

	// WHEN running both for one simulated second
	first, stats1 := run()
	second, stats2 := run()

	// THEN the delivered cross-node event streams are identical
	if len(first) == 0 {
		t.Fatal("no events delivered; topology did not beacon")
	}
	if len(first) != len(second) {
		t.Fatalf("stream length differs: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("stream diverges at %d: %+v vs %+v", i, first[i], second[i])
		}
	}
	if stats1.EventsProcessed != stats2.EventsProcessed || stats1.Rounds != stats2.Rounds {
		t.Errorf("stats differ: %+v vs %+v", stats1, stats2)
	}

	// AND no event ID is ever delivered twice to the same kind of target
	seen := make(map[EventID]int)
	for _, rec := range first {
		seen[rec.ID]++
	}
	for id, n := range seen {
		if n > 1 {
			t.Errorf("event %d delivered %d times", uint64(id), n)
		}
	}
}

func TestCoordinator_FirmwareErrorDoesNotAbortRound(t *testing.T) {
	// GIVEN three nodes where b's firmware errors on every step
	c := newTestCoordinator(t, nil, CoordinatorConfig{})
	erroring := &stubFirmware{stepFn: func(now SimTime) StepResult {
		return StepResult{Reason: YieldError, Err: "stack probe failed"}
	}}
	addStubNode(t, c, "a", 0, &stubFirmware{})
	addStubNode(t, c, "b", 1, erroring)
	addStubNode(t, c, "c", 2, &stubFirmware{})
	for _, name := range []string{"a", "b", "c"} {
		if err := c.Schedule(name, FromMillis(1), TimerPayload{TimerID: TimerFirmwareWake}); err != nil {
			t.Fatalf("Schedule(%s): %v", name, err)
		}
	}

	// WHEN the round containing the error runs
	if err := c.AdvanceTo(FromMillis(2)); err != nil {
		t.Fatalf("AdvanceTo: %v", err)
	}

	// THEN the error is counted and every node still processed its timer
	stats := c.Stats()
	if stats.FirmwareErrors != 1 {
		t.Errorf("firmware errors: got %d, want 1", stats.FirmwareErrors)
	}
	if stats.EventsProcessed != 3 {
		t.Errorf("events processed: got %d, want 3", stats.EventsProcessed)
	}
}

func TestCoordinator_NodePanicAbortsButStaysShutdownable(t *testing.T) {
	// GIVEN a node whose firmware panics
	c := newTestCoordinator(t, nil, CoordinatorConfig{})
	addStubNode(t, c, "a", 0, &stubFirmware{stepFn: func(now SimTime) StepResult {
		panic("emulated core fault")
	}})
	addStubNode(t, c, "b", 1, &stubFirmware{})
	if err := c.Schedule("a", FromMillis(1), TimerPayload{TimerID: TimerFirmwareWake}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	// WHEN the panicking round runs
	err := c.AdvanceTo(FromMillis(2))

	// THEN the advance fails with the node's fatal report
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Errorf("AdvanceTo: got %v, want panic failure", err)
	}
	// Shutdown still works (cleanup asserts it returns nil apart from the
	// already-exited unit, which is not an error)
}

func TestCoordinator_SimulationEndStopsRun(t *testing.T) {
	// GIVEN a SimulationEnd event at 5ms
	c := newTestCoordinator(t, nil, CoordinatorConfig{})
	addStubNode(t, c, "a", 0, &stubFirmware{})
	if err := c.Schedule("a", FromMillis(5), SimulationEndPayload{}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	// WHEN running for a full second
	if err := c.Run(FromSeconds(1)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// THEN the run stopped at the end event
	if !c.SimulationEnded() {
		t.Error("SimulationEnded: got false")
	}
	if c.Now() != FromMillis(5) {
		t.Errorf("clock: got %v, want 5ms", c.Now())
	}
}

func TestCoordinator_BreakAtEventStopsBeforeRouting(t *testing.T) {
	build := func(breakAt uint64) (*Coordinator, *captureObserver, *stubFirmware) {
		medium := &scriptedMedium{delayMicros: 3, routes: map[EntityID][]EntityID{2: {4}}}
		c := newTestCoordinator(t, medium, CoordinatorConfig{BreakAtEvent: breakAt})
		capture := &captureObserver{}
		c.AddObserver(capture)
		rx := &stubFirmware{}
		addStubNode(t, c, "a", 0, &oneShotTxFirmware{frame: []byte("x")})
		addStubNode(t, c, "b", 1, rx)
		if err := c.Schedule("a", FromMillis(10), TimerPayload{TimerID: TimerFirmwareWake}); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
		return c, capture, rx
	}

	// GIVEN the transmission's event ID from an unbroken run
	c1, capture, _ := build(0)
	if err := c1.Run(FromSeconds(1)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	var txID EventID
	for _, rec := range capture.delivered {
		if rec.Kind == KindTransmitAir {
			txID = rec.ID
		}
	}
	if txID == 0 {
		t.Fatal("no transmission routed in the unbroken run")
	}

	// WHEN re-running with a breakpoint on that ID
	c2, _, rx := build(uint64(txID))
	if err := c2.Run(FromSeconds(1)); err != nil {
		t.Fatalf("Run with breakpoint: %v", err)
	}

	// THEN the rerun stopped before routing the transmission
	if !c2.BreakReached() {
		t.Error("BreakReached: got false")
	}
	stats := c2.Stats()
	if stats.AirEventsRouted != 0 || stats.PacketsDelivered != 0 {
		t.Errorf("stats after break: routed=%d delivered=%d, want 0 and 0",
			stats.AirEventsRouted, stats.PacketsDelivered)
	}
	if len(rx.rx) != 0 {
		t.Errorf("receiver frames after break: got %d, want 0", len(rx.rx))
	}
}

func TestCoordinator_BreakAtEventStopsBeforeNodeLocalEvent(t *testing.T) {
	// GIVEN a breakpoint on the second seeded event (coordinator-allocated
	// IDs count up from 1 in schedule order)
	c := newTestCoordinator(t, nil, CoordinatorConfig{BreakAtEvent: 2})
	addStubNode(t, c, "a", 0, &stubFirmware{})
	if err := c.Schedule("a", FromMillis(1), TimerPayload{TimerID: TimerFirmwareWake}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := c.Schedule("a", FromMillis(2), TimerPayload{TimerID: TimerFirmwareWake}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	// WHEN running
	if err := c.Run(FromSeconds(1)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// THEN only the first event processed
	if !c.BreakReached() {
		t.Error("BreakReached: got false")
	}
	if got := c.Stats().EventsProcessed; got != 1 {
		t.Errorf("events processed: got %d, want 1", got)
	}
}

func TestCoordinator_WatchdogRecipeStopsRerunBeforeStall(t *testing.T) {
	// GIVEN a firmware whose second step stalls past the watchdog timeout
	build := func(breakAt uint64, steps *atomic.Int32) *Coordinator {
		c := newTestCoordinator(t, nil, CoordinatorConfig{Seed: 7, BreakAtEvent: breakAt})
		fw := &stubFirmware{stepFn: func(now SimTime) StepResult {
			if steps.Add(1) == 2 {
				time.Sleep(40 * time.Millisecond)
			}
			return StepResult{Reason: YieldIdle}
		}}
		addStubNode(t, c, "a", 0, fw)
		addStubNode(t, c, "b", 1, &stubFirmware{})
		for _, at := range []SimTime{FromMillis(1), FromMillis(2)} {
			if err := c.Schedule("a", at, TimerPayload{TimerID: TimerFirmwareWake}); err != nil {
				t.Fatalf("Schedule: %v", err)
			}
		}
		return c
	}

	var steps1 atomic.Int32
	c1 := build(0, &steps1)
	var stalledID atomic.Uint64
	w := NewWatchdog(WatchdogConfig{
		Timeout:      10 * time.Millisecond,
		PollInterval: 2 * time.Millisecond,
		Seed:         7,
		OnAlert:      func(info CurrentEventInfo) { stalledID.CompareAndSwap(0, uint64(info.EventID)) },
	}, c1.Board(), c1.Names())
	if err := c1.AdvanceTo(FromMillis(5)); err != nil {
		t.Fatalf("AdvanceTo: %v", err)
	}
	w.Stop()
	if stalledID.Load() == 0 {
		t.Fatal("watchdog never identified the stalled event")
	}

	// WHEN re-running with the alert's breakpoint
	var steps2 atomic.Int32
	c2 := build(stalledID.Load(), &steps2)
	if err := c2.AdvanceTo(FromMillis(5)); err != nil {
		t.Fatalf("rerun AdvanceTo: %v", err)
	}

	// THEN the rerun stops just before the stalled event: the stalling step
	// never runs
	if !c2.BreakReached() {
		t.Error("BreakReached: got false")
	}
	if got := steps2.Load(); got != 1 {
		t.Errorf("firmware steps in rerun: got %d, want 1", got)
	}
}

func TestCoordinator_InjectSerialRx(t *testing.T) {
	// GIVEN externally injected serial bytes
	c := newTestCoordinator(t, nil, CoordinatorConfig{})
	fw := &stubFirmware{}
	addStubNode(t, c, "a", 0, fw)
	if err := c.InjectSerialRx("a", []byte("AT+RESET")); err != nil {
		t.Fatalf("InjectSerialRx: %v", err)
	}

	// WHEN the next round runs
	if err := c.AdvanceTo(FromMillis(1)); err != nil {
		t.Fatalf("AdvanceTo: %v", err)
	}

	// THEN the firmware received the bytes
	if len(fw.serial) != 1 || string(fw.serial[0]) != "AT+RESET" {
		t.Errorf("serial input: got %q, want AT+RESET", fw.serial)
	}

	// AND injecting for an unknown node fails
	if err := c.InjectSerialRx("ghost", []byte("x")); err == nil {
		t.Error("InjectSerialRx for unknown node: got nil error")
	}
}

func TestCoordinator_SerialSinkReceivesNodeOutput(t *testing.T) {
	// GIVEN a firmware whose step emits serial output and a recording sink
	c := newTestCoordinator(t, nil, CoordinatorConfig{})
	var sunk []string
	c.SetSerialSink(serialSinkFunc(func(node string, data []byte) {
		sunk = append(sunk, node+":"+string(data))
	}))
	addStubNode(t, c, "a", 0, &stubFirmware{stepFn: func(now SimTime) StepResult {
		return StepResult{Reason: YieldIdle, SerialTx: []byte("boot ok\n")}
	}})
	if err := c.Schedule("a", FromMillis(1), TimerPayload{TimerID: TimerFirmwareWake}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	if err := c.AdvanceTo(FromMillis(2)); err != nil {
		t.Fatalf("AdvanceTo: %v", err)
	}

	if len(sunk) != 1 || sunk[0] != "a:boot ok\n" {
		t.Errorf("sink: got %v, want [a:boot ok\\n]", sunk)
	}
}

type serialSinkFunc func(node string, data []byte)

func (f serialSinkFunc) WriteSerial(node string, data []byte) { f(node, data) }

func TestCoordinator_ShutdownIdempotent(t *testing.T) {
	c, err := NewCoordinator(CoordinatorConfig{}, &scriptedMedium{})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	if err := c.AddNode(NodeConfig{Name: "a", FirmwareID: 1, RadioID: 2}, &stubFirmware{}); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if err := c.AdvanceTo(FromMillis(1)); err != nil {
		t.Fatalf("AdvanceTo: %v", err)
	}

	if err := c.Shutdown(); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	if err := c.Shutdown(); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	// AND the coordinator refuses further work
	if err := c.AdvanceTo(FromMillis(2)); err == nil {
		t.Error("AdvanceTo after shutdown: got nil error")
	}
}

func TestCoordinator_RequestStopHaltsAtRoundBoundary(t *testing.T) {
	// GIVEN a run stopped before it starts
	c := newTestCoordinator(t, nil, CoordinatorConfig{})
	addStubNode(t, c, "a", 0, &stubFirmware{})
	c.RequestStop()

	// WHEN running
	if err := c.Run(FromSeconds(10)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// THEN no time passed
	if c.Now() != 0 {
		t.Errorf("clock after stop: got %v, want 0", c.Now())
	}
}
