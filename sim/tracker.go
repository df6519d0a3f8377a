package sim

import "github.com/sirupsen/logrus"

// EventObserver receives, from the coordinator's sequential phase, every
// cross-node event plus the trace records of tracing-enabled nodes. The core
// holds no metrics state of its own; observers derive delivery and
// propagation statistics externally.
type EventObserver interface {
	// ObserveDelivered is called once per routed cross-node event: each
	// sorted TransmitAir and each ReceiveAir handed to a target node.
	ObserveDelivered(ev *Event)
	// ObserveTrace is called for each node-local trace record.
	ObserveTrace(node string, tr TraceEvent)
}

// PacketTracker is the built-in metrics sink: it counts transmissions,
// deliveries, and collisions per radio. Only the coordinator's control
// goroutine calls into it during a run; read results after the run or from
// the same goroutine.
type PacketTracker struct {
	byKind     map[PayloadKind]uint64
	txByRadio  map[EntityID]uint64
	rxByRadio  map[EntityID]uint64
	collisions uint64
	traces     uint64
}

// NewPacketTracker creates an empty tracker.
func NewPacketTracker() *PacketTracker {
	return &PacketTracker{
		byKind:    make(map[PayloadKind]uint64),
		txByRadio: make(map[EntityID]uint64),
		rxByRadio: make(map[EntityID]uint64),
	}
}

// ObserveDelivered implements EventObserver.
func (t *PacketTracker) ObserveDelivered(ev *Event) {
	kind := ev.Payload.Kind()
	t.byKind[kind]++

	switch p := ev.Payload.(type) {
	case TransmitAirPayload:
		t.txByRadio[ev.Source]++
	case ReceiveAirPayload:
		for _, target := range ev.Targets {
			t.rxByRadio[target]++
		}
		if p.Collided {
			t.collisions++
		}
	}
}

// ObserveTrace implements EventObserver.
func (t *PacketTracker) ObserveTrace(node string, tr TraceEvent) {
	t.traces++
}

// Transmitted returns how many frames the given radio put on the air.
func (t *PacketTracker) Transmitted(radio EntityID) uint64 {
	return t.txByRadio[radio]
}

// Received returns how many frames were delivered to the given radio's node.
func (t *PacketTracker) Received(radio EntityID) uint64 {
	return t.rxByRadio[radio]
}

// Collisions returns how many deliveries carried a collision flag.
func (t *PacketTracker) Collisions() uint64 {
	return t.collisions
}

// CountByKind returns the number of observed events of one payload kind.
func (t *PacketTracker) CountByKind(kind PayloadKind) uint64 {
	return t.byKind[kind]
}

// LogSummary prints per-radio packet counts through the run logger.
func (t *PacketTracker) LogSummary(names *EntityNames) {
	logrus.Infof("packet summary: %d collisions", t.collisions)
	for radio, n := range t.txByRadio {
		logrus.Infof("  %s transmitted %d", names.Lookup(radio), n)
	}
	for radio, n := range t.rxByRadio {
		logrus.Infof("  %s received %d", names.Lookup(radio), n)
	}
}
