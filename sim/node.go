package sim

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Well-known timer IDs. The ID space is partitioned so a timer event routes
// to the right component inside the node.
const (
	// TimerFirmwareWake fires when the firmware's idle wake time arrives.
	TimerFirmwareWake uint64 = 0x0000_0001
	// TimerRadioTurnaround fires when a radio state transition completes.
	TimerRadioTurnaround uint64 = 0x1000_0001
)

// serialTurnaroundMicros is the delay between an agent observing serial
// output and its reply arriving at the firmware. Keeps agent round trips off
// the current instant so same-time loops cannot form.
const serialTurnaroundMicros = 100

// NodeConfig is the static per-node identity, created once at topology build
// time and immutable for the run.
type NodeConfig struct {
	Name string
	// Index is this node's ordinal in the coordinator's node list. Assigned
	// by AddNode.
	Index      int
	FirmwareID EntityID
	RadioID    EntityID
	// UARTPort is the TCP port of the node's serial bridge, 0 for none.
	UARTPort int
	Tracing  bool
}

// TraceEvent is a per-event trace record batched into node reports when
// tracing is enabled for the node.
type TraceEvent struct {
	Time   SimTime
	Entity EntityID
	Kind   PayloadKind
	Detail string
}

// NodeReport is the output of one node for one synchronization round. Owned
// exclusively by the coordinator once sent.
type NodeReport struct {
	NodeIndex int
	Name      string
	// Time is the node's local clock after the advance.
	Time SimTime
	// NextWake is the earliest pending local event, if any.
	NextWake Wake
	// AirEvents are TransmitAir events escalated for global routing.
	AirEvents []*Event
	// SerialOut is externally-bound serial data produced this round.
	SerialOut [][]byte
	// EventsProcessed counts local events applied this round.
	EventsProcessed uint64
	// StepCost is the wall-clock cost of the round for this node.
	StepCost time.Duration
	// FirmwareErrors are per-step errors surfaced by the firmware. They do
	// not stop the node.
	FirmwareErrors []string
	// Trace holds per-event trace records when tracing is enabled.
	Trace []TraceEvent
	// SimulationEnd is set when the node observed a SimulationEnd event.
	SimulationEnd bool
	// BreakHit is set when the node stopped just before its event-ID
	// breakpoint. The breakpoint event stays queued, unprocessed.
	BreakHit bool
	// Fatal is a node-internal invariant violation. It halts the run.
	Fatal error
	// ShutdownAck acknowledges a shutdown command.
	ShutdownAck bool
}

// Commands sent from the coordinator to a node unit.

type advanceCmd struct{ until SimTime }

type deliverCmd struct{ events []*Event }

type shutdownCmd struct{}

// nodeUnit owns one node's firmware, radio bookkeeping, and optional agent,
// and advances that node's local simulated time. It runs on its own
// goroutine and shares no state with other nodes; everything crosses the
// boundary as commands in and reports out.
type nodeUnit struct {
	cfg   NodeConfig
	fw    Firmware
	agent Agent

	queue *eventQueue
	ids   *idAllocator
	now   SimTime

	slot    *WatchSlot
	breakAt uint64
	trace   []TraceEvent

	pendingFatal error

	cmdCh    chan interface{}
	reportCh chan<- *NodeReport
}

// nodeHandle is the coordinator's side of a node unit.
type nodeHandle struct {
	cfg   NodeConfig
	cmdCh chan interface{}
	done  chan struct{}
}

// spawnNode starts a node unit goroutine and returns its handle. breakAt is
// the run's event-ID breakpoint, 0 for none.
func spawnNode(cfg NodeConfig, fw Firmware, agent Agent, board *WatchBoard, breakAt uint64, reportCh chan<- *NodeReport) *nodeHandle {
	unit := &nodeUnit{
		cfg:      cfg,
		fw:       fw,
		agent:    agent,
		queue:    newEventQueue(),
		ids:      newIDAllocator(cfg.Index + 1), // space 0 belongs to the coordinator
		slot:     board.NewSlot(),
		breakAt:  breakAt,
		cmdCh:    make(chan interface{}, 4),
		reportCh: reportCh,
	}
	h := &nodeHandle{cfg: cfg, cmdCh: unit.cmdCh, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		unit.run()
	}()
	return h
}

func (h *nodeHandle) send(cmd interface{}) error {
	select {
	case h.cmdCh <- cmd:
		return nil
	case <-h.done:
		return fmt.Errorf("node %s: unit has exited", h.cfg.Name)
	}
}

// run is the node goroutine main loop. A panic inside event processing is
// converted into a fatal report so the coordinator's round can fail cleanly
// instead of deadlocking.
func (u *nodeUnit) run() {
	defer func() {
		if r := recover(); r != nil {
			u.reportCh <- &NodeReport{
				NodeIndex: u.cfg.Index,
				Name:      u.cfg.Name,
				Time:      u.now,
				Fatal:     fmt.Errorf("node %s: panic: %v", u.cfg.Name, r),
			}
		}
	}()

	for cmd := range u.cmdCh {
		switch c := cmd.(type) {
		case advanceCmd:
			u.reportCh <- u.advanceTo(c.until)
		case deliverCmd:
			u.deliver(c.events)
		case shutdownCmd:
			u.reportCh <- &NodeReport{NodeIndex: u.cfg.Index, Name: u.cfg.Name, Time: u.now, ShutdownAck: true}
			return
		default:
			logrus.Warnf("node %s: unknown command %T", u.cfg.Name, cmd)
		}
	}
}

// advanceTo processes all locally queued events with time <= until, in the
// queue's deterministic order, then advances the local clock to until.
func (u *nodeUnit) advanceTo(until SimTime) *NodeReport {
	started := time.Now()
	rep := &NodeReport{NodeIndex: u.cfg.Index, Name: u.cfg.Name}

	if u.pendingFatal != nil {
		rep.Fatal = u.pendingFatal
		rep.Time = u.now
		return rep
	}

	for {
		ev := u.queue.Peek()
		if ev == nil || ev.Time > until {
			break
		}
		if u.breakAt > 0 && uint64(ev.ID) == u.breakAt {
			rep.BreakHit = true
			break
		}
		u.queue.PopNext()

		if ev.Time < u.now {
			rep.Fatal = fmt.Errorf("node %s: logical time moved backward: event %d at %s behind clock %s",
				u.cfg.Name, uint64(ev.ID), ev.Time, u.now)
			break
		}
		u.now = ev.Time

		u.slot.Begin(ev)
		u.processEvent(ev, rep)
		u.slot.End()
		rep.EventsProcessed++

		if u.cfg.Tracing {
			u.trace = append(u.trace, TraceEvent{
				Time:   ev.Time,
				Entity: ev.firstTarget(),
				Kind:   ev.Payload.Kind(),
				Detail: ev.Payload.Describe(),
			})
		}
	}

	if rep.Fatal == nil && !rep.BreakHit && until > u.now {
		u.now = until
	}
	rep.Time = u.now
	if t, ok := u.queue.NextTime(); ok {
		rep.NextWake = Wake{At: t, Valid: true}
	}
	if len(u.trace) > 0 {
		rep.Trace = u.trace
		u.trace = nil
	}
	rep.StepCost = time.Since(started)
	return rep
}

// deliver inserts coordinator-routed events into the local queue. ReceiveAir
// becomes the RadioRxPacket the firmware will see; everything else is queued
// as-is.
func (u *nodeUnit) deliver(events []*Event) {
	for _, ev := range events {
		if !u.owns(ev) {
			u.pendingFatal = fmt.Errorf("node %s: delivered event %d targets foreign entity", u.cfg.Name, uint64(ev.ID))
			return
		}
		if rx, ok := ev.Payload.(ReceiveAirPayload); ok {
			u.enqueueLocal(ev.Time, ev.Source, u.cfg.FirmwareID, RadioRxPacketPayload{
				Frame:       rx.Frame,
				SourceRadio: rx.SourceRadio,
				SNRdB:       rx.MeanSNRdB,
				RSSIdBm:     rx.RSSIdBm,
				Collided:    rx.Collided,
			})
			continue
		}
		u.queue.Schedule(ev)
	}
}

// owns reports whether every target of ev belongs to this node.
func (u *nodeUnit) owns(ev *Event) bool {
	for _, t := range ev.Targets {
		if t != u.cfg.FirmwareID && t != u.cfg.RadioID {
			return false
		}
	}
	return true
}

// enqueueLocal creates and queues a node-local event.
func (u *nodeUnit) enqueueLocal(at SimTime, source, target EntityID, payload Payload) {
	u.queue.Schedule(&Event{
		ID:      u.ids.nextID(),
		Time:    at,
		Source:  source,
		Targets: []EntityID{target},
		Payload: payload,
	})
}

// processEvent is the core per-event dispatch for intra-node routing.
func (u *nodeUnit) processEvent(ev *Event, rep *NodeReport) {
	switch p := ev.Payload.(type) {
	case TimerPayload:
		u.stepFirmware(ev.Time, rep)

	case SerialRxPayload:
		u.fw.HandleSerialRx(p.Data)
		u.stepFirmware(ev.Time, rep)

	case RadioRxPacketPayload:
		u.fw.HandleRadioRx(p.Frame, p.SNRdB, p.RSSIdBm, p.Collided)
		u.stepFirmware(ev.Time, rep)

	case RadioStateChangedPayload:
		u.fw.NotifyRadioState(p.State)
		u.stepFirmware(ev.Time, rep)

	case RadioTxRequestPayload:
		// Radio accepts the request and starts transmitting. The air event
		// escalates to the coordinator; the radio returns to receiving when
		// the transmission ends.
		end := ev.Time.AddMicros(airtimeMicros(p.Frame, p.Params))
		rep.AirEvents = append(rep.AirEvents, &Event{
			ID:      u.ids.nextID(),
			Time:    ev.Time,
			Source:  u.cfg.RadioID,
			Payload: TransmitAirPayload{Frame: p.Frame, Params: p.Params, EndTime: end},
		})
		u.fw.NotifyRadioState(RadioTransmitting)
		u.enqueueLocal(end, u.cfg.RadioID, u.cfg.FirmwareID, RadioStateChangedPayload{State: RadioReceiving})

	case SerialTxPayload:
		rep.SerialOut = append(rep.SerialOut, p.Data)
		if u.agent != nil {
			for _, reply := range u.agent.HandleSerialTx(ev.Time, p.Data) {
				u.enqueueLocal(ev.Time.AddMicros(serialTurnaroundMicros), u.cfg.FirmwareID, u.cfg.FirmwareID,
					SerialRxPayload{Data: reply})
			}
		}

	case MessageSendPayload, MessageReceivedPayload, MessageAcknowledgedPayload:
		// Application-level events carry no node-local behavior; they exist
		// for observers.
		logrus.Debugf("node %s: %s %s", u.cfg.Name, ev.Payload.Kind(), ev.Payload.Describe())

	case SimulationEndPayload:
		rep.SimulationEnd = true

	case TransmitAirPayload, ReceiveAirPayload:
		rep.Fatal = fmt.Errorf("node %s: air event %d applied locally", u.cfg.Name, uint64(ev.ID))

	default:
		logrus.Debugf("node %s: ignoring payload kind %s", u.cfg.Name, ev.Payload.Kind())
	}
}

// stepFirmware runs one synchronous firmware step and applies its yield
// reason. A firmware error is recorded in the report and stops only this
// step, never the unit.
func (u *nodeUnit) stepFirmware(now SimTime, rep *NodeReport) {
	res := u.fw.Step(now)

	if len(res.SerialTx) > 0 {
		u.enqueueLocal(now, u.cfg.FirmwareID, u.cfg.FirmwareID, SerialTxPayload{Data: res.SerialTx})
	}

	switch res.Reason {
	case YieldIdle:
		if res.WakeAt > now {
			u.enqueueLocal(res.WakeAt, u.cfg.FirmwareID, u.cfg.FirmwareID, TimerPayload{TimerID: TimerFirmwareWake})
		}
	case YieldRadioTxStart:
		if res.RadioTx == nil {
			logrus.Warnf("node %s: RadioTxStart yield without transmit request", u.cfg.Name)
			return
		}
		u.enqueueLocal(now, u.cfg.FirmwareID, u.cfg.RadioID, *res.RadioTx)
	case YieldRadioTxComplete:
		// Transmission finished inside the firmware; nothing to schedule.
	case YieldError:
		rep.FirmwareErrors = append(rep.FirmwareErrors, res.Err)
		logrus.Warnf("node %s: firmware error: %s", u.cfg.Name, res.Err)
	case YieldReboot, YieldPowerOff:
		logrus.Infof("node %s: firmware yielded %s at %s", u.cfg.Name, res.Reason, now)
	default:
		logrus.Debugf("node %s: unhandled yield reason %s", u.cfg.Name, res.Reason)
	}
}

// airtimeMicros approximates LoRa time-on-air for a frame. It only needs to
// be deterministic and monotone in frame size; the medium model owns real
// link behavior.
func airtimeMicros(frame RadioFrame, params RadioParams) uint64 {
	sf := uint64(params.SpreadingFactor)
	if sf < 5 {
		sf = 5
	}
	bw := uint64(params.BandwidthHz)
	if bw == 0 {
		bw = 125_000
	}
	symbolUs := (uint64(1) << sf) * 1_000_000 / bw
	// Preamble of 8 symbols plus roughly 2 symbols per payload byte.
	symbols := 8 + 2*uint64(len(frame.Data))
	return symbolUs * symbols
}
