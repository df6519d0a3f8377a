package sim

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultNodeStopTimeout bounds how long Shutdown waits for each unit.
const DefaultNodeStopTimeout = 5 * time.Second

// maxPacerSleep keeps the control goroutine responsive while pacing.
const maxPacerSleep = 50 * time.Millisecond

// SerialSink receives externally-bound serial bytes per node. Implemented by
// the transport bridge; called from the coordinator's control goroutine.
type SerialSink interface {
	WriteSerial(node string, data []byte)
}

// CoordinatorConfig is the run-wide configuration of the synchronization
// core.
type CoordinatorConfig struct {
	Seed     int64
	Coalesce CoalesceConfig
	// BreakAtEvent stops the run just before the event with this ID is
	// processed, whether node-local or routed. Event IDs are deterministic
	// for a fixed seed and topology and are printed by watchdog alerts, so
	// the alert's recipe stops a rerun right at the stalled event. Zero
	// disables.
	BreakAtEvent uint64
	// NodeStopTimeout bounds the wait for each unit during Shutdown.
	// Defaults to DefaultNodeStopTimeout.
	NodeStopTimeout time.Duration
}

// Coordinator owns the node execution units, the shared radio medium router,
// and the global clock. It drives time forward in synchronization rounds:
// command all units to advance, collect their reports, resolve air events
// sequentially in a fixed order, deliver the results, and repeat. The
// sequential, sorted resolution phase is what makes the outcome independent
// of how the units were scheduled.
type Coordinator struct {
	cfg    CoordinatorConfig
	medium Medium
	names  *EntityNames
	board  *WatchBoard
	slot   *WatchSlot
	pacer  *Pacer

	nodes  []*nodeHandle
	wakes  []Wake
	owners map[EntityID]int

	reports  chan *NodeReport
	external chan serialInjection

	ids *idAllocator
	now SimTime

	started  bool
	shut     bool
	simEnd   bool
	breakHit bool
	stopReq  atomic.Bool
	mu       sync.Mutex

	stats     *statsRecorder
	observers []EventObserver
	sink      SerialSink
}

type serialInjection struct {
	node int
	data []byte
}

// NewCoordinator creates a coordinator with no nodes.
func NewCoordinator(cfg CoordinatorConfig, medium Medium) (*Coordinator, error) {
	if cfg.Coalesce.Enabled && cfg.Coalesce.ThresholdMicros == 0 {
		return nil, fmt.Errorf("coalescing enabled with zero threshold; disable it instead")
	}
	if cfg.NodeStopTimeout <= 0 {
		cfg.NodeStopTimeout = DefaultNodeStopTimeout
	}
	if medium == nil {
		return nil, fmt.Errorf("coordinator requires a medium model")
	}
	board := NewWatchBoard()
	return &Coordinator{
		cfg:      cfg,
		medium:   medium,
		names:    NewEntityNames(),
		board:    board,
		slot:     board.NewSlot(),
		owners:   make(map[EntityID]int),
		reports:  make(chan *NodeReport, 256),
		external: make(chan serialInjection, 256),
		ids:      newIDAllocator(0),
		stats:    newStatsRecorder(uuid.NewString(), cfg.Seed),
	}, nil
}

// Names exposes the entity name registry for diagnostics.
func (c *Coordinator) Names() *EntityNames {
	return c.names
}

// Board exposes the shared currently-processing-event record observed by
// the watchdog.
func (c *Coordinator) Board() *WatchBoard {
	return c.board
}

// Now returns the global clock.
func (c *Coordinator) Now() SimTime {
	return c.now
}

// NodeCount returns the number of registered units.
func (c *Coordinator) NodeCount() int {
	return len(c.nodes)
}

// SimulationEnded reports whether a SimulationEnd event was observed.
func (c *Coordinator) SimulationEnded() bool {
	return c.simEnd
}

// BreakReached reports whether the run stopped at the configured event
// breakpoint.
func (c *Coordinator) BreakReached() bool {
	return c.breakHit
}

// RequestStop asks an in-progress run to stop at the next round boundary.
// Safe to call from any goroutine.
func (c *Coordinator) RequestStop() {
	c.stopReq.Store(true)
}

// SetPacer installs the optional real-time pacer. Must be called before the
// run starts.
func (c *Coordinator) SetPacer(p *Pacer) {
	c.pacer = p
}

// SetSerialSink installs the serial bridge output. Must be called before the
// run starts.
func (c *Coordinator) SetSerialSink(s SerialSink) {
	c.sink = s
}

// AddObserver registers a metrics sink fed from the sequential phase. Must
// be called before the run starts.
func (c *Coordinator) AddObserver(o EventObserver) {
	c.observers = append(c.observers, o)
}

// AddNode registers a new node execution unit. Valid only before the run
// starts.
func (c *Coordinator) AddNode(cfg NodeConfig, fw Firmware) error {
	return c.AddNodeWithAgent(cfg, fw, nil)
}

// AddNodeWithAgent registers a node with an attached application agent.
func (c *Coordinator) AddNodeWithAgent(cfg NodeConfig, fw Firmware, agent Agent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("cannot add node %q: run already started", cfg.Name)
	}
	if c.shut {
		return fmt.Errorf("cannot add node %q: coordinator is shut down", cfg.Name)
	}
	if cfg.Name == "" {
		return fmt.Errorf("node name must not be empty")
	}
	if fw == nil {
		return fmt.Errorf("node %q: firmware must not be nil", cfg.Name)
	}
	if cfg.FirmwareID == 0 || cfg.RadioID == 0 || cfg.FirmwareID == cfg.RadioID {
		return fmt.Errorf("node %q: firmware and radio entity IDs must be distinct and non-zero", cfg.Name)
	}
	if _, taken := c.owners[cfg.FirmwareID]; taken {
		return fmt.Errorf("node %q: entity ID %d already in use", cfg.Name, uint64(cfg.FirmwareID))
	}
	if _, taken := c.owners[cfg.RadioID]; taken {
		return fmt.Errorf("node %q: entity ID %d already in use", cfg.Name, uint64(cfg.RadioID))
	}

	cfg.Index = len(c.nodes)
	h := spawnNode(cfg, fw, agent, c.board, c.cfg.BreakAtEvent, c.reports)
	c.nodes = append(c.nodes, h)
	c.wakes = append(c.wakes, Wake{})
	c.owners[cfg.FirmwareID] = cfg.Index
	c.owners[cfg.RadioID] = cfg.Index
	c.names.Register(cfg.FirmwareID, cfg.Name+"/fw")
	c.names.Register(cfg.RadioID, cfg.Name+"/radio")
	return nil
}

// Schedule queues a payload into a node's local queue, targeting the
// firmware entity (or the radio for transmit requests). Seeds scenarios
// before the run starts; once the run is under way, external input goes
// through InjectSerialRx instead.
func (c *Coordinator) Schedule(nodeName string, at SimTime, payload Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("cannot schedule on %q: run already started", nodeName)
	}
	if c.shut {
		return fmt.Errorf("cannot schedule on %q: coordinator is shut down", nodeName)
	}
	idx := c.nodeIndex(nodeName)
	if idx < 0 {
		return fmt.Errorf("unknown node %q", nodeName)
	}
	h := c.nodes[idx]
	target := h.cfg.FirmwareID
	if payload.Kind() == KindRadioTxRequest {
		target = h.cfg.RadioID
	}
	ev := &Event{
		ID:      c.ids.nextID(),
		Time:    at,
		Source:  target,
		Targets: []EntityID{target},
		Payload: payload,
	}
	if err := h.send(deliverCmd{events: []*Event{ev}}); err != nil {
		return err
	}
	c.noteWake(idx, at)
	return nil
}

// InjectSerialRx hands externally received serial bytes to a node. Safe to
// call from bridge goroutines at any time; the bytes become a SerialRx event
// at the start of the next synchronization round.
func (c *Coordinator) InjectSerialRx(nodeName string, data []byte) error {
	idx := c.nodeIndex(nodeName)
	if idx < 0 {
		return fmt.Errorf("unknown node %q", nodeName)
	}
	select {
	case c.external <- serialInjection{node: idx, data: data}:
		return nil
	default:
		return fmt.Errorf("node %q: serial injection queue full", nodeName)
	}
}

func (c *Coordinator) nodeIndex(name string) int {
	for i, h := range c.nodes {
		if h.cfg.Name == name {
			return i
		}
	}
	return -1
}

func (c *Coordinator) noteWake(idx int, at SimTime) {
	if !c.wakes[idx].Valid || at < c.wakes[idx].At {
		c.wakes[idx] = Wake{At: at, Valid: true}
	}
}

// Stats returns a read-only snapshot of the run statistics. Safe to call
// concurrently with an in-progress run.
func (c *Coordinator) Stats() RunStats {
	return c.stats.Snapshot()
}

// Snapshot implements the monitor's stats source.
func (c *Coordinator) Snapshot() RunStats {
	return c.Stats()
}

// AdvanceTo drives the synchronization protocol until every unit's local
// clock reaches target.
func (c *Coordinator) AdvanceTo(target SimTime) error {
	c.mu.Lock()
	if c.shut {
		c.mu.Unlock()
		return fmt.Errorf("coordinator is shut down")
	}
	c.started = true
	c.mu.Unlock()

	if target < c.now {
		return fmt.Errorf("cannot advance backwards: target %s behind clock %s", target, c.now)
	}

	for c.now < target && !c.simEnd && !c.breakHit && !c.stopReq.Load() {
		if err := c.round(target); err != nil {
			return err
		}
	}
	return nil
}

// round performs one synchronization round: deliver pending external input,
// advance every unit to the next coalesced wake (capped at target), collect
// reports, resolve air events, and deliver the results.
func (c *Coordinator) round(target SimTime) error {
	c.drainExternal()

	step := target
	if points := CoalesceWakeTimes(c.wakes, c.cfg.Coalesce.threshold()); len(points) > 0 && points[0] < step {
		step = points[0]
	}
	if step < c.now {
		return fmt.Errorf("synchronization point %s behind global clock %s", step, c.now)
	}

	for _, h := range c.nodes {
		if err := h.send(advanceCmd{until: step}); err != nil {
			return fmt.Errorf("advance command failed: %w", err)
		}
	}

	// Collection order is meaningless; reports are bucketed by node index
	// and handled in index order.
	reports := make([]*NodeReport, len(c.nodes))
	for range c.nodes {
		rep := <-c.reports
		if rep.NodeIndex >= 0 && rep.NodeIndex < len(reports) {
			reports[rep.NodeIndex] = rep
		}
	}

	var fatal error
	var air []*Event
	for idx, rep := range reports {
		if rep == nil {
			if fatal == nil {
				fatal = fmt.Errorf("node %d produced no report", idx)
			}
			continue
		}
		if rep.Fatal != nil && fatal == nil {
			fatal = rep.Fatal
		}
		c.wakes[idx] = rep.NextWake
		c.stats.cur.EventsProcessed += rep.EventsProcessed
		c.stats.cur.FirmwareErrors += uint64(len(rep.FirmwareErrors))
		if rep.SimulationEnd {
			c.simEnd = true
		}
		if rep.BreakHit && !c.breakHit {
			c.breakHit = true
			logrus.Warnf("breakpoint: node %s stopped before event %d", rep.Name, c.cfg.BreakAtEvent)
		}
		air = append(air, rep.AirEvents...)
		if c.sink != nil {
			for _, data := range rep.SerialOut {
				c.sink.WriteSerial(rep.Name, data)
			}
		}
		for _, tr := range rep.Trace {
			for _, o := range c.observers {
				o.ObserveTrace(rep.Name, tr)
			}
		}
	}
	if fatal != nil {
		return fmt.Errorf("synchronization round failed: %w", fatal)
	}

	// Determinism anchor: a fixed total order over air events, independent
	// of how the parallel phase interleaved.
	sort.Slice(air, func(i, j int) bool {
		if air[i].Time != air[j].Time {
			return air[i].Time < air[j].Time
		}
		if air[i].Source != air[j].Source {
			return air[i].Source < air[j].Source
		}
		return air[i].Payload.Kind() < air[j].Payload.Kind()
	})

	if err := c.routeAir(air); err != nil {
		return err
	}

	c.now = step
	c.stats.cur.Rounds++
	c.stats.cur.SimTime = c.now
	c.stats.publish()
	return nil
}

// routeAir resolves sorted air events against the medium model and delivers
// the resulting receptions to target units. Runs strictly after all units
// have reported, never interleaved with node stepping.
func (c *Coordinator) routeAir(air []*Event) error {
	if len(air) == 0 {
		return nil
	}

	batch := make([]Transmission, 0, len(air))
	for _, ev := range air {
		if c.cfg.BreakAtEvent > 0 && uint64(ev.ID) == c.cfg.BreakAtEvent {
			c.breakHit = true
			logrus.Warnf("breakpoint: stopping before routing event %d (%s)", c.cfg.BreakAtEvent, ev)
			break
		}

		tx, ok := ev.Payload.(TransmitAirPayload)
		if !ok {
			return fmt.Errorf("non-air event %d escalated for routing: %s", uint64(ev.ID), ev.Payload.Kind())
		}
		if _, owned := c.owners[ev.Source]; !owned {
			return fmt.Errorf("air event %d from unknown radio %d", uint64(ev.ID), uint64(ev.Source))
		}

		c.slot.Begin(ev)
		batch = append(batch, Transmission{
			SourceRadio: ev.Source,
			Frame:       tx.Frame,
			Params:      tx.Params,
			Start:       ev.Time,
			End:         tx.EndTime,
		})
		for _, o := range c.observers {
			o.ObserveDelivered(ev)
		}
		c.stats.cur.AirEventsRouted++
		c.slot.End()
	}
	if len(batch) == 0 {
		return nil
	}

	receptions := c.medium.Resolve(batch)

	perNode := make([][]*Event, len(c.nodes))
	for _, rc := range receptions {
		idx, owned := c.owners[rc.TargetRadio]
		if !owned {
			return fmt.Errorf("medium produced reception for unknown radio %d", uint64(rc.TargetRadio))
		}
		ev := &Event{
			ID:      c.ids.nextID(),
			Time:    rc.At,
			Source:  rc.SourceRadio,
			Targets: []EntityID{rc.TargetRadio},
			Payload: ReceiveAirPayload{
				Frame:       rc.Frame,
				SourceRadio: rc.SourceRadio,
				MeanSNRdB:   rc.MeanSNRdB,
				RSSIdBm:     rc.RSSIdBm,
				Collided:    rc.Collided,
			},
		}
		perNode[idx] = append(perNode[idx], ev)
		for _, o := range c.observers {
			o.ObserveDelivered(ev)
		}
		c.stats.cur.PacketsDelivered++
		if rc.Collided {
			c.stats.cur.PacketsCollided++
		}
	}

	// Delivery happens before the next round's advance is issued, so no
	// node can observe an event from beyond the round boundary.
	for idx, evs := range perNode {
		if len(evs) == 0 {
			continue
		}
		if err := c.nodes[idx].send(deliverCmd{events: evs}); err != nil {
			return fmt.Errorf("delivery to node %s failed: %w", c.nodes[idx].cfg.Name, err)
		}
		for _, ev := range evs {
			c.noteWake(idx, ev.Time)
		}
	}
	return nil
}

// drainExternal turns queued serial injections into SerialRx deliveries at
// the current global time.
func (c *Coordinator) drainExternal() {
	for {
		select {
		case inj := <-c.external:
			h := c.nodes[inj.node]
			ev := &Event{
				ID:      c.ids.nextID(),
				Time:    c.now,
				Targets: []EntityID{h.cfg.FirmwareID},
				Payload: SerialRxPayload{Data: inj.data},
			}
			if err := h.send(deliverCmd{events: []*Event{ev}}); err != nil {
				logrus.Warnf("dropping serial input for %s: %v", h.cfg.Name, err)
				continue
			}
			c.noteWake(inj.node, c.now)
		default:
			return
		}
	}
}

// Run advances the simulation by duration, or until a SimulationEnd event or
// the configured breakpoint is observed. With a pacer installed, logical
// time is held back to track the wall clock.
func (c *Coordinator) Run(duration SimTime) error {
	end := c.now + duration
	for c.now < end && !c.simEnd && !c.breakHit && !c.stopReq.Load() {
		if c.pacer == nil || !c.pacer.Enabled() {
			if err := c.AdvanceTo(end); err != nil {
				return err
			}
			continue
		}

		target := minTime(end, c.pacer.TargetLogicalTime())
		if target <= c.now {
			c.sleepUntilDue(end)
			continue
		}
		if err := c.AdvanceTo(target); err != nil {
			return err
		}
		if drift, ok := c.pacer.CheckLagWarning(c.now); ok {
			c.stats.cur.LagWarnings++
			c.stats.publish()
			logrus.Warnf("simulation lagging %.1f ms behind real time", float64(drift)/1000)
		}
		if ps, ok := c.pacer.CheckPeriodicStats(c.now, c.stats.cur.EventsProcessed); ok {
			logrus.Infof("t=%s ratio=%.2fx events=%d rate=%.0f/s(wall) %.0f/s(sim) mem=%s",
				ps.SimTime, ps.SimToRealRatio, ps.TotalEvents, ps.EventRateWall, ps.EventRateSim,
				ps.MemoryHumanReadable())
		}
	}
	return nil
}

// sleepUntilDue naps until the next wake time (or the run end) is due on the
// wall clock, in bounded slices so shutdown stays responsive.
func (c *Coordinator) sleepUntilDue(end SimTime) {
	next := end
	for _, w := range c.wakes {
		if w.Valid && w.At < next {
			next = w.At
		}
	}
	d, ok := c.pacer.SleepUntilEvent(next)
	if !ok {
		return
	}
	if d > maxPacerSleep {
		d = maxPacerSleep
	}
	time.Sleep(d)
}

// Shutdown stops all units and releases resources. Safe after a partial run
// and idempotent; an unresponsive unit is reported, not awaited forever.
func (c *Coordinator) Shutdown() error {
	c.mu.Lock()
	if c.shut {
		c.mu.Unlock()
		return nil
	}
	c.shut = true
	c.mu.Unlock()

	timeout := c.cfg.NodeStopTimeout
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	expired := false

	var errs []error
	for _, h := range c.nodes {
		select {
		case h.cmdCh <- shutdownCmd{}:
		case <-h.done:
		default:
			// Command queue full: the unit is wedged mid-round. The bounded
			// join below decides whether to report it.
		}
	}

	for _, h := range c.nodes {
	wait:
		for {
			if expired {
				select {
				case <-h.done:
				default:
					errs = append(errs, fmt.Errorf("node %s did not stop within %s", h.cfg.Name, timeout))
					c.stats.cur.UnresponsiveNodes++
				}
				break wait
			}
			select {
			case <-h.done:
				break wait
			case <-c.reports:
				// Discard straggler reports so exiting units never block.
			case <-deadline.C:
				expired = true
			}
		}
	}

	c.stats.publish()
	return errors.Join(errs...)
}
