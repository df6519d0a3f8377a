package sim

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultWatchdogPollInterval is how often the watchdog inspects the
// currently processing event.
const DefaultWatchdogPollInterval = 500 * time.Millisecond

// DefaultWatchdogTimeout is the in-flight duration beyond which an event is
// considered stalled.
const DefaultWatchdogTimeout = 10 * time.Second

// CurrentEventInfo is a snapshot of an event being processed right now.
// Published atomically by the actor processing it (a node unit or the
// coordinator's resolution phase) and read only by the watchdog.
type CurrentEventInfo struct {
	// EventID is run-unique and stable across reruns of the same seed, so it
	// doubles as the breakpoint number in reproduction recipes.
	EventID   EventID
	Time      SimTime
	Source    EntityID
	Targets   []EntityID
	Kind      string
	Detail    string
	StartedAt time.Time
}

// WatchBoard is the shared "currently processing event" record: one slot per
// publisher. Node units process events in parallel, so a single last-writer
// record would let a healthy sibling's End erase a stuck node's entry; with
// per-publisher slots a record can only be cleared by the unit that wrote it.
type WatchBoard struct {
	mu    sync.Mutex
	slots []*WatchSlot
}

// NewWatchBoard creates a board with no publishers.
func NewWatchBoard() *WatchBoard {
	return &WatchBoard{}
}

// NewSlot registers a publisher and returns its private slot.
func (b *WatchBoard) NewSlot() *WatchSlot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &WatchSlot{}
	b.slots = append(b.slots, s)
	return s
}

// InFlight returns the events currently being processed, one per busy
// publisher.
func (b *WatchBoard) InFlight() []*CurrentEventInfo {
	b.mu.Lock()
	slots := make([]*WatchSlot, len(b.slots))
	copy(slots, b.slots)
	b.mu.Unlock()

	var infos []*CurrentEventInfo
	for _, s := range slots {
		if info := s.cur.Load(); info != nil {
			infos = append(infos, info)
		}
	}
	return infos
}

// WatchSlot is one publisher's in-flight record. Only its owner writes it;
// readers always observe a consistent snapshot, never a partial update.
type WatchSlot struct {
	cur atomic.Pointer[CurrentEventInfo]
}

// Begin publishes ev as the event this publisher is now processing.
func (s *WatchSlot) Begin(ev *Event) {
	s.cur.Store(&CurrentEventInfo{
		EventID:   ev.ID,
		Time:      ev.Time,
		Source:    ev.Source,
		Targets:   append([]EntityID(nil), ev.Targets...),
		Kind:      ev.Payload.Kind().String(),
		Detail:    ev.Payload.Describe(),
		StartedAt: time.Now(),
	})
}

// End clears the slot after the event finished processing.
func (s *WatchSlot) End() {
	s.cur.Store(nil)
}

// Current returns this publisher's in-flight event, or nil when idle.
func (s *WatchSlot) Current() *CurrentEventInfo {
	return s.cur.Load()
}

// WatchdogConfig configures the stuck-event watchdog.
type WatchdogConfig struct {
	// Timeout is the in-flight duration beyond which an event is reported.
	Timeout time.Duration
	// PollInterval defaults to DefaultWatchdogPollInterval when zero.
	PollInterval time.Duration
	// Seed and RunID appear in the reproduction recipe of every alert.
	Seed  int64
	RunID string
	// OnAlert, when set, is invoked instead of only logging. Used by tests.
	OnAlert func(info CurrentEventInfo)
}

// Watchdog observes the shared board from its own goroutine and emits one
// diagnostic report per stalled event. It never halts or mutates the
// simulation.
type Watchdog struct {
	cfg    WatchdogConfig
	board  *WatchBoard
	names  *EntityNames
	alerts atomic.Uint64
	stop   chan struct{}
	done   chan struct{}
}

// NewWatchdog starts a watchdog polling board.
func NewWatchdog(cfg WatchdogConfig, board *WatchBoard, names *EntityNames) *Watchdog {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultWatchdogPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultWatchdogTimeout
	}
	w := &Watchdog{
		cfg:   cfg,
		board: board,
		names: names,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go w.loop()
	return w
}

// AlertCount returns how many alerts have fired so far.
func (w *Watchdog) AlertCount() uint64 {
	return w.alerts.Load()
}

// Stop terminates the watchdog goroutine and waits for it to exit.
// Idempotent.
func (w *Watchdog) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	<-w.done
}

func (w *Watchdog) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	alerted := make(map[EventID]struct{})

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
		}

		inFlight := w.board.InFlight()
		live := make(map[EventID]struct{}, len(inFlight))
		for _, info := range inFlight {
			live[info.EventID] = struct{}{}
			elapsed := time.Since(info.StartedAt)
			if elapsed < w.cfg.Timeout {
				continue
			}
			// At most one alert per stalled event, however long it stays in
			// flight.
			if _, done := alerted[info.EventID]; done {
				continue
			}
			alerted[info.EventID] = struct{}{}
			w.alerts.Add(1)
			w.report(*info, elapsed)
		}
		// Forget finished events; the set stays bounded by publisher count.
		for id := range alerted {
			if _, ok := live[id]; !ok {
				delete(alerted, id)
			}
		}
	}
}

func (w *Watchdog) report(info CurrentEventInfo, elapsed time.Duration) {
	if w.cfg.OnAlert != nil {
		w.cfg.OnAlert(info)
	}

	targets := make([]string, 0, len(info.Targets))
	for _, id := range info.Targets {
		targets = append(targets, w.names.Lookup(id))
	}

	logrus.Warnf("WATCHDOG ALERT #%d: event in flight for %.1fs", w.alerts.Load(), elapsed.Seconds())
	logrus.Warnf("  run:      %s", w.cfg.RunID)
	logrus.Warnf("  event:    id=%d (allocator %d, seq %d) kind=%s",
		uint64(info.EventID), uint64(info.EventID)>>idSpaceShift,
		uint64(info.EventID)&(1<<idSpaceShift-1), info.Kind)
	logrus.Warnf("  sim time: %s", info.Time)
	logrus.Warnf("  source:   %s (id=%d)", w.names.Lookup(info.Source), uint64(info.Source))
	if len(targets) > 0 {
		logrus.Warnf("  targets:  %s", strings.Join(targets, ", "))
	}
	if info.Detail != "" {
		logrus.Warnf("  details:  %s", info.Detail)
	}
	logrus.Warnf("  to reproduce, re-run with: --seed %d --break-at-event %d", w.cfg.Seed, uint64(info.EventID))
}
