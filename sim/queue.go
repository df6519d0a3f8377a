package sim

import "container/heap"

// eventQueue is a node's private event queue: a min-heap with deterministic
// ordering. Order by: time, then event ID, then first target entity ID, so
// that two runs drain identical queue contents in the identical order no
// matter how the entries were interleaved on insert.
type eventQueue struct {
	events []*Event
}

func newEventQueue() *eventQueue {
	q := &eventQueue{events: make([]*Event, 0)}
	heap.Init(q)
	return q
}

// Len implements heap.Interface.
func (q *eventQueue) Len() int {
	return len(q.events)
}

// Less implements heap.Interface with the deterministic tie-break.
func (q *eventQueue) Less(i, j int) bool {
	ei, ej := q.events[i], q.events[j]

	if ei.Time != ej.Time {
		return ei.Time < ej.Time
	}
	if ei.ID != ej.ID {
		return ei.ID < ej.ID
	}
	return ei.firstTarget() < ej.firstTarget()
}

// Swap implements heap.Interface.
func (q *eventQueue) Swap(i, j int) {
	q.events[i], q.events[j] = q.events[j], q.events[i]
}

// Push implements heap.Interface.
func (q *eventQueue) Push(x interface{}) {
	q.events = append(q.events, x.(*Event))
}

// Pop implements heap.Interface.
func (q *eventQueue) Pop() interface{} {
	old := q.events
	n := len(old)
	item := old[n-1]
	q.events = old[0 : n-1]
	return item
}

// Schedule adds an event to the queue.
func (q *eventQueue) Schedule(e *Event) {
	heap.Push(q, e)
}

// PopNext removes and returns the next event, or nil when empty.
func (q *eventQueue) PopNext() *Event {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*Event)
}

// Peek returns the next event without removing it, or nil when empty.
func (q *eventQueue) Peek() *Event {
	if q.Len() == 0 {
		return nil
	}
	return q.events[0]
}

// NextTime returns the time of the earliest queued event.
func (q *eventQueue) NextTime() (SimTime, bool) {
	if q.Len() == 0 {
		return 0, false
	}
	return q.events[0].Time, true
}
