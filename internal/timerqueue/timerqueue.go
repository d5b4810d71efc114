// Package timerqueue implements the single priority time-event queue the
// scheduler, cache, and announcer share (§4.3 of the spec): every timed
// transition in the engine — probe retries, announcement steps, cache
// expiry checkpoints, scheduled responses — is one Event in one heap, and
// the server's single goroutine drives them all by repeatedly asking for
// the next wakeup and running whatever is due.
//
// Grounded on container/heap (stdlib), the same structure other_examples'
// DNS daemons (serviced-dns4.go, dns4d.go) use for their own event/expiry
// queues; generalized here into a reusable min-heap keyed on an absolute
// wake time rather than being special-cased per call site.
package timerqueue

import (
	"container/heap"
	"time"
)

// Callback is invoked when an Event's time arrives. now is the time the
// queue observed at the moment it ran the event (not necessarily exactly
// Event.At, since Run only checks at discrete points). A callback that
// wants to run again schedules a new Event — no Event re-arms itself.
type Callback func(now time.Time)

// Event is one scheduled callback. Callers get an *Event back from Add so
// they can Cancel it before it fires.
type Event struct {
	at       time.Time
	seq      uint64 // insertion order, breaks ties deterministically (FIFO)
	callback Callback
	index    int // heap index, maintained by container/heap; -1 once removed
	canceled bool
}

// At returns the event's scheduled wake time.
func (e *Event) At() time.Time { return e.at }

// Queue is a min-heap of Events ordered by wake time (ties broken by
// insertion order). Not safe for concurrent use — the engine's single
// event-loop goroutine owns it, per the cooperative single-threaded model
// (§4.3, §9).
type Queue struct {
	heap eventHeap
	seq  uint64
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{}
}

// Add schedules callback to run at 'at' and returns the Event handle.
func (q *Queue) Add(at time.Time, callback Callback) *Event {
	e := &Event{at: at, seq: q.seq, callback: callback, index: -1}
	q.seq++
	heap.Push(&q.heap, e)
	return e
}

// Cancel removes e from the queue if it is still pending. Canceling a nil,
// already-fired, or already-canceled event is a no-op — callers are free to
// Cancel an *Event field that hasn't been scheduled yet.
func (q *Queue) Cancel(e *Event) {
	if e == nil || e.index < 0 || e.canceled {
		return
	}
	e.canceled = true
	heap.Remove(&q.heap, e.index)
}

// Reschedule cancels e if still pending and adds a new event for callback
// at 'at'. It is the usual way a recurring timer (a cache expiry
// checkpoint, a probe retry) moves itself forward.
func (q *Queue) Reschedule(e *Event, at time.Time, callback Callback) *Event {
	q.Cancel(e)
	return q.Add(at, callback)
}

// Len returns the number of pending events.
func (q *Queue) Len() int { return q.heap.Len() }

// NextWakeup returns the time of the earliest pending event and true, or
// the zero time and false if the queue is empty. The server's poll loop
// uses this to compute how long it may block in its network read.
func (q *Queue) NextWakeup() (time.Time, bool) {
	if q.heap.Len() == 0 {
		return time.Time{}, false
	}
	return q.heap[0].at, true
}

// Run fires every event whose wake time is <= now, in time order (ties
// broken by insertion order), and returns how many ran. Each event is
// popped from the heap — restoring the heap invariant — before its
// callback runs, so a callback that calls Add/Cancel/Reschedule on the
// same queue (including rescheduling itself) never corrupts the heap it is
// being invoked from.
func (q *Queue) Run(now time.Time) int {
	ran := 0
	for q.heap.Len() > 0 && !q.heap[0].at.After(now) {
		e := heap.Pop(&q.heap).(*Event)
		if e.canceled {
			continue
		}
		e.callback(now)
		ran++
	}
	return ran
}

type eventHeap []*Event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *eventHeap) Push(x any) {
	e := x.(*Event)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
