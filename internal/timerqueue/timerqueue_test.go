package timerqueue

import (
	"testing"
	"time"
)

func TestRunFiresDueEventsInOrder(t *testing.T) {
	q := New()
	base := time.Unix(1_700_000_000, 0)

	var order []string
	q.Add(base.Add(2*time.Second), func(time.Time) { order = append(order, "second") })
	q.Add(base.Add(1*time.Second), func(time.Time) { order = append(order, "first") })
	q.Add(base.Add(3*time.Second), func(time.Time) { order = append(order, "third") })

	ran := q.Run(base.Add(2 * time.Second))
	if ran != 2 {
		t.Fatalf("Run fired %d events, want 2", ran)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("fire order = %v, want [first second]", order)
	}
	if q.Len() != 1 {
		t.Errorf("queue length after Run = %d, want 1 (third still pending)", q.Len())
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	q := New()
	base := time.Unix(1_700_000_000, 0)

	fired := false
	e := q.Add(base.Add(time.Second), func(time.Time) { fired = true })
	q.Cancel(e)

	q.Run(base.Add(time.Hour))
	if fired {
		t.Error("canceled event fired")
	}
}

func TestRescheduleSelfDuringCallback(t *testing.T) {
	q := New()
	base := time.Unix(1_700_000_000, 0)

	runs := 0
	var cb Callback
	cb = func(now time.Time) {
		runs++
		q.Add(now.Add(time.Second), cb)
	}
	q.Add(base.Add(time.Second), cb)

	// A callback rescheduling itself relative to Run's 'now' always lands
	// in the future relative to that same Run call, so one Run invocation
	// never loops forever chasing a self-rescheduling event.
	if ran := q.Run(base.Add(10 * time.Second)); ran != 1 {
		t.Errorf("Run fired %d events, want 1 (the rescheduled copy is not due yet)", ran)
	}
	if runs != 1 {
		t.Errorf("callback ran %d times, want 1", runs)
	}
	if q.Len() != 1 {
		t.Errorf("queue length = %d, want 1 (the rescheduled event still pending)", q.Len())
	}
}

func TestCancelNilEventIsNoOp(t *testing.T) {
	q := New()
	q.Cancel(nil) // must not panic — callers may hold an unscheduled *Event field
}

func TestNextWakeupEmptyQueue(t *testing.T) {
	q := New()
	if _, ok := q.NextWakeup(); ok {
		t.Error("NextWakeup on empty queue should report false")
	}
	q.Add(time.Unix(1_700_000_000, 0), func(time.Time) {})
	if _, ok := q.NextWakeup(); !ok {
		t.Error("NextWakeup should report true once an event is queued")
	}
}

func TestTiesBrokenByInsertionOrder(t *testing.T) {
	q := New()
	at := time.Unix(1_700_000_000, 0)

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		q.Add(at, func(time.Time) { order = append(order, i) })
	}
	q.Run(at)
	for i, v := range order {
		if v != i {
			t.Errorf("order = %v, want strictly increasing insertion order", order)
			break
		}
	}
}
