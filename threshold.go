package libmodule

import (
	"time"

	"golang.org/x/exp/slices"
)

// threshWindow is a module-private sliding activity window backing a
// THRESH source. It is grounded on catrate/limiter.go's categoryData: a
// per-category ring of event timestamps, pruned to a retention window,
// used to decide whether the category is currently rate-limited. Here
// the same "insert timestamp, prune expired, compare count against a
// threshold" shape is repurposed from rate-limiting to activity/
// inactivity crossing detection (spec.md §4.7's THRESH kind), and
// simplified accordingly: a THRESH source is only ever touched from the
// owning context's loop goroutine, so none of catrate's atomic
// bookkeeping or sync.Pool reuse is needed here.
type threshWindow struct {
	spec   ThreshSpec
	events []time.Time // ascending arrival times of "activity" within spec.Window
	active bool        // direction last reported to the module (true == ThreshRising)
	armed  bool        // false until the first evaluate call, to suppress a spurious initial event
	lastAt time.Time   // most recent activity, for inactive_ms computation
}

// newThreshWindow initializes tracking for spec.
func newThreshWindow(spec ThreshSpec) threshWindow {
	return threshWindow{spec: spec}
}

// record marks one unit of module activity (a dispatched batch), called
// once per on_evt invocation for every module with a THRESH source,
// except for a batch holding only this source's own crossing events.
func (w *threshWindow) record(now time.Time) {
	w.events = append(w.events, now)
	w.lastAt = now
	w.prune(now)
}

// prune drops events that fell out of the window. w.events is kept in
// ascending arrival order, so the cutoff index is a binary search,
// grounded on catrate/events_test.go's filterEventsSlice sketch of
// slices.BinarySearch over a sorted event timestamp slice.
func (w *threshWindow) prune(now time.Time) {
	cutoff := now.Add(-w.spec.Window)
	i, _ := slices.BinarySearchFunc(w.events, cutoff, func(t, c time.Time) int {
		return t.Compare(c)
	})
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}

// evaluate is called at the end of every loop iteration (spec.md §4.5
// step 3's "THRESH is evaluated at the end of each loop iteration")
// and reports whether the window crossed direction since the last call.
func (w *threshWindow) evaluate(now time.Time) (ThreshEvent, bool) {
	w.prune(now)

	activityFreq := 0.0
	if w.spec.Window > 0 {
		activityFreq = float64(len(w.events)) / w.spec.Window.Seconds()
	}

	var inactiveMs uint64
	if !w.lastAt.IsZero() {
		if d := now.Sub(w.lastAt); d > 0 {
			inactiveMs = uint64(d.Milliseconds())
		}
	}

	rising := len(w.events) >= w.spec.Rate
	falling := w.spec.ActivityMs > 0 && inactiveMs >= w.spec.ActivityMs

	// falling takes priority when both conditions are true in the same
	// tick (e.g. Rate==0 after ActivityMs of silence).
	nowActive := rising && !falling

	evt := ThreshEvent{
		InactiveMs:   inactiveMs,
		ActivityFreq: activityFreq,
	}
	if nowActive {
		evt.Direction = ThreshRising
	} else {
		evt.Direction = ThreshFalling
	}

	if !w.armed {
		w.armed = true
		w.active = nowActive
		return evt, false
	}

	if nowActive == w.active {
		return evt, false
	}
	w.active = nowActive
	return evt, true
}
