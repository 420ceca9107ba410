package libmodule

import "time"

// Poller is the abstract poll adapter, grounded on spec.md §4.3's
// 5-function contract (create, arm, set_data, wait, recv) plus close.
// Concrete implementations translate the seven source kinds into their
// native OS primitives: [poller_linux.go] (epoll + timerfd/signalfd/
// inotify/pidfd/eventfd) and [poller_darwin.go] (kqueue with
// EVFILT_TIMER/SIGNAL/VNODE/PROC/USER).
//
// This is the parameterized contract chosen to resolve spec.md §9's
// first Open Question (over a package-level MAX_EVENTS-array variant):
// every method that bounds work takes its limit as an explicit
// argument, mirroring the teacher's FastPoller.PollIO(timeoutMs int).
type Poller interface {
	// Open allocates the underlying multiplexer handle (epoll_create1 /
	// kqueue) plus an internal wake source used by Wake.
	Open() error

	// Arm registers src for readiness notification, performing any
	// first-time OS-level setup the source's kind requires (e.g.
	// timerfd_create for TMR, signalfd for SGN). Calling Arm again on an
	// already-armed source re-arms it (used on resume after pause).
	Arm(src *Source) error

	// Disarm removes src's interest from the multiplexer without
	// releasing the kind-specific OS artifact it owns (used on pause).
	Disarm(src *Source) error

	// Release disarms src and releases any OS resource its kind
	// allocated (timerfd/signalfd/inotify/pidfd descriptor), used on
	// deregister or when SrcAutoclose is set on an FD source.
	Release(src *Source) error

	// Wait blocks until at least one armed source is ready, the wake
	// source fires, or timeout elapses. timeout<=0 blocks indefinitely.
	// It returns at most maxEvents ready sources, each paired with the
	// [EventPayload] produced by draining its OS-level readiness
	// artifact (spec.md §4.5's "kind-specific translator").
	Wait(timeout time.Duration, maxEvents int) ([]rawEvent, error)

	// Wake unblocks a concurrent Wait call; used by Context.Quit and by
	// the worker pool when a task completes. Pub/sub delivery wakes the
	// loop through the recipient's own pipe instead.
	Wake() error

	// Close releases the poller's own handle and wake source. Armed
	// sources are not individually released; callers must Release them
	// first if resource cleanup (autoclose, timerfd destruction) matters.
	Close() error
}

// rawEvent pairs a ready source with its freshly translated payload,
// the internal result of one Poller.Wait return, consumed by the
// context loop before being queued onto the owning module's batch.
type rawEvent struct {
	src     *Source
	payload EventPayload
}

// newPoller returns the platform's concrete [Poller] implementation.
// Defined per-platform in poller_linux.go / poller_darwin.go.
