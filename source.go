package libmodule

import (
	"context"
	"os"
	"time"
)

// SrcType discriminates the seven event-source kinds plus the internal
// pub/sub pipe source, grounded on priv.h's m_src_types / ev_src_t union.
type SrcType uint8

const (
	SrcFD SrcType = iota
	SrcTMR
	SrcSGN
	SrcPath
	SrcPID
	SrcTask
	SrcThresh
	SrcPS

	srcTypeEnd
)

// String implements [fmt.Stringer].
func (t SrcType) String() string {
	switch t {
	case SrcFD:
		return "fd"
	case SrcTMR:
		return "tmr"
	case SrcSGN:
		return "sgn"
	case SrcPath:
		return "path"
	case SrcPID:
		return "pid"
	case SrcTask:
		return "task"
	case SrcThresh:
		return "thresh"
	case SrcPS:
		return "ps"
	default:
		return "unknown"
	}
}

// Priority orders sources within a single batch, grounded on priv.h's
// M_SRC_PRIO_MASK (HIGH/NORM/LOW priority bits folded into m_src_flags).
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNorm
	PriorityHigh
)

// SrcFlags carries the kind-independent per-source behavior flags from
// spec.md §4.7/§8 (ONESHOT, FLUSH) plus the fd-specific autoclose-on-
// deregister behavior named in the boundary-behavior tests.
type SrcFlags uint16

const (
	// SrcOneshot forces the owning batch to flush as soon as this source
	// contributes an event, regardless of batch size/timeout.
	SrcOneshot SrcFlags = 1 << iota
	// SrcFlush behaves like SrcOneshot but additionally discards any
	// other sources' events already queued in the same batch before this
	// one fired (a hard flush point).
	SrcFlush
	// SrcAutoclose closes an FD source's caller-supplied descriptor when
	// the source is deregistered. The descriptors the poller creates for
	// other kinds (timerfd, signalfd, inotify fd, pidfd) are closed on
	// deregistration whether or not this flag is set.
	SrcAutoclose

	// srcInternal marks the module's own pub/sub pipe read end, a SrcPS
	// source that [Module.Start] creates on the module's behalf; never set
	// by callers.
	srcInternal SrcFlags = 1 << 15
)

// IOEvents is a readiness bitmask for FD sources, grounded on the
// teacher's poller.go IOEvents (EventRead/EventWrite/EventError/
// EventHangup) and the epoll/kqueue backends that produce it.
type IOEvents uint8

const (
	IOEventRead IOEvents = 1 << iota
	IOEventWrite
	IOEventError
	IOEventHangup
)

// FDSpec registers interest in readiness of an existing file descriptor,
// grounded on priv.h's fd_src_t and mod.h's m_mod_src_register_fd.
type FDSpec struct {
	FD     int
	Events IOEvents
}

// TmrSpec is a periodic or one-shot timer, grounded on priv.h's
// tmr_src_t / m_src_tmr_t. A zero Interval makes it fire once after
// Initial.
type TmrSpec struct {
	Initial  time.Duration
	Interval time.Duration
}

// SgnSpec watches for delivery of any of the listed signals, grounded on
// priv.h's sgn_src_t / m_src_sgn_t (a signal number set translated to
// signalfd on Linux, EVFILT_SIGNAL on BSD/Darwin).
type SgnSpec struct {
	Signals []os.Signal
}

// PathMask selects which filesystem events on a watched path are
// reported, grounded on priv.h's path_src_t (inotify watch-mask / BSD
// EVFILT_VNODE fflags).
type PathMask uint8

const (
	PathCreate PathMask = 1 << iota
	PathModify
	PathDelete
	PathMoved
)

// PathSpec watches a filesystem path, grounded on priv.h's path_src_t.
type PathSpec struct {
	Path string
	Mask PathMask
}

// PidSpec watches a process for exit, grounded on priv.h's pid_src_t /
// m_src_pid_t (pidfd on Linux, EVFILT_PROC on BSD/Darwin).
type PidSpec struct {
	Pid int
}

// TaskFunc is the body of a TASK source: it runs on a context worker
// goroutine, never on the loop goroutine, per spec.md §5 ("no user
// callback ever runs on a worker thread" refers to on_evt; the task body
// itself is the one piece of user code that intentionally runs off-loop).
type TaskFunc func(ctx context.Context) (retval int, err error)

// TaskSpec registers a background task, grounded on priv.h's task_src_t
// (worker thread handle + retval) and the context's lazily-created
// thread pool (ctx_stats_t.thpool).
type TaskSpec struct {
	Fn TaskFunc
}

// ThreshDirection reports which way a THRESH source crossed.
type ThreshDirection uint8

const (
	ThreshRising ThreshDirection = iota
	ThreshFalling
)

// ThreshSpec watches a module's own activity statistics for a crossing,
// grounded on priv.h's thresh_src_t / m_src_thresh_t and spec.md §4.7's
// "{rate, window, activity_ms}" registration key. Rate is the number of
// actions (batch dispatches) per Window that defines "active": the
// source counts as active while at least Rate actions fall within the
// last Window and, when ActivityMs is non-zero, the latest action is
// less than ActivityMs old. Otherwise it counts as inactive, and each
// change between the two fires an event.
type ThreshSpec struct {
	Rate       int
	Window     time.Duration
	ActivityMs uint64
}

// sourceID is a per-module monotonically increasing handle (one counter
// shared by every source type)
// used to key a module's orderedMap of sources. The original C API
// matched sources for deregistration by comparing the registration
// descriptor by value (fd number, or a caller-supplied struct pointer);
// idiomatic Go instead hands the caller back the [*Source] it must
// present to deregister, so sourceID only needs to be unique, not
// meaningful.
type sourceID uint64

// Source is one registered event source, grounded on priv.h's ev_src_t:
// a tagged variant plus common fields (type, flags, poll-adapter cookie,
// owning module back-pointer, user pointer). The owning module
// back-pointer is a weak reference per spec.md §4.1(c) / §9: it is never
// ref-counted, and never outlives the module.
type Source struct {
	id       sourceID
	Type     SrcType
	Priority Priority
	Flags    SrcFlags
	mod      *Module // weak back-pointer
	Userptr  any

	spec    any // one of *FDSpec, *TmrSpec, *SgnSpec, *PathSpec, *PidSpec, *TaskSpec, *ThreshSpec, a compiled *psSubscription, or the pipe's *psPipeSpec
	cookie  any // poll-adapter-defined opaque data (priv.h's ev_src_t.ev)
	cookie2 any // secondary poll-adapter opaque data (e.g. kqueue's extra path fd for EVFILT_VNODE)

	// mutable per-kind runtime state, touched only from the loop goroutine
	expirations   uint64          // TMR: accumulated since last delivered event
	thresh        threshWindow    // THRESH: sliding activity window
	taskDone      chan taskResult // TASK: completion signal from the worker goroutine
	taskSubmitted bool            // TASK: true once its body has been handed to the worker pool
}

// Mod returns the module that owns this source.
func (s *Source) Mod() *Module {
	return s.mod
}

// taskResult is delivered on Source.taskDone when a TASK source's
// worker goroutine completes.
type taskResult struct {
	retval int
	err    error
}
