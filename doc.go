// Package libmodule provides an actor / event-loop framework: applications
// compose behavior from small, independently-scheduled modules that
// register heterogeneous event sources (file descriptors, timers, signals,
// filesystem paths, process exits, background tasks, numeric thresholds,
// and publish/subscribe topics) with a context. The context multiplexes
// readiness across all sources using the operating system's native event
// multiplexer and delivers batched events to the owning module through
// user-supplied callbacks.
//
// # Architecture
//
// A [Context] owns a named registry of [Module] values and the OS poll
// adapter ([Poller]); topic subscriptions are held per module. Each
// [Module] owns a set of [Source] values, grouped by [SrcType], plus a
// stashed queue, subscription map, and
// a stack of overridden event callbacks (see [Module.Become]).
//
// Modules progress through a lifecycle: IDLE, then RUNNING once [Hooks.OnEval]
// (or an explicit [Module.Start]) says so, PAUSED and back, then STOPPED,
// and finally ZOMBIE once deregistered. See [State].
//
// # Platform Support
//
// The poll adapter is implemented using platform-native mechanisms:
//   - Linux: epoll, timerfd, signalfd, inotify, pidfd, eventfd
//   - Darwin/BSD: kqueue with EVFILT_TIMER/SIGNAL/VNODE/PROC/USER
//
// See poller_linux.go and poller_darwin.go.
//
// # Thread Safety
//
// A [Context]'s loop is single-threaded and cooperative: module callbacks
// run sequentially on the loop goroutine. [Module.Tell], [Module.Publish],
// [Module.Broadcast], and [Module.Poisonpill] are safe to call from any
// goroutine (they write to the recipient's internal pub/sub pipe); the
// process-wide context registry ([GetContext]) is guarded by a single
// mutex. [Hooks] callbacks must never block.
//
// # Usage
//
//	ctx, err := libmodule.NewContext("demo")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	mod, err := ctx.Register("worker", libmodule.Hooks{
//	    OnStart: func(m *libmodule.Module) bool { return true },
//	    OnEvt: func(m *libmodule.Module, batch []libmodule.Event) {
//	        for range batch {
//	            ctx.Dump()
//	        }
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	_ = mod
//
//	if err := ctx.Loop(); err != nil {
//	    log.Fatal(err)
//	}
package libmodule
