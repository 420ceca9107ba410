package libmodule

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slices"
)

// ModFlags are the module registration/permission bits from spec.md §3's
// flag table (`M_MOD_*`).
type ModFlags uint16

const (
	ModNameDup ModFlags = 1 << iota
	ModNameAutofree
	ModAllowReplace
	ModPersist
	ModUserdataAutofree
	ModDenyCtx
	ModDenyPub
	ModDenySub
)

// State is a module lifecycle state, grounded on spec.md §3: "state ∈
// {IDLE, RUNNING, PAUSED, STOPPED, ZOMBIE} (bit-flags — is(st) is a
// bitmask test)".
type State uint32

const (
	StateIdle State = 1 << iota
	StateRunning
	StatePaused
	StateStopped
	StateZombie
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateZombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// Hooks is the set of user callbacks a module is registered with,
// grounded on spec.md's GLOSSARY "Hook" entry and mod.h's
// m_mod_register signature.
type Hooks struct {
	// OnStart runs once per RUNNING transition from IDLE/STOPPED.
	// Returning false aborts the start.
	OnStart func(*Module) bool
	// OnEval is polled for every IDLE module once per loop iteration (and
	// once synchronously at registration); returning true auto-starts it.
	OnEval func(*Module) bool
	// OnEvt delivers one batch of events. Never called concurrently with
	// itself for the same module, and never on a worker goroutine.
	OnEvt func(*Module, []Event)
	// OnStop runs exactly once on any transition into STOPPED or ZOMBIE
	// (spec.md §9's resolved Open Question).
	OnStop func(*Module)
}

// Module is one actor: name, state, hooks, sources, subscriptions,
// stashed queue, stats, flags, owning context — grounded on spec.md §3
// and original_source/Lib/module.c.
type Module struct {
	name  string
	Flags ModFlags

	mu    sync.RWMutex
	state atomic.Uint32

	ctx   *Context
	hooks Hooks

	evtStack *stack[func(*Module, []Event)]
	userdata any

	batch   batchConfig
	pending *queue[Event]
	stash   *queue[Event]

	sources       [srcTypeEnd]*orderedMap[sourceID, *Source]
	nextSrcID     atomic.Uint64
	subscriptions *orderedMap[string, *Source]
	psSrc         *Source
	inbox         *psInbox

	stats ModuleStats
	rc    *refCounted[*Module]

	stopRequested  atomic.Bool
	stopHookCalled atomic.Bool
}

// runOnStopOnce invokes OnStop at most once per run of the module:
// whichever path (explicit [Module.Stop], a drained poison-pill, or
// deregistering a module, including one that never started) first moves
// it into STOPPED/ZOMBIE fires it, and only [Module.Start] re-arms it.
// Resolves spec.md §9's second Open Question.
func (m *Module) runOnStopOnce() {
	if m.stopHookCalled.CompareAndSwap(false, true) && m.hooks.OnStop != nil {
		m.hooks.OnStop(m)
	}
}

func newModule(ctx *Context, name string, hooks Hooks, cfg moduleConfig) *Module {
	m := &Module{
		name:     name,
		Flags:    cfg.flags,
		ctx:      ctx,
		hooks:    hooks,
		evtStack: newStack[func(*Module, []Event)](),
		userdata: cfg.userdata,
		batch:    cfg.batch,
		pending:  newQueue[Event](0),
		stash:    newQueue[Event](0),
		subscriptions: newOrderedMap[string, *Source](),
		inbox:         newPSInbox(),
	}
	for i := range m.sources {
		m.sources[i] = newOrderedMap[sourceID, *Source]()
	}
	m.state.Store(uint32(StateIdle))
	m.rc = newRefCounted[*Module](m, func(*Module) { ctx.forgetModule(name) })
	return m
}

// Name returns the module's registered name.
func (m *Module) Name() string { return m.name }

// State returns the module's current lifecycle state.
func (m *Module) State() State { return State(m.state.Load()) }

// Is reports whether the module's current state has every bit of st set.
func (m *Module) Is(st State) bool { return m.State()&st == st }

// Ctx returns the owning context.
func (m *Module) Ctx() *Context { return m.ctx }

// Userdata returns the opaque value attached at registration.
func (m *Module) Userdata() any { return m.userdata }

// Log writes one line through the owning context's [Logger] at info
// level, prefixed with this module's own name, grounded on mod.h's
// m_mod_log(mod, fmt, ...).
func (m *Module) Log(format string, args ...any) {
	if m.ctx == nil {
		return
	}
	m.ctx.logger.Infof(m.ctx.Name(), m.name, format, args...)
}

// Dump returns a short human-readable snapshot of this module's own
// state, grounded on mod.h's m_mod_dump and mirroring the per-module
// line [Context.Dump] renders for every registered module.
func (m *Module) Dump() string {
	return m.name + " [" + m.State().String() + "]"
}

// Stats returns a snapshot of the module's activity counters.
func (m *Module) Stats() ModuleStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// Ref looks up another module by name in the same context, grounded on
// mod.h's m_mod_ref. The returned handle holds one additional reference
// that the caller must release via [Module.Unref].
func (m *Module) Ref(name string) (*Module, error) {
	if m.ctx == nil {
		return nil, newErr("Ref", CodeStateViolation, "module has no context")
	}
	other, ok := m.ctx.modules.get(name)
	if !ok {
		return nil, newErr("Ref", CodeNotFound, "no module named "+name)
	}
	other.rc.ref()
	return other, nil
}

// Unref releases a reference obtained via [Module.Ref].
func (m *Module) Unref() { m.rc.unref() }

func (m *Module) checkAlive(op string) error {
	if m.Is(StateZombie) {
		return newErr(op, CodeStateViolation, "module is zombie")
	}
	return nil
}

func (m *Module) checkPub(op string) error {
	if err := m.checkAlive(op); err != nil {
		return err
	}
	if m.Flags&ModDenyPub != 0 {
		return newErr(op, CodePermissionDenied, "module denies pub/sub publication")
	}
	return nil
}

func (m *Module) checkCtxOp(op string) error {
	if err := m.checkAlive(op); err != nil {
		return err
	}
	if m.Flags&ModDenyCtx != 0 {
		return newErr(op, CodePermissionDenied, "module denies context-level operations")
	}
	return nil
}

// evalAutoStart invokes OnEval for an IDLE module and, if it returns
// true, starts it. Grounded on spec.md §4.4's "Auto-start evaluation".
func (m *Module) evalAutoStart() {
	if !m.Is(StateIdle) || m.hooks.OnEval == nil {
		return
	}
	if m.hooks.OnEval(m) {
		_ = m.Start()
	}
}

// Start transitions IDLE/STOPPED → RUNNING, grounded on mod.h's
// m_mod_start. (Re)opens the pub/sub pipe and arms every source.
func (m *Module) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.Is(StateIdle) && !m.Is(StateStopped) {
		return newErr("Start", CodeStateViolation, "start requires idle or stopped")
	}
	if !m.inbox.pipe.valid() {
		pipe, err := openPubsubPipe()
		if err != nil {
			return err
		}
		m.inbox.pipe = pipe
		m.psSrc = &Source{Type: SrcPS, mod: m, Flags: srcInternal, spec: &psPipeSpec{fd: pipe.readFD}}
	}
	if m.hooks.OnStart != nil && !m.hooks.OnStart(m) {
		return newErr("Start", CodeWouldBlock, "on_start refused")
	}
	m.state.Store(uint32(StateRunning))
	m.stopHookCalled.Store(false)
	m.armAllLocked()
	m.ctx.logger.Debugf(m.ctx.Name(), m.name, "starting module '%s'.", m.name)
	return nil
}

// Pause transitions RUNNING → PAUSED, disarming every source but
// retaining the pub/sub pipe, grounded on mod.h's m_mod_pause.
func (m *Module) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.Is(StateRunning) {
		return newErr("Pause", CodeStateViolation, "pause requires running")
	}
	m.disarmAllLocked()
	m.state.Store(uint32(StatePaused))
	m.ctx.logger.Debugf(m.ctx.Name(), m.name, "pausing module '%s'.", m.name)
	return nil
}

// Resume transitions PAUSED → RUNNING, re-arming every source.
func (m *Module) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.Is(StatePaused) {
		return newErr("Resume", CodeStateViolation, "resume requires paused")
	}
	m.state.Store(uint32(StateRunning))
	m.armAllLocked()
	m.ctx.logger.Debugf(m.ctx.Name(), m.name, "resuming module '%s'.", m.name)
	return nil
}

// Stop transitions RUNNING/PAUSED → STOPPED: disarms every source,
// closes the pipe's write end (the read end stays open but is disarmed
// like every other source, so queued messages are not delivered while
// the module is stopped), and runs OnStop exactly once.
func (m *Module) Stop() error {
	m.mu.Lock()
	if !m.Is(StateRunning) && !m.Is(StatePaused) {
		m.mu.Unlock()
		return newErr("Stop", CodeStateViolation, "stop requires running or paused")
	}
	m.disarmAllLocked()
	m.inbox.pipe.closeWrite()
	m.state.Store(uint32(StateStopped))
	m.mu.Unlock()
	m.ctx.logger.Debugf(m.ctx.Name(), m.name, "stopping module '%s'.", m.name)
	m.runOnStopOnce()
	return nil
}

// Become pushes fn as the module's active event handler, grounded on
// mod.h's m_mod_become; [Module.Unbecome] restores the previous one.
func (m *Module) Become(fn func(*Module, []Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evtStack.push(fn)
}

// Unbecome pops the most recent [Module.Become] override.
func (m *Module) Unbecome() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evtStack.pop()
}

func (m *Module) activeHandler() func(*Module, []Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if fn, ok := m.evtStack.peek(); ok {
		return fn
	}
	return m.hooks.OnEvt
}

// Stash moves a delivered event aside for later re-delivery via
// [Module.Unstash], grounded on mod.h's m_mod_stash.
func (m *Module) Stash(e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stash.push(e) {
		return newErr("Stash", CodeWouldBlock, "stash full")
	}
	return nil
}

// Unstash re-enqueues up to n of the oldest stashed events ahead of any
// freshly arrived event, grounded on mod.h's m_mod_unstash and spec.md
// §8 invariant 7.
func (m *Module) Unstash(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.stash.drain()
	if n < 0 || n > len(all) {
		n = len(all)
	}
	replay, rest := all[:n], all[n:]
	for _, e := range rest {
		m.stash.push(e)
	}
	fresh := m.pending.drain()
	for _, e := range replay {
		m.pending.push(e)
	}
	for _, e := range fresh {
		m.pending.push(e)
	}
	return nil
}

// SetBatchSize configures how many events accumulate before a batch is
// forced to dispatch, grounded on mod.h's m_mod_set_batch_size.
func (m *Module) SetBatchSize(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batch.setSize(n)
}

// SetBatchTimeout configures the maximum age of the oldest queued event
// before its batch is forced to dispatch, grounded on mod.h's
// m_mod_set_batch_timeout.
func (m *Module) SetBatchTimeout(d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batch.setTimeout(d)
}

// registerSource is the common path behind every
// RegisterFD/RegisterTmr/... method: build, store, and (if running) arm
// a new [Source] of the given kind.
func (m *Module) registerSource(op string, typ SrcType, priority Priority, flags SrcFlags, spec any, userptr any) (*Source, error) {
	if err := m.checkCtxOp(op); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	src := &Source{
		id:       sourceID(m.nextSrcID.Add(1)),
		Type:     typ,
		Priority: priority,
		Flags:    flags,
		mod:      m,
		Userptr:  userptr,
		spec:     spec,
	}
	m.sources[typ].set(src.id, src)
	if m.Is(StateRunning) {
		if err := m.ctx.poller.Arm(src); err != nil {
			m.sources[typ].delete(src.id)
			return nil, err
		}
		m.submitTaskLocked(src)
	}
	return src, nil
}

// submitTaskLocked hands a TASK source's body to the context's worker
// pool exactly once, whichever transition first arms it: immediate
// registration on a RUNNING module (via registerSource), or a later
// Start/Resume for one pre-registered while IDLE/PAUSED (via
// armAllLocked). Grounded on spec.md §5's "TASK sources spawn... from a
// lazily-created thread pool belonging to the context", run once.
func (m *Module) submitTaskLocked(src *Source) {
	if src.Type != SrcTask || src.taskSubmitted {
		return
	}
	src.taskSubmitted = true
	m.ctx.workers.submit(src.spec.(*TaskSpec).Fn, src.taskDone, m.ctx.poller.Wake)
}

// RegisterFD registers readiness interest in an existing descriptor.
func (m *Module) RegisterFD(spec FDSpec, priority Priority, flags SrcFlags, userptr any) (*Source, error) {
	return m.registerSource("RegisterFD", SrcFD, priority, flags, &spec, userptr)
}

// RegisterTmr registers a periodic or one-shot timer.
func (m *Module) RegisterTmr(spec TmrSpec, priority Priority, flags SrcFlags, userptr any) (*Source, error) {
	return m.registerSource("RegisterTmr", SrcTMR, priority, flags, &spec, userptr)
}

// RegisterSgn registers interest in a set of signals.
func (m *Module) RegisterSgn(spec SgnSpec, priority Priority, flags SrcFlags, userptr any) (*Source, error) {
	return m.registerSource("RegisterSgn", SrcSGN, priority, flags, &spec, userptr)
}

// RegisterPath registers a filesystem watch.
func (m *Module) RegisterPath(spec PathSpec, priority Priority, flags SrcFlags, userptr any) (*Source, error) {
	return m.registerSource("RegisterPath", SrcPath, priority, flags, &spec, userptr)
}

// RegisterPid registers interest in a process's exit.
func (m *Module) RegisterPid(spec PidSpec, priority Priority, flags SrcFlags, userptr any) (*Source, error) {
	return m.registerSource("RegisterPid", SrcPID, priority, flags, &spec, userptr)
}

// RegisterTask registers a background task, run off the loop goroutine
// on the context's worker pool.
func (m *Module) RegisterTask(spec TaskSpec, priority Priority, flags SrcFlags, userptr any) (*Source, error) {
	src, err := m.registerSource("RegisterTask", SrcTask, priority, flags, &spec, userptr)
	if err != nil {
		return nil, err
	}
	return src, nil
}

// RegisterThresh registers an activity-threshold watch, evaluated at the
// end of every loop iteration against the module's own stats.
func (m *Module) RegisterThresh(spec ThreshSpec, priority Priority, flags SrcFlags, userptr any) (*Source, error) {
	src, err := m.registerSource("RegisterThresh", SrcThresh, priority, flags, &spec, userptr)
	if err != nil {
		return nil, err
	}
	src.thresh = newThreshWindow(spec)
	return src, nil
}

// DeregisterSource removes src, grounded on mod.h's
// m_mod_src_deregister_*: disarms it in the poll adapter, releases any
// OS resource its kind owns, and removes it from the module's registry.
func (m *Module) DeregisterSource(src *Source) error {
	if src == nil || src.mod != m {
		return newErr("DeregisterSource", CodeInvalidArgument, "source not owned by this module")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[src.Type].get(src.id); !ok {
		return newErr("DeregisterSource", CodeNotFound, "source not registered")
	}
	if m.ctx != nil && m.ctx.poller != nil {
		_ = m.ctx.poller.Release(src)
	}
	m.sources[src.Type].delete(src.id)
	return nil
}

func (m *Module) armAllLocked() {
	if m.ctx == nil || m.ctx.poller == nil {
		return
	}
	if m.psSrc != nil {
		_ = m.ctx.poller.Arm(m.psSrc)
	}
	for _, set := range m.sources {
		for _, src := range set.values() {
			_ = m.ctx.poller.Arm(src)
			m.submitTaskLocked(src)
		}
	}
}

func (m *Module) disarmAllLocked() {
	if m.ctx == nil || m.ctx.poller == nil {
		return
	}
	if m.psSrc != nil {
		_ = m.ctx.poller.Disarm(m.psSrc)
	}
	for _, set := range m.sources {
		for _, src := range set.values() {
			_ = m.ctx.poller.Disarm(src)
		}
	}
}

// allSources returns every armable source, including the internal
// pub/sub pipe.
func (m *Module) allSources() []*Source {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Source, 0, 8)
	if m.psSrc != nil {
		out = append(out, m.psSrc)
	}
	for _, set := range m.sources {
		out = append(out, set.values()...)
	}
	return out
}

// sortBatch orders a module's pending events by descending source
// priority, preserving arrival order within a priority tier, grounded
// on spec.md §4.5's "sorted by batch's highest-priority source" and §5's
// "sorted by source priority (HIGH, NORM, LOW)". Uses x/exp/slices the
// way catrate's rates.go sorts duration boundaries, but with the stable
// variant so same-priority arrival order survives.
func sortBatch(events []Event) {
	slices.SortStableFunc(events, func(a, b Event) int {
		return int(b.Src.Priority) - int(a.Src.Priority)
	})
}
