package libmodule

import (
	"sync"
	"sync/atomic"
	"time"
)

// CtxState is a context's lifecycle state, grounded on spec.md §3: "state
// ∈ {IDLE, LOOPING, ZOMBIE}".
type CtxState uint32

const (
	CtxIdle CtxState = iota
	CtxLooping
	CtxZombie
)

func (s CtxState) String() string {
	switch s {
	case CtxIdle:
		return "idle"
	case CtxLooping:
		return "looping"
	case CtxZombie:
		return "zombie"
	default:
		return "unknown"
	}
}

const defaultMaxEvents = 64

// pendingDelivery is a [psMessage] a [Context] retried next iteration
// because its recipient's inbox was full and the message carried
// PSProcessLater, grounded on spec.md §4.6's "requeue onto a
// context-level pending list".
type pendingDelivery struct {
	recipient *Module
	msg       *psMessage
}

// Context is a runloop container: a named registry of modules, the poll
// fd, a worker pool for background TASK sources, and the dispatch loop,
// grounded on spec.md §3's Context data model and
// original_source/Lib/core's ctx_priv_t.
type Context struct {
	name string

	mu      sync.RWMutex
	modules *orderedMap[string, *Module]

	state     atomic.Uint32
	quitFlag  atomic.Bool
	quitCode  atomic.Int32
	finalized atomic.Bool

	logger       Logger
	defaultFlags ModFlags
	maxEvents    int

	poller  Poller
	workers *workerPool

	pendingMu sync.Mutex
	pending   []pendingDelivery

	statsMu sync.Mutex
	stats   ContextStats
}

var (
	contextsMu sync.Mutex
	contexts   = map[string]*Context{}
)

// NewContext creates and registers a named context, grounded on mod.h's
// m_ctx_new and spec.md §5's "process-wide mapping guarded by a mutex".
func NewContext(name string, opts ...ContextOption) (*Context, error) {
	if name == "" {
		return nil, newErr("NewContext", CodeInvalidArgument, "empty name")
	}
	contextsMu.Lock()
	defer contextsMu.Unlock()
	if _, exists := contexts[name]; exists {
		return nil, newErr("NewContext", CodeAlreadyExists, "context "+name+" already exists")
	}
	cfg := resolveContextOptions(opts)
	c := &Context{
		name:         name,
		modules:      newOrderedMap[string, *Module](),
		logger:       cfg.logger,
		defaultFlags: cfg.defaultFlags,
		maxEvents:    cfg.maxEvents,
		poller:       newPoller(),
		workers:      newWorkerPool(),
	}
	if c.logger == nil {
		c.logger = noopLogger{}
	}
	if err := c.poller.Open(); err != nil {
		return nil, err
	}
	contexts[name] = c
	c.logger.Debugf(name, "", "creating context '%s'.", name)
	return c, nil
}

// GetContext looks up a previously created context by name.
func GetContext(name string) (*Context, bool) {
	contextsMu.Lock()
	defer contextsMu.Unlock()
	c, ok := contexts[name]
	return c, ok
}

// Name returns the context's registered name.
func (c *Context) Name() string { return c.name }

// State returns the context's current lifecycle state.
func (c *Context) State() CtxState { return CtxState(c.state.Load()) }

// SetLogger installs l as the context's logging collaborator, grounded
// on spec.md §6's ctx.set_logger.
func (c *Context) SetLogger(l Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l != nil {
		c.logger = l
	}
}

// Stats returns a snapshot of the context's loop counters.
func (c *Context) Stats() ContextStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

func (c *Context) modulesSnapshot() []*Module {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.modules.values()
}

func (c *Context) forgetModule(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.modules.get(name); ok && cur.Is(StateZombie) {
		c.modules.delete(name)
	}
}

// queuePending records msg for retry next iteration, used by the
// PSProcessLater backpressure path.
func (c *Context) queuePending(recipient *Module, msg *psMessage) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.pending = append(c.pending, pendingDelivery{recipient: recipient, msg: msg})
}

// Register creates a new module, grounded on mod.h's m_mod_register and
// spec.md §4.4. name and hooks.OnEvt must be non-empty/non-nil.
// Registration closes once the context has begun looping (spec.md §3's
// "finalized flag"); register everything needed before calling [Loop].
func (c *Context) Register(name string, hooks Hooks, opts ...ModuleOption) (*Module, error) {
	if name == "" {
		return nil, newErr("Register", CodeInvalidArgument, "empty name")
	}
	if hooks.OnEvt == nil {
		return nil, newErr("Register", CodeInvalidArgument, "nil OnEvt hook")
	}
	cfg := resolveModuleOptions(opts)
	cfg.flags |= c.defaultFlags

	c.mu.Lock()
	if c.finalized.Load() {
		c.mu.Unlock()
		return nil, newErr("Register", CodePermissionDenied, "context is finalized")
	}
	existing, hasExisting := c.modules.get(name)
	if hasExisting && existing.Flags&ModAllowReplace == 0 {
		c.mu.Unlock()
		return nil, newErr("Register", CodeAlreadyExists, "module "+name+" already registered")
	}
	mod := newModule(c, name, hooks, cfg)
	c.modules.set(name, mod)
	c.mu.Unlock()
	c.logger.Debugf(c.name, name, "registering module '%s'.", name)

	if hasExisting {
		_ = c.Deregister(existing)
	}

	mod.evalAutoStart()
	c.tellSystemMessage(topicModAdded, mod)
	return mod, nil
}

// Deregister removes mod, grounded on mod.h's m_mod_deregister: fails
// with PermissionDenied if PERSIST is set and the context is LOOPING;
// otherwise stops the module (running OnStop exactly once if it has not
// already run), releases its sources, transitions it to ZOMBIE, and
// drops the registry's reference.
func (c *Context) Deregister(mod *Module) error {
	if mod.Flags&ModPersist != 0 && c.State() == CtxLooping {
		return newErr("Deregister", CodePermissionDenied, "module is persistent while context loops")
	}
	if mod.Is(StateZombie) {
		return newErr("Deregister", CodeStateViolation, "module already deregistered")
	}
	c.logger.Debugf(c.name, mod.name, "deregistering module '%s'.", mod.name)
	if mod.Is(StateRunning) || mod.Is(StatePaused) {
		_ = mod.Stop()
	}

	mod.mu.Lock()
	for _, set := range mod.sources {
		for _, src := range set.values() {
			_ = c.poller.Release(src)
		}
	}
	if mod.psSrc != nil {
		_ = c.poller.Release(mod.psSrc)
	}
	for _, msg := range mod.inbox.drain() {
		c.reportUnreachable(msg)
	}
	mod.mu.Unlock()

	mod.runOnStopOnce()
	mod.state.Store(uint32(StateZombie))
	c.tellSystemMessage(topicModRemoved, mod)
	mod.rc.unref()
	return nil
}

// reportUnreachable delivers an UNREACHABLE notice back to a flushed
// message's sender, grounded on mod.h's m_mod_deregister description of
// draining pending pub/sub on deregister.
func (c *Context) reportUnreachable(msg *psMessage) {
	if msg.sender == nil || msg.sender.Is(StateZombie) {
		return
	}
	_ = msg.sender.inbox.push(&psMessage{
		topic:   "LIBMODULE_UNREACHABLE",
		sender:  msg.sender,
		message: msg.message,
	})
}

// Quit requests the loop stop after its current iteration, grounded on
// mod.h's ctx.quit: sets the quit flag/code and wakes a blocked Wait.
func (c *Context) Quit(code int) error {
	c.quitCode.Store(int32(code))
	c.quitFlag.Store(true)
	if c.poller != nil {
		return c.poller.Wake()
	}
	return nil
}

// GetFD returns the poll adapter's underlying descriptor when the
// [Poller] implementation exposes one through an FD() int method,
// grounded on spec.md §6's ctx.get_fd. Neither the epoll nor the kqueue
// poller in this package has such a method, so with them GetFD returns
// [ErrNotSupported].
func (c *Context) GetFD() (int, error) {
	type fdExposer interface{ FD() int }
	if e, ok := c.poller.(fdExposer); ok {
		return e.FD(), nil
	}
	return 0, ErrNotSupported
}

// Dump returns a short human-readable snapshot of every registered
// module's name and state, grounded on mod.h's ctx.dump.
func (c *Context) Dump() string {
	out := "context " + c.name + " [" + c.State().String() + "]\n"
	for _, mod := range c.modulesSnapshot() {
		out += "  " + mod.Name() + " [" + mod.State().String() + "]\n"
	}
	return out
}

// Trim reclaims any module that reached ZOMBIE but was held alive by an
// outstanding [Module.Ref] at the time [Context.Deregister] returned.
// There is no public setter named in spec.md §6 beyond ctx.trim itself;
// this is a maintenance sweep, not a structural guarantee.
func (c *Context) Trim() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, mod := range c.modules.values() {
		if mod.Is(StateZombie) && mod.rc.count() <= 0 {
			c.modules.delete(mod.name)
		}
	}
}

// Load is deliberately unimplemented: dynamic plugin loading from shared
// objects is named out of scope in spec.md §1 as an external
// collaborator.
func (c *Context) Load(string) error { return ErrNotSupported }

// Unload mirrors [Context.Load].
func (c *Context) Unload(string) error { return ErrNotSupported }

// nonBlockingPoll is passed to [Poller.Wait] to request an immediate,
// non-blocking poll. The [Poller] contract treats timeout<=0 as "block
// indefinitely" (mirroring epoll_wait/kevent's own -1-means-forever
// convention), so a true non-blocking check needs a positive-but-
// negligible duration instead of a literal zero.
const nonBlockingPoll = time.Nanosecond

// Dispatch runs one non-blocking loop iteration, grounded on mod.h's
// ctx.dispatch. It returns true once the context has quit.
func (c *Context) Dispatch() (bool, error) {
	return c.iterate(nonBlockingPoll)
}

// Loop runs loop_events until Quit is called, grounded on spec.md §4.5.
func (c *Context) Loop() error {
	c.finalized.Store(true)
	c.state.Store(uint32(CtxLooping))
	c.statsMu.Lock()
	c.stats.LoopStart = time.Now()
	c.statsMu.Unlock()

	for !c.quitFlag.Load() {
		quit, err := c.iterate(-1)
		if err != nil {
			return err
		}
		if quit {
			break
		}
	}

	c.state.Store(uint32(CtxZombie))
	for _, mod := range c.modulesSnapshot() {
		if !mod.Is(StateZombie) {
			_ = c.Deregister(mod)
		}
	}
	contextsMu.Lock()
	delete(contexts, c.name)
	contextsMu.Unlock()
	c.workers.close()
	c.logger.Debugf(c.name, "", "destroying context '%s'.", c.name)
	return c.poller.Close()
}

// iterate runs one pass of spec.md §4.5's repeat body. timeout<0 means
// "use the minimum batch deadline across pending modules" (blocking
// mode); any other value is passed to [Poller.Wait] as is, where
// nonBlockingPoll (used by Dispatch) gives a non-blocking poll.
func (c *Context) iterate(timeout time.Duration) (bool, error) {
	if c.quitFlag.Load() {
		return true, nil
	}

	modules := c.modulesSnapshot()
	if timeout < 0 {
		timeout = c.computeTimeout(modules)
	}

	raw, err := c.poller.Wait(timeout, c.maxEvents)
	if err != nil {
		c.logger.Errorf(c.name, "", err, "poll wait failed.")
		return false, err
	}

	now := time.Now()
	touched := make(map[*Module]bool, len(raw))
	for _, ev := range raw {
		mod := ev.src.mod
		if mod == nil {
			continue
		}
		if ev.src.Type == SrcPS {
			c.drainPS(mod, now)
			touched[mod] = true
			continue
		}
		if ev.payload == nil {
			continue
		}
		c.enqueue(mod, Event{Src: ev.src, Payload: ev.payload}, now)
		touched[mod] = true
	}

	c.statsMu.Lock()
	c.stats.RecvCount += uint64(len(raw))
	c.statsMu.Unlock()

	c.retryPending()

	for mod := range touched {
		c.maybeDispatch(mod, now)
	}

	for _, mod := range modules {
		if src := threshSourceOf(mod); src != nil {
			c.evaluateThresh(mod, src, now)
		}
	}

	for _, mod := range modules {
		mod.evalAutoStart()
	}

	return c.quitFlag.Load(), nil
}

// drainPS empties mod's pub/sub inbox, handling the poison-pill sentinel
// directly and queuing every other message as a PSEvent, grounded on
// spec.md §4.5 step 3's "read one message pointer" branch.
func (c *Context) drainPS(mod *Module, now time.Time) {
	for _, msg := range mod.inbox.drain() {
		mod.stats.PSReceived++
		if msg.poisonpill {
			mod.stopRequested.Store(true)
			continue
		}
		src := mod.psSrc
		if msg.topic != "" {
			mod.mu.RLock()
			mod.subscriptions.each(func(_ string, sub *Source) bool {
				if s, ok := sub.spec.(*psSubscription); ok && s.re.MatchString(msg.topic) {
					src = sub
					return false
				}
				return true
			})
			mod.mu.RUnlock()
		}
		c.enqueue(mod, Event{Src: src, Payload: PSEvent{
			Topic:   msg.topic,
			Sender:  msg.sender,
			Message: msg.message,
			Flags:   msg.flags,
		}}, now)
	}
}

// enqueue appends ev to mod's pending batch, marking the batch's arrival
// time and applying the hard-flush discard rule for SrcFlush sources.
func (c *Context) enqueue(mod *Module, ev Event, now time.Time) {
	mod.mu.Lock()
	defer mod.mu.Unlock()
	if ev.Src != nil && ev.Src.Flags&SrcFlush != 0 {
		mod.pending.drain()
	}
	mod.batch.noted(now)
	mod.pending.push(ev)
}

// maybeDispatch flushes mod's pending batch if ready, grounded on
// spec.md §4.5's "For each module whose batch is complete... invoke
// on_evt".
func (c *Context) maybeDispatch(mod *Module, now time.Time) {
	mod.mu.Lock()
	qlen := mod.pending.len()
	if qlen == 0 {
		mod.mu.Unlock()
		// A poisonpill delivered with nothing else queued still must stop
		// the module once "drained" (spec.md §8's Poisonpill scenario: an
		// empty batch counts as already drained).
		if mod.stopRequested.CompareAndSwap(true, false) {
			_ = mod.Stop()
		}
		return
	}
	forceFlush := false
	for _, ev := range mod.pending.data {
		if ev.Src != nil && ev.Src.Flags&(SrcOneshot|SrcFlush) != 0 {
			forceFlush = true
			break
		}
	}
	if !mod.batch.ready(now, qlen, forceFlush) {
		mod.mu.Unlock()
		return
	}
	batch := mod.pending.drain()
	mod.batch.reset()
	handler := mod.activeHandler()
	mod.stats.BatchesDispatched++
	mod.stats.EventsDelivered += uint64(len(batch))
	mod.stats.LastActivity = now
	mod.mu.Unlock()

	sortBatch(batch)
	if handler != nil {
		handler(mod, batch)
	}
	if src := threshSourceOf(mod); src != nil {
		for _, ev := range batch {
			if ev.Src != src {
				src.thresh.record(now)
				break
			}
		}
	}

	if mod.stopRequested.Load() {
		mod.mu.Lock()
		empty := mod.pending.len() == 0
		mod.mu.Unlock()
		if empty {
			mod.stopRequested.Store(false)
			_ = mod.Stop()
		}
	}
}

func threshSourceOf(mod *Module) *Source {
	mod.mu.RLock()
	defer mod.mu.RUnlock()
	for _, src := range mod.sources[SrcThresh].values() {
		return src
	}
	return nil
}

// evaluateThresh runs THRESH crossing detection, grounded on spec.md
// §4.7's "evaluated at the end of each loop iteration".
func (c *Context) evaluateThresh(mod *Module, src *Source, now time.Time) {
	if !mod.Is(StateRunning) {
		return
	}
	evt, crossed := src.thresh.evaluate(now)
	if !crossed {
		return
	}
	c.enqueue(mod, Event{Src: src, Payload: evt}, now)
	c.maybeDispatch(mod, now)
}

// retryPending attempts redelivery of every PSProcessLater-backlogged
// message, grounded on spec.md §4.6's "requeue onto a context-level
// pending list to retry on next iteration".
func (c *Context) retryPending() {
	c.pendingMu.Lock()
	batch := c.pending
	c.pending = nil
	c.pendingMu.Unlock()

	for _, pd := range batch {
		if !pd.recipient.inbox.push(pd.msg) {
			c.queuePending(pd.recipient, pd.msg)
		}
	}
}

// computeTimeout returns the minimum remaining batch deadline across
// every module with a pending partial batch, or -1 (block indefinitely)
// if none has one, grounded on spec.md §4.5's "Compute timeout_ns = min
// over modules of remaining batch timeout, or infinite if none".
func (c *Context) computeTimeout(modules []*Module) time.Duration {
	now := time.Now()
	var min time.Duration = -1
	for _, mod := range modules {
		mod.mu.RLock()
		deadline := mod.batch.deadline()
		mod.mu.RUnlock()
		if deadline.IsZero() {
			continue
		}
		d := deadline.Sub(now)
		if d <= 0 {
			d = nonBlockingPoll
		}
		if min < 0 || d < min {
			min = d
		}
	}
	return min
}
