package libmodule

import (
	"regexp"
	"sync"
)

// PSFlags are the pub/sub message flags from spec.md §3 ("flags ∈
// {none, AUTOFREE, PROCESS_LATER}"). AUTOFREE has no meaning in a
// garbage-collected runtime (kept only for naming parity with
// original_source/Lib/priv.h's m_ps_flags) and is accepted but ignored.
type PSFlags uint8

const (
	PSAutofree PSFlags = 1 << iota
	PSProcessLater
)

// defaultPSQueueCapacity bounds a module's pending pub/sub queue,
// grounded on priv.h's M_CTX_DEFAULT_EVENTS (the same "64" used as the
// context's default max_events) — there is no public setter for it in
// spec.md §6, so it is an internal constant rather than a ModuleOption.
const defaultPSQueueCapacity = 64

// psMessage is a pub/sub delivery in flight, grounded on priv.h's
// ps_priv_t. The sender reference is held strong for the message's
// lifetime (spec.md §3: "a sender refcount is held while the message is
// in flight").
type psMessage struct {
	topic      string
	sender     *Module
	message    any
	flags      PSFlags
	poisonpill bool
}

const (
	topicPoisonpill = "LIBMODULE_MOD_POISONPILL"
	topicModAdded   = "LIBMODULE_MOD_ADDED"
	topicModRemoved = "LIBMODULE_MOD_REMOVED"
)

// psSubscription is the compiled-regex payload of a subscription
// [Source], grounded on priv.h's ps_src_t {regex_t reg; const char
// *topic}.
type psSubscription struct {
	topic string
	re    *regexp.Regexp
}

// psInbox is a module's pending pub/sub queue plus the self-pipe used
// to surface its readiness to the poller. It is safe to push to from
// any goroutine; it is only ever drained from the owning context's loop
// goroutine.
type psInbox struct {
	mu       sync.Mutex
	pending  []*psMessage
	capacity int
	pipe     pubsubPipe
}

func newPSInbox() *psInbox {
	return &psInbox{capacity: defaultPSQueueCapacity}
}

// push enqueues msg, waking the poller. ok is false if the inbox is at
// capacity (spec.md §8's EAGAIN boundary behavior); the caller decides
// whether to retry via PROCESS_LATER.
func (b *psInbox) push(msg *psMessage) bool {
	b.mu.Lock()
	if b.capacity > 0 && len(b.pending) >= b.capacity {
		b.mu.Unlock()
		return false
	}
	b.pending = append(b.pending, msg)
	b.mu.Unlock()
	_ = b.pipe.notify()
	return true
}

// drain removes and returns every pending message, in FIFO order.
func (b *psInbox) drain() []*psMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil
	}
	out := b.pending
	b.pending = nil
	return out
}

// Subscribe compiles topic as a POSIX-ERE-compatible regular expression
// and records it as a PS-kind [Source] on m, grounded on mod.h's
// m_mod_ps_subscribe and spec.md §4.6.
func (m *Module) Subscribe(topic string, priority Priority, userptr any) (*Source, error) {
	if err := m.checkAlive("Subscribe"); err != nil {
		return nil, err
	}
	if m.Flags&ModDenySub != 0 {
		return nil, newErr("Subscribe", CodePermissionDenied, "module denies pub/sub subscription")
	}
	if topic == "" {
		return nil, newErr("Subscribe", CodeInvalidArgument, "empty topic")
	}
	re, err := regexp.Compile(topic)
	if err != nil {
		return nil, wrapErr("Subscribe", CodeInvalidArgument, "invalid topic regex", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.subscriptions.get(topic); exists {
		return nil, newErr("Subscribe", CodeAlreadyExists, "already subscribed to "+topic)
	}
	src := &Source{
		Type:     SrcPS,
		Priority: priority,
		mod:      m,
		Userptr:  userptr,
		spec:     &psSubscription{topic: topic, re: re},
	}
	m.subscriptions.set(topic, src)
	return src, nil
}

// Unsubscribe removes a prior [Module.Subscribe] by topic string,
// grounded on mod.h's m_mod_ps_unsubscribe.
func (m *Module) Unsubscribe(topic string) error {
	if err := m.checkAlive("Unsubscribe"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.subscriptions.delete(topic) {
		return newErr("Unsubscribe", CodeNotFound, "not subscribed to "+topic)
	}
	return nil
}

// Tell delivers message directly to recipient, grounded on mod.h's
// m_mod_ps_tell.
func (m *Module) Tell(recipient *Module, message any, flags PSFlags) error {
	if err := m.checkPub("Tell"); err != nil {
		return err
	}
	return m.deliver(recipient, &psMessage{sender: m, message: message, flags: flags})
}

// Publish delivers message to every module in the context subscribed to
// a topic matching topic's regex, grounded on mod.h's m_mod_ps_publish
// and spec.md §4.6.
func (m *Module) Publish(topic string, message any, flags PSFlags) error {
	if err := m.checkPub("Publish"); err != nil {
		return err
	}
	if m.ctx == nil {
		return newErr("Publish", CodeStateViolation, "module has no context")
	}
	var firstErr error
	for _, mod := range m.ctx.modulesSnapshot() {
		matched := false
		mod.mu.RLock()
		mod.subscriptions.each(func(_ string, src *Source) bool {
			if sub, ok := src.spec.(*psSubscription); ok && sub.re.MatchString(topic) {
				matched = true
				return false
			}
			return true
		})
		mod.mu.RUnlock()
		if !matched {
			continue
		}
		if err := m.deliver(mod, &psMessage{topic: topic, sender: m, message: message, flags: flags}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Broadcast delivers message to every module in the context, grounded on
// mod.h's m_mod_ps_broadcast and spec.md §4.6's "wildcard internal
// topic that every module is implicitly subscribed to".
func (m *Module) Broadcast(message any, flags PSFlags) error {
	if err := m.checkPub("Broadcast"); err != nil {
		return err
	}
	if m.ctx == nil {
		return newErr("Broadcast", CodeStateViolation, "module has no context")
	}
	var firstErr error
	for _, mod := range m.ctx.modulesSnapshot() {
		if err := m.deliver(mod, &psMessage{sender: m, message: message, flags: flags}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Poisonpill enqueues the stop sentinel for recipient, grounded on
// mod.h's m_mod_ps_poisonpill: recipient transitions to STOPPED once it
// has drained its current batch.
func (m *Module) Poisonpill(recipient *Module) error {
	if err := m.checkPub("Poisonpill"); err != nil {
		return err
	}
	return m.deliver(recipient, &psMessage{sender: m, topic: topicPoisonpill, poisonpill: true})
}

// deliver pushes msg onto recipient's inbox, applying the PROCESS_LATER
// backpressure policy from spec.md §4.6.
func (m *Module) deliver(recipient *Module, msg *psMessage) error {
	if recipient == nil {
		return newErr("Tell", CodeInvalidArgument, "nil recipient")
	}
	if recipient.inbox.push(msg) {
		return nil
	}
	if msg.flags&PSProcessLater != 0 && recipient.ctx != nil {
		recipient.ctx.queuePending(recipient, msg)
		return nil
	}
	return newErr("Tell", CodeWouldBlock, "recipient inbox full")
}

// tellSystemMessage broadcasts a LIBMODULE_MOD_{ADDED,REMOVED} message,
// grounded on priv.h's tell_system_pubsub_msg, triggered by
// [Context.Register] / [Context.Deregister].
func (c *Context) tellSystemMessage(topic string, subject *Module) {
	for _, mod := range c.modulesSnapshot() {
		if mod == subject {
			continue
		}
		_ = mod.inbox.push(&psMessage{topic: topic, sender: subject, message: subject.Name()})
	}
}
