package libmodule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextRegisterFailsAfterFirstLoop(t *testing.T) {
	ctx, err := NewContext(t.Name())
	require.NoError(t, err)

	_, err = ctx.Register("a", Hooks{OnEvt: func(*Module, []Event) {}})
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = ctx.Quit(0)
	}()
	require.NoError(t, ctx.Loop())

	// Loop finalized ctx, so it now refuses further registrations.
	require.True(t, ctx.finalized.Load())
	_, err = ctx.Register("b", Hooks{OnEvt: func(*Module, []Event) {}})
	require.Error(t, err)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, CodePermissionDenied, cerr.Code)
}

func TestContextRegisterDuplicateNameRejected(t *testing.T) {
	ctx, err := NewContext(t.Name())
	require.NoError(t, err)

	_, err = ctx.Register("dup", Hooks{OnEvt: func(*Module, []Event) {}})
	require.NoError(t, err)

	_, err = ctx.Register("dup", Hooks{OnEvt: func(*Module, []Event) {}})
	require.Error(t, err)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, CodeAlreadyExists, cerr.Code)
}

func TestContextRegisterAllowReplace(t *testing.T) {
	ctx, err := NewContext(t.Name())
	require.NoError(t, err)

	var firstStopped int
	first, err := ctx.Register("svc", Hooks{
		OnStop: func(*Module) { firstStopped++ },
		OnEvt:  func(*Module, []Event) {},
	}, WithFlags(ModAllowReplace))
	require.NoError(t, err)
	require.NoError(t, first.Start())

	second, err := ctx.Register("svc", Hooks{OnEvt: func(*Module, []Event) {}})
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 1, firstStopped)
	assert.True(t, first.Is(StateZombie))
}

func TestContextPubsubTellDeliversOnDispatch(t *testing.T) {
	ctx, err := NewContext(t.Name())
	require.NoError(t, err)

	received := make(chan PSEvent, 1)
	recipient, err := ctx.Register("recipient", Hooks{
		OnEvt: func(_ *Module, batch []Event) {
			// Registering "sender" also queues a LIBMODULE_MOD_ADDED
			// system message here; only the Tell itself is forwarded.
			for _, e := range batch {
				if p, ok := e.Payload.(PSEvent); ok && p.Topic != topicModAdded {
					received <- p
				}
			}
		},
	}, WithBatchTimeout(0))
	require.NoError(t, err)
	require.NoError(t, recipient.Start())

	sender, err := ctx.Register("sender", Hooks{OnEvt: func(*Module, []Event) {}})
	require.NoError(t, err)

	require.NoError(t, sender.Tell(recipient, "hello", 0))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := ctx.Dispatch(); err != nil {
			t.Fatal(err)
		}
		select {
		case p := <-received:
			assert.Equal(t, "hello", p.Message)
			assert.Same(t, sender, p.Sender)
			return
		default:
		}
	}
	t.Fatal("message was never delivered")
}

func TestContextPubsubPublishMatchesSubscribers(t *testing.T) {
	ctx, err := NewContext(t.Name())
	require.NoError(t, err)

	received := make(chan string, 1)
	sub, err := ctx.Register("subscriber", Hooks{
		OnEvt: func(_ *Module, batch []Event) {
			// Registering "publisher" also queues a LIBMODULE_MOD_ADDED
			// system message here; only the published message is forwarded.
			for _, e := range batch {
				if p, ok := e.Payload.(PSEvent); ok && p.Topic != topicModAdded {
					received <- p.Topic
				}
			}
		},
	}, WithBatchTimeout(0))
	require.NoError(t, err)
	require.NoError(t, sub.Start())
	_, err = sub.Subscribe(`^orders\.`, PriorityNorm, nil)
	require.NoError(t, err)

	pub, err := ctx.Register("publisher", Hooks{OnEvt: func(*Module, []Event) {}})
	require.NoError(t, err)
	require.NoError(t, pub.Publish("orders.created", map[string]int{"id": 1}, 0))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := ctx.Dispatch(); err != nil {
			t.Fatal(err)
		}
		select {
		case topic := <-received:
			assert.Equal(t, "orders.created", topic)
			return
		default:
		}
	}
	t.Fatal("published message never reached subscriber")
}

func TestContextDeregisterRejectsPersistentWhileLooping(t *testing.T) {
	ctx, err := NewContext(t.Name())
	require.NoError(t, err)

	mod, err := ctx.Register("persist", Hooks{OnEvt: func(*Module, []Event) {}}, WithFlags(ModPersist))
	require.NoError(t, err)

	ctx.state.Store(uint32(CtxLooping))
	err = ctx.Deregister(mod)
	require.Error(t, err)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, CodePermissionDenied, cerr.Code)
}

func TestContextQuitStopsLoop(t *testing.T) {
	ctx, err := NewContext(t.Name())
	require.NoError(t, err)

	_, err = ctx.Register("a", Hooks{OnEvt: func(*Module, []Event) {}})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- ctx.Loop() }()

	require.NoError(t, ctx.Quit(0))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Loop did not return after Quit")
	}
	assert.Equal(t, CtxZombie, ctx.State())
}
