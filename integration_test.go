package libmodule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dispatchUntil polls ctx.Dispatch() until cond returns true or deadline
// elapses, grounded on the pubsub tests' Dispatch-polling pattern.
func dispatchUntil(t *testing.T, ctx *Context, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := ctx.Dispatch(); err != nil {
			t.Fatal(err)
		}
		if cond() {
			return
		}
	}
	t.Fatal("condition never became true")
}

// TestIntegration_TimerFiresThroughDispatch exercises spec.md §8
// scenario 2 ("Timer"): a periodic TMR source delivered through the real
// poller, driven by repeated Dispatch calls.
func TestIntegration_TimerFiresThroughDispatch(t *testing.T) {
	ctx, err := NewContext(t.Name())
	require.NoError(t, err)

	var expirations atomic.Uint64
	mod, err := ctx.Register("timer", Hooks{
		OnEvt: func(_ *Module, batch []Event) {
			for _, e := range batch {
				if p, ok := e.Payload.(TmrEvent); ok {
					expirations.Add(p.Expirations)
				}
			}
		},
	}, WithBatchTimeout(0))
	require.NoError(t, err)
	require.NoError(t, mod.Start())

	_, err = mod.RegisterTmr(TmrSpec{Initial: 10 * time.Millisecond, Interval: 10 * time.Millisecond}, PriorityNorm, 0, nil)
	require.NoError(t, err)

	dispatchUntil(t, ctx, 2*time.Second, func() bool { return expirations.Load() >= 3 })
}

// TestIntegration_TaskSubmittedWhenPreRegisteredThenStarted is the
// regression test for the fix to submitTaskLocked: a TASK source
// registered on an IDLE module must still run, once Start arms it.
func TestIntegration_TaskSubmittedWhenPreRegisteredThenStarted(t *testing.T) {
	ctx, err := NewContext(t.Name())
	require.NoError(t, err)

	done := make(chan TaskEvent, 1)
	mod, err := ctx.Register("worker", Hooks{
		OnEvt: func(_ *Module, batch []Event) {
			for _, e := range batch {
				if p, ok := e.Payload.(TaskEvent); ok {
					done <- p
				}
			}
		},
	}, WithBatchTimeout(0))
	require.NoError(t, err)
	assert.True(t, mod.Is(StateIdle))

	_, err = mod.RegisterTask(TaskSpec{Fn: func(context.Context) (int, error) {
		return 42, nil
	}}, PriorityNorm, 0, nil)
	require.NoError(t, err)

	require.NoError(t, mod.Start())

	var result TaskEvent
	dispatchUntil(t, ctx, 2*time.Second, func() bool {
		select {
		case result = <-done:
			return true
		default:
			return false
		}
	})
	assert.Equal(t, 42, result.Retval)
	assert.NoError(t, result.Err)
}

// TestIntegration_PingPong exercises spec.md §8 scenario 1: two modules
// bounce a ping/pong through the pub/sub pipe for 4 round trips, then
// the context quits with code 0.
func TestIntegration_PingPong(t *testing.T) {
	ctx, err := NewContext(t.Name())
	require.NoError(t, err)

	const rounds = 4
	var aEvts, bEvts atomic.Int32

	b, err := ctx.Register("b", Hooks{
		OnEvt: func(mod *Module, batch []Event) {
			for _, e := range batch {
				p, ok := e.Payload.(PSEvent)
				if !ok || p.Sender == nil || p.Message != "ping" {
					continue
				}
				bEvts.Add(1)
				require.NoError(t, mod.Tell(p.Sender, "pong", 0))
			}
		},
	}, WithBatchTimeout(0))
	require.NoError(t, err)
	require.NoError(t, b.Start())

	a, err := ctx.Register("a", Hooks{
		OnStart: func(mod *Module) bool {
			require.NoError(t, mod.Tell(b, "ping", 0))
			return true
		},
		OnEvt: func(mod *Module, batch []Event) {
			for _, e := range batch {
				if p, ok := e.Payload.(PSEvent); !ok || p.Message != "pong" {
					continue
				}
				n := aEvts.Add(1)
				if n >= rounds {
					require.NoError(t, ctx.Quit(0))
					return
				}
				require.NoError(t, mod.Tell(b, "ping", 0))
			}
		},
	}, WithBatchTimeout(0))
	require.NoError(t, err)
	require.NoError(t, a.Start())

	done := make(chan error, 1)
	go func() { done <- ctx.Loop() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop never quit")
	}

	assert.EqualValues(t, rounds, aEvts.Load())
	assert.EqualValues(t, rounds, bEvts.Load())
}

// TestIntegration_Poisonpill exercises spec.md §8 scenario 4: a
// poisonpill delivered to a RUNNING module stops it exactly once, even
// when the poisonpill is the only thing in its batch.
func TestIntegration_Poisonpill(t *testing.T) {
	ctx, err := NewContext(t.Name())
	require.NoError(t, err)

	var stopped atomic.Int32
	target, err := ctx.Register("target", Hooks{
		OnStop: func(*Module) { stopped.Add(1) },
		OnEvt:  func(*Module, []Event) {},
	})
	require.NoError(t, err)
	require.NoError(t, target.Start())

	controller, err := ctx.Register("controller", Hooks{OnEvt: func(*Module, []Event) {}})
	require.NoError(t, err)
	require.NoError(t, controller.Poisonpill(target))

	dispatchUntil(t, ctx, 2*time.Second, func() bool { return target.Is(StateStopped) })
	assert.EqualValues(t, 1, stopped.Load())
}
