package libmodule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModuleLifecycle_StartPauseResumeStop(t *testing.T) {
	ctx, err := NewContext(t.Name())
	require.NoError(t, err)

	var started, stopped int
	mod, err := ctx.Register("worker", Hooks{
		OnStart: func(*Module) bool { started++; return true },
		OnStop:  func(*Module) { stopped++ },
		OnEvt:   func(*Module, []Event) {},
	})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, mod.State())

	require.NoError(t, mod.Start())
	assert.True(t, mod.Is(StateRunning))
	assert.Equal(t, 1, started)

	require.NoError(t, mod.Pause())
	assert.True(t, mod.Is(StatePaused))

	require.NoError(t, mod.Resume())
	assert.True(t, mod.Is(StateRunning))

	require.NoError(t, mod.Stop())
	assert.True(t, mod.Is(StateStopped))
	assert.Equal(t, 1, stopped)

	// Stopping twice is a state violation; OnStop must not run again.
	assert.Error(t, mod.Stop())
	assert.Equal(t, 1, stopped)
}

func TestModuleLifecycle_StopHookRunsExactlyOnce(t *testing.T) {
	ctx, err := NewContext(t.Name())
	require.NoError(t, err)

	var stopped int
	mod, err := ctx.Register("worker", Hooks{
		OnStop: func(*Module) { stopped++ },
		OnEvt:  func(*Module, []Event) {},
	})
	require.NoError(t, err)

	require.NoError(t, mod.Start())
	require.NoError(t, mod.Stop())
	assert.Equal(t, 1, stopped)

	// Deregistering an already-STOPPED module must not re-run OnStop.
	require.NoError(t, ctx.Deregister(mod))
	assert.Equal(t, 1, stopped)
	assert.True(t, mod.Is(StateZombie))
}

func TestModuleLifecycle_DeregisterNeverStartedRunsStopOnce(t *testing.T) {
	ctx, err := NewContext(t.Name())
	require.NoError(t, err)

	var stopped int
	mod, err := ctx.Register("worker", Hooks{
		OnStop: func(*Module) { stopped++ },
		OnEvt:  func(*Module, []Event) {},
	})
	require.NoError(t, err)
	assert.True(t, mod.Is(StateIdle))

	require.NoError(t, ctx.Deregister(mod))
	assert.Equal(t, 1, stopped)
	assert.True(t, mod.Is(StateZombie))
}

func TestModuleBecomeUnbecome(t *testing.T) {
	ctx, err := NewContext(t.Name())
	require.NoError(t, err)

	var calls []string
	mod, err := ctx.Register("worker", Hooks{
		OnEvt: func(*Module, []Event) { calls = append(calls, "base") },
	})
	require.NoError(t, err)

	mod.Become(func(*Module, []Event) { calls = append(calls, "override") })
	assert.Equal(t, "override", func() string {
		fn := mod.activeHandler()
		fn(mod, nil)
		return calls[len(calls)-1]
	}())

	mod.Unbecome()
	fn := mod.activeHandler()
	fn(mod, nil)
	assert.Equal(t, "base", calls[len(calls)-1])
}

func TestModuleStashUnstash(t *testing.T) {
	ctx, err := NewContext(t.Name())
	require.NoError(t, err)

	mod, err := ctx.Register("worker", Hooks{OnEvt: func(*Module, []Event) {}})
	require.NoError(t, err)

	e1 := Event{Src: &Source{Priority: PriorityNorm}}
	e2 := Event{Src: &Source{Priority: PriorityNorm}}
	require.NoError(t, mod.Stash(e1))
	require.NoError(t, mod.Stash(e2))

	mod.pending.push(Event{Src: &Source{Priority: PriorityHigh}})
	require.NoError(t, mod.Unstash(1))

	all := mod.pending.drain()
	require.Len(t, all, 2)
	assert.Same(t, e1.Src, all[0].Src)
}

func TestModuleRegisterRequiresOnEvt(t *testing.T) {
	ctx, err := NewContext(t.Name())
	require.NoError(t, err)

	_, err = ctx.Register("worker", Hooks{})
	require.Error(t, err)
	var merr *Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, CodeInvalidArgument, merr.Code)
}

func TestModuleDenyFlagsGatePubAndCtx(t *testing.T) {
	ctx, err := NewContext(t.Name())
	require.NoError(t, err)

	mod, err := ctx.Register("worker", Hooks{OnEvt: func(*Module, []Event) {}},
		WithFlags(ModDenyPub|ModDenyCtx))
	require.NoError(t, err)

	other, err := ctx.Register("peer", Hooks{OnEvt: func(*Module, []Event) {}})
	require.NoError(t, err)

	err = mod.Tell(other, "hi", 0)
	require.Error(t, err)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, CodePermissionDenied, terr.Code)

	_, err = mod.RegisterTmr(TmrSpec{}, PriorityNorm, 0, nil)
	require.Error(t, err)
}

func TestModuleDumpReportsNameAndState(t *testing.T) {
	ctx, err := NewContext(t.Name())
	require.NoError(t, err)

	mod, err := ctx.Register("worker", Hooks{OnEvt: func(*Module, []Event) {}})
	require.NoError(t, err)
	assert.Equal(t, "worker [idle]", mod.Dump())

	require.NoError(t, mod.Start())
	assert.Equal(t, "worker [running]", mod.Dump())
}

func TestModuleLogDoesNotPanicWithoutExplicitLogger(t *testing.T) {
	ctx, err := NewContext(t.Name())
	require.NoError(t, err)

	mod, err := ctx.Register("worker", Hooks{OnEvt: func(*Module, []Event) {}})
	require.NoError(t, err)
	mod.Log("hello %s", "world")
}

func TestSortBatchOrdersByDescendingPriority(t *testing.T) {
	low := &Source{Priority: PriorityLow}
	norm := &Source{Priority: PriorityNorm}
	high := &Source{Priority: PriorityHigh}
	events := []Event{{Src: low}, {Src: high}, {Src: norm}}
	sortBatch(events)
	assert.Equal(t, []*Source{high, norm, low}, []*Source{events[0].Src, events[1].Src, events[2].Src})
}
