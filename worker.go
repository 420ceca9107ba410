package libmodule

import (
	"context"
	"sync"
)

// workerPool is a context's lazily-created TASK worker pool, grounded on
// priv.h's m_thpool_t and spec.md §5: "Only TASK sources spawn OS
// threads from a lazily-created thread pool belonging to the context. A
// task's body runs off-loop... No user callback ever runs on a worker
// thread." Each submitted task gets its own goroutine rather than a
// fixed-size worker set (the teacher's Go runtime already multiplexes
// goroutines onto OS threads; priv.h's native thread pool exists only
// because C has no such scheduler).
type workerPool struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	baseCtx context.Context
	closed  bool
}

func newWorkerPool() *workerPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &workerPool{baseCtx: ctx, cancel: cancel}
}

// submit runs fn on its own goroutine, writing the result to done and
// waking the poller via wake once finished. It is safe to call
// concurrently with close (a submission racing close simply observes a
// cancelled baseCtx).
func (p *workerPool) submit(fn TaskFunc, done chan<- taskResult, wake func() error) {
	p.mu.Lock()
	ctx := p.baseCtx
	p.mu.Unlock()
	go func() {
		retval, err := fn(ctx)
		done <- taskResult{retval: retval, err: err}
		_ = wake()
	}()
}

// close cancels the shared context passed to any still-running task
// bodies (a cooperative cancellation signal only; the framework never
// forcibly kills a worker goroutine).
func (p *workerPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.cancel()
}
