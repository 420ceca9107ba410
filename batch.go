package libmodule

import "time"

// batchConfig tracks one module's pending-batch policy, grounded on
// microbatch.BatcherConfig's MaxSize/FlushInterval shape
// (microbatch/microbatch.go), adapted from goroutine-driven concurrent
// batch processing to the single-threaded, one-batch-at-a-time queue
// spec.md §4.4/§4.5 requires: a module never has two on_evt calls for
// the same batch in flight, and the flush decision is evaluated by the
// context's own loop tick rather than a per-batch timer goroutine.
//
// Zero value matches spec.md §8's boundary behavior ("batch timeout 0
// flushes immediately"): an unconfigured module flushes on every loop
// iteration that queued at least one event for it.
type batchConfig struct {
	size    int           // SetBatchSize; 0 == unbounded (flush whatever is queued)
	timeout time.Duration // SetBatchTimeout; 0 == flush immediately
	first   time.Time     // arrival time of the oldest still-queued event
}

// setSize validates and stores n, grounded on mod.h's m_mod_set_batch_size.
func (b *batchConfig) setSize(n int) error {
	if n < 0 {
		return newErr("SetBatchSize", CodeInvalidArgument, "negative batch size")
	}
	b.size = n
	return nil
}

// setTimeout validates and stores d, grounded on mod.h's
// m_mod_set_batch_timeout.
func (b *batchConfig) setTimeout(d time.Duration) error {
	if d < 0 {
		return newErr("SetBatchTimeout", CodeInvalidArgument, "negative batch timeout")
	}
	b.timeout = d
	return nil
}

// noted records the arrival of the first event of a new pending batch.
func (b *batchConfig) noted(now time.Time) {
	if b.first.IsZero() {
		b.first = now
	}
}

// reset clears the pending-batch arrival marker after a flush.
func (b *batchConfig) reset() {
	b.first = time.Time{}
}

// ready reports whether a batch of qlen queued events, possibly
// containing a ONESHOT/FLUSH-flagged source (forceFlush), must be
// dispatched now.
func (b *batchConfig) ready(now time.Time, qlen int, forceFlush bool) bool {
	if qlen == 0 {
		return false
	}
	if forceFlush {
		return true
	}
	if b.size > 0 && qlen >= b.size {
		return true
	}
	if b.timeout <= 0 {
		return true
	}
	if b.first.IsZero() {
		return false
	}
	return now.Sub(b.first) >= b.timeout
}

// deadline returns the absolute time this batch must flush by even if no
// more events arrive, or the zero Time if there is no pending timeout
// (no event queued yet, or the batch is already flush-immediately).
// Used by the context loop to compute the poll adapter's wait timeout.
func (b *batchConfig) deadline() time.Time {
	if b.first.IsZero() || b.timeout <= 0 {
		return time.Time{}
	}
	return b.first.Add(b.timeout)
}
