package libmodule

import "sync/atomic"

// refCounted is a generic reference-counted handle, grounded on priv.h's
// MEM-REFS accounting (m_mem_ref/m_mem_unref, M_MEM_LOCK). A [Module]'s
// count starts at 1 for the context registry and is raised only by
// [Module.Ref]; in-flight pub/sub messages naming it as sender and its
// running on_evt callback do not take a reference. The destructor fires
// exactly once, when the count drops from 1 to 0.
type refCounted[T any] struct {
	n    atomic.Int64
	data T
	dtor func(T)
}

// newRefCounted returns a handle with an initial count of 1, wrapping
// data. dtor, if non-nil, runs exactly once when the count reaches zero.
func newRefCounted[T any](data T, dtor func(T)) *refCounted[T] {
	r := &refCounted[T]{data: data, dtor: dtor}
	r.n.Store(1)
	return r
}

// ref increments the count and returns the wrapped value, mirroring
// m_mod_ref's "new reference" semantics.
func (r *refCounted[T]) ref() T {
	r.n.Add(1)
	return r.data
}

// unref decrements the count, running dtor if it reaches zero. Reports
// whether this call triggered the destructor.
func (r *refCounted[T]) unref() bool {
	if r.n.Add(-1) == 0 {
		if r.dtor != nil {
			r.dtor(r.data)
		}
		return true
	}
	return false
}

// count returns the current reference count, for diagnostics and tests.
func (r *refCounted[T]) count() int64 {
	return r.n.Load()
}
