package common

import "sync/atomic"

// RefObject is an atomically reference-counted owner of a destroy callback.
// The callback runs exactly once, on the decrement that reaches zero.
type RefObject struct {
	refs    atomic.Int64
	destroy func()
}

// NewRefObject returns an object holding one reference.
func NewRefObject(destroy func()) *RefObject {
	r := &RefObject{destroy: destroy}
	r.refs.Store(1)
	return r
}

// Reference adds a reference. The caller must already hold one.
func (r *RefObject) Reference() {
	r.refs.Add(1)
}

// ReferenceSafe adds a reference only if the object is not already being
// torn down.
func (r *RefObject) ReferenceSafe() bool {
	for {
		n := r.refs.Load()
		if n <= 0 {
			return false
		}
		if r.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Dereference drops a reference and reports whether it destroyed the object.
func (r *RefObject) Dereference() bool {
	n := r.refs.Add(-1)
	if n < 0 {
		panic("common: RefObject dereferenced past zero")
	}
	if n == 0 {
		if r.destroy != nil {
			r.destroy()
		}
		return true
	}
	return false
}

// Count returns the current number of references.
func (r *RefObject) Count() int64 {
	return r.refs.Load()
}
