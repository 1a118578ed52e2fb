package socketref

import (
	"io"
	"net"
	"sync/atomic"
)

// Reference is a handle to a shared socket resource. Every handle must be
// released exactly once; releasing the last handle tears the resource down.
type Reference struct {
	registry *Registry
	entry    *entry
	released atomic.Bool
}

func newReference(r *Registry, e *entry) *Reference {
	return &Reference{registry: r, entry: e}
}

// Clone returns a new handle to the same resource. Cloning a released
// handle returns nil.
func (ref *Reference) Clone() *Reference {
	if ref.released.Load() || !acquire(ref.entry) {
		return nil
	}
	return newReference(ref.registry, ref.entry)
}

// Release drops this handle. Calling Release more than once has no effect.
func (ref *Reference) Release() {
	if !ref.released.CompareAndSwap(false, true) {
		return
	}
	ref.registry.release(ref.entry)
}

// Close implements io.Closer by releasing the handle
func (ref *Reference) Close() error {
	ref.Release()
	return nil
}

// Path returns the filesystem path of the socket
func (ref *Reference) Path() string {
	return ref.entry.path
}

// IsActive reports whether the handle is held and the resource still exists
func (ref *Reference) IsActive() bool {
	return !ref.released.Load() && ref.entry.refs.Load() > 0
}

// RefCount returns the number of handles currently sharing the resource
func (ref *Reference) RefCount() int64 {
	if n := ref.entry.refs.Load(); n > 0 {
		return n
	}
	return 0
}

// Resource returns the shared resource
func (ref *Reference) Resource() io.Closer {
	return ref.entry.resource
}

// Listener returns the resource as net.Listener if it is one
func (ref *Reference) Listener() (net.Listener, bool) {
	l, ok := ref.entry.resource.(net.Listener)
	return l, ok
}
