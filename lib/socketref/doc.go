// Package socketref manages the lifecycle of the local IPC socket shared by
// all clients of a process.
//
// Every client holds a Reference. References to the same path share one
// resource (by default a unix listener created by ListenFactory). The
// resource is created by the first GetOrCreate and torn down when the last
// reference is released: the listener is closed, the socket file unlinked
// and the registry entry removed.
//
// Guarantees:
//
//   - at most one live resource per path
//   - exactly one cleanup per resource, after the last release
//   - the registry never keeps a resource alive, it only observes the
//     reference count of its entries
//
// Releasing never blocks on the registry lock. If the lock is contended the
// cleanup runs on a background goroutine. A GetOrCreate for a path whose
// cleanup is still pending finishes that cleanup first, so the deferred
// cleanup can never remove a newer resource.
package socketref
