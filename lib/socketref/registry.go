package socketref

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	vmetrics "github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("socketref")

var (
	metricCreated  = vmetrics.NewCounter("kvengine_socketref_created_total")
	metricCleanups = vmetrics.NewCounter("kvengine_socketref_cleanups_total")
	metricDeferred = vmetrics.NewCounter("kvengine_socketref_deferred_cleanups_total")
)

// Factory creates the resource bound to path
type Factory func(path string) (io.Closer, error)

// ListenFactory is the default factory: it removes a stale socket file and
// binds a unix listener to path
func ListenFactory(path string) (io.Closer, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove existing socket: %v", err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to create unix socket: %v", err)
	}
	// the registry unlinks the file itself
	if ul, ok := listener.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(false)
	}
	return listener, nil
}

// DefaultSocketPath returns a fresh socket path in the temp directory that
// is unique for this process
func DefaultSocketPath() string {
	name := fmt.Sprintf("kvengine-socket-%d-%s.sock", os.Getpid(), uuid.NewString())
	return filepath.Join(os.TempDir(), name)
}

// --------------------------------------------------------------------------
// Registry
// --------------------------------------------------------------------------

// entry is the registry record of one live resource. refs only changes
// through atomic operations, cleaned only under the registry lock.
type entry struct {
	path     string
	resource io.Closer
	refs     atomic.Int64
	cleaned  bool
}

// Registry maps socket paths to their shared resource. It never keeps a
// resource alive by itself: the resource lives as long as at least one
// Reference to it is held.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	factory Factory

	// OnCleanup is called after the resource of path was torn down
	OnCleanup func(path string)

	pending sync.WaitGroup
}

// NewRegistry creates a registry using factory to create resources.
// A nil factory selects ListenFactory.
func NewRegistry(factory Factory) *Registry {
	if factory == nil {
		factory = ListenFactory
	}
	return &Registry{
		entries: make(map[string]*entry),
		factory: factory,
	}
}

// GetOrCreate returns a reference to the live resource at path, creating the
// resource if none exists. Concurrent callers for the same path share one resource.
func (r *Registry) GetOrCreate(path string) (*Reference, error) {
	if path == "" {
		return nil, fmt.Errorf("socket path must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[path]; ok {
		if acquire(e) {
			return newReference(r, e), nil
		}
		// the last reference was dropped but its cleanup has not run yet
		r.cleanupLocked(e)
	}

	resource, err := r.factory(path)
	if err != nil {
		return nil, err
	}

	e := &entry{path: path, resource: resource}
	e.refs.Store(1)
	r.entries[path] = e
	metricCreated.Inc()
	Logger.Debugf("Created socket resource %s", path)

	return newReference(r, e), nil
}

// IsActive reports whether a live resource exists for path
func (r *Registry) IsActive(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[path]
	return ok && e.refs.Load() > 0
}

// ActiveCount returns the number of live resources
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.entries {
		if e.refs.Load() > 0 {
			n++
		}
	}
	return n
}

// CleanupAll tears down every resource regardless of outstanding references
// and waits for deferred cleanups. Intended for tests.
func (r *Registry) CleanupAll() {
	r.mu.Lock()
	for _, e := range r.entries {
		e.refs.Store(0)
		r.cleanupLocked(e)
	}
	r.mu.Unlock()

	r.pending.Wait()
}

// Wait blocks until all deferred cleanups have finished
func (r *Registry) Wait() {
	r.pending.Wait()
}

// acquire increments the reference count unless it already dropped to zero
func acquire(e *entry) bool {
	for {
		n := e.refs.Load()
		if n <= 0 {
			return false
		}
		if e.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// release is called when a reference is dropped. The last release tears the
// resource down, immediately if the registry lock is free, otherwise on a
// background goroutine.
func (r *Registry) release(e *entry) {
	if e.refs.Add(-1) > 0 {
		return
	}

	if r.mu.TryLock() {
		r.cleanupLocked(e)
		r.mu.Unlock()
		return
	}

	metricDeferred.Inc()
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		// no-op if a GetOrCreate for the same path already finished it
		r.cleanupLocked(e)
	}()
}

// cleanupLocked tears down the resource of e exactly once. The caller holds r.mu.
func (r *Registry) cleanupLocked(e *entry) {
	if e.cleaned {
		return
	}
	e.cleaned = true

	if cur, ok := r.entries[e.path]; ok && cur == e {
		delete(r.entries, e.path)
	}

	if err := e.resource.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		Logger.Warningf("Failed to close socket resource %s: %v", e.path, err)
	}
	if err := os.Remove(e.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		Logger.Warningf("Failed to remove socket file %s: %v", e.path, err)
	}

	metricCleanups.Inc()
	Logger.Debugf("Cleaned up socket resource %s", e.path)

	if r.OnCleanup != nil {
		r.OnCleanup(e.path)
	}
}

// --------------------------------------------------------------------------
// Process wide default registry
// --------------------------------------------------------------------------

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process wide registry, created on first use
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry(ListenFactory)
	})
	return defaultRegistry
}

// GetOrCreate returns a reference from the default registry
func GetOrCreate(path string) (*Reference, error) {
	return Default().GetOrCreate(path)
}

// IsActive checks the default registry
func IsActive(path string) bool {
	return Default().IsActive(path)
}

// ActiveCount returns the number of live resources of the default registry
func ActiveCount() int {
	return Default().ActiveCount()
}

// CleanupAll tears down all resources of the default registry
func CleanupAll() {
	Default().CleanupAll()
}
