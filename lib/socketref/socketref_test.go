package socketref

import (
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// fakeResource counts how often it was closed
type fakeResource struct {
	closed atomic.Int32
}

func (f *fakeResource) Close() error {
	f.closed.Add(1)
	return nil
}

// fakeRegistry returns a registry creating fake resources and counting cleanups
func fakeRegistry() (*Registry, *atomic.Int32, *[]*fakeResource) {
	var (
		mu        sync.Mutex
		resources []*fakeResource
		cleanups  atomic.Int32
	)
	r := NewRegistry(func(path string) (io.Closer, error) {
		res := &fakeResource{}
		mu.Lock()
		resources = append(resources, res)
		mu.Unlock()
		return res, nil
	})
	r.OnCleanup = func(string) { cleanups.Add(1) }
	return r, &cleanups, &resources
}

// TestLastReleaseCleansUp tests that exactly one cleanup happens, after the Nth release
func TestLastReleaseCleansUp(t *testing.T) {
	r, cleanups, resources := fakeRegistry()
	path := filepath.Join(t.TempDir(), "a.sock")

	const n = 5
	refs := make([]*Reference, 0, n)
	for i := 0; i < n; i++ {
		ref, err := r.GetOrCreate(path)
		if err != nil {
			t.Fatalf("GetOrCreate failed: %v", err)
		}
		refs = append(refs, ref)
	}

	if len(*resources) != 1 {
		t.Fatalf("Expected one resource, got %d", len(*resources))
	}
	if refs[0].RefCount() != n {
		t.Errorf("Expected ref count %d, got %d", n, refs[0].RefCount())
	}

	for i, ref := range refs {
		ref.Release()
		r.Wait()
		if i < n-1 {
			if cleanups.Load() != 0 {
				t.Fatalf("Cleanup happened after release %d of %d", i+1, n)
			}
			if !r.IsActive(path) {
				t.Fatalf("Resource inactive after release %d of %d", i+1, n)
			}
		}
	}

	if cleanups.Load() != 1 {
		t.Errorf("Expected exactly one cleanup, got %d", cleanups.Load())
	}
	if (*resources)[0].closed.Load() != 1 {
		t.Errorf("Expected resource to be closed once, got %d", (*resources)[0].closed.Load())
	}
	if r.IsActive(path) || r.ActiveCount() != 0 {
		t.Error("Registry still reports the resource as active")
	}
}

// TestReleaseIsIdempotent tests that releasing a handle twice only counts once
func TestReleaseIsIdempotent(t *testing.T) {
	r, cleanups, _ := fakeRegistry()
	path := filepath.Join(t.TempDir(), "b.sock")

	a, _ := r.GetOrCreate(path)
	b := a.Clone()
	if b == nil {
		t.Fatal("Clone returned nil")
	}

	a.Release()
	a.Release()
	r.Wait()

	if cleanups.Load() != 0 {
		t.Fatal("Double release of one handle dropped the resource")
	}
	if !b.IsActive() || a.IsActive() {
		t.Error("Unexpected IsActive state after release")
	}
	if a.Clone() != nil {
		t.Error("Clone of a released handle should return nil")
	}

	b.Release()
	r.Wait()
	if cleanups.Load() != 1 {
		t.Errorf("Expected one cleanup, got %d", cleanups.Load())
	}
}

// TestConcurrentGetOrCreate tests that concurrent callers share one resource
func TestConcurrentGetOrCreate(t *testing.T) {
	r, cleanups, resources := fakeRegistry()
	path := filepath.Join(t.TempDir(), "c.sock")

	// keep one reference so the resource survives the whole test
	keep, err := r.GetOrCreate(path)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref, err := r.GetOrCreate(path)
			if err != nil {
				t.Errorf("GetOrCreate failed: %v", err)
				return
			}
			clone := ref.Clone()
			ref.Release()
			clone.Release()
		}()
	}
	wg.Wait()
	r.Wait()

	if len(*resources) != 1 {
		t.Errorf("Expected one resource, got %d", len(*resources))
	}
	if cleanups.Load() != 0 {
		t.Errorf("Resource was cleaned up while a reference was held")
	}
	if keep.RefCount() != 1 {
		t.Errorf("Expected ref count 1, got %d", keep.RefCount())
	}

	keep.Release()
	r.Wait()
	if cleanups.Load() != 1 {
		t.Errorf("Expected one cleanup, got %d", cleanups.Load())
	}
}

// TestContendedReleaseIsDeferred tests cleanup while the registry lock is held
func TestContendedReleaseIsDeferred(t *testing.T) {
	r, cleanups, _ := fakeRegistry()
	path := filepath.Join(t.TempDir(), "d.sock")

	ref, _ := r.GetOrCreate(path)

	r.mu.Lock()
	ref.Release() // must not block
	if cleanups.Load() != 0 {
		t.Fatal("Cleanup ran while the registry lock was held")
	}
	r.mu.Unlock()

	r.Wait()
	if cleanups.Load() != 1 {
		t.Errorf("Expected deferred cleanup to run once, got %d", cleanups.Load())
	}
}

// TestRecreateWhileCleanupPending tests that a stale deferred cleanup never
// removes a newer resource for the same path
func TestRecreateWhileCleanupPending(t *testing.T) {
	r, cleanups, resources := fakeRegistry()
	path := filepath.Join(t.TempDir(), "e.sock")

	old, _ := r.GetOrCreate(path)

	r.mu.Lock()
	old.Release() // deferred, waits for the lock
	r.mu.Unlock()

	fresh, err := r.GetOrCreate(path)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	r.Wait()

	if len(*resources) != 2 {
		t.Fatalf("Expected a second resource, got %d", len(*resources))
	}
	if cleanups.Load() != 1 {
		t.Errorf("Expected exactly the old resource to be cleaned, got %d cleanups", cleanups.Load())
	}
	if (*resources)[1].closed.Load() != 0 {
		t.Error("New resource was closed by the stale cleanup")
	}
	if !fresh.IsActive() || !r.IsActive(path) {
		t.Error("New resource is not active")
	}

	fresh.Release()
	r.Wait()
}

// TestFactoryError tests that a failing factory leaves no entry behind
func TestFactoryError(t *testing.T) {
	r := NewRegistry(func(path string) (io.Closer, error) {
		return nil, errors.New("boom")
	})
	if _, err := r.GetOrCreate("/nonexistent/x.sock"); err == nil {
		t.Fatal("Expected factory error")
	}
	if r.ActiveCount() != 0 {
		t.Error("Failed creation left an entry")
	}
	if _, err := r.GetOrCreate(""); err == nil {
		t.Error("Expected error for empty path")
	}
}

// TestListenFactory tests the unix listener lifecycle including the socket file
func TestListenFactory(t *testing.T) {
	r := NewRegistry(nil)
	path := filepath.Join(t.TempDir(), "l.sock")

	// a stale file is replaced
	if err := os.WriteFile(path, []byte("stale"), 0o600); err != nil {
		t.Fatal(err)
	}

	ref, err := r.GetOrCreate(path)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	l, ok := ref.Listener()
	if !ok {
		t.Fatal("Resource is not a listener")
	}

	go func() {
		if c, err := l.Accept(); err == nil {
			c.Close()
		}
	}()
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("Failed to dial socket: %v", err)
	}
	conn.Close()

	ref.Release()
	r.Wait()

	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Socket file still exists after last release: %v", err)
	}
}

// TestCleanupAll tests teardown of all resources
func TestCleanupAll(t *testing.T) {
	r, cleanups, _ := fakeRegistry()
	dir := t.TempDir()

	a, _ := r.GetOrCreate(filepath.Join(dir, "1.sock"))
	b, _ := r.GetOrCreate(filepath.Join(dir, "2.sock"))
	if r.ActiveCount() != 2 {
		t.Fatalf("Expected 2 active resources, got %d", r.ActiveCount())
	}

	r.CleanupAll()
	if r.ActiveCount() != 0 || cleanups.Load() != 2 {
		t.Errorf("Expected all resources cleaned, active=%d cleanups=%d", r.ActiveCount(), cleanups.Load())
	}

	// releasing afterwards is harmless
	a.Release()
	b.Release()
	r.Wait()
	if cleanups.Load() != 2 {
		t.Errorf("Release after CleanupAll triggered another cleanup")
	}
}

// TestDefaultSocketPath tests that generated paths are unique
func TestDefaultSocketPath(t *testing.T) {
	a, b := DefaultSocketPath(), DefaultSocketPath()
	if a == b {
		t.Error("Expected unique socket paths")
	}
	if !strings.HasSuffix(a, ".sock") || !strings.Contains(filepath.Base(a), "kvengine-socket-") {
		t.Errorf("Unexpected socket path %s", a)
	}
}
