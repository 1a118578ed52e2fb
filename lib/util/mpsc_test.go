package util

import (
	"runtime"
	"sync"
	"testing"
	"time"
)

// drain pops items until want items were received or the timeout expires
func drain[T any](t *testing.T, q *LockFreeMPSC[T], want int, timeout time.Duration) []T {
	t.Helper()
	out := make([]T, 0, want)
	deadline := time.After(timeout)
	for len(out) < want {
		if v, ok := q.Pop(); ok {
			out = append(out, *v)
			continue
		}
		select {
		case <-q.Notify():
		case <-deadline:
			t.Fatalf("Timeout waiting for items, received %d of %d", len(out), want)
		}
	}
	return out
}

// TestBasicOperations tests basic push and pop functionality
func TestBasicOperations(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	defer q.Close()

	if _, ok := q.Pop(); ok {
		t.Fatal("Pop on empty queue should report false")
	}

	for i := 0; i < 10; i++ {
		if !q.Push(&i) {
			t.Fatalf("Failed to push item %d", i)
		}
	}
	if q.Len() != 10 {
		t.Errorf("Expected length 10, got %d", q.Len())
	}

	for i, v := range drain(t, q, 10, time.Second) {
		if v != i {
			t.Errorf("Expected %d, got %d", i, v)
		}
	}

	if _, ok := q.Pop(); ok {
		t.Error("Queue should be empty")
	}
	if q.Len() != 0 {
		t.Errorf("Expected length 0, got %d", q.Len())
	}
}

// TestPushNil tests that nil items are rejected
func TestPushNil(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	if q.Push(nil) {
		t.Error("Push(nil) should return false")
	}
}

// TestConcurrentProducers verifies the queue works correctly with multiple producers
func TestConcurrentProducers(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	defer q.Close()

	const numProducers = 10
	const itemsPerProducer = 1000
	totalItems := numProducers * itemsPerProducer

	var wg sync.WaitGroup
	wg.Add(numProducers)
	for p := 0; p < numProducers; p++ {
		go func(producerID int) {
			defer wg.Done()
			base := producerID * itemsPerProducer
			for i := 0; i < itemsPerProducer; i++ {
				val := base + i
				if !q.Push(&val) {
					t.Errorf("Producer %d failed to push item %d", producerID, i)
				}
				if i%100 == 0 {
					runtime.Gosched()
				}
			}
		}(p)
	}

	items := drain(t, q, totalItems, 5*time.Second)
	wg.Wait()

	seen := make(map[int]bool, totalItems)
	lastPerProducer := make(map[int]int)
	for _, v := range items {
		if seen[v] {
			t.Errorf("Duplicate item received: %d", v)
		}
		seen[v] = true

		// items of one producer keep their order
		producer := v / itemsPerProducer
		if last, ok := lastPerProducer[producer]; ok && v < last {
			t.Errorf("Item %d of producer %d received after %d", v, producer, last)
		}
		lastPerProducer[producer] = v
	}
	if len(seen) != totalItems {
		t.Errorf("Expected %d items, got %d", totalItems, len(seen))
	}
}

// TestCloseQueue verifies closing behavior
func TestCloseQueue(t *testing.T) {
	q := NewLockFreeMPSC[int]()

	for i := 0; i < 5; i++ {
		q.Push(&i)
	}
	q.Close()

	if !q.IsClosed() {
		t.Error("IsClosed should report true after Close")
	}

	val := 100
	if q.Push(&val) {
		t.Error("Should not be able to push after queue is closed")
	}

	// existing items can still be popped
	for i, v := range drain(t, q, 5, time.Second) {
		if v != i {
			t.Errorf("Expected %d, got %d", i, v)
		}
	}
}

// TestNotifyWakesConsumer tests that a waiting consumer is woken by a push
func TestNotifyWakesConsumer(t *testing.T) {
	q := NewLockFreeMPSC[string]()
	defer q.Close()

	got := make(chan string, 1)
	go func() {
		for {
			if v, ok := q.Pop(); ok {
				got <- *v
				return
			}
			<-q.Notify()
		}
	}()

	time.Sleep(10 * time.Millisecond)
	val := "test"
	q.Push(&val)

	select {
	case v := <-got:
		if v != "test" {
			t.Errorf("Expected 'test', got %q", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Consumer was not woken up")
	}
}

// BenchmarkMultiProducer benchmarks the queue with multiple producers
func BenchmarkMultiProducer(b *testing.B) {
	q := NewLockFreeMPSC[int]()
	defer q.Close()

	done := make(chan struct{})
	go func() {
		for {
			if _, ok := q.Pop(); ok {
				continue
			}
			select {
			case <-q.Notify():
			case <-done:
				return
			}
		}
	}()
	defer close(done)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			q.Push(&i)
			i++
		}
	})
}
