package mux

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/kvengine/rpc/common"
)

// Future is the result slot of one submitted request. It is resolved exactly
// once: by the response, a timeout, a cancellation or a connection failure.
type Future struct {
	id       uint32
	mux      *Multiplexer
	deadline time.Time

	done     chan struct{}
	resolved atomic.Bool
	value    common.Value
	err      error
}

func newFuture(m *Multiplexer, deadline time.Time) *Future {
	return &Future{mux: m, deadline: deadline, done: make(chan struct{})}
}

// resolve stores the result. Only the first call has an effect.
func (f *Future) resolve(v common.Value, err error) bool {
	if !f.resolved.CompareAndSwap(false, true) {
		return false
	}
	f.value, f.err = v, err
	close(f.done)
	return true
}

// ID returns the correlation id of the request
func (f *Future) ID() uint32 { return f.id }

// Done is closed once the future is resolved
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the result of a resolved future. It must only be called
// after Done was closed.
func (f *Future) Result() (common.Value, error) {
	return f.value, f.err
}

// Await waits until the request is resolved. The request is abandoned with
// ErrTimeout when its timeout (measured from submission) expires, or with the
// context error when ctx is done first. An abandoned request is removed from
// the pending table, a late response for it is discarded.
func (f *Future) Await(ctx context.Context) (common.Value, error) {
	var timeout <-chan time.Time
	if !f.deadline.IsZero() {
		t := time.NewTimer(time.Until(f.deadline))
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-f.done:
	case <-ctx.Done():
		f.mux.abandon(f, ctx.Err())
	case <-timeout:
		metricTimeouts.Inc()
		f.mux.abandon(f, common.ErrTimeout)
	}

	<-f.done
	return f.value, f.err
}

// AwaitAll awaits every future and returns the results in order. The first
// error is returned alongside the results, results of failed futures are Nil.
func AwaitAll(ctx context.Context, futures []*Future) ([]common.Value, []error) {
	values := make([]common.Value, len(futures))
	errs := make([]error, len(futures))
	for i, f := range futures {
		values[i], errs[i] = f.Await(ctx)
	}
	return values, errs
}
