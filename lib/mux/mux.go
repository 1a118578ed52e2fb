package mux

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	vmetrics "github.com/VictoriaMetrics/metrics"
	"github.com/ValentinKolb/kvengine/lib/util"
	"github.com/ValentinKolb/kvengine/rpc/codec"
	"github.com/ValentinKolb/kvengine/rpc/common"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	gometrics "github.com/rcrowley/go-metrics"
)

var Logger = logger.GetLogger("mux")

var (
	metricSubmitted    = vmetrics.NewCounter("kvengine_mux_requests_total")
	metricUnknown      = vmetrics.NewCounter("kvengine_mux_unknown_responses_total")
	metricPushes       = vmetrics.NewCounter("kvengine_mux_pushes_total")
	metricConnFailures = vmetrics.NewCounter("kvengine_mux_connection_failures_total")
	metricTimeouts     = vmetrics.NewCounter("kvengine_mux_timeouts_total")
)

// Options configures a Multiplexer
type Options struct {
	// Name is used in log messages, defaults to the remote address of the codec
	Name string
	// RequestTimeout bounds every request from submission to resolution,
	// 0 disables the timeout
	RequestTimeout time.Duration
	// PushHandler is called inline by the reader for every push. If nil, pushes
	// are buffered and read with TryNextPush / NextPush.
	PushHandler func(common.Push)
	// Registry receives the request latency timer, nil uses the default registry
	Registry gometrics.Registry
}

// pendingRequest is one entry of the correlation table
type pendingRequest struct {
	future *Future
	hint   common.DecodeHint
	start  time.Time
}

// writeUnit is a group of requests that is written back to back
type writeUnit struct {
	reqs []*common.Request
}

// Multiplexer runs many concurrent requests over one connection.
//
// Every connection is served by exactly two goroutines: the writer drains the
// FIFO write queue into the codec, the reader dispatches inbound frames by
// correlation id. Submitting never blocks on the connection.
type Multiplexer struct {
	codec   codec.Codec
	opts    Options
	name    string
	latency gometrics.Timer

	pending *xsync.MapOf[uint32, *pendingRequest]
	nextID  atomic.Uint32
	queue   *util.LockFreeMPSC[writeUnit]
	pushes  *PushQueue

	failOnce sync.Once
	closed   atomic.Bool
	errMu    sync.RWMutex
	err      error
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates a multiplexer for the connection behind c and starts its
// reader and writer.
func New(c codec.Codec, opts Options) *Multiplexer {
	name := opts.Name
	if name == "" {
		name = c.RemoteAddr()
	}
	m := &Multiplexer{
		codec:   c,
		opts:    opts,
		name:    name,
		latency: gometrics.GetOrRegisterTimer("request.latency", opts.Registry),
		pending: xsync.NewMapOf[uint32, *pendingRequest](),
		queue:   util.NewLockFreeMPSC[writeUnit](),
		pushes:  NewPushQueue(),
		done:    make(chan struct{}),
	}

	m.wg.Add(2)
	go m.readLoop()
	go m.writeLoop()

	Logger.Debugf("Multiplexer for %s started", m.name)
	return m
}

// --------------------------------------------------------------------------
// Submitting
// --------------------------------------------------------------------------

// Submit enqueues cmd and returns the future of its response. The hint is
// applied to the reply before the future resolves. The route is carried in
// the envelope, connections to a store node ignore it.
func (m *Multiplexer) Submit(ctx context.Context, cmd common.Command, hint common.DecodeHint, route *common.Route) (*Future, error) {
	futures, err := m.submit(ctx, m.opts.RequestTimeout, &common.Request{Command: &cmd, Hint: hint, Route: route})
	if err != nil {
		return nil, err
	}
	return futures[0], nil
}

// SubmitPipeline enqueues all commands as one unit: they are written back to
// back, no other request is interleaved. The futures are in command order.
func (m *Multiplexer) SubmitPipeline(ctx context.Context, cmds []common.Command) ([]*Future, error) {
	reqs := make([]*common.Request, len(cmds))
	for i := range cmds {
		reqs[i] = &common.Request{Command: &cmds[i]}
	}
	return m.submit(ctx, m.opts.RequestTimeout, reqs...)
}

// SubmitBatch enqueues a whole batch as a single request. Only connections
// that understand batch envelopes accept it. The batch timeout replaces the
// request timeout when set.
func (m *Multiplexer) SubmitBatch(ctx context.Context, b *common.Batch, route *common.Route) (*Future, error) {
	timeout := m.opts.RequestTimeout
	if b.TimeoutMillis > 0 {
		timeout = time.Duration(b.TimeoutMillis) * time.Millisecond
	}
	futures, err := m.submit(ctx, timeout, &common.Request{Batch: b, Route: route})
	if err != nil {
		return nil, err
	}
	return futures[0], nil
}

// Do submits cmd and waits for the raw reply
func (m *Multiplexer) Do(ctx context.Context, cmd common.Command) (common.Value, error) {
	f, err := m.Submit(ctx, cmd, common.HintRaw, nil)
	if err != nil {
		return common.Value{}, err
	}
	return f.Await(ctx)
}

func (m *Multiplexer) submit(ctx context.Context, timeout time.Duration, reqs ...*common.Request) ([]*Future, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.closed.Load() {
		return nil, m.Err()
	}

	var deadline time.Time
	start := time.Now()
	if timeout > 0 {
		deadline = start.Add(timeout)
	}

	futures := make([]*Future, len(reqs))
	for i, req := range reqs {
		f := newFuture(m, deadline)
		f.id = m.register(&pendingRequest{future: f, hint: req.Hint, start: start})
		req.ID = f.id
		futures[i] = f
	}

	// fail() marks the multiplexer closed before it sweeps the table, so a
	// registration the sweep missed is seen here
	if !m.queue.Push(&writeUnit{reqs: reqs}) || m.closed.Load() {
		err := m.Err()
		for _, f := range futures {
			if _, ok := m.pending.LoadAndDelete(f.id); ok {
				f.resolve(common.Value{}, err)
			}
		}
		return nil, err
	}

	metricSubmitted.Add(len(reqs))
	return futures, nil
}

// register stores p under the next free correlation id. The counter wraps,
// 0 is never used and ids still in flight are skipped.
func (m *Multiplexer) register(p *pendingRequest) uint32 {
	for {
		id := m.nextID.Add(1)
		if id == 0 {
			continue
		}
		if _, loaded := m.pending.LoadOrStore(id, p); !loaded {
			return id
		}
	}
}

// abandon removes f from the table and resolves it with err. A response
// arriving later is discarded as unknown.
func (m *Multiplexer) abandon(f *Future, err error) {
	m.pending.Compute(f.id, func(old *pendingRequest, loaded bool) (*pendingRequest, bool) {
		if loaded && old.future != f {
			return old, false
		}
		return nil, true
	})
	f.resolve(common.Value{}, err)
}

// --------------------------------------------------------------------------
// Reactor
// --------------------------------------------------------------------------

func (m *Multiplexer) writeLoop() {
	defer m.wg.Done()

	dirty := false
	for {
		unit, ok := m.queue.Pop()
		if !ok {
			// flush only once the queue is momentarily empty
			if dirty {
				if err := m.codec.Flush(); err != nil {
					m.fail(&common.ConnectionError{Addr: m.name, Err: err})
					return
				}
				dirty = false
				continue
			}
			select {
			case <-m.queue.Notify():
				continue
			case <-m.done:
				return
			}
		}

		for _, req := range unit.reqs {
			err := m.codec.WriteRequest(req)
			switch {
			case err == nil:
				dirty = true
			case errors.Is(err, codec.ErrUnsupportedRequest):
				Logger.Warningf("%s: request %d rejected: %v", m.name, req.ID, err)
				if p, ok := m.pending.LoadAndDelete(req.ID); ok {
					p.future.resolve(common.Value{}, err)
				}
			default:
				m.fail(&common.ConnectionError{Addr: m.name, Err: err})
				return
			}
		}
	}
}

func (m *Multiplexer) readLoop() {
	defer m.wg.Done()

	for {
		f, err := m.codec.ReadFrame()
		if err != nil {
			m.fail(&common.ConnectionError{Addr: m.name, Err: err})
			return
		}

		switch f.Kind {
		case common.FrameResponse:
			m.onResponse(f)
		case common.FramePush:
			if f.Push != nil {
				m.onPush(*f.Push)
			}
		default:
			Logger.Warningf("%s: ignoring frame of unknown kind %d", m.name, f.Kind)
		}
	}
}

func (m *Multiplexer) onResponse(f common.Frame) {
	p, ok := m.pending.LoadAndDelete(f.ID)
	if !ok {
		metricUnknown.Inc()
		Logger.Warningf("%s: discarding response for unknown request %d", m.name, f.ID)
		return
	}
	m.latency.UpdateSince(p.start)

	if f.Err != nil {
		p.future.resolve(common.Value{}, f.Err.Err())
		return
	}
	p.future.resolve(p.hint.Decode(f.Value))
}

func (m *Multiplexer) onPush(p common.Push) {
	metricPushes.Inc()
	if m.opts.PushHandler != nil {
		m.opts.PushHandler(p)
		return
	}
	m.pushes.Put(p)
}

// fail shuts the multiplexer down. Every pending request and every later
// submit fails with err. Only the first call has an effect.
func (m *Multiplexer) fail(err error) {
	m.failOnce.Do(func() {
		m.errMu.Lock()
		m.err = err
		m.errMu.Unlock()
		m.closed.Store(true)

		if !errors.Is(err, common.ErrClosed) {
			metricConnFailures.Inc()
			Logger.Warningf("%s: connection failed: %v", m.name, err)
		}

		m.queue.Close()
		close(m.done)
		if cerr := m.codec.Close(); cerr != nil {
			Logger.Debugf("%s: closing connection: %v", m.name, cerr)
		}

		m.pending.Range(func(id uint32, p *pendingRequest) bool {
			if _, ok := m.pending.LoadAndDelete(id); ok {
				p.future.resolve(common.Value{}, err)
			}
			return true
		})
		m.pushes.Close()
	})
}

// --------------------------------------------------------------------------
// State
// --------------------------------------------------------------------------

// Close resolves all outstanding requests with ErrClosed and stops the
// reader and writer. It is idempotent and does not wait for the goroutines,
// use Wait for that.
func (m *Multiplexer) Close() error {
	m.fail(common.ErrClosed)
	return nil
}

// Wait blocks until reader and writer have stopped
func (m *Multiplexer) Wait() {
	m.wg.Wait()
}

// Err returns the error the multiplexer failed with, nil while it is open
func (m *Multiplexer) Err() error {
	m.errMu.RLock()
	defer m.errMu.RUnlock()
	return m.err
}

// IsClosed is true after Close or a connection failure
func (m *Multiplexer) IsClosed() bool {
	return m.closed.Load()
}

// Addr names the connection
func (m *Multiplexer) Addr() string {
	return m.name
}

// Pending returns the number of requests waiting for a response
func (m *Multiplexer) Pending() int {
	return m.pending.Size()
}

// TryNextPush returns the next buffered push without waiting
func (m *Multiplexer) TryNextPush() (common.Push, bool) {
	return m.pushes.TryGet()
}

// NextPush waits for the next buffered push. After the connection is closed
// the remaining pushes are returned, then ErrClosed.
func (m *Multiplexer) NextPush(ctx context.Context) (common.Push, error) {
	return m.pushes.Get(ctx)
}
