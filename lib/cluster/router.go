package cluster

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	vmetrics "github.com/VictoriaMetrics/metrics"
	"github.com/ValentinKolb/kvengine/lib/mux"
	"github.com/ValentinKolb/kvengine/rpc/codec"
	"github.com/ValentinKolb/kvengine/rpc/common"
	"github.com/ValentinKolb/kvengine/rpc/transport"
	"github.com/ValentinKolb/kvengine/rpc/transport/base"
	"github.com/ValentinKolb/kvengine/rpc/transport/tcp"
	"github.com/ValentinKolb/kvengine/rpc/transport/unix"
	"github.com/benbjohnson/clock"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	gometrics "github.com/rcrowley/go-metrics"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var Logger = logger.GetLogger("cluster")

var (
	metricMoved    = vmetrics.NewCounter(`kvengine_cluster_redirects_total{kind="moved"}`)
	metricAsk      = vmetrics.NewCounter(`kvengine_cluster_redirects_total{kind="ask"}`)
	metricTryAgain = vmetrics.NewCounter(`kvengine_cluster_redirects_total{kind="tryagain"}`)
	metricDials    = vmetrics.NewCounter("kvengine_cluster_dials_total")
)

// Options holds the collaborators of a Router. Zero values are replaced by
// defaults derived from the client configuration.
type Options struct {
	// Connector reaches the nodes, defaults to the connector of config.Transport
	Connector transport.IConnector
	// Clock drives the periodic topology refresh
	Clock clock.Clock
	// PushHandler receives pushes of every node connection
	PushHandler func(common.Push)
	// Registry receives the latency timers of the node connections
	Registry gometrics.Registry
}

// Router sends commands to the nodes owning their keys. It tracks the slot
// map of the cluster, follows redirects and keeps one multiplexed connection
// per node.
type Router struct {
	config common.ClientConfig
	opts   Options

	slots    atomic.Pointer[SlotMap]
	conns    *xsync.MapOf[string, *mux.Multiplexer]
	dials    singleflight.Group
	refresh  singleflight.Group
	failures atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup
}

// New creates a router. In cluster mode the topology is discovered in the
// background, commands issued before the discovery finished wait for it.
func New(config common.ClientConfig, opts Options) (*Router, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}
	if opts.Connector == nil {
		if config.Transport == "unix" {
			opts.Connector = unix.NewConnector()
		} else {
			opts.Connector = tcp.NewConnector()
		}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	r := &Router{
		config: config,
		opts:   opts,
		conns:  xsync.NewMapOf[string, *mux.Multiplexer](),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	if !config.ClusterMode {
		r.slots.Store(StandaloneSlotMap(config.Addresses[0]))
		Logger.Infof("Router for standalone node %s created", config.Addresses[0])
		return r, nil
	}

	r.triggerRefresh()
	if config.RefreshInterval > 0 {
		r.wg.Add(1)
		go r.refreshPeriodically()
	}
	Logger.Infof("Router for cluster %v created", config.Addresses)
	return r, nil
}

// --------------------------------------------------------------------------
// Execution
// --------------------------------------------------------------------------

// Exec routes cmd and returns the raw reply. An explicit route replaces the
// routing derived from the command.
func (r *Router) Exec(ctx context.Context, cmd common.Command, route *common.Route) (common.Value, error) {
	return r.ExecHint(ctx, cmd, common.HintRaw, route)
}

// ExecHint is Exec with a decode hint applied to the final reply
func (r *Router) ExecHint(ctx context.Context, cmd common.Command, hint common.DecodeHint, route *common.Route) (common.Value, error) {
	if r.closed.Load() {
		return common.Value{}, common.ErrClosed
	}
	m, err := r.slotMap(ctx)
	if err != nil {
		return common.Value{}, err
	}

	if !r.config.ClusterMode {
		addr := r.config.Addresses[0]
		if route != nil && route.Kind == common.RouteAddress {
			addr = route.Address
		}
		return r.ExecAt(ctx, addr, cmd, hint)
	}

	d := Lookup(cmd)
	if route != nil {
		return r.execRoute(ctx, m, d, cmd, hint, route)
	}

	if keys := d.KeysOf(cmd.Args); len(keys) > 0 {
		if d.Split != SplitNone {
			if parts := split(d, cmd.Args); len(parts) > 1 {
				return r.execSplit(ctx, d, cmd, hint, parts)
			}
		}
		return r.execSlot(ctx, Slot(keys[0]), cmd, hint)
	}

	switch d.Route {
	case RouteAllPrimaries:
		return r.execMulti(ctx, m.Primaries(), d.Response, cmd, hint)
	case RouteAllNodes:
		return r.execMulti(ctx, m.Nodes(), d.Response, cmd, hint)
	case RouteBySlotArg:
		slot, ok := slotArg(cmd.Args)
		if !ok {
			return common.Value{}, fmt.Errorf("%w: %s needs a slot argument", common.ErrNoRoute, d.Name)
		}
		return r.execSlot(ctx, slot, cmd, hint)
	case RouteUndefined:
		return common.Value{}, fmt.Errorf("%w: %s needs an explicit route", common.ErrNoRoute, d.Name)
	default:
		return r.execRandom(ctx, m, cmd, hint)
	}
}

func (r *Router) execRoute(ctx context.Context, m *SlotMap, d *Descriptor, cmd common.Command, hint common.DecodeHint, route *common.Route) (common.Value, error) {
	switch route.Kind {
	case common.RouteRandom:
		return r.execRandom(ctx, m, cmd, hint)
	case common.RouteAllPrimaries:
		return r.execMulti(ctx, m.Primaries(), d.Response, cmd, hint)
	case common.RouteAllNodes:
		return r.execMulti(ctx, m.Nodes(), d.Response, cmd, hint)
	case common.RouteSlotKey:
		return r.execSlot(ctx, Slot(route.Key), cmd, hint)
	case common.RouteSlotID:
		if route.Slot < 0 || route.Slot >= NumSlots {
			return common.Value{}, fmt.Errorf("%w: slot %d out of range", common.ErrNoRoute, route.Slot)
		}
		return r.execSlot(ctx, route.Slot, cmd, hint)
	case common.RouteAddress:
		return r.ExecAt(ctx, route.Address, cmd, hint)
	default:
		return common.Value{}, fmt.Errorf("%w: unknown route %s", common.ErrNoRoute, route.Kind)
	}
}

func (r *Router) execSlot(ctx context.Context, slot int, cmd common.Command, hint common.DecodeHint) (common.Value, error) {
	addr, err := r.AddressFor(ctx, slot)
	if err != nil {
		return common.Value{}, err
	}
	return r.ExecAt(ctx, addr, cmd, hint)
}

func (r *Router) execRandom(ctx context.Context, m *SlotMap, cmd common.Command, hint common.DecodeHint) (common.Value, error) {
	addr, err := randomPrimary(m)
	if err != nil {
		return common.Value{}, err
	}
	return r.ExecAt(ctx, addr, cmd, hint)
}

func randomPrimary(m *SlotMap) (string, error) {
	primaries := m.Primaries()
	if len(primaries) == 0 {
		return "", &common.TopologyError{Msg: "no primary known", Err: common.ErrNoRoute}
	}
	return primaries[rand.IntN(len(primaries))], nil
}

// execMulti sends cmd to every address concurrently and combines the replies
func (r *Router) execMulti(ctx context.Context, addrs []string, policy ResponsePolicy, cmd common.Command, hint common.DecodeHint) (common.Value, error) {
	if len(addrs) == 0 {
		return common.Value{}, &common.TopologyError{Msg: "no node known", Err: common.ErrNoRoute}
	}

	results := make([]nodeResult, len(addrs))
	var g errgroup.Group
	for i, addr := range addrs {
		g.Go(func() error {
			v, err := r.ExecAt(ctx, addr, cmd, common.HintRaw)
			if err == nil && v.IsError() {
				err = v.Err()
			}
			results[i] = nodeResult{addr: addr, value: v, err: err}
			return nil
		})
	}
	_ = g.Wait()

	v, err := aggregate(policy, results)
	if err != nil {
		return common.Value{}, err
	}
	return hint.Decode(v)
}

// splitPart is the sub-command for the keys of one slot
type splitPart struct {
	slot int
	args []string
	// positions of the part's keys in the original key list
	positions []int
}

// split groups the keys (or key/value pairs) of a multi key command by slot.
// Parts are ordered by the first appearance of their slot.
func split(d *Descriptor, args []string) []splitPart {
	step := 1
	if d.Split == SplitKeyValuePairs {
		step = 2
	}
	if len(args) == 0 || len(args)%step != 0 {
		return nil
	}

	var parts []splitPart
	index := make(map[int]int)
	for i := 0; i < len(args); i += step {
		slot := Slot(args[i])
		pi, ok := index[slot]
		if !ok {
			pi = len(parts)
			index[slot] = pi
			parts = append(parts, splitPart{slot: slot})
		}
		parts[pi].args = append(parts[pi].args, args[i:i+step]...)
		parts[pi].positions = append(parts[pi].positions, i/step)
	}
	return parts
}

// execSplit runs one sub-command per slot concurrently. The first error
// fails the whole command even if other parts already succeeded.
func (r *Router) execSplit(ctx context.Context, d *Descriptor, cmd common.Command, hint common.DecodeHint, parts []splitPart) (common.Value, error) {
	values := make([]common.Value, len(parts))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range parts {
		g.Go(func() error {
			v, err := r.execSlot(gctx, p.slot, common.NewCommand(cmd.Name, p.args...), common.HintRaw)
			if err == nil && v.IsError() {
				err = v.Err()
			}
			values[i] = v
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return common.Value{}, err
	}

	var (
		v   common.Value
		err error
	)
	if d.Response == ResponseCombineArrays {
		total := 0
		for _, p := range parts {
			total += len(p.positions)
		}
		v, err = reassemble(total, parts, values)
	} else {
		results := make([]nodeResult, len(parts))
		for i, p := range parts {
			results[i] = nodeResult{addr: fmt.Sprintf("slot %d", p.slot), value: values[i]}
		}
		v, err = aggregate(d.Response, results)
	}
	if err != nil {
		return common.Value{}, err
	}
	return hint.Decode(v)
}

// ExecAt sends cmd to the node at addr and follows MOVED, ASK and TRYAGAIN
// replies, at most MaxRedirects times
func (r *Router) ExecAt(ctx context.Context, addr string, cmd common.Command, hint common.DecodeHint) (common.Value, error) {
	return r.execFrom(ctx, addr, false, cmd, hint)
}

// FollowRedirect runs cmd on the node named by red, after a MOVED or ASK
// reply that was received outside of the router
func (r *Router) FollowRedirect(ctx context.Context, red *common.RedirectError, cmd common.Command, hint common.DecodeHint) (common.Value, error) {
	if red.Kind == common.RedirectMoved {
		r.ApplyRedirect(red)
	}
	return r.execFrom(ctx, red.Addr, red.Kind == common.RedirectAsk, cmd, hint)
}

func (r *Router) execFrom(ctx context.Context, addr string, asking bool, cmd common.Command, hint common.DecodeHint) (common.Value, error) {
	for attempt := 0; ; attempt++ {
		v, err := r.send(ctx, addr, cmd, hint, asking)
		if err == nil {
			r.failures.Store(0)
			return v, nil
		}
		if common.IsConnectionError(err) {
			r.noteConnectionFailure(addr)
			return v, err
		}
		if attempt >= r.config.MaxRedirects {
			return v, err
		}

		if red, ok := common.ParseRedirect(err); ok {
			Logger.Debugf("%s for %s, slot %d now at %s", red.Kind, cmd, red.Slot, red.Addr)
			addr, asking = red.Addr, red.Kind == common.RedirectAsk
			if red.Kind == common.RedirectMoved {
				metricMoved.Inc()
				r.ApplyRedirect(red)
			} else {
				metricAsk.Inc()
			}
			continue
		}
		if common.HasPrefix(err, "TRYAGAIN") {
			metricTryAgain.Inc()
			if serr := base.Sleep(ctx, base.Backoff(attempt)); serr != nil {
				return common.Value{}, serr
			}
			asking = false
			continue
		}
		return v, err
	}
}

// send submits cmd once, preceded by ASKING when asking is set
func (r *Router) send(ctx context.Context, addr string, cmd common.Command, hint common.DecodeHint, asking bool) (common.Value, error) {
	m, err := r.Conn(ctx, addr)
	if err != nil {
		return common.Value{}, err
	}

	if !asking {
		f, err := m.Submit(ctx, cmd, hint, nil)
		if err != nil {
			return common.Value{}, err
		}
		return f.Await(ctx)
	}

	futures, err := m.SubmitPipeline(ctx, []common.Command{common.NewCommand("ASKING"), cmd})
	if err != nil {
		return common.Value{}, err
	}
	values, errs := mux.AwaitAll(ctx, futures)
	if errs[0] != nil {
		return common.Value{}, errs[0]
	}
	if errs[1] != nil {
		return common.Value{}, errs[1]
	}
	return hint.Decode(values[1])
}

// --------------------------------------------------------------------------
// Connections
// --------------------------------------------------------------------------

// Conn returns the connection to addr, dialing it if there is none or the
// previous one broke
func (r *Router) Conn(ctx context.Context, addr string) (*mux.Multiplexer, error) {
	if m, ok := r.conns.Load(addr); ok && !m.IsClosed() {
		return m, nil
	}
	if r.closed.Load() {
		return nil, common.ErrClosed
	}

	ch := r.dials.DoChan(addr, func() (interface{}, error) {
		if m, ok := r.conns.Load(addr); ok && !m.IsClosed() {
			return m, nil
		}
		conn, err := base.Dial(r.ctx, r.opts.Connector, addr, r.config, 1)
		if err != nil {
			return nil, err
		}
		metricDials.Inc()

		m := mux.New(codec.NewRESPCodec(conn, r.config), mux.Options{
			Name:           addr,
			RequestTimeout: r.config.RequestTimeout,
			PushHandler:    r.opts.PushHandler,
			Registry:       r.opts.Registry,
		})
		if old, loaded := r.conns.LoadAndStore(addr, m); loaded {
			old.Close()
		}
		// Close may have swept the map before the store
		if r.closed.Load() {
			m.Close()
			return nil, common.ErrClosed
		}
		Logger.Debugf("Connected to %s", addr)
		return m, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*mux.Multiplexer), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// noteConnectionFailure counts consecutive connection failures and refreshes
// the topology once the threshold is reached
func (r *Router) noteConnectionFailure(addr string) {
	Logger.Debugf("Connection failure on %s", addr)
	if !r.config.ClusterMode {
		return
	}
	threshold := int32(max(r.config.ConnectionFailureThreshold, 1))
	if r.failures.Add(1) >= threshold {
		r.failures.Store(0)
		r.triggerRefresh()
	}
}

// --------------------------------------------------------------------------
// State
// --------------------------------------------------------------------------

// ClusterMode reports whether the router follows a cluster topology
func (r *Router) ClusterMode() bool {
	return r.config.ClusterMode
}

// Config returns the client configuration of the router
func (r *Router) Config() common.ClientConfig {
	return r.config
}

// SlotMap returns the current slot map, nil before the first discovery
func (r *Router) SlotMap() *SlotMap {
	return r.slots.Load()
}

// AddressFor returns the primary owning slot. An uncovered slot triggers one
// topology refresh before the lookup fails.
func (r *Router) AddressFor(ctx context.Context, slot int) (string, error) {
	m, err := r.slotMap(ctx)
	if err != nil {
		return "", err
	}
	if addr, ok := m.Primary(slot); ok {
		return addr, nil
	}
	if err := r.Refresh(ctx); err != nil {
		return "", err
	}
	if addr, ok := r.slots.Load().Primary(slot); ok {
		return addr, nil
	}
	return "", &common.TopologyError{Msg: fmt.Sprintf("slot %d is not covered", slot), Err: common.ErrNoRoute}
}

// RandomAddress returns the address of a random primary
func (r *Router) RandomAddress(ctx context.Context) (string, error) {
	m, err := r.slotMap(ctx)
	if err != nil {
		return "", err
	}
	return randomPrimary(m)
}

// slotMap returns the current map and waits for the first discovery
func (r *Router) slotMap(ctx context.Context) (*SlotMap, error) {
	if m := r.slots.Load(); m != nil {
		return m, nil
	}
	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}
	return r.slots.Load(), nil
}

// Close closes all node connections and stops the background refresh.
// Commands issued afterwards fail with ErrClosed.
func (r *Router) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.cancel()

	var (
		err    error
		closed []*mux.Multiplexer
	)
	r.conns.Range(func(addr string, m *mux.Multiplexer) bool {
		err = multierr.Append(err, m.Close())
		closed = append(closed, m)
		r.conns.Delete(addr)
		return true
	})
	for _, m := range closed {
		m.Wait()
	}
	r.wg.Wait()
	Logger.Infof("Router closed")
	return err
}
