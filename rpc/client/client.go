package client

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	vmetrics "github.com/VictoriaMetrics/metrics"
	"github.com/ValentinKolb/kvengine/lib/batch"
	"github.com/ValentinKolb/kvengine/lib/cluster"
	"github.com/ValentinKolb/kvengine/lib/mux"
	"github.com/ValentinKolb/kvengine/rpc/common"
	"github.com/ValentinKolb/kvengine/rpc/transport"
	"github.com/benbjohnson/clock"
	"github.com/lni/dragonboat/v4/logger"
	gometrics "github.com/rcrowley/go-metrics"
)

var Logger = logger.GetLogger("rpc")

var (
	metricClientsOpened = vmetrics.NewCounter("kvengine_client_opened_total")
	metricClientsClosed = vmetrics.NewCounter("kvengine_client_closed_total")
)

// ErrPushHandlerSet is returned by the pub/sub getters of a client that
// delivers pushes to a handler
var ErrPushHandlerSet = errors.New("pushes are delivered to the configured push handler")

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

type clientOptions struct {
	connector   transport.IConnector
	clock       clock.Clock
	pushHandler func(common.Push)
	registry    gometrics.Registry
}

// Option customizes a Client
type Option func(*clientOptions)

// WithConnector replaces the connector selected by ClientConfig.Transport
func WithConnector(c transport.IConnector) Option {
	return func(o *clientOptions) { o.connector = c }
}

// WithClock sets the clock driving the periodic topology refresh
func WithClock(c clock.Clock) Option {
	return func(o *clientOptions) { o.clock = c }
}

// WithPushHandler delivers every pub/sub push to fn instead of the internal
// queue. fn runs on the reader goroutine of a connection and must not block.
func WithPushHandler(fn func(common.Push)) Option {
	return func(o *clientOptions) { o.pushHandler = fn }
}

// WithRegistry collects the latency timers of the client in r instead of a
// private registry
func WithRegistry(r gometrics.Registry) Option {
	return func(o *clientOptions) { o.registry = r }
}

// --------------------------------------------------------------------------
// Client
// --------------------------------------------------------------------------

// Stats is a snapshot of the client timers
type Stats struct {
	Commands      int64
	CommandErrors int64
	Batches       int64
	MeanLatency   time.Duration
	P99Latency    time.Duration
	// Requests counts the requests sent on all node connections, a split or
	// fanned out command sends several
	Requests int64
}

// Client is the engine facade: it routes commands through the cluster
// router, runs batches and scans and hands out pub/sub pushes.
type Client struct {
	config  common.ClientConfig
	router  *cluster.Router
	batches *batch.Executor
	pushes  *mux.PushQueue
	handler func(common.Push)

	registry      gometrics.Registry
	latency       gometrics.Timer
	batchLatency  gometrics.Timer
	commandErrors gometrics.Counter

	closed atomic.Bool
}

// NewClient creates a client and waits until it is usable: in cluster mode
// the topology is discovered, in standalone mode the node is connected.
func NewClient(ctx context.Context, config common.ClientConfig, opts ...Option) (*Client, error) {
	o := clientOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = gometrics.NewRegistry()
	}

	c := &Client{
		config:        config,
		pushes:        mux.NewPushQueue(),
		handler:       o.pushHandler,
		registry:      o.registry,
		latency:       gometrics.GetOrRegisterTimer("command.latency", o.registry),
		batchLatency:  gometrics.GetOrRegisterTimer("batch.latency", o.registry),
		commandErrors: gometrics.GetOrRegisterCounter("command.errors", o.registry),
	}

	r, err := cluster.New(config, cluster.Options{
		Connector:   o.connector,
		Clock:       o.clock,
		PushHandler: c.onPush,
		Registry:    o.registry,
	})
	if err != nil {
		return nil, err
	}
	c.router = r
	c.batches = batch.NewExecutor(r)

	if config.ClusterMode {
		err = r.Refresh(ctx)
	} else {
		_, err = r.Conn(ctx, config.Addresses[0])
	}
	if err != nil {
		_ = r.Close()
		return nil, err
	}

	metricClientsOpened.Inc()
	Logger.Infof("Client connected to %v (cluster mode: %t)", config.Addresses, config.ClusterMode)
	return c, nil
}

func (c *Client) onPush(p common.Push) {
	if c.handler != nil {
		c.handler(p)
		return
	}
	c.pushes.Put(p)
}

// --------------------------------------------------------------------------
// Commands
// --------------------------------------------------------------------------

// Exec runs cmd and returns the raw reply. A nil route lets the router pick
// the nodes from the command itself.
func (c *Client) Exec(ctx context.Context, cmd common.Command, route *common.Route) (common.Value, error) {
	return c.ExecHint(ctx, cmd, common.HintRaw, route)
}

// ExecHint runs cmd and converts the reply with hint
func (c *Client) ExecHint(ctx context.Context, cmd common.Command, hint common.DecodeHint, route *common.Route) (common.Value, error) {
	if c.closed.Load() {
		return common.Value{}, common.ErrClosed
	}
	start := time.Now()
	v, err := c.router.ExecHint(ctx, cmd, hint, route)
	c.latency.UpdateSince(start)
	if err != nil {
		c.commandErrors.Inc(1)
	}
	return v, err
}

// Do is a shorthand for Exec(ctx, common.NewCommand(name, args...), nil)
func (c *Client) Do(ctx context.Context, name string, args ...string) (common.Value, error) {
	return c.Exec(ctx, common.NewCommand(name, args...), nil)
}

// ExecBatch runs b as a pipeline or, if b.Atomic is set, as a transaction
func (c *Client) ExecBatch(ctx context.Context, b *common.Batch) (batch.Result, error) {
	if c.closed.Load() {
		return batch.Result{}, common.ErrClosed
	}
	start := time.Now()
	res, err := c.batches.Exec(ctx, b)
	c.batchLatency.UpdateSince(start)
	return res, err
}

// --------------------------------------------------------------------------
// Scan
// --------------------------------------------------------------------------

// NewScanCursor creates a cursor over the keys of all nodes
func (c *Client) NewScanCursor(args cluster.ScanArgs) *cluster.ScanCursor {
	return cluster.NewScanCursor(args)
}

// Scan advances cursor by one step, see cluster.Router.Scan
func (c *Client) Scan(ctx context.Context, cursor *cluster.ScanCursor) ([]string, error) {
	if c.closed.Load() {
		return nil, common.ErrClosed
	}
	return c.router.Scan(ctx, cursor)
}

// --------------------------------------------------------------------------
// Pub/Sub
// --------------------------------------------------------------------------

// TryGetPubSubMessage returns the oldest buffered push without blocking
func (c *Client) TryGetPubSubMessage() (common.Push, bool, error) {
	if c.handler != nil {
		return common.Push{}, false, ErrPushHandlerSet
	}
	p, ok := c.pushes.TryGet()
	return p, ok, nil
}

// GetPubSubMessage waits for the next push. After Close the buffered pushes
// are still returned, then common.ErrClosed.
func (c *Client) GetPubSubMessage(ctx context.Context) (common.Push, error) {
	if c.handler != nil {
		return common.Push{}, ErrPushHandlerSet
	}
	return c.pushes.Get(ctx)
}

// --------------------------------------------------------------------------
// Introspection
// --------------------------------------------------------------------------

// Refresh rediscovers the cluster topology, no-op in standalone mode
func (c *Client) Refresh(ctx context.Context) error {
	return c.router.Refresh(ctx)
}

// SlotMap returns the current topology snapshot
func (c *Client) SlotMap() *cluster.SlotMap {
	return c.router.SlotMap()
}

// Config returns the configuration the client was created with
func (c *Client) Config() common.ClientConfig {
	return c.config
}

// Registry returns the registry holding the client timers
func (c *Client) Registry() gometrics.Registry {
	return c.registry
}

// Stats returns a snapshot of the client timers
func (c *Client) Stats() Stats {
	latency := c.latency.Snapshot()
	s := Stats{
		Commands:      latency.Count(),
		CommandErrors: c.commandErrors.Snapshot().Count(),
		Batches:       c.batchLatency.Snapshot().Count(),
		MeanLatency:   time.Duration(latency.Mean()),
		P99Latency:    time.Duration(latency.Percentile(0.99)),
	}
	if t, ok := c.registry.Get("request.latency").(gometrics.Timer); ok {
		s.Requests = t.Snapshot().Count()
	}
	return s
}

// IsClosed reports whether Close was called
func (c *Client) IsClosed() bool {
	return c.closed.Load()
}

// Close closes all node connections. Pending requests fail with
// common.ErrClosed. Calling Close more than once is a no-op.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.pushes.Close()
	err := c.router.Close()
	metricClientsClosed.Inc()
	Logger.Debugf("Client for %v closed", c.config.Addresses)
	return err
}
