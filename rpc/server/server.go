package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	vmetrics "github.com/VictoriaMetrics/metrics"
	"github.com/ValentinKolb/kvengine/lib/socketref"
	"github.com/ValentinKolb/kvengine/rpc/common"
	"github.com/ValentinKolb/kvengine/rpc/serializer"
	"github.com/ValentinKolb/kvengine/rpc/transport"
	"github.com/ValentinKolb/kvengine/rpc/transport/base"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
)

var Logger = logger.GetLogger("rpc")

var (
	metricBindings  = vmetrics.NewCounter("kvengine_server_bindings_total")
	metricRequests  = vmetrics.NewCounter("kvengine_server_requests_total")
	metricMalformed = vmetrics.NewCounter("kvengine_server_malformed_requests_total")
	metricForwarded = vmetrics.NewCounter("kvengine_server_forwarded_pushes_total")
)

// binding is the state of one connected binding process
type binding struct {
	engine Engine
	ctx    context.Context
	cancel context.CancelFunc
}

// Option customizes a Server
type Option func(*Server)

// WithSocketRegistry acquires the socket from r instead of the process wide
// default registry
func WithSocketRegistry(r *socketref.Registry) Option {
	return func(s *Server) { s.sockets = r }
}

// Server bridges binding processes to the engine over a shared unix socket.
// Every binding connection gets its own engine.
type Server struct {
	config     common.ServerConfig
	serializer serializer.IRPCSerializer
	factory    EngineFactory
	transport  transport.IServerTransport
	sockets    *socketref.Registry

	bindings *xsync.MapOf[uint64, *binding]
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu       sync.Mutex
	listener *sharedListener
	path     string
	ready    chan struct{}
	closed   atomic.Bool
}

// NewServer creates a server. The socket is bound by Serve.
//
// Usage:
//
//	s := server.NewServer(config, serializer.NewBinarySerializer(), server.ClientFactory(config.Client))
//	go s.Serve()
//	defer s.Close()
func NewServer(config common.ServerConfig, s serializer.IRPCSerializer, factory EngineFactory, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		config:     config,
		serializer: s,
		factory:    factory,
		transport:  base.NewBaseServerTransport(config),
		sockets:    socketref.Default(),
		bindings:   xsync.NewMapOf[uint64, *binding](),
		ctx:        ctx,
		cancel:     cancel,
		ready:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(srv)
	}
	srv.transport.RegisterHandler(srv)
	return srv
}

// Serve binds the socket and serves binding connections until Close is called
func (s *Server) Serve() error {
	path := s.config.SocketPath
	if path == "" {
		path = socketref.DefaultSocketPath()
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return common.ErrClosed
	}
	if s.listener != nil {
		s.mu.Unlock()
		return fmt.Errorf("server is already serving %s", s.path)
	}
	ref, err := s.sockets.GetOrCreate(path)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	l, ok := ref.Listener()
	if !ok {
		s.mu.Unlock()
		ref.Release()
		return fmt.Errorf("socket resource at %s is not a listener", path)
	}
	s.listener = newSharedListener(ref, l)
	s.path = path
	close(s.ready)
	s.mu.Unlock()

	Logger.Infof("Serving engine on %s (%s, %d refs)", path, s.serializer.Name(), ref.RefCount())
	err = s.transport.Serve(s.listener)
	_ = s.listener.Close()
	return err
}

// Ready is closed once Serve bound the socket
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Path returns the socket path, empty before Serve bound it
func (s *Server) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Close stops accepting, closes every binding connection with its engine
// and releases the socket reference
func (s *Server) Close() error {
	s.mu.Lock()
	if !s.closed.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return nil
	}
	l := s.listener
	s.mu.Unlock()

	err := s.transport.Close()
	if l != nil {
		err = multierr.Append(err, l.Close())
	}
	s.cancel()
	s.wg.Wait()
	Logger.Infof("Server on %s closed", s.path)
	return err
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IServerHandler)
// --------------------------------------------------------------------------

func (s *Server) OnConnect(sess transport.ISession) error {
	ctx, cancel := context.WithCancel(s.ctx)
	engine, err := s.factory(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create engine: %w", err)
	}

	b := &binding{engine: engine, ctx: ctx, cancel: cancel}
	s.bindings.Store(sess.ID(), b)
	metricBindings.Inc()
	Logger.Debugf("Binding %d connected", sess.ID())

	s.wg.Add(1)
	go s.forwardPushes(sess, b)
	return nil
}

func (s *Server) Handle(sess transport.ISession, payload []byte) {
	var req common.Request
	if err := s.serializer.DeserializeRequest(payload, &req); err != nil {
		metricMalformed.Inc()
		Logger.Warningf("Binding %d sent a malformed request: %v", sess.ID(), err)
		if req.ID != 0 {
			s.reply(sess, common.ResponseFrame(req.ID, common.Value{}, err))
		}
		return
	}
	metricRequests.Inc()

	b, ok := s.bindings.Load(sess.ID())
	if !ok {
		s.reply(sess, common.ResponseFrame(req.ID, common.Value{}, common.ErrClosed))
		return
	}

	ctx := b.ctx
	if s.config.TimeoutSecond > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.config.TimeoutSecond)*time.Second)
		defer cancel()
	}

	v, err := s.execute(ctx, b.engine, &req)
	s.reply(sess, common.ResponseFrame(req.ID, v, err))
}

func (s *Server) OnDisconnect(sess transport.ISession) {
	b, ok := s.bindings.LoadAndDelete(sess.ID())
	if !ok {
		return
	}
	b.cancel()
	if err := b.engine.Close(); err != nil {
		Logger.Warningf("Closing engine of binding %d failed: %v", sess.ID(), err)
	}
	Logger.Debugf("Binding %d disconnected", sess.ID())
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (s *Server) execute(ctx context.Context, engine Engine, req *common.Request) (common.Value, error) {
	switch {
	case req.Batch != nil:
		res, err := engine.ExecBatch(ctx, req.Batch)
		if err != nil {
			return common.Value{}, err
		}
		if res.Aborted {
			return common.NilValue(), nil
		}
		return common.ArrayValue(res.Values...), nil
	case req.Command != nil:
		return engine.Exec(ctx, *req.Command, req.Route)
	default:
		return common.Value{}, &common.RequestError{Msg: "ERR request carries neither a command nor a batch"}
	}
}

func (s *Server) reply(sess transport.ISession, f common.Frame) {
	data, err := s.serializer.SerializeFrame(f)
	if err != nil {
		Logger.Errorf("Failed to serialize response %d: %v", f.ID, err)
		data, err = s.serializer.SerializeFrame(common.ResponseFrame(f.ID, common.Value{}, err))
		if err != nil {
			return
		}
	}
	if err := sess.Write(data); err != nil {
		Logger.Debugf("Failed to write response %d to binding %d: %v", f.ID, sess.ID(), err)
	}
}

// forwardPushes writes the pushes of the engine to the binding until the
// engine is closed
func (s *Server) forwardPushes(sess transport.ISession, b *binding) {
	defer s.wg.Done()
	for {
		p, err := b.engine.GetPubSubMessage(b.ctx)
		if err != nil {
			return
		}
		data, err := s.serializer.SerializeFrame(common.PushFrame(p))
		if err != nil {
			Logger.Errorf("Failed to serialize push for binding %d: %v", sess.ID(), err)
			continue
		}
		if err := sess.Write(data); err != nil {
			return
		}
		metricForwarded.Inc()
	}
}
