package base

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/kvengine/rpc/common"
	"github.com/ValentinKolb/kvengine/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
)

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// session is one accepted connection
type session struct {
	id      uint64
	conn    net.Conn
	writeMu sync.Mutex
	writer  *bufio.Writer
	timeout time.Duration
	closed  atomic.Bool
}

func (s *session) ID() uint64 { return s.id }

func (s *session) Write(payload []byte) error {
	if s.closed.Load() {
		return common.ErrClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.timeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
			return fmt.Errorf("failed to set write deadline: %v", err)
		}
	}
	if err := WriteFrame(s.writer, payload); err != nil {
		return err
	}
	return s.writer.Flush()
}

func (s *session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}

// serverTransport implements the core server transport functionality
type serverTransport struct {
	handler           transport.IServerHandler
	config            common.ServerConfig
	maxWorkersPerConn int

	nextSessionID atomic.Uint64
	sessions      *xsync.MapOf[uint64, *session]
	listenerMu    sync.Mutex
	listener      net.Listener
	closed        atomic.Bool
	wg            sync.WaitGroup
}

// -----------------------------------------------------------
// Transport Factory Method
// -----------------------------------------------------------

// NewBaseServerTransport creates a new server transport with a per-connection worker pool
func NewBaseServerTransport(config common.ServerConfig) transport.IServerTransport {
	// minimum one worker per connection
	workers := config.WorkersPerConnection
	if workers < 1 {
		workers = 1
	}

	return &serverTransport{
		config:            config,
		maxWorkersPerConn: workers,
		sessions:          xsync.NewMapOf[uint64, *session](),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IServerTransport)
// --------------------------------------------------------------------------

func (t *serverTransport) RegisterHandler(handler transport.IServerHandler) {
	t.handler = handler
}

func (t *serverTransport) Serve(listener net.Listener) error {
	if t.handler == nil {
		return fmt.Errorf("no handler registered")
	}

	t.listenerMu.Lock()
	if t.closed.Load() {
		t.listenerMu.Unlock()
		return common.ErrClosed
	}
	t.listener = listener
	t.listenerMu.Unlock()

	Logger.Infof("Serving on %s with %d workers per connection", listener.Addr(), t.maxWorkersPerConn)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if t.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			Logger.Errorf("Accept error: %v", err)
			continue
		}

		s := &session{
			id:      t.nextSessionID.Add(1),
			conn:    conn,
			writer:  bufio.NewWriterSize(conn, bufferSize(t.config.SocketConf.WriteBufferSize)),
			timeout: time.Duration(t.config.TimeoutSecond) * time.Second,
		}
		t.sessions.Store(s.id, s)

		t.wg.Add(1)
		go t.handleConnection(s)
	}
}

func (t *serverTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	t.listenerMu.Lock()
	if t.listener != nil {
		err = multierr.Append(err, t.listener.Close())
	}
	t.listenerMu.Unlock()

	t.sessions.Range(func(id uint64, s *session) bool {
		err = multierr.Append(err, s.Close())
		return true
	})

	t.wg.Wait()
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func bufferSize(n int) int {
	if n <= 0 {
		return common.DefaultBufferSize
	}
	return n
}

// handleConnection reads the frames of one session and dispatches them to
// worker goroutines
func (t *serverTransport) handleConnection(s *session) {
	defer t.wg.Done()
	defer t.sessions.Delete(s.id)
	defer s.Close()

	if err := t.handler.OnConnect(s); err != nil {
		Logger.Warningf("Rejected session %d: %v", s.id, err)
		return
	}

	// The buffered channel acts as a counting semaphore
	workerSemaphore := make(chan struct{}, t.maxWorkersPerConn)
	var workers sync.WaitGroup

	reader := bufio.NewReaderSize(s.conn, bufferSize(t.config.SocketConf.ReadBufferSize))
	for {
		payload, err := ReadFrame(reader, t.config.MaxFrameSize)
		if err != nil {
			switch {
			case err == io.EOF:
				Logger.Debugf("Session %d closed by peer", s.id)
			case s.closed.Load() || errors.Is(err, net.ErrClosed):
			default:
				Logger.Errorf("Error reading from session %d: %v", s.id, err)
			}
			break
		}

		// blocks if maxWorkersPerConn is reached
		workerSemaphore <- struct{}{}
		workers.Add(1)
		go func() {
			defer func() {
				<-workerSemaphore
				workers.Done()
			}()
			t.handler.Handle(s, payload)
		}()
	}

	// in-flight handlers finish before the session is torn down
	workers.Wait()
	t.handler.OnDisconnect(s)
}
