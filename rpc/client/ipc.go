package client

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/kvengine/lib/batch"
	"github.com/ValentinKolb/kvengine/lib/mux"
	"github.com/ValentinKolb/kvengine/rpc/codec"
	"github.com/ValentinKolb/kvengine/rpc/common"
	"github.com/ValentinKolb/kvengine/rpc/serializer"
	"github.com/ValentinKolb/kvengine/rpc/transport/base"
	"github.com/ValentinKolb/kvengine/rpc/transport/unix"
)

// IPCClient talks to an engine served on a shared unix socket (see the
// server package). It is what a binding process uses.
type IPCClient struct {
	path string
	conn *mux.Multiplexer
}

// NewIPCClient connects to the socket at socketPath. The envelopes are
// encoded with s, which must match the serializer of the server.
func NewIPCClient(ctx context.Context, socketPath string, s serializer.IRPCSerializer, config common.ClientConfig) (*IPCClient, error) {
	conn, err := base.Dial(ctx, unix.NewConnector(), socketPath, config, config.RefreshAttempts)
	if err != nil {
		return nil, err
	}
	m := mux.New(codec.NewEnvelopeCodec(conn, s, config.SocketConf), mux.Options{
		Name:           "ipc " + socketPath,
		RequestTimeout: config.RequestTimeout,
	})
	Logger.Debugf("IPC client connected to %s (%s)", socketPath, s.Name())
	return &IPCClient{path: socketPath, conn: m}, nil
}

// --------------------------------------------------------------------------
// Interface Methods
// --------------------------------------------------------------------------

// Exec runs cmd on the engine behind the socket
func (c *IPCClient) Exec(ctx context.Context, cmd common.Command, route *common.Route) (common.Value, error) {
	f, err := c.conn.Submit(ctx, cmd, common.HintRaw, route)
	if err != nil {
		return common.Value{}, err
	}
	return f.Await(ctx)
}

// Do is a shorthand for Exec(ctx, common.NewCommand(name, args...), nil)
func (c *IPCClient) Do(ctx context.Context, name string, args ...string) (common.Value, error) {
	return c.Exec(ctx, common.NewCommand(name, args...), nil)
}

// ExecBatch runs b on the engine behind the socket
func (c *IPCClient) ExecBatch(ctx context.Context, b *common.Batch) (batch.Result, error) {
	f, err := c.conn.SubmitBatch(ctx, b, b.Route)
	if err != nil {
		return batch.Result{}, err
	}
	v, err := f.Await(ctx)
	if err != nil {
		return batch.Result{}, err
	}
	switch {
	case v.IsNil():
		return batch.Result{Aborted: true}, nil
	case v.Kind == common.KindArray:
		return batch.Result{Values: v.Array}, nil
	default:
		return batch.Result{}, fmt.Errorf("unexpected batch reply %s", v)
	}
}

// TryGetPubSubMessage returns the oldest forwarded push without blocking
func (c *IPCClient) TryGetPubSubMessage() (common.Push, bool) {
	return c.conn.TryNextPush()
}

// GetPubSubMessage waits for the next forwarded push
func (c *IPCClient) GetPubSubMessage(ctx context.Context) (common.Push, error) {
	return c.conn.NextPush(ctx)
}

// Path returns the socket path
func (c *IPCClient) Path() string {
	return c.path
}

// Close closes the connection, pending requests fail with common.ErrClosed
func (c *IPCClient) Close() error {
	err := c.conn.Close()
	c.conn.Wait()
	return err
}
