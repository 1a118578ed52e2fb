package transport

import (
	"context"
	"net"

	"github.com/ValentinKolb/kvengine/rpc/common"
)

// --------------------------------------------------------------------------
// Client side
// --------------------------------------------------------------------------

// IConnector establishes connections to store nodes. Implementations exist
// for tcp and unix sockets, tests may plug in their own (e.g. net.Pipe).
type IConnector interface {
	// Connect establishes a single connection to the endpoint
	Connect(ctx context.Context, endpoint string) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.ClientConfig) error
}

// --------------------------------------------------------------------------
// Server side
// --------------------------------------------------------------------------

// ISession is one accepted connection of a server transport
type ISession interface {
	// ID is unique among the sessions of one transport
	ID() uint64
	// Write sends one framed payload. Safe for concurrent use.
	Write(payload []byte) error
	// Close terminates the session
	Close() error
}

// IServerHandler receives the payloads of accepted sessions.
// Handle is called concurrently, bounded by the configured workers per session.
type IServerHandler interface {
	OnConnect(s ISession) error
	Handle(s ISession, payload []byte)
	OnDisconnect(s ISession)
}

// IServerTransport accepts connections on a listener and dispatches their frames
type IServerTransport interface {
	// RegisterHandler registers the handler called for every session and payload
	RegisterHandler(handler IServerHandler)
	// Serve accepts connections until the listener or the transport is closed
	Serve(listener net.Listener) error
	// Close stops accepting, closes all sessions and waits for running handlers
	Close() error
}
