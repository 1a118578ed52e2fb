// Package transport defines the contracts between the engine and the network.
// Implementations are protocol agnostic: the codec decides what travels over
// a connection, the transport only how the connection is established.
//
// Key Components:
//
//   - IConnector: client side, dials store nodes (or a peer socket) and applies
//     socket options. Implemented by the tcp and unix packages.
//
//   - IServerTransport: server side, accepts connections on a listener and
//     dispatches length-prefixed payloads to an IServerHandler.
//
//   - ISession: one accepted connection, safe for concurrent writes.
package transport
