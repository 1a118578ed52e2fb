// Package rpc groups the communication layer of the engine: the envelope
// protocol, the codecs speaking to store nodes and binding processes, the
// transports carrying them and the client/server entry points.
//
// The package is organized into several subpackages:
//
//   - common: envelope types, reply values, errors, configuration and logging.
//
//   - serializer: envelope serialization with multiple format options (Binary, JSON, GOB).
//
//   - codec: the contract between a connection and the request multiplexer, with an
//     envelope codec (IPC framing with explicit correlation ids) and a resp codec
//     (store node protocol with implicit in-order correlation).
//
//   - transport: pluggable connectors (TCP, Unix sockets) and the base server
//     transport used by the IPC listener.
//
//   - client: the engine client tying routing, batching, scanning and pushes together.
//
//   - server: the IPC socket listener bridging binding processes to engine clients.
package rpc
