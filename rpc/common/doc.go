// Package common provides the data structures and utilities shared by all
// engine packages. It defines the envelope protocol, the reply value model,
// the error taxonomy, configuration structures and the logger factory.
//
// The package focuses on:
//   - Envelope definition for the multiplexed request/response protocol
//   - The tagged Value variant holding store replies
//   - Typed errors that work with errors.Is and errors.As
//   - Configuration structures for the engine client and the IPC server
//   - Custom logging implementation integrated with Dragonboat's logger facade
//
// Key Components:
//
//   - Command, Route, Batch: what a caller asks the engine to execute and where.
//
//   - Request and Frame: the outbound envelope {id, command|batch, route} and the
//     inbound envelope, a tagged variant of a response {id, value|error} or an
//     unsolicited Push.
//
//   - Value: the reply model (Nil, Status, Bulk, Int, Bool, Array, Map, Error).
//     DecodeHint converts raw replies before a pending request is resolved.
//
//   - Errors: ConnectionError, TimeoutError, RequestError, RedirectError,
//     TopologyError and the sentinels ErrClosed, ErrCrossSlot, ErrScanFinished,
//     ErrNoRoute. ErrorInfo carries the error class across the IPC socket.
//
//   - ClientConfig / ServerConfig: configuration with human readable String() output.
//
//   - Logger: custom logging implementation used through dragonboat's logger
//     package, set up by InitLoggers.
package common
