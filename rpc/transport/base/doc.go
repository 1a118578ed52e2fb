// Package base provides the protocol independent parts of the transports:
// framing, dialing with retries and the server accept loop.
//
// Key Components:
//
//   - WriteFrame/ReadFrame: varint length-prefixed frames. The prefix and the
//     payload are written with one vectored write (net.Buffers).
//
//   - Dial: connects through an IConnector with exponential backoff and jitter,
//     failures are reported as *common.ConnectionError.
//
//   - serverTransport: accepts sessions, reads frames and hands them to the
//     registered handler on a bounded number of worker goroutines per session.
//     Responses may be written in any order, the payload carries the correlation id.
//
// Thread Safety:
//
//	Sessions serialize writes with a mutex. The transport tracks all sessions
//	in an xsync map so Close can terminate them and wait for running handlers.
package base
