// Package unix implements a connector for Unix domain sockets. It is used to
// reach store nodes listening on a local socket and by bindings connecting
// to the engine's IPC socket.
package unix
