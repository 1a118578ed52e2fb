// Package tcp implements the TCP connector used to reach store nodes.
//
// UpgradeConnection applies the TCPConf and SocketConf options of the client
// configuration: no delay, keep alive, linger and socket buffer sizes.
package tcp
