// Package client is the public entry point of the engine.
//
// A Client ties the cluster router, the batch executor, the cluster scan and
// the pub/sub push queue together. It keeps one multiplexed connection per
// store node, so any number of goroutines can issue commands concurrently
// without a connection pool.
//
// Key Components:
//
//   - NewClient: creates a Client. In cluster mode the topology is
//     discovered before it returns, in standalone mode the node is
//     connected.
//
//   - Client.Exec / Client.Do: run a single command. Keyed commands go to
//     the owner of their slot, key-less commands follow their default route
//     and multi slot commands are split and reassembled. MOVED, ASK and
//     TRYAGAIN replies are handled transparently.
//
//   - Client.ExecBatch: runs a pipeline (per command replies, failures as
//     error values) or an atomic transaction (MULTI/EXEC, optionally WATCHed).
//
//   - Client.Scan: iterates all keys of the cluster with a ScanCursor.
//
//   - NewIPCClient: the binding side of the shared unix socket served by the
//     server package.
//
// Usage Example:
//
//	config := common.DefaultClientConfig()
//	config.Addresses = []string{"127.0.0.1:7000", "127.0.0.1:7001"}
//	config.ClusterMode = true
//
//	c, err := client.NewClient(ctx, config)
//	if err != nil {
//	  return err
//	}
//	defer c.Close()
//
//	_, err = c.Do(ctx, "SET", "user:1", "alice")
//	v, err := c.Do(ctx, "GET", "user:1")
//
//	b := common.NewBatch(true).Add("INCR", "{user:1}:visits").Add("GET", "{user:1}:visits")
//	res, err := c.ExecBatch(ctx, b)
//
// Thread Safety:
//
//	Client and IPCClient are safe for concurrent use. Close is idempotent,
//	afterwards every call fails with common.ErrClosed.
package client
