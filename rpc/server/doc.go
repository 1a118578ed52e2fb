// Package server bridges binding processes to the engine over the shared
// unix socket of the process.
//
// The socket is acquired through the socketref registry, so several servers
// (and clients) of one process share a single listener and the socket file
// is removed once the last of them is closed. Frames are varint length
// prefixed envelopes encoded by an rpc/serializer implementation, the same
// framing the base server transport uses.
//
// Key Components:
//
//   - Server: accepts binding connections, creates one Engine per connection
//     through an EngineFactory and answers every request envelope with a
//     response frame carrying the request id. Requests of one connection are
//     served concurrently, bounded by ServerConfig.WorkersPerConnection.
//
//   - Engine: what a binding connection talks to. client.Client implements
//     it, ClientFactory creates one per connection.
//
// Pub/sub pushes of an engine are forwarded to its binding as push frames.
// Batches are answered with an array of the per command replies, or nil if
// a watched key aborted the transaction.
//
// Usage Example:
//
//	config := common.DefaultServerConfig()
//	config.SocketPath = "/tmp/kvengine.sock"
//	config.Client.Addresses = []string{"127.0.0.1:7000"}
//	config.Client.ClusterMode = true
//
//	s := server.NewServer(config, serializer.NewBinarySerializer(), server.ClientFactory(config.Client))
//	go func() {
//	  if err := s.Serve(); err != nil {
//	    log.Fatalf("Server error: %v", err)
//	  }
//	}()
//	defer s.Close()
//
// A binding connects with client.NewIPCClient using the same serializer.
package server
