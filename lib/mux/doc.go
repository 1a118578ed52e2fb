/*
Package mux multiplexes concurrent requests over one connection.

A Multiplexer owns one codec.Codec and runs a reader and a writer goroutine
for it. Callers submit commands from any goroutine and receive a Future;
the writer drains the FIFO write queue in submission order and flushes
whenever the queue runs empty, the reader matches responses to futures by
correlation id and forwards pushes to a handler or the push queue.

Usage:

	m := mux.New(codec.NewRESPCodec(conn, cfg), mux.Options{RequestTimeout: time.Second})
	defer m.Close()

	f, err := m.Submit(ctx, common.NewCommand("GET", "k"), common.HintString, nil)
	if err != nil {
		return err
	}
	v, err := f.Await(ctx)

A request is resolved exactly once. A timed out or cancelled request is
removed from the correlation table, its late response is dropped. When the
connection fails every pending request is rejected with a
*common.ConnectionError and later submits fail fast with the same error.
*/
package mux
