package server_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/ValentinKolb/kvengine/internal/nodetest"
	"github.com/ValentinKolb/kvengine/lib/socketref"
	"github.com/ValentinKolb/kvengine/rpc/client"
	"github.com/ValentinKolb/kvengine/rpc/common"
	"github.com/ValentinKolb/kvengine/rpc/serializer"
	"github.com/ValentinKolb/kvengine/rpc/server"
)

func engineConfig(c *nodetest.Cluster) common.ClientConfig {
	cfg := common.DefaultClientConfig()
	cfg.Addresses = c.Addrs()[:1]
	cfg.ClusterMode = true
	cfg.RequestTimeout = 2 * time.Second
	return cfg
}

// startServer serves path until the test ends, the returned channel
// receives the result of Serve
func startServer(t *testing.T, reg *socketref.Registry, path string, s serializer.IRPCSerializer, factory server.EngineFactory) (*server.Server, <-chan error) {
	t.Helper()
	config := common.DefaultServerConfig()
	config.SocketPath = path
	config.Serializer = s.Name()

	srv := server.NewServer(config, s, factory, server.WithSocketRegistry(reg))
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	select {
	case <-srv.Ready():
	case err := <-errCh:
		t.Fatalf("Serve failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not bind the socket")
	}
	t.Cleanup(func() { srv.Close() })
	return srv, errCh
}

func dial(t *testing.T, path string, s serializer.IRPCSerializer) *client.IPCClient {
	t.Helper()
	cfg := common.DefaultClientConfig()
	cfg.Transport = "unix"
	cfg.Addresses = []string{path}
	cfg.RequestTimeout = 5 * time.Second

	c, err := client.NewIPCClient(context.Background(), path, s, cfg)
	if err != nil {
		t.Fatalf("NewIPCClient failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func newRegistry(t *testing.T) *socketref.Registry {
	reg := socketref.NewRegistry(nil)
	t.Cleanup(reg.CleanupAll)
	return reg
}

// TestServerExec tests single commands for every serializer
func TestServerExec(t *testing.T) {
	c := nodetest.StartCluster(t, 3)

	for _, name := range []string{"binary", "json", "gob"} {
		t.Run(name, func(t *testing.T) {
			s, err := serializer.ByName(name)
			if err != nil {
				t.Fatal(err)
			}
			path := socketref.DefaultSocketPath()
			startServer(t, newRegistry(t), path, s, server.ClientFactory(engineConfig(c)))
			ipc := dial(t, path, s)
			ctx := context.Background()

			if _, err := ipc.Do(ctx, "SET", name+":k", "v1"); err != nil {
				t.Fatalf("SET failed: %v", err)
			}
			v, err := ipc.Do(ctx, "GET", name+":k")
			if err != nil {
				t.Fatalf("GET failed: %v", err)
			}
			if v.Str != "v1" {
				t.Errorf("Expected v1, got %s", v)
			}

			_, err = ipc.Do(ctx, "INCR", name+":k")
			if !common.HasPrefix(err, "ERR") {
				t.Errorf("Expected an ERR reply, got %v", err)
			}

			_, err = ipc.Exec(ctx, common.NewCommand("SCAN", "0"), nil)
			if !errors.Is(err, common.ErrNoRoute) {
				t.Errorf("Expected ErrNoRoute, got %v", err)
			}
		})
	}
}

// TestServerBatches tests pipelines, transactions and aborted transactions
func TestServerBatches(t *testing.T) {
	c := nodetest.StartCluster(t, 3)
	s := serializer.NewBinarySerializer()
	path := socketref.DefaultSocketPath()
	startServer(t, newRegistry(t), path, s, server.ClientFactory(engineConfig(c)))
	ipc := dial(t, path, s)
	ctx := context.Background()
	c.Set("text", "abc")

	res, err := ipc.ExecBatch(ctx, common.NewBatch(false).
		Add("SET", "a", "1").
		Add("INCR", "text").
		Add("INCR", "a"))
	if err != nil {
		t.Fatalf("Pipeline failed: %v", err)
	}
	if len(res.Values) != 3 {
		t.Fatalf("Expected 3 replies, got %d", len(res.Values))
	}
	if !res.Values[1].IsError() {
		t.Errorf("Expected an error value, got %s", res.Values[1])
	}
	if res.Values[2].Int != 2 {
		t.Errorf("Expected 2, got %s", res.Values[2])
	}

	res, err = ipc.ExecBatch(ctx, common.NewBatch(true).Add("SET", "{tx}:a", "1").Add("GET", "{tx}:a"))
	if err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}
	if res.Aborted || len(res.Values) != 2 || res.Values[1].Str != "1" {
		t.Errorf("Unexpected transaction result %+v", res)
	}

	c.OnCommand(func(_ *nodetest.Node, argv []string) {
		if argv[0] == "MULTI" {
			c.Set("{tx}:a", "changed")
		}
	})
	b := common.NewBatch(true).Add("SET", "{tx}:a", "2")
	b.Watch = []string{"{tx}:a"}
	res, err = ipc.ExecBatch(ctx, b)
	if err != nil {
		t.Fatalf("Watched transaction failed: %v", err)
	}
	if !res.Aborted {
		t.Errorf("Expected the transaction to be aborted, got %+v", res)
	}
}

// TestServerForwardsPushes tests that pub/sub messages reach the binding
func TestServerForwardsPushes(t *testing.T) {
	c := nodetest.StartCluster(t, 2)
	s := serializer.NewBinarySerializer()
	path := socketref.DefaultSocketPath()
	startServer(t, newRegistry(t), path, s, server.ClientFactory(engineConfig(c)))
	sub := dial(t, path, s)
	pub := dial(t, path, s)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := sub.Do(ctx, "SUBSCRIBE", "updates"); err != nil {
		t.Fatalf("SUBSCRIBE failed: %v", err)
	}
	if _, err := pub.Do(ctx, "PUBLISH", "updates", "payload"); err != nil {
		t.Fatalf("PUBLISH failed: %v", err)
	}

	p, err := sub.GetPubSubMessage(ctx)
	if err != nil {
		t.Fatalf("No push received: %v", err)
	}
	if p.Kind != common.PushMessage || p.Channel != "updates" || p.Payload != "payload" {
		t.Errorf("Unexpected push %+v", p)
	}
	if _, ok := pub.TryGetPubSubMessage(); ok {
		t.Error("Publisher must not receive pushes")
	}
}

// TestServerCloseReleasesSocket tests that the socket file is gone after the last server closed
func TestServerCloseReleasesSocket(t *testing.T) {
	c := nodetest.StartCluster(t, 1)
	reg := newRegistry(t)
	s := serializer.NewBinarySerializer()
	path := socketref.DefaultSocketPath()
	srv, errCh := startServer(t, reg, path, s, server.ClientFactory(engineConfig(c)))

	if !reg.IsActive(path) {
		t.Fatal("Expected the socket to be active while serving")
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Errorf("Second close returned %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Close")
	}

	reg.Wait()
	if reg.IsActive(path) {
		t.Error("Expected the socket to be released")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Expected the socket file to be removed, stat returned %v", err)
	}
	if err := srv.Serve(); !errors.Is(err, common.ErrClosed) {
		t.Errorf("Expected ErrClosed from Serve after Close, got %v", err)
	}
}

// TestServerSharedSocket tests two servers of one process sharing a socket
func TestServerSharedSocket(t *testing.T) {
	c := nodetest.StartCluster(t, 1)
	reg := newRegistry(t)
	s := serializer.NewBinarySerializer()
	path := socketref.DefaultSocketPath()
	first, firstDone := startServer(t, reg, path, s, server.ClientFactory(engineConfig(c)))
	second, _ := startServer(t, reg, path, s, server.ClientFactory(engineConfig(c)))

	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	select {
	case <-firstDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve of the first server did not return")
	}
	if !reg.IsActive(path) {
		t.Fatal("Socket must stay active while the second server holds it")
	}

	ipc := dial(t, path, s)
	if _, err := ipc.Do(context.Background(), "PING"); err != nil {
		t.Fatalf("Second server does not serve: %v", err)
	}

	ipc.Close()
	if err := second.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	reg.Wait()
	if reg.IsActive(path) {
		t.Error("Expected the socket to be released after the last server closed")
	}
}

// TestServerRejectsWithoutEngine tests that a failing engine factory closes the connection
func TestServerRejectsWithoutEngine(t *testing.T) {
	s := serializer.NewBinarySerializer()
	path := socketref.DefaultSocketPath()
	factory := func(ctx context.Context) (server.Engine, error) {
		return nil, errors.New("no store reachable")
	}
	startServer(t, newRegistry(t), path, s, factory)
	ipc := dial(t, path, s)

	_, err := ipc.Do(context.Background(), "PING")
	if err == nil {
		t.Fatal("Expected the request to fail")
	}
	if !common.IsConnectionError(err) && !errors.Is(err, common.ErrClosed) {
		t.Errorf("Expected a connection error, got %v", err)
	}
}
