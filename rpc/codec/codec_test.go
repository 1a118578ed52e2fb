package codec

import (
	"bufio"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ValentinKolb/kvengine/rpc/common"
	"github.com/ValentinKolb/kvengine/rpc/serializer"
	"github.com/ValentinKolb/kvengine/rpc/transport/base"
)

// respPipe returns a codec connected to a fake node. Everything the codec
// writes is discarded, replies are written by the test.
func respPipe(t *testing.T) (Codec, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	go io.Copy(io.Discard, server)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return NewRESPCodec(client, common.DefaultClientConfig()), server
}

func writeRequests(t *testing.T, c Codec, reqs ...common.Request) {
	t.Helper()
	for i := range reqs {
		if err := c.WriteRequest(&reqs[i]); err != nil {
			t.Fatalf("WriteRequest %d failed: %v", reqs[i].ID, err)
		}
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
}

func cmdReq(id uint32, name string, args ...string) common.Request {
	cmd := common.NewCommand(name, args...)
	return common.Request{ID: id, Command: &cmd}
}

func readFrame(t *testing.T, c Codec) common.Frame {
	t.Helper()
	type result struct {
		f   common.Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := c.ReadFrame()
		ch <- result{f, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("ReadFrame failed: %v", r.err)
		}
		return r.f
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for frame")
	}
	return common.Frame{}
}

// TestRESPInOrderCorrelation tests that replies are paired with requests in write order
func TestRESPInOrderCorrelation(t *testing.T) {
	c, server := respPipe(t)

	writeRequests(t, c,
		cmdReq(1, "GET", "foo"),
		cmdReq(2, "SET", "foo", "bar"),
		cmdReq(3, "BOGUS"),
		cmdReq(4, "MGET", "a", "b"),
	)
	go server.Write([]byte("$3\r\nbar\r\n+OK\r\n-ERR unknown command 'BOGUS'\r\n*2\r\n:1\r\n$-1\r\n"))

	f := readFrame(t, c)
	if f.ID != 1 || !f.Value.Equal(common.BulkValue("bar")) {
		t.Errorf("Unexpected frame for GET: %+v", f)
	}

	f = readFrame(t, c)
	if f.ID != 2 || !f.Value.Equal(common.StatusValue("OK")) {
		t.Errorf("Unexpected frame for SET: %+v", f)
	}

	f = readFrame(t, c)
	if f.ID != 3 || f.Err == nil || f.Err.Kind != common.ErrKindRequest || f.Err.Message != "ERR unknown command 'BOGUS'" {
		t.Errorf("Unexpected frame for BOGUS: %+v", f)
	}

	f = readFrame(t, c)
	want := common.ArrayValue(common.IntValue(1), common.NilValue())
	if f.ID != 4 || !f.Value.Equal(want) {
		t.Errorf("Unexpected frame for MGET: %+v", f)
	}
}

// TestRESPPubSub tests subscription confirmations and message pushes
func TestRESPPubSub(t *testing.T) {
	c, server := respPipe(t)

	writeRequests(t, c, cmdReq(7, "SUBSCRIBE", "a", "b"))
	go server.Write([]byte(
		"*3\r\n$9\r\nsubscribe\r\n$1\r\na\r\n:1\r\n" +
			"*3\r\n$9\r\nsubscribe\r\n$1\r\nb\r\n:2\r\n" +
			"*3\r\n$7\r\nmessage\r\n$1\r\na\r\n$5\r\nhello\r\n" +
			"*4\r\n$8\r\npmessage\r\n$2\r\nb*\r\n$2\r\nbx\r\n$2\r\nhi\r\n"))

	f := readFrame(t, c)
	if f.Kind != common.FrameResponse || f.ID != 7 {
		t.Fatalf("Expected response to SUBSCRIBE, got %+v", f)
	}

	f = readFrame(t, c)
	if f.Kind != common.FramePush || f.Push.Kind != common.PushSubscribe || f.Push.Channel != "b" || f.Push.Count != 2 {
		t.Errorf("Expected subscribe push for b, got %+v", f)
	}

	f = readFrame(t, c)
	if f.Kind != common.FramePush || f.Push.Kind != common.PushMessage || f.Push.Channel != "a" || f.Push.Payload != "hello" {
		t.Errorf("Expected message push, got %+v", f)
	}

	f = readFrame(t, c)
	if f.Kind != common.FramePush || f.Push.Kind != common.PushPMessage || f.Push.Pattern != "b*" ||
		f.Push.Channel != "bx" || f.Push.Payload != "hi" {
		t.Errorf("Expected pmessage push, got %+v", f)
	}

	// a regular request is still answered while subscribed
	writeRequests(t, c, cmdReq(8, "PING"))
	go server.Write([]byte("+PONG\r\n"))
	f = readFrame(t, c)
	if f.Kind != common.FrameResponse || f.ID != 8 || !f.Value.Equal(common.StatusValue("PONG")) {
		t.Errorf("Expected PONG response, got %+v", f)
	}
}

// TestRESPMessageLikeReplyWithoutSubscription tests that arrays starting with
// "message" are ordinary replies when nothing is subscribed
func TestRESPMessageLikeReplyWithoutSubscription(t *testing.T) {
	c, server := respPipe(t)

	writeRequests(t, c, cmdReq(3, "LRANGE", "l", "0", "-1"))
	go server.Write([]byte("*3\r\n$7\r\nmessage\r\n$1\r\nx\r\n$1\r\ny\r\n"))

	f := readFrame(t, c)
	if f.Kind != common.FrameResponse || f.ID != 3 {
		t.Errorf("Expected response, got %+v", f)
	}
}

// TestRESPConfirmationLikeReplyWithoutSubscription tests that arrays shaped
// like subscription confirmations keep the in-order pairing when no
// subscription is requested
func TestRESPConfirmationLikeReplyWithoutSubscription(t *testing.T) {
	c, server := respPipe(t)

	writeRequests(t, c,
		cmdReq(4, "MGET", "a", "b", "c"),
		cmdReq(5, "EVAL", "return {'unsubscribe', 'x', 1}", "0"),
		cmdReq(6, "GET", "d"),
	)
	go server.Write([]byte(
		"*3\r\n$9\r\nsubscribe\r\n$2\r\nbv\r\n$2\r\ncv\r\n" +
			"*3\r\n$11\r\nunsubscribe\r\n$1\r\nx\r\n:1\r\n" +
			"$4\r\ndval\r\n"))

	tests := []struct {
		id   uint32
		kind common.ValueKind
	}{
		{4, common.KindArray},
		{5, common.KindArray},
		{6, common.KindBulk},
	}
	for _, tt := range tests {
		f := readFrame(t, c)
		if f.Kind != common.FrameResponse || f.ID != tt.id {
			t.Fatalf("Expected response for %d, got %+v", tt.id, f)
		}
		if f.Value.Kind != tt.kind {
			t.Errorf("Expected %s reply for %d, got %s", tt.kind, tt.id, f.Value)
		}
	}
}

// TestRESPUnexpectedReply tests that a reply without request gets id 0
func TestRESPUnexpectedReply(t *testing.T) {
	c, server := respPipe(t)

	go server.Write([]byte("+OK\r\n"))
	f := readFrame(t, c)
	if f.ID != 0 {
		t.Errorf("Expected id 0, got %d", f.ID)
	}
}

// TestRESPRejectsBatch tests that batches cannot be written to a node
func TestRESPRejectsBatch(t *testing.T) {
	c, _ := respPipe(t)
	req := common.Request{ID: 1, Batch: common.NewBatch(false).Add("PING")}
	if err := c.WriteRequest(&req); err == nil {
		t.Error("Expected error for batch request")
	}
}

// TestRESPConnectionClosed tests that a closed connection is fatal
func TestRESPConnectionClosed(t *testing.T) {
	c, server := respPipe(t)
	server.Close()

	if _, err := c.ReadFrame(); err == nil {
		t.Error("Expected error after connection was closed")
	}
}

// TestEnvelopeRoundTrip tests the IPC codec against a peer using the same framing
func TestEnvelopeRoundTrip(t *testing.T) {
	for _, name := range []string{"binary", "json", "gob"} {
		t.Run(name, func(t *testing.T) {
			s, err := serializer.ByName(name)
			if err != nil {
				t.Fatal(err)
			}
			client, server := net.Pipe()
			defer client.Close()
			defer server.Close()

			c := NewEnvelopeCodec(client, s, common.SocketConf{})

			// peer: answer every request with its command name
			go func() {
				r := bufio.NewReader(server)
				for {
					payload, err := base.ReadFrame(r, 0)
					if err != nil {
						return
					}
					var req common.Request
					if err := s.DeserializeRequest(payload, &req); err != nil {
						return
					}
					out, _ := s.SerializeFrame(common.ResponseFrame(req.ID, common.BulkValue(req.Command.Name), nil))
					if err := base.WriteFrame(server, out); err != nil {
						return
					}
				}
			}()

			writeRequests(t, c, cmdReq(11, "ECHO", "x"), cmdReq(12, "TIME"))

			f := readFrame(t, c)
			if f.ID != 11 || f.Value.Str != "ECHO" {
				t.Errorf("Unexpected first frame: %+v", f)
			}
			f = readFrame(t, c)
			if f.ID != 12 || f.Value.Str != "TIME" {
				t.Errorf("Unexpected second frame: %+v", f)
			}
		})
	}
}
