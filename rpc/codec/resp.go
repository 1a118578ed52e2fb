package codec

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/ValentinKolb/kvengine/rpc/common"
	"github.com/gomodule/redigo/redis"
)

// inflight is one request written to the node whose reply is still outstanding
type inflight struct {
	id uint32
	// confirmations still expected for (un)subscribe commands, 0 for all others
	confirmations int
	responded     bool
}

// respCodec speaks the store node protocol. Replies carry no id, they arrive
// in request order, so the codec keeps the ids of written requests in a FIFO
// and pairs every reply with the oldest one.
type respCodec struct {
	conn redis.Conn
	addr string

	mu       sync.Mutex
	inflight []inflight

	// number of active subscriptions, only touched by the reader
	subscribed int64
}

// NewRESPCodec creates a codec for a store node connection. Replies are read
// without deadline, request timeouts are enforced by the multiplexer.
func NewRESPCodec(conn net.Conn, config common.ClientConfig) Codec {
	return &respCodec{
		conn: redis.NewConn(conn, 0, config.ConnectTimeout),
		addr: conn.RemoteAddr().String(),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see codec.Codec)
// --------------------------------------------------------------------------

func (c *respCodec) WriteRequest(req *common.Request) error {
	if req.Command == nil {
		return fmt.Errorf("%w: request %d: only single commands can be sent to a node", ErrUnsupportedRequest, req.ID)
	}
	cmd := req.Command

	c.mu.Lock()
	c.inflight = append(c.inflight, inflight{id: req.ID, confirmations: confirmationsFor(*cmd)})
	c.mu.Unlock()

	args := make([]interface{}, len(cmd.Args))
	for i, a := range cmd.Args {
		args[i] = a
	}
	return c.conn.Send(cmd.Name, args...)
}

func (c *respCodec) Flush() error {
	return c.conn.Flush()
}

func (c *respCodec) ReadFrame() (common.Frame, error) {
	reply, err := c.conn.Receive()
	if err != nil {
		rerr, ok := err.(redis.Error)
		if !ok {
			return common.Frame{}, err
		}
		id, _ := c.popReply()
		return common.ResponseFrame(id, common.Value{}, &common.RequestError{Msg: string(rerr)}), nil
	}

	if f, ok := c.asPush(reply); ok {
		return f, nil
	}

	// id 0 is never allocated, the multiplexer logs and discards it
	id, _ := c.popReply()
	return common.ResponseFrame(id, toValue(reply), nil), nil
}

func (c *respCodec) Close() error {
	return c.conn.Close()
}

func (c *respCodec) RemoteAddr() string {
	return c.addr
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// popReply removes the oldest request and returns its id
func (c *respCodec) popReply() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// an answered subscribe whose remaining confirmations never arrived
	for len(c.inflight) > 0 && c.inflight[0].responded {
		Logger.Warningf("Reply from %s arrived while confirmations were outstanding", c.addr)
		c.inflight = c.inflight[1:]
	}
	if len(c.inflight) == 0 {
		return 0, false
	}
	head := c.inflight[0]
	c.inflight = c.inflight[1:]
	return head.id, true
}

// takeConfirmation pairs a subscription confirmation with the oldest request
// if that request is a (un)subscribe command. The first confirmation answers
// the request, later ones are only consumed.
func (c *respCodec) takeConfirmation() (id uint32, respond bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.inflight) == 0 || c.inflight[0].confirmations == 0 {
		return 0, false
	}
	head := &c.inflight[0]
	respond = !head.responded
	head.responded = true
	head.confirmations--
	id = head.id
	if head.confirmations == 0 {
		c.inflight = c.inflight[1:]
	}
	return id, respond
}

// awaitsConfirmation reports whether the oldest request is a (un)subscribe
// command
func (c *respCodec) awaitsConfirmation() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight) > 0 && c.inflight[0].confirmations > 0
}

// asPush converts pub/sub replies into frames. Confirmation shaped replies
// are only taken as such while a subscription exists or one is requested.
func (c *respCodec) asPush(reply interface{}) (common.Frame, bool) {
	arr, ok := reply.([]interface{})
	if !ok || len(arr) < 3 {
		return common.Frame{}, false
	}
	head, ok := arr[0].([]byte)
	if !ok {
		return common.Frame{}, false
	}
	kind := common.ParsePushKind(string(head))

	switch {
	case kind.IsSubscription():
		count, isCount := arr[2].(int64)
		if !isCount || (c.subscribed == 0 && !c.awaitsConfirmation()) {
			return common.Frame{}, false
		}
		c.subscribed = count
		if id, respond := c.takeConfirmation(); respond {
			return common.ResponseFrame(id, toValue(reply), nil), true
		}
		return common.PushFrame(common.Push{Kind: kind, Channel: asString(arr[1]), Count: count}), true

	case kind == common.PushPMessage && c.subscribed > 0 && len(arr) == 4:
		return common.PushFrame(common.Push{
			Kind:    kind,
			Pattern: asString(arr[1]),
			Channel: asString(arr[2]),
			Payload: asString(arr[3]),
		}), true

	case (kind == common.PushMessage || kind == common.PushSMessage) && c.subscribed > 0:
		return common.PushFrame(common.Push{
			Kind:    kind,
			Channel: asString(arr[1]),
			Payload: asString(arr[2]),
		}), true
	}
	return common.Frame{}, false
}

// confirmationsFor returns the number of confirmations a command produces
func confirmationsFor(cmd common.Command) int {
	switch strings.ToUpper(cmd.Name) {
	case "SUBSCRIBE", "PSUBSCRIBE", "SSUBSCRIBE":
		return max(len(cmd.Args), 1)
	case "UNSUBSCRIBE", "PUNSUBSCRIBE", "SUNSUBSCRIBE":
		// without arguments the node confirms every active subscription,
		// only the first one is known to exist
		return max(len(cmd.Args), 1)
	default:
		return 0
	}
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case []byte:
		return string(s)
	case string:
		return s
	case int64:
		return fmt.Sprint(s)
	default:
		return ""
	}
}

// toValue converts a redigo reply into a Value
func toValue(reply interface{}) common.Value {
	switch r := reply.(type) {
	case nil:
		return common.NilValue()
	case int64:
		return common.IntValue(r)
	case string:
		return common.StatusValue(r)
	case []byte:
		return common.BulkValue(string(r))
	case redis.Error:
		return common.ErrorValue(string(r))
	case []interface{}:
		vs := make([]common.Value, len(r))
		for i, e := range r {
			vs[i] = toValue(e)
		}
		return common.ArrayValue(vs...)
	default:
		return common.ErrorValue(fmt.Sprintf("unsupported reply type %T", reply))
	}
}
