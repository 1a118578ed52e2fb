package codec

import (
	"bufio"
	"fmt"
	"net"

	"github.com/ValentinKolb/kvengine/rpc/common"
	"github.com/ValentinKolb/kvengine/rpc/serializer"
	"github.com/ValentinKolb/kvengine/rpc/transport/base"
)

// envelopeCodec speaks the IPC protocol: varint length-prefixed envelopes
// serialized by an IRPCSerializer, correlated by explicit ids
type envelopeCodec struct {
	conn       net.Conn
	serializer serializer.IRPCSerializer
	reader     *bufio.Reader
	writer     *bufio.Writer
	maxFrame   int
}

// NewEnvelopeCodec creates the binding side codec of the IPC socket
func NewEnvelopeCodec(conn net.Conn, s serializer.IRPCSerializer, conf common.SocketConf) Codec {
	readSize, writeSize := conf.ReadBufferSize, conf.WriteBufferSize
	if readSize <= 0 {
		readSize = common.DefaultBufferSize
	}
	if writeSize <= 0 {
		writeSize = common.DefaultBufferSize
	}
	return &envelopeCodec{
		conn:       conn,
		serializer: s,
		reader:     bufio.NewReaderSize(conn, readSize),
		writer:     bufio.NewWriterSize(conn, writeSize),
		maxFrame:   common.DefaultMaxFrameSize,
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see codec.Codec)
// --------------------------------------------------------------------------

func (c *envelopeCodec) WriteRequest(req *common.Request) error {
	data, err := c.serializer.SerializeRequest(*req)
	if err != nil {
		return fmt.Errorf("%w: failed to serialize request %d: %w", ErrUnsupportedRequest, req.ID, err)
	}
	return base.WriteFrame(c.writer, data)
}

func (c *envelopeCodec) Flush() error {
	return c.writer.Flush()
}

func (c *envelopeCodec) ReadFrame() (common.Frame, error) {
	var f common.Frame
	payload, err := base.ReadFrame(c.reader, c.maxFrame)
	if err != nil {
		return f, err
	}
	if err := c.serializer.DeserializeFrame(payload, &f); err != nil {
		return f, fmt.Errorf("malformed frame: %w", err)
	}
	return f, nil
}

func (c *envelopeCodec) Close() error {
	return c.conn.Close()
}

func (c *envelopeCodec) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil && addr.String() != "" {
		return addr.String()
	}
	return "ipc"
}
