package codec

import (
	"errors"

	"github.com/ValentinKolb/kvengine/rpc/common"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("codec")

// ErrUnsupportedRequest is wrapped by WriteRequest errors that only concern
// the rejected request. Any other write error is fatal for the connection.
var ErrUnsupportedRequest = errors.New("codec: unsupported request")

// Codec translates envelopes to and from one connection.
//
// A codec is driven by exactly two goroutines: the writer calls WriteRequest
// and Flush, the reader calls ReadFrame. Close may be called from anywhere
// and unblocks a pending ReadFrame.
type Codec interface {
	// WriteRequest buffers one outbound envelope
	WriteRequest(req *common.Request) error
	// Flush writes all buffered envelopes to the connection
	Flush() error
	// ReadFrame blocks until the next inbound frame is available. Any returned
	// error is fatal for the connection.
	ReadFrame() (common.Frame, error)
	// Close closes the underlying connection
	Close() error
	// RemoteAddr names the peer, used in logs and errors
	RemoteAddr() string
}
