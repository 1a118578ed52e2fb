package serializer

import (
	"bytes"
	"encoding/gob"

	"github.com/ValentinKolb/kvengine/rpc/common"
)

// NewGOBSerializer creates a new serializer using Go's binary gob format
func NewGOBSerializer() IRPCSerializer {
	return &gobSerializerImpl{}
}

// gobSerializerImpl implements the IRPCSerializer interface using gob encoding.
// Every envelope is encoded with a fresh encoder, so type information is
// repeated per message.
type gobSerializerImpl struct {
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewBuffer(b)).Decode(v)
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (g gobSerializerImpl) SerializeRequest(req common.Request) ([]byte, error) {
	return gobEncode(req)
}

func (g gobSerializerImpl) DeserializeRequest(b []byte, req *common.Request) error {
	*req = common.Request{}
	return gobDecode(b, req)
}

func (g gobSerializerImpl) SerializeFrame(f common.Frame) ([]byte, error) {
	return gobEncode(f)
}

func (g gobSerializerImpl) DeserializeFrame(b []byte, f *common.Frame) error {
	*f = common.Frame{}
	return gobDecode(b, f)
}

func (g gobSerializerImpl) Name() string { return "gob" }
