package serializer

import (
	"encoding/json"

	"github.com/ValentinKolb/kvengine/rpc/common"
)

// NewJSONSerializer creates a new serializer using json encoding
func NewJSONSerializer() IRPCSerializer {
	return &jsonSerializerImpl{}
}

// jsonSerializerImpl implements the IRPCSerializer interface using json encoding
type jsonSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (j jsonSerializerImpl) SerializeRequest(req common.Request) ([]byte, error) {
	return json.Marshal(req)
}

func (j jsonSerializerImpl) DeserializeRequest(b []byte, req *common.Request) error {
	*req = common.Request{}
	return json.Unmarshal(b, req)
}

func (j jsonSerializerImpl) SerializeFrame(f common.Frame) ([]byte, error) {
	return json.Marshal(f)
}

func (j jsonSerializerImpl) DeserializeFrame(b []byte, f *common.Frame) error {
	*f = common.Frame{}
	return json.Unmarshal(b, f)
}

func (j jsonSerializerImpl) Name() string { return "json" }
