package serializer

import (
	"fmt"
	"strings"

	"github.com/ValentinKolb/kvengine/rpc/common"
)

// IRPCSerializer is the interface for all envelope serializers.
// Requests travel from a binding process to the engine, frames the other way.
type IRPCSerializer interface {
	// SerializeRequest serializes an outbound envelope into a byte array
	SerializeRequest(req common.Request) ([]byte, error)
	// DeserializeRequest deserializes a byte array into the given request
	DeserializeRequest(b []byte, req *common.Request) error
	// SerializeFrame serializes an inbound envelope (response or push)
	SerializeFrame(f common.Frame) ([]byte, error)
	// DeserializeFrame deserializes a byte array into the given frame
	DeserializeFrame(b []byte, f *common.Frame) error
	// Name returns the name the serializer is selected by
	Name() string
}

// ByName returns the serializer registered under name (binary, json or gob)
func ByName(name string) (IRPCSerializer, error) {
	switch strings.ToLower(name) {
	case "binary", "":
		return NewBinarySerializer(), nil
	case "json":
		return NewJSONSerializer(), nil
	case "gob":
		return NewGOBSerializer(), nil
	default:
		return nil, fmt.Errorf("unknown serializer %q, must be one of binary, json, gob", name)
	}
}
