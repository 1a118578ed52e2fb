// Package serializer converts the envelopes exchanged over the IPC socket
// into bytes and back. Requests flow from binding processes to the engine,
// frames (responses and pushes) flow back.
//
// Key Components:
//
//   - IRPCSerializer: Core interface that all serializer implementations must satisfy.
//     ByName selects an implementation from configuration.
//
//   - binarySerializerImpl: Custom binary format. Uses flag bits to encode only
//     present fields, varint lengths and counts, and bounds every length by the
//     remaining input so corrupt frames fail without large allocations.
//
//   - jsonSerializerImpl: JSON encoding, useful for debugging or for bindings
//     without a binary decoder.
//
//   - gobSerializerImpl: Go's gob encoding, only usable by Go peers.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent use
//	across multiple goroutines without additional synchronization.
//
// Usage:
//
//	s, err := serializer.ByName("binary")
//	data, err := s.SerializeRequest(req)
//	// ... send data ...
//	var f common.Frame
//	err = s.DeserializeFrame(received, &f)
package serializer
