package serializer

import (
	"strings"
	"testing"

	"github.com/ValentinKolb/kvengine/rpc/common"
)

// benchmarkFrames returns a set of frames for targeted benchmarking
func benchmarkFrames() map[string]common.Frame {
	many := make([]common.Value, 100)
	for i := range many {
		many[i] = common.BulkValue("value-of-medium-length")
	}
	return map[string]common.Frame{
		"Status":     common.ResponseFrame(1, common.StatusValue("OK"), nil),
		"SmallBulk":  common.ResponseFrame(2, common.BulkValue("v"), nil),
		"LargeBulk":  common.ResponseFrame(3, common.BulkValue(strings.Repeat("x", 16*1024)), nil),
		"Array100":   common.ResponseFrame(4, common.ArrayValue(many...), nil),
		"Error":      common.ResponseFrame(5, common.Value{}, &common.RequestError{Msg: "ERR something went wrong"}),
		"PushMessage": common.PushFrame(common.Push{Kind: common.PushMessage, Channel: "news", Payload: "hello"}),
	}
}

// BenchmarkSerializeRequest benchmarks request serialization for all implementations
func BenchmarkSerializeRequest(b *testing.B) {
	cmd := common.NewCommand("SET", "user:1000", strings.Repeat("v", 256))
	req := common.Request{ID: 12345, Command: &cmd}

	for name, factory := range testSerializers {
		b.Run(name, func(b *testing.B) {
			serializer := factory()
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				if _, err := serializer.SerializeRequest(req); err != nil {
					b.Fatalf("Failed to serialize: %v", err)
				}
			}
		})
	}
}

// BenchmarkDeserializeFrame benchmarks frame deserialization for all implementations
func BenchmarkDeserializeFrame(b *testing.B) {
	frames := benchmarkFrames()

	for name, factory := range testSerializers {
		serializer := factory()
		for frameName, frame := range frames {
			data, err := serializer.SerializeFrame(frame)
			if err != nil {
				b.Fatalf("Failed to serialize %s with %s: %v", frameName, name, err)
			}

			b.Run(name+"_"+frameName, func(b *testing.B) {
				b.ReportMetric(float64(len(data)), "bytes")
				b.ResetTimer()

				for i := 0; i < b.N; i++ {
					var f common.Frame
					if err := serializer.DeserializeFrame(data, &f); err != nil {
						b.Fatalf("Failed to deserialize: %v", err)
					}
				}
			})
		}
	}
}
