package serializer

import (
	"strings"
	"testing"

	"github.com/ValentinKolb/kvengine/rpc/common"
)

// testSerializers is a map of serializer name to factory function
var testSerializers = map[string]func() IRPCSerializer{
	"JSON":   NewJSONSerializer,
	"GOB":    NewGOBSerializer,
	"Binary": NewBinarySerializer,
}

// testRequests creates a set of requests with different fields filled
func testRequests() []common.Request {
	get := common.NewCommand("GET", "user:1")
	ping := common.NewCommand("PING")
	return []common.Request{
		// bare command without arguments
		{ID: 1, Command: &ping},

		// command with explicit route and decode hint
		{ID: 42, Command: &get, Route: common.SlotKeyRoute("user:1"), Hint: common.HintString},

		// address route
		{ID: 1<<32 - 1, Command: &get, Route: common.AddressRoute("10.0.0.1:7000")},

		// atomic batch with watch keys and route
		{
			ID: 7,
			Batch: &common.Batch{
				Commands: []common.Command{
					common.NewCommand("SET", "k1", "v1"),
					common.NewCommand("INCR", "k2"),
				},
				Atomic:        true,
				Route:         common.SlotIDRoute(1234),
				Watch:         []string{"k1", "k2"},
				RaiseOnError:  true,
				TimeoutMillis: 1500,
			},
		},

		// pipeline with binary safe arguments
		{
			ID: 8,
			Batch: &common.Batch{
				Commands: []common.Command{
					common.NewCommand("SET", "bin", "a\x00b\r\nc"),
					common.NewCommand("GET", "bin"),
				},
			},
		},
	}
}

// testFrames creates a set of frames covering every value kind
func testFrames() []common.Frame {
	return []common.Frame{
		common.ResponseFrame(1, common.NilValue(), nil),
		common.ResponseFrame(2, common.StatusValue("OK"), nil),
		common.ResponseFrame(3, common.BulkValue("hello\x00world"), nil),
		common.ResponseFrame(4, common.IntValue(-42), nil),
		common.ResponseFrame(5, common.BoolValue(true), nil),
		common.ResponseFrame(6, common.ArrayValue(
			common.BulkValue("a"),
			common.NilValue(),
			common.IntValue(1<<40),
			common.ErrorValue("WRONGTYPE Operation against a key holding the wrong kind of value"),
			common.ArrayValue(common.StatusValue("nested")),
		), nil),
		common.ResponseFrame(7, common.MapValue(
			common.MapEntry{Key: "127.0.0.1:7000", Value: common.IntValue(3)},
			common.MapEntry{Key: "127.0.0.1:7001", Value: common.IntValue(4)},
		), nil),
		common.ResponseFrame(8, common.Value{}, &common.RequestError{Msg: "ERR unknown command"}),
		common.ResponseFrame(9, common.Value{}, common.ErrTimeout),
		common.PushFrame(common.Push{Kind: common.PushMessage, Channel: "news", Payload: "hello"}),
		common.PushFrame(common.Push{Kind: common.PushPMessage, Channel: "news.it", Pattern: "news.*", Payload: "x"}),
		common.PushFrame(common.Push{Kind: common.PushSubscribe, Channel: "news", Count: 1}),
	}
}

func requestsEqual(a, b common.Request) bool {
	if a.ID != b.ID || a.Hint != b.Hint {
		return false
	}
	if !commandPtrEqual(a.Command, b.Command) || !routeEqual(a.Route, b.Route) {
		return false
	}
	if (a.Batch == nil) != (b.Batch == nil) {
		return false
	}
	if a.Batch == nil {
		return true
	}
	x, y := a.Batch, b.Batch
	if x.Atomic != y.Atomic || x.RaiseOnError != y.RaiseOnError || x.TimeoutMillis != y.TimeoutMillis ||
		len(x.Commands) != len(y.Commands) || len(x.Watch) != len(y.Watch) || !routeEqual(x.Route, y.Route) {
		return false
	}
	for i := range x.Commands {
		if !commandEqual(x.Commands[i], y.Commands[i]) {
			return false
		}
	}
	for i := range x.Watch {
		if x.Watch[i] != y.Watch[i] {
			return false
		}
	}
	return true
}

func commandPtrEqual(a, b *common.Command) bool {
	if a == nil || b == nil {
		return a == b
	}
	return commandEqual(*a, *b)
}

func commandEqual(a, b common.Command) bool {
	return a.Name == b.Name && strings.Join(a.Args, "\x01") == strings.Join(b.Args, "\x01") && len(a.Args) == len(b.Args)
}

func routeEqual(a, b *common.Route) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func framesEqual(a, b common.Frame) bool {
	if a.Kind != b.Kind || a.ID != b.ID || !a.Value.Equal(b.Value) {
		return false
	}
	if (a.Err == nil) != (b.Err == nil) || (a.Err != nil && *a.Err != *b.Err) {
		return false
	}
	if (a.Push == nil) != (b.Push == nil) || (a.Push != nil && *a.Push != *b.Push) {
		return false
	}
	return true
}

// TestRequestRoundTrip tests that requests can be serialized and deserialized correctly
func TestRequestRoundTrip(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for i, req := range testRequests() {
				data, err := serializer.SerializeRequest(req)
				if err != nil {
					t.Errorf("Failed to serialize request %d: %v", i, err)
					continue
				}

				var result common.Request
				if err := serializer.DeserializeRequest(data, &result); err != nil {
					t.Errorf("Failed to deserialize request %d: %v", i, err)
					continue
				}

				if !requestsEqual(req, result) {
					t.Errorf("Request %d doesn't match after round trip:\nOriginal: %+v\nResult: %+v", i, req, result)
				}
			}
		})
	}
}

// TestFrameRoundTrip tests responses, errors and pushes with each serializer
func TestFrameRoundTrip(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for i, frame := range testFrames() {
				data, err := serializer.SerializeFrame(frame)
				if err != nil {
					t.Errorf("Failed to serialize frame %d: %v", i, err)
					continue
				}

				var result common.Frame
				if err := serializer.DeserializeFrame(data, &result); err != nil {
					t.Errorf("Failed to deserialize frame %d: %v", i, err)
					continue
				}

				if !framesEqual(frame, result) {
					t.Errorf("Frame %d doesn't match after round trip:\nOriginal: %+v\nResult: %+v", i, frame, result)
				}
			}
		})
	}
}

// TestErrorKindSurvives checks that typed errors can be rebuilt on the receiving side
func TestErrorKindSurvives(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			data, err := serializer.SerializeFrame(common.ResponseFrame(1, common.Value{}, common.ErrCrossSlot))
			if err != nil {
				t.Fatalf("Failed to serialize: %v", err)
			}
			var f common.Frame
			if err := serializer.DeserializeFrame(data, &f); err != nil {
				t.Fatalf("Failed to deserialize: %v", err)
			}
			if f.Err.Err() != common.ErrCrossSlot {
				t.Errorf("Expected ErrCrossSlot, got %v", f.Err.Err())
			}
		})
	}
}

// TestBinaryRejectsCorruptData tests that the binary serializer never panics on truncated input
func TestBinaryRejectsCorruptData(t *testing.T) {
	s := NewBinarySerializer()

	for i, frame := range testFrames() {
		data, err := s.SerializeFrame(frame)
		if err != nil {
			t.Fatalf("Failed to serialize frame %d: %v", i, err)
		}
		for cut := 0; cut < len(data); cut++ {
			var f common.Frame
			if err := s.DeserializeFrame(data[:cut], &f); err == nil {
				t.Errorf("Frame %d truncated to %d bytes was accepted", i, cut)
			}
		}
	}

	for i, req := range testRequests() {
		data, err := s.SerializeRequest(req)
		if err != nil {
			t.Fatalf("Failed to serialize request %d: %v", i, err)
		}
		var r common.Request
		if err := s.DeserializeRequest(append(data, 0xff), &r); err == nil {
			t.Errorf("Request %d with trailing garbage was accepted", i)
		}
	}
}

// TestBinaryHugeLength tests that a forged length prefix does not cause a huge allocation
func TestBinaryHugeLength(t *testing.T) {
	s := NewBinarySerializer()

	// kind=response, flags=0, id=1, value kind=array, length=2^40
	data := []byte{byte(common.FrameResponse), 0, 1, byte(common.KindArray), 0x80, 0x80, 0x80, 0x80, 0x80, 0x20}
	var f common.Frame
	if err := s.DeserializeFrame(data, &f); err == nil {
		t.Error("Expected error for forged array length")
	}
}

// TestByName tests serializer selection
func TestByName(t *testing.T) {
	for _, name := range []string{"binary", "json", "gob", "JSON", ""} {
		s, err := ByName(name)
		if err != nil {
			t.Errorf("ByName(%q) failed: %v", name, err)
			continue
		}
		if name != "" && !strings.EqualFold(s.Name(), name) {
			t.Errorf("ByName(%q) returned %s", name, s.Name())
		}
	}
	if _, err := ByName("xml"); err == nil {
		t.Error("Expected error for unknown serializer")
	}
}
