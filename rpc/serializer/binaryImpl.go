package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/kvengine/rpc/common"
	"github.com/multiformats/go-varint"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format.
// Lengths and counts are unsigned varints, integers are 8 byte big endian.
//
// Request layout:
//
//	flags(1) hint(1) id(varint) [command] [batch] [route]
//
// Frame layout:
//
//	kind(1) flags(1) id(varint) [value | error] [push]
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasCommand byte = 1 << 0
	hasBatch   byte = 1 << 1
	hasRoute   byte = 1 << 2
	hasErr     byte = 1 << 3
	hasPush    byte = 1 << 4

	batchAtomic       byte = 1 << 0
	batchRaiseOnError byte = 1 << 1
	batchHasRoute     byte = 1 << 2
)

// maxNesting bounds the depth of nested array and map values
const maxNesting = 64

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) SerializeRequest(req common.Request) ([]byte, error) {
	var flags byte
	if req.Command != nil {
		flags |= hasCommand
	}
	if req.Batch != nil {
		flags |= hasBatch
	}
	if req.Route != nil {
		flags |= hasRoute
	}

	w := &binWriter{buf: make([]byte, 0, 64)}
	w.byte(flags)
	w.byte(byte(req.Hint))
	w.uvarint(uint64(req.ID))

	if req.Command != nil {
		w.command(*req.Command)
	}
	if req.Batch != nil {
		w.batch(req.Batch)
	}
	if req.Route != nil {
		w.route(req.Route)
	}
	return w.buf, nil
}

func (b binarySerializerImpl) DeserializeRequest(data []byte, req *common.Request) error {
	r := &binReader{data: data}
	*req = common.Request{}

	flags, err := r.byte()
	if err != nil {
		return fmt.Errorf("data too short for request header")
	}
	hint, err := r.byte()
	if err != nil {
		return fmt.Errorf("data too short for request header")
	}
	req.Hint = common.DecodeHint(hint)

	id, err := r.uvarint()
	if err != nil {
		return fmt.Errorf("failed to read request id: %w", err)
	}
	if id > 1<<32-1 {
		return fmt.Errorf("request id %d out of range", id)
	}
	req.ID = uint32(id)

	if flags&hasCommand != 0 {
		cmd, err := r.command()
		if err != nil {
			return fmt.Errorf("failed to read command: %w", err)
		}
		req.Command = &cmd
	}
	if flags&hasBatch != 0 {
		if req.Batch, err = r.batch(); err != nil {
			return fmt.Errorf("failed to read batch: %w", err)
		}
	}
	if flags&hasRoute != 0 {
		if req.Route, err = r.route(); err != nil {
			return fmt.Errorf("failed to read route: %w", err)
		}
	}
	return r.done()
}

func (b binarySerializerImpl) SerializeFrame(f common.Frame) ([]byte, error) {
	var flags byte
	if f.Err != nil {
		flags |= hasErr
	}
	if f.Push != nil {
		flags |= hasPush
	}

	w := &binWriter{buf: make([]byte, 0, 32)}
	w.byte(byte(f.Kind))
	w.byte(flags)
	w.uvarint(uint64(f.ID))

	if f.Err != nil {
		w.byte(byte(f.Err.Kind))
		w.str(f.Err.Message)
	} else if err := w.value(f.Value, 0); err != nil {
		return nil, err
	}

	if f.Push != nil {
		w.byte(byte(f.Push.Kind))
		w.str(f.Push.Channel)
		w.str(f.Push.Pattern)
		w.str(f.Push.Payload)
		w.int64(f.Push.Count)
	}
	return w.buf, nil
}

func (b binarySerializerImpl) DeserializeFrame(data []byte, f *common.Frame) error {
	r := &binReader{data: data}
	*f = common.Frame{}

	kind, err := r.byte()
	if err != nil {
		return fmt.Errorf("data too short for frame header")
	}
	f.Kind = common.FrameKind(kind)
	flags, err := r.byte()
	if err != nil {
		return fmt.Errorf("data too short for frame header")
	}
	id, err := r.uvarint()
	if err != nil {
		return fmt.Errorf("failed to read frame id: %w", err)
	}
	if id > 1<<32-1 {
		return fmt.Errorf("frame id %d out of range", id)
	}
	f.ID = uint32(id)

	if flags&hasErr != 0 {
		errKind, err := r.byte()
		if err != nil {
			return fmt.Errorf("data too short for error kind")
		}
		msg, err := r.str()
		if err != nil {
			return fmt.Errorf("failed to read error message: %w", err)
		}
		f.Err = &common.ErrorInfo{Kind: common.ErrorKind(errKind), Message: msg}
	} else if f.Value, err = r.value(0); err != nil {
		return fmt.Errorf("failed to read value: %w", err)
	}

	if flags&hasPush != 0 {
		p := &common.Push{}
		pk, err := r.byte()
		if err != nil {
			return fmt.Errorf("data too short for push kind")
		}
		p.Kind = common.PushKind(pk)
		if p.Channel, err = r.str(); err != nil {
			return err
		}
		if p.Pattern, err = r.str(); err != nil {
			return err
		}
		if p.Payload, err = r.str(); err != nil {
			return err
		}
		if p.Count, err = r.int64(); err != nil {
			return err
		}
		f.Push = p
	}
	return r.done()
}

func (b binarySerializerImpl) Name() string { return "binary" }

// --------------------------------------------------------------------------
// Writer
// --------------------------------------------------------------------------

type binWriter struct {
	buf []byte
}

func (w *binWriter) byte(b byte) {
	w.buf = append(w.buf, b)
}

func (w *binWriter) uvarint(v uint64) {
	w.buf = append(w.buf, varint.ToUvarint(v)...)
}

func (w *binWriter) int64(v int64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v))
}

func (w *binWriter) str(s string) {
	w.uvarint(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *binWriter) command(c common.Command) {
	w.str(c.Name)
	w.uvarint(uint64(len(c.Args)))
	for _, a := range c.Args {
		w.str(a)
	}
}

func (w *binWriter) route(r *common.Route) {
	w.byte(byte(r.Kind))
	w.str(r.Key)
	w.int64(int64(r.Slot))
	w.str(r.Address)
}

func (w *binWriter) batch(b *common.Batch) {
	var flags byte
	if b.Atomic {
		flags |= batchAtomic
	}
	if b.RaiseOnError {
		flags |= batchRaiseOnError
	}
	if b.Route != nil {
		flags |= batchHasRoute
	}
	w.byte(flags)
	w.uvarint(uint64(b.TimeoutMillis))
	w.uvarint(uint64(len(b.Commands)))
	for _, c := range b.Commands {
		w.command(c)
	}
	w.uvarint(uint64(len(b.Watch)))
	for _, k := range b.Watch {
		w.str(k)
	}
	if b.Route != nil {
		w.route(b.Route)
	}
}

func (w *binWriter) value(v common.Value, depth int) error {
	if depth > maxNesting {
		return fmt.Errorf("value nested deeper than %d levels", maxNesting)
	}
	w.byte(byte(v.Kind))
	switch v.Kind {
	case common.KindNil:
	case common.KindStatus, common.KindBulk, common.KindError:
		w.str(v.Str)
	case common.KindInt, common.KindBool:
		w.int64(v.Int)
	case common.KindArray:
		w.uvarint(uint64(len(v.Array)))
		for _, e := range v.Array {
			if err := w.value(e, depth+1); err != nil {
				return err
			}
		}
	case common.KindMap:
		w.uvarint(uint64(len(v.Map)))
		for _, e := range v.Map {
			w.str(e.Key)
			if err := w.value(e.Value, depth+1); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown value kind %d", v.Kind)
	}
	return nil
}

// --------------------------------------------------------------------------
// Reader
// --------------------------------------------------------------------------

type binReader struct {
	data []byte
	pos  int
}

func (r *binReader) remaining() int {
	return len(r.data) - r.pos
}

func (r *binReader) done() error {
	if r.remaining() != 0 {
		return fmt.Errorf("%d trailing bytes after envelope", r.remaining())
	}
	return nil
}

func (r *binReader) byte() (byte, error) {
	if r.remaining() < 1 {
		return 0, fmt.Errorf("unexpected end of data")
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *binReader) uvarint() (uint64, error) {
	v, n, err := varint.FromUvarint(r.data[r.pos:])
	if err != nil {
		return 0, err
	}
	r.pos += n
	return v, nil
}

// count reads a length prefix and checks that at least min bytes per element remain
func (r *binReader) count(min int) (int, error) {
	n, err := r.uvarint()
	if err != nil {
		return 0, err
	}
	if n > uint64(r.remaining()/min) {
		return 0, fmt.Errorf("length %d exceeds remaining data", n)
	}
	return int(n), nil
}

func (r *binReader) int64() (int64, error) {
	if r.remaining() < 8 {
		return 0, fmt.Errorf("unexpected end of data")
	}
	v := binary.BigEndian.Uint64(r.data[r.pos : r.pos+8])
	r.pos += 8
	return int64(v), nil
}

func (r *binReader) str() (string, error) {
	n, err := r.uvarint()
	if err != nil {
		return "", err
	}
	if n > uint64(r.remaining()) {
		return "", fmt.Errorf("string length %d exceeds remaining data", n)
	}
	s := string(r.data[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *binReader) command() (common.Command, error) {
	var c common.Command
	var err error
	if c.Name, err = r.str(); err != nil {
		return c, err
	}
	argc, err := r.count(1)
	if err != nil {
		return c, err
	}
	if argc > 0 {
		c.Args = make([]string, argc)
		for i := range c.Args {
			if c.Args[i], err = r.str(); err != nil {
				return c, err
			}
		}
	}
	return c, nil
}

func (r *binReader) route() (*common.Route, error) {
	kind, err := r.byte()
	if err != nil {
		return nil, err
	}
	rt := &common.Route{Kind: common.RouteKind(kind)}
	if rt.Key, err = r.str(); err != nil {
		return nil, err
	}
	slot, err := r.int64()
	if err != nil {
		return nil, err
	}
	rt.Slot = int(slot)
	if rt.Address, err = r.str(); err != nil {
		return nil, err
	}
	return rt, nil
}

func (r *binReader) batch() (*common.Batch, error) {
	flags, err := r.byte()
	if err != nil {
		return nil, err
	}
	b := &common.Batch{
		Atomic:       flags&batchAtomic != 0,
		RaiseOnError: flags&batchRaiseOnError != 0,
	}
	timeout, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if timeout > 1<<32-1 {
		return nil, fmt.Errorf("batch timeout %d out of range", timeout)
	}
	b.TimeoutMillis = uint32(timeout)

	n, err := r.count(2)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		b.Commands = make([]common.Command, n)
		for i := range b.Commands {
			if b.Commands[i], err = r.command(); err != nil {
				return nil, err
			}
		}
	}

	nw, err := r.count(1)
	if err != nil {
		return nil, err
	}
	if nw > 0 {
		b.Watch = make([]string, nw)
		for i := range b.Watch {
			if b.Watch[i], err = r.str(); err != nil {
				return nil, err
			}
		}
	}

	if flags&batchHasRoute != 0 {
		if b.Route, err = r.route(); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (r *binReader) value(depth int) (common.Value, error) {
	if depth > maxNesting {
		return common.Value{}, fmt.Errorf("value nested deeper than %d levels", maxNesting)
	}
	kind, err := r.byte()
	if err != nil {
		return common.Value{}, err
	}
	v := common.Value{Kind: common.ValueKind(kind)}
	switch v.Kind {
	case common.KindNil:
	case common.KindStatus, common.KindBulk, common.KindError:
		v.Str, err = r.str()
	case common.KindInt, common.KindBool:
		v.Int, err = r.int64()
	case common.KindArray:
		var n int
		if n, err = r.count(1); err != nil {
			return v, err
		}
		v.Array = make([]common.Value, n)
		for i := range v.Array {
			if v.Array[i], err = r.value(depth + 1); err != nil {
				return v, err
			}
		}
	case common.KindMap:
		var n int
		if n, err = r.count(2); err != nil {
			return v, err
		}
		v.Map = make([]common.MapEntry, n)
		for i := range v.Map {
			if v.Map[i].Key, err = r.str(); err != nil {
				return v, err
			}
			if v.Map[i].Value, err = r.value(depth + 1); err != nil {
				return v, err
			}
		}
	default:
		return v, fmt.Errorf("unknown value kind %d", kind)
	}
	return v, err
}
