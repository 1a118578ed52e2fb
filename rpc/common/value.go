package common

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ValueKind tags a Value
type ValueKind uint8

const (
	KindNil ValueKind = iota
	KindStatus
	KindBulk
	KindInt
	KindBool
	KindArray
	KindMap
	KindError
)

var valueKindNames = [...]string{
	KindNil:    "nil",
	KindStatus: "status",
	KindBulk:   "bulk",
	KindInt:    "int",
	KindBool:   "bool",
	KindArray:  "array",
	KindMap:    "map",
	KindError:  "error",
}

func (k ValueKind) String() string {
	if int(k) < len(valueKindNames) {
		return valueKindNames[k]
	}
	return fmt.Sprintf("ValueKind(%d)", uint8(k))
}

// MarshalJSON writes the kind as its name
func (k ValueKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON reads a kind written by MarshalJSON
func (k *ValueKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for i, name := range valueKindNames {
		if name == s {
			*k = ValueKind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown value kind: %q", s)
}

// Value is a tagged variant holding one store reply.
//
//   - Status, Bulk and Error use Str
//   - Int uses Int, Bool uses Int (0 or 1)
//   - Array uses Array, Map uses Map
//
// The zero value is Nil.
type Value struct {
	Kind  ValueKind  `json:"kind"`
	Str   string     `json:"str,omitempty"`
	Int   int64      `json:"int,omitempty"`
	Array []Value    `json:"array,omitempty"`
	Map   []MapEntry `json:"map,omitempty"`
}

// MapEntry is one key/value pair of a Map value. Maps keep insertion order.
type MapEntry struct {
	Key   string `json:"key"`
	Value Value  `json:"value"`
}

func NilValue() Value              { return Value{} }
func StatusValue(s string) Value   { return Value{Kind: KindStatus, Str: s} }
func BulkValue(s string) Value     { return Value{Kind: KindBulk, Str: s} }
func IntValue(i int64) Value       { return Value{Kind: KindInt, Int: i} }
func ErrorValue(msg string) Value  { return Value{Kind: KindError, Str: msg} }
func ArrayValue(vs ...Value) Value { return Value{Kind: KindArray, Array: vs} }
func MapValue(es ...MapEntry) Value {
	return Value{Kind: KindMap, Map: es}
}

func BoolValue(b bool) Value {
	if b {
		return Value{Kind: KindBool, Int: 1}
	}
	return Value{Kind: KindBool}
}

// ErrorValueFrom converts err into an Error value
func ErrorValueFrom(err error) Value {
	return ErrorValue(err.Error())
}

// StringsValue creates an array of bulk strings
func StringsValue(ss ...string) Value {
	vs := make([]Value, len(ss))
	for i, s := range ss {
		vs[i] = BulkValue(s)
	}
	return ArrayValue(vs...)
}

// IsNil reports whether the value is Nil
func (v Value) IsNil() bool { return v.Kind == KindNil }

// IsError reports whether the value is an Error
func (v Value) IsError() bool { return v.Kind == KindError }

// Bool returns the boolean content of a Bool or Int value
func (v Value) Bool() bool { return v.Int != 0 }

// Err returns the value as a *RequestError if it is an Error value, nil otherwise
func (v Value) Err() error {
	if v.Kind != KindError {
		return nil
	}
	return &RequestError{Msg: v.Str}
}

// AsString returns the string content of Status, Bulk and Int values
func (v Value) AsString() (string, bool) {
	switch v.Kind {
	case KindStatus, KindBulk:
		return v.Str, true
	case KindInt:
		return strconv.FormatInt(v.Int, 10), true
	default:
		return "", false
	}
}

// AsInt returns the integer content of Int and Bool values and parses numeric strings
func (v Value) AsInt() (int64, error) {
	switch v.Kind {
	case KindInt, KindBool:
		return v.Int, nil
	case KindStatus, KindBulk:
		i, err := strconv.ParseInt(v.Str, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not an integer: %w", v.Str, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("cannot convert %s value to int", v.Kind)
	}
}

// AsStrings returns the elements of an Array value as strings. Nil elements become "".
func (v Value) AsStrings() ([]string, error) {
	if v.Kind != KindArray {
		return nil, fmt.Errorf("cannot convert %s value to strings", v.Kind)
	}
	out := make([]string, len(v.Array))
	for i, e := range v.Array {
		if e.IsNil() {
			continue
		}
		s, ok := e.AsString()
		if !ok {
			return nil, fmt.Errorf("element %d is %s, not a string", i, e.Kind)
		}
		out[i] = s
	}
	return out, nil
}

// Equal reports whether two values are deeply equal
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind || v.Str != o.Str || v.Int != o.Int ||
		len(v.Array) != len(o.Array) || len(v.Map) != len(o.Map) {
		return false
	}
	for i := range v.Array {
		if !v.Array[i].Equal(o.Array[i]) {
			return false
		}
	}
	for i := range v.Map {
		if v.Map[i].Key != o.Map[i].Key || !v.Map[i].Value.Equal(o.Map[i].Value) {
			return false
		}
	}
	return true
}

// String renders the value in a redis-cli like format
func (v Value) String() string {
	var sb strings.Builder
	v.format(&sb, 0)
	return sb.String()
}

func (v Value) format(sb *strings.Builder, indent int) {
	switch v.Kind {
	case KindNil:
		sb.WriteString("(nil)")
	case KindStatus:
		sb.WriteString(v.Str)
	case KindBulk:
		sb.WriteString(strconv.Quote(v.Str))
	case KindInt:
		fmt.Fprintf(sb, "(integer) %d", v.Int)
	case KindBool:
		fmt.Fprintf(sb, "(boolean) %t", v.Bool())
	case KindError:
		fmt.Fprintf(sb, "(error) %s", v.Str)
	case KindArray:
		if len(v.Array) == 0 {
			sb.WriteString("(empty array)")
			return
		}
		for i, e := range v.Array {
			if i > 0 {
				sb.WriteString("\n" + strings.Repeat(" ", indent))
			}
			prefix := fmt.Sprintf("%d) ", i+1)
			sb.WriteString(prefix)
			e.format(sb, indent+len(prefix))
		}
	case KindMap:
		if len(v.Map) == 0 {
			sb.WriteString("(empty map)")
			return
		}
		for i, e := range v.Map {
			if i > 0 {
				sb.WriteString("\n" + strings.Repeat(" ", indent))
			}
			prefix := e.Key + " => "
			sb.WriteString(prefix)
			e.Value.format(sb, indent+len(prefix))
		}
	}
}

// --------------------------------------------------------------------------
// Decode hints
// --------------------------------------------------------------------------

// DecodeHint tells the multiplexer how to convert a raw reply before the
// pending request is resolved
type DecodeHint uint8

const (
	HintRaw DecodeHint = iota
	HintStatus
	HintInt
	HintBool
	HintString
)

var decoders = map[DecodeHint]func(Value) (Value, error){
	HintRaw: func(v Value) (Value, error) { return v, nil },
	HintStatus: func(v Value) (Value, error) {
		if v.Kind != KindStatus {
			return v, fmt.Errorf("expected status reply, got %s", v.Kind)
		}
		return v, nil
	},
	HintInt: func(v Value) (Value, error) {
		if v.IsNil() {
			return v, nil
		}
		i, err := v.AsInt()
		if err != nil {
			return v, err
		}
		return IntValue(i), nil
	},
	HintBool: func(v Value) (Value, error) {
		switch v.Kind {
		case KindBool:
			return v, nil
		case KindInt:
			return BoolValue(v.Int != 0), nil
		case KindStatus:
			return BoolValue(v.Str == "OK"), nil
		default:
			return v, fmt.Errorf("expected integer reply, got %s", v.Kind)
		}
	},
	HintString: func(v Value) (Value, error) {
		if v.IsNil() {
			return v, nil
		}
		s, ok := v.AsString()
		if !ok {
			return v, fmt.Errorf("expected string reply, got %s", v.Kind)
		}
		return BulkValue(s), nil
	},
}

// Decode applies the hint to v. Error values are passed through unchanged.
func (h DecodeHint) Decode(v Value) (Value, error) {
	if v.Kind == KindError {
		return v, nil
	}
	dec, ok := decoders[h]
	if !ok {
		return v, fmt.Errorf("unknown decode hint %d", h)
	}
	return dec(v)
}
