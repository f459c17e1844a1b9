package bitfield

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
)

// Kind tells which member of a Value is populated.
type Kind uint8

const (
	KindNone Kind = iota
	KindInt
	KindFloat
	KindBytes
)

// Value is a decoded raw field.
type Value struct {
	Kind  Kind
	Int   int64
	Float float64
	Bytes []byte
}

func IntValue(v int64) Value     { return Value{Kind: KindInt, Int: v} }
func FloatValue(v float64) Value { return Value{Kind: KindFloat, Float: v} }

// BytesValue copies b so the value does not alias the packet buffer.
func BytesValue(b []byte) Value {
	out := make([]byte, len(b))
	copy(out, b)
	return Value{Kind: KindBytes, Bytes: out}
}

func (v Value) IsNone() bool { return v.Kind == KindNone }

// AsInt truncates float values and rejects octet and empty values.
func (v Value) AsInt() (int64, bool) {
	switch v.Kind {
	case KindInt:
		return v.Int, true
	case KindFloat:
		return int64(v.Float), true
	default:
		return 0, false
	}
}

func (v Value) AsFloat() (float64, bool) {
	switch v.Kind {
	case KindInt:
		return float64(v.Int), true
	case KindFloat:
		return v.Float, true
	default:
		return 0, false
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'f', -1, 64)
	case KindBytes:
		return hex.EncodeToString(v.Bytes)
	default:
		return ""
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindInt:
		return []byte(strconv.FormatInt(v.Int, 10)), nil
	case KindFloat:
		return json.Marshal(v.Float)
	case KindBytes:
		return json.Marshal(hex.EncodeToString(v.Bytes))
	default:
		return []byte("null"), nil
	}
}
