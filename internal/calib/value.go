package calib

import (
	"encoding/json"
	"strconv"
)

// Kind tells which member of a Value is set.
type Kind uint8

const (
	None Kind = iota
	Number
	Text
)

// Value is an engineering value: absent, numeric or textual.
type Value struct {
	Kind   Kind
	Number float64
	Text   string
}

func NumberValue(f float64) Value { return Value{Kind: Number, Number: f} }
func TextValue(s string) Value    { return Value{Kind: Text, Text: s} }

func (v Value) IsNone() bool { return v.Kind == None }

func (v Value) String() string {
	switch v.Kind {
	case Number:
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	case Text:
		return v.Text
	default:
		return ""
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case Number:
		return json.Marshal(v.Number)
	case Text:
		return json.Marshal(v.Text)
	default:
		return []byte("null"), nil
	}
}
