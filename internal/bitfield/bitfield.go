// Package bitfield extracts big-endian integer, onboard-time and octet fields
// from packet buffers at arbitrary byte and bit offsets.
package bitfield

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	ErrTruncatedField = errors.New("not enough bytes for field")
	ErrInvalidField   = errors.New("invalid field geometry")
)

// Type is the decoding rule applied to the extracted bytes.
type Type uint8

const (
	Unsigned Type = iota
	Signed
	Time
	Context
	Octets
)

func (t Type) String() string {
	switch t {
	case Unsigned:
		return "U"
	case Signed:
		return "I"
	case Time:
		return "T"
	case Context:
		return "CONTEXT"
	case Octets:
		return "O"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// ParseType maps the short IDB type codes onto a Type.
func ParseType(code string) (Type, error) {
	switch code {
	case "", "U", "u":
		return Unsigned, nil
	case "I", "i", "S", "s":
		return Signed, nil
	case "T", "t":
		return Time, nil
	case "CONTEXT", "context", "C":
		return Context, nil
	case "O", "o", "A":
		return Octets, nil
	default:
		return Unsigned, fmt.Errorf("unknown parameter type %q", code)
	}
}

// TypeFromPTC maps a SCOS-2000 parameter type code and format code pair to a
// decoding rule.
func TypeFromPTC(ptc, pfc int) Type {
	switch ptc {
	case 4:
		return Signed
	case 7, 8:
		return Octets
	case 9:
		if pfc >= 15 {
			return Time
		}
		return Unsigned
	default:
		return Unsigned
	}
}

const (
	timeFieldBits = 48
	fineTicks     = 65536.0
)

type reader func([]byte) uint64

func be8(b []byte) uint64  { return uint64(b[0]) }
func be16(b []byte) uint64 { return uint64(binary.BigEndian.Uint16(b)) }
func be24(b []byte) uint64 { return uint64(b[0])<<16 | uint64(b[1])<<8 | uint64(b[2]) }
func be32(b []byte) uint64 { return uint64(binary.BigEndian.Uint32(b)) }
func be40(b []byte) uint64 { return uint64(b[0])<<32 | be32(b[1:]) }
func be48(b []byte) uint64 { return be32(b[0:4])<<16 | be16(b[4:6]) }

// Readers indexed by byte count. Index 0 is unused. Signed fields use the
// unsigned table; the sign is applied after slicing.
var (
	unsignedReaders = [...]reader{nil, be8, be16, be24, be32, be40, be48}
	contextReaders  = [...]reader{nil, be8, be16, be24, be32}
)

// SliceBits returns numBits bits of data starting offset bits above the least
// significant bit.
func SliceBits(data uint64, offset, numBits int) uint64 {
	if numBits <= 0 {
		return 0
	}
	v := data >> uint(offset)
	if numBits >= 64 {
		return v
	}
	return v & (uint64(1)<<uint(numBits) - 1)
}

// NeededBytes is the number of bytes a field of width bits spans when it
// starts bitOffset bits into its first byte.
func NeededBytes(bitOffset, width int) int {
	return (width + bitOffset + 7) / 8
}

// Decode reads one field. Bits are numbered MSB first inside the byte group
// that starts at byteOffset. The returned count is the number of bytes the
// field spans.
func Decode(buf []byte, byteOffset, bitOffset, width int, typ Type) (Value, int, error) {
	if width <= 0 || byteOffset < 0 || bitOffset < 0 {
		return Value{}, 0, fmt.Errorf("%w: offset %d bit %d width %d", ErrInvalidField, byteOffset, bitOffset, width)
	}
	needed := NeededBytes(bitOffset, width)
	if byteOffset+needed > len(buf) {
		return Value{}, 0, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncatedField, needed, byteOffset, len(buf)-min(byteOffset, len(buf)))
	}
	raw := buf[byteOffset : byteOffset+needed]
	start := needed*8 - (bitOffset + width)

	switch typ {
	case Time:
		if width == timeFieldBits {
			v := be48(raw[:6])
			if needed > 6 {
				v = v<<8 | uint64(raw[6])
			}
			v = SliceBits(v, start, width)
			return TimeValue(uint32(v>>16), uint16(v&0xFFFF)), needed, nil
		}
		return decodeWith(unsignedReaders[:], raw, start, width, false), needed, nil
	case Signed:
		return decodeWith(unsignedReaders[:], raw, start, width, true), needed, nil
	case Context:
		return decodeWith(contextReaders[:], raw, start, width, false), needed, nil
	case Octets:
		return BytesValue(raw), needed, nil
	default:
		return decodeWith(unsignedReaders[:], raw, start, width, false), needed, nil
	}
}

func decodeWith(table []reader, raw []byte, start, width int, signed bool) Value {
	n := len(raw)
	if n >= len(table) || table[n] == nil {
		return BytesValue(raw)
	}
	v := table[n](raw)
	if width != n*8 {
		v = SliceBits(v, start, width)
	}
	if signed {
		return IntValue(signExtend(v, width))
	}
	return IntValue(int64(v))
}

func signExtend(v uint64, width int) int64 {
	if width >= 64 {
		return int64(v)
	}
	shift := uint(64 - width)
	return int64(v<<shift) >> shift
}

// TimeValue combines onboard coarse and fine time into seconds, rounded to
// milliseconds.
func TimeValue(coarse uint32, fine uint16) Value {
	return FloatValue(round3(float64(coarse) + float64(fine)/fineTicks))
}

// SplitTime converts seconds back into coarse and fine counts.
func SplitTime(t float64) (uint32, uint16) {
	if t < 0 {
		return 0, 0
	}
	coarse := math.Floor(t)
	fine := math.Round((t - coarse) * fineTicks)
	if fine >= fineTicks {
		fine = fineTicks - 1
	}
	return uint32(coarse), uint16(fine)
}

func round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}
