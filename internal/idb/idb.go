// Package idb describes the instrument database lookups the packet parser
// depends on and provides a file-backed implementation.
package idb

import (
	"regexp"

	"example.com/stixgate/internal/bitfield"
)

// Lookup is the read-only view of the instrument database. Implementations
// must be safe for concurrent use. A false second return value means the key
// is unknown, which is an ordinary outcome callers branch on.
type Lookup interface {
	FixedLayout(spid int) ([]Descriptor, bool)
	VariableLayout(spid int) ([]Descriptor, bool)
	Telecommand(service, subtype, extraSubtype int) (Telecommand, bool)
	PacketType(service, subtype, ssid int) (PacketType, bool)
	SSIDField(service, subtype int) (SSIDField, bool)
	CalibrationCurve(ref string) ([]CurvePoint, bool)
	CalibrationPolynomial(ref string) ([]float64, bool)
	TextualMapping(ref string, raw int64) (string, bool)
	TCTextualMapping(ref string, raw int64) (string, bool)
	Version() string
}

// NoSubtype marks a telecommand lookup without the extra subtype byte and a
// packet type without an SSID.
const NoSubtype = -1

// Descriptor is one parameter layout entry.
//
// For fixed telemetry packets ByteOffset/BitOffset are absolute within the
// packet, header included. For variable telemetry packets BitOffset is the
// offset relative to the previous field and ByteOffset is unused. For
// telecommands BitOffset is the absolute bit position inside the data field.
type Descriptor struct {
	Name        string
	Description string
	ByteOffset  int
	BitOffset   int
	Width       int
	Type        bitfield.Type
	GroupSize   int
	Calibration CalibrationRef
}

// IsGroup reports whether the descriptor heads a repeat group.
func (d Descriptor) IsGroup() bool {
	return d.GroupSize > 0
}

// PacketType identifies a telemetry packet layout.
type PacketType struct {
	SPID        int
	Description string
	// TPSD is -1 for fixed length packets.
	TPSD int
}

// IsFixed reports whether packets of this type use a fixed layout.
func (p PacketType) IsFixed() bool {
	return p.TPSD == -1
}

// SSIDField locates the SSID inside the telemetry data field header.
// Offset counts bytes from the start of the packet.
type SSIDField struct {
	Offset int
	Width  int
}

// Telecommand describes one telecommand and its parameter layout.
type Telecommand struct {
	Name         string
	Description  string
	Description2 string
	Variable     bool
	Parameters   []Descriptor
}

// CurvePoint is one numerical calibration point.
type CurvePoint struct {
	X float64
	Y float64
}

// CalibrationKind is the classified flavour of a calibration reference.
type CalibrationKind uint8

const (
	CalNone CalibrationKind = iota
	CalTextual
	CalCurve
	CalPolynomial
	CalTimeCode
	CalUnsupported
)

func (k CalibrationKind) String() string {
	switch k {
	case CalNone:
		return "none"
	case CalTextual:
		return "textual"
	case CalCurve:
		return "curve"
	case CalPolynomial:
		return "polynomial"
	case CalTimeCode:
		return "time"
	default:
		return "unsupported"
	}
}

// CalibrationRef is a calibration reference classified once at load time.
type CalibrationRef struct {
	Name string
	Kind CalibrationKind
}

func (r CalibrationRef) IsZero() bool {
	return r.Name == "" && r.Kind == CalNone
}

var digitSplit = regexp.MustCompile(`\d`)

// Classify assigns a calibration kind from the reference name prefix.
func Classify(ref string) CalibrationRef {
	if ref == "" {
		return CalibrationRef{}
	}
	prefix := ref
	if loc := digitSplit.FindStringIndex(ref); loc != nil {
		prefix = ref[:loc[0]]
	}
	out := CalibrationRef{Name: ref, Kind: CalUnsupported}
	switch prefix {
	case "CIXTS", "CAAT", "CIXT":
		out.Kind = CalTextual
	case "CIXP":
		out.Kind = CalCurve
	case "CIX":
		out.Kind = CalPolynomial
	}
	return out
}

// ParseCalibrationKind converts an explicit kind name from an IDB file.
func ParseCalibrationKind(s string) (CalibrationKind, bool) {
	switch s {
	case "textual", "text":
		return CalTextual, true
	case "curve":
		return CalCurve, true
	case "polynomial", "poly":
		return CalPolynomial, true
	case "time":
		return CalTimeCode, true
	case "none":
		return CalNone, true
	case "unsupported":
		return CalUnsupported, true
	default:
		return CalNone, false
	}
}
