package tctm

import (
	"errors"
	"fmt"

	"example.com/stixgate/internal/bitfield"
	"example.com/stixgate/internal/calib"
	"example.com/stixgate/internal/common"
	"example.com/stixgate/internal/idb"
)

// CursorMode selects how field offsets are interpreted during a walk.
type CursorMode uint8

const (
	// AlignedOverlay is used for variable telemetry: byte aligned fields
	// advance the byte cursor, narrower fields overlay the last aligned field
	// at bit offsets relative to the previous narrow field.
	AlignedOverlay CursorMode = iota
	// Sequential is used for variable telecommands: every field advances a
	// single bit cursor by its width.
	Sequential
)

// DefaultQuietRepeaters may legitimately repeat zero times.
var DefaultQuietRepeaters = map[string]struct{}{"NIXD0159": {}}

// FieldOptions control calibration of decoded fields.
type FieldOptions struct {
	Engine    *calib.Engine
	Direction calib.Direction
	// AllowList restricts calibration to the listed names. Nil calibrates
	// every field.
	AllowList    map[string]struct{}
	Decompressor *Decompressor
	Log          *common.Logger
	// Context prefixes log messages, e.g. "SPID 54118".
	Context string
}

type WalkOptions struct {
	FieldOptions
	Mode  CursorMode
	Quiet map[string]struct{}
}

// WalkResult is the outcome of one walk. Status is nil, or the error that
// stopped the walk early; Parameters holds whatever was decoded before.
type WalkResult struct {
	Parameters []Parameter
	Consumed   int
	Status     error
	Issues     []error
}

type walker struct {
	buf  []byte
	opts WalkOptions

	curOffset     int
	lastOffset    int
	curBit        int
	lastNumBits   int
	lastDataWidth int
	bitCursor     int

	status error
	issues []error
}

// Walk decodes buf against a template. The walk state lives only in this
// call, so the same tree may be walked from several goroutines.
func Walk(tree *Tree, buf []byte, opts WalkOptions) WalkResult {
	if tree == nil || tree.Root == nil {
		return WalkResult{}
	}
	if tree.MinLength > len(buf) {
		return WalkResult{Status: fmt.Errorf("%w: need %d bytes, have %d", ErrVariablePacketLengthMismatch, tree.MinLength, len(buf))}
	}
	if opts.Quiet == nil {
		opts.Quiet = DefaultQuietRepeaters
	}
	w := &walker{buf: buf, opts: opts}
	var out []Parameter
	w.walk(tree.Root, 1, &out)
	res := WalkResult{Parameters: out, Status: w.status, Issues: w.issues}
	if opts.Mode == Sequential {
		res.Consumed = w.bitCursor / 8
	} else {
		res.Consumed = w.curOffset
	}
	return res
}

func (w *walker) exhausted() bool {
	if w.opts.Mode == Sequential {
		return w.bitCursor > 8*len(w.buf)
	}
	return w.curOffset > len(w.buf)
}

func (w *walker) walk(node *Node, count int64, out *[]Parameter) {
	for i := int64(0); i < count; i++ {
		for _, child := range node.Children {
			if w.status != nil || w.exhausted() {
				return
			}
			p, err := w.decode(child.Desc)
			if err != nil {
				*out = append(*out, Parameter{Name: child.Desc.Name})
				w.status = err
				return
			}
			if len(child.Children) > 0 {
				n, ok := p.Raw.AsInt()
				if ok && n > 0 {
					// No real group repeats more often than the packet has bits.
					if limit := int64(8*len(w.buf)) + 1; n > limit {
						n = limit
					}
					w.walk(child, n, &p.Children)
				} else {
					w.invalidRepeat(child.Desc.Name, p.Raw)
				}
			}
			*out = append(*out, p)
		}
	}
}

func (w *walker) invalidRepeat(name string, raw bitfield.Value) {
	if w.opts.Mode == AlignedOverlay {
		if _, quiet := w.opts.Quiet[name]; quiet {
			return
		}
	}
	err := fmt.Errorf("%w: %s = %s", ErrInvalidRepeatCount, name, raw)
	w.issues = append(w.issues, err)
	w.opts.Log.Warnf("%s: repeater %s has an invalid value: %s", w.opts.Context, name, raw)
}

func (w *walker) decode(d idb.Descriptor) (Parameter, error) {
	var byteOff, bitOff int
	if w.opts.Mode == Sequential {
		byteOff, bitOff = w.bitCursor/8, w.bitCursor%8
		w.bitCursor += d.Width
	} else {
		if d.Width%8 != 0 {
			if d.BitOffset < 0 {
				w.curBit = w.lastDataWidth + d.BitOffset
			} else {
				w.curBit += w.lastNumBits + d.BitOffset
			}
			w.lastNumBits = d.Width
		} else {
			w.curBit = 0
			w.lastOffset = w.curOffset
			w.curOffset += d.Width / 8
			w.lastNumBits = 0
			w.lastDataWidth = d.Width
		}
		byteOff, bitOff = w.lastOffset, w.curBit
	}
	raw, _, err := bitfield.Decode(w.buf, byteOff, bitOff, d.Width, d.Type)
	if err != nil {
		return Parameter{}, fmt.Errorf("%s: parameter %s at byte %d bit %d: %w", w.opts.Context, d.Name, byteOff, bitOff, err)
	}
	return w.opts.finish(d, raw), nil
}

// finish attaches the engineering value to a decoded field.
func (o FieldOptions) finish(d idb.Descriptor, raw bitfield.Value) Parameter {
	p := Parameter{Name: d.Name, Raw: raw}
	if o.Engine != nil && o.calibrates(d.Name) {
		p.Eng = o.Engine.Calibrate(d.Name, d.Calibration, raw, o.Direction)
	}
	if v, ok := o.Decompressor.Apply(d.Name, raw); ok {
		p.Eng = calib.NumberValue(float64(v))
	}
	return p
}

func (o FieldOptions) calibrates(name string) bool {
	if o.AllowList == nil {
		return true
	}
	_, ok := o.AllowList[name]
	return ok
}

// DecodeFixed decodes a flat layout with absolute offsets. Offsets in the
// layout count from the start of the packet; data starts after the header.
// A field that does not fit is kept with an absent raw value and the first
// such error is returned.
func DecodeFixed(layout []idb.Descriptor, data []byte, headerSize int, opts FieldOptions) ([]Parameter, error) {
	params := make([]Parameter, 0, len(layout))
	var firstErr error
	for _, d := range layout {
		offset := d.ByteOffset - headerSize
		raw, _, err := bitfield.Decode(data, offset, d.BitOffset, d.Width, d.Type)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: parameter %s: %w", opts.Context, d.Name, err)
			}
			if errors.Is(err, bitfield.ErrTruncatedField) {
				opts.Log.Errorf("%s: parameter %s length mismatch at byte %d", opts.Context, d.Name, offset)
			}
			params = append(params, Parameter{Name: d.Name})
			continue
		}
		params = append(params, opts.finish(d, raw))
	}
	return params, firstErr
}

// DecodeFixedTC decodes a fixed telecommand whose bit positions are absolute
// within the data field. It returns the number of bytes covered by the
// layout.
func DecodeFixedTC(layout []idb.Descriptor, data []byte, opts FieldOptions) ([]Parameter, int, error) {
	params := make([]Parameter, 0, len(layout))
	var firstErr error
	end := 0
	for _, d := range layout {
		end = d.BitOffset + d.Width
		raw, _, err := bitfield.Decode(data, d.BitOffset/8, d.BitOffset%8, d.Width, d.Type)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: parameter %s: %w", opts.Context, d.Name, err)
			}
			params = append(params, Parameter{Name: d.Name})
			continue
		}
		params = append(params, opts.finish(d, raw))
	}
	return params, end / 8, firstErr
}
