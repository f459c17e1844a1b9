package tctm

import (
	"errors"
	"fmt"

	"example.com/stixgate/internal/bitfield"
	"example.com/stixgate/internal/idb"
)

// ContextSPID is the flight software context dump. Its fields are packed back
// to back, so the IDB layout lists them in order and offsets are ignored.
const ContextSPID = 54331

// DecodeContext reads a context dump. Fields are read one after another
// starting at the first bit of data. A descriptor with a group size heads a
// register block: the following GroupSize descriptors are the registers,
// read from the block's start and named by their description. Registers
// that do not fit are left out, the block's raw value is the number kept and
// the block occupies its own width. Other fields that do not fit are kept
// with an absent raw value and the first such error is returned.
func DecodeContext(layout []idb.Descriptor, data []byte, opts FieldOptions) ([]Parameter, error) {
	params := make([]Parameter, 0, len(layout))
	var firstErr error
	bit := 0
	for i := 0; i < len(layout); i++ {
		d := layout[i]
		if d.IsGroup() {
			end := min(i+1+d.GroupSize, len(layout))
			regs := registers(layout[i+1:end], data, bit, opts)
			params = append(params, Parameter{Name: d.Name, Raw: bitfield.IntValue(int64(len(regs))), Children: regs})
			bit += d.Width
			i = end - 1
			continue
		}
		raw, _, err := bitfield.Decode(data, bit/8, bit%8, d.Width, d.Type)
		bit += d.Width
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: parameter %s: %w", opts.Context, d.Name, err)
			}
			if errors.Is(err, bitfield.ErrTruncatedField) {
				opts.Log.Errorf("%s: parameter %s length mismatch at bit %d", opts.Context, d.Name, bit-d.Width)
			}
			params = append(params, Parameter{Name: d.Name})
			continue
		}
		params = append(params, opts.finish(d, raw))
	}
	return params, firstErr
}

func registers(layout []idb.Descriptor, data []byte, bit int, opts FieldOptions) []Parameter {
	var out []Parameter
	for _, r := range layout {
		raw, _, err := bitfield.Decode(data, bit/8, bit%8, r.Width, r.Type)
		bit += r.Width
		if err != nil {
			continue
		}
		if r.Description != "" {
			r.Name = r.Description
		}
		out = append(out, opts.finish(r, raw))
	}
	return out
}
