package tctm

import (
	"example.com/stixgate/internal/bitfield"
	"example.com/stixgate/internal/calib"
)

// Service 20 platform telecommands forward an instrument housekeeping block
// whose layout is not described per parameter. It is decoded with the fixed
// layout of the HK packet it mirrors.
const (
	service20Command    = "ZIX20128"
	service20ParamIndex = 9
	service20SPID       = 54103
	service20Prefix     = 0x04
)

func (p *Parser) expandService20(params []Parameter) {
	if len(params) <= service20ParamIndex {
		p.log.Warnf("failed to extract instrument data from a S20 packet: %d parameters", len(params))
		return
	}
	target := &params[service20ParamIndex]
	if target.Raw.Kind != bitfield.KindBytes {
		p.log.Warnf("S20 parameter %s is not a byte block", target.Name)
		return
	}
	layout, ok := p.lookup.FixedLayout(service20SPID)
	if !ok {
		p.log.Warnf("no fixed layout for SPID %d", service20SPID)
		return
	}
	data := make([]byte, 0, len(target.Raw.Bytes)+1)
	data = append(data, service20Prefix)
	data = append(data, target.Raw.Bytes...)
	children, err := DecodeFixed(layout, data, TMHeaderSize, FieldOptions{
		Engine:    p.engine,
		Direction: calib.TM,
		Log:       p.log,
		Context:   "S20 block",
	})
	if err != nil {
		p.log.Warnf("S20 block: %v", err)
	}
	target.Children = children
}
