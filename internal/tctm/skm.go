package tctm

import (
	"fmt"

	"example.com/stixgate/internal/bitfield"
)

// skmGroup names the sign, exponent and mantissa width parameters of one
// compression setting.
type skmGroup [3]string

var (
	skmEACC          = skmGroup{"NIXD0007", "NIXD0008", "NIXD0009"}
	skmETRIG         = skmGroup{"NIXD0010", "NIXD0011", "NIXD0012"}
	skmLC            = skmGroup{"NIXD0101", "NIXD0102", "NIXD0103"}
	skmTriggerSSID30 = skmGroup{"NIXD0104", "NIXD0105", "NIXD0106"}
	skmBKG           = skmGroup{"NIXD0108", "NIXD0109", "NIXD0110"}
	skmTRIG          = skmGroup{"NIXD0112", "NIXD0113", "NIXD0114"}
	skmSPEC          = skmGroup{"NIXD0115", "NIXD0116", "NIXD0117"}
	skmVAR           = skmGroup{"NIXD0118", "NIXD0119", "NIXD0120"}
	skmCALI          = skmGroup{"NIXD0126", "NIXD0127", "NIXD0128"}
)

type skmSchema struct {
	groups     []skmGroup
	compressed map[string]skmGroup
}

func nameRange(prefix string, from, to int, g skmGroup, into map[string]skmGroup) {
	for i := from; i <= to; i++ {
		into[fmt.Sprintf("%s%05d", prefix, i)] = g
	}
}

var skmSchemas = buildSchemas()

func buildSchemas() map[int]skmSchema {
	spec := map[string]skmGroup{"NIX00484": skmTRIG}
	nameRange("NIX", 452, 483, skmSPEC, spec)

	eacc110 := map[string]skmGroup{"NIX00065": skmEACC}
	nameRange("NIX", 408, 423, skmETRIG, eacc110)

	eacc111 := map[string]skmGroup{"NIX00260": skmEACC}
	nameRange("NIX", 242, 257, skmETRIG, eacc111)

	return map[int]skmSchema{
		54120: {groups: []skmGroup{skmSPEC, skmTRIG}, compressed: spec},
		54124: {groups: []skmGroup{skmCALI}, compressed: map[string]skmGroup{"NIX00158": skmCALI}},
		54118: {groups: []skmGroup{skmLC, skmTriggerSSID30}, compressed: map[string]skmGroup{
			"NIX00272": skmLC,
			"NIX00274": skmTriggerSSID30,
		}},
		54119: {groups: []skmGroup{skmBKG, skmTRIG}, compressed: map[string]skmGroup{
			"NIX00278": skmBKG,
			"NIX00274": skmTRIG,
		}},
		54121: {groups: []skmGroup{skmVAR}, compressed: map[string]skmGroup{"NIX00281": skmVAR}},
		54110: {groups: []skmGroup{skmEACC, skmETRIG}, compressed: eacc110},
		54111: {groups: []skmGroup{skmEACC, skmETRIG}, compressed: eacc111},
		54112: {groups: []skmGroup{skmEACC, skmETRIG}, compressed: eacc111},
	}
}

// Decompressor expands compressed counters of one packet. It captures the
// S, K and M parameters as they are decoded and applies them to the
// compressed parameters that follow. A nil Decompressor does nothing.
type Decompressor struct {
	schema skmSchema
	skm    map[string]int64
}

// NewDecompressor returns nil for packets without compressed parameters.
func NewDecompressor(spid int) *Decompressor {
	schema, ok := skmSchemas[spid]
	if !ok {
		return nil
	}
	return &Decompressor{schema: schema, skm: make(map[string]int64, 3*len(schema.groups))}
}

func (d *Decompressor) isSKM(name string) bool {
	for _, g := range d.schema.groups {
		if g[0] == name || g[1] == name || g[2] == name {
			return true
		}
	}
	return false
}

// Apply records S/K/M parameters and decompresses compressed ones. The
// second result is false when raw is left as is.
func (d *Decompressor) Apply(name string, raw bitfield.Value) (int64, bool) {
	if d == nil {
		return 0, false
	}
	v, ok := raw.AsInt()
	if !ok {
		return 0, false
	}
	if d.isSKM(name) {
		d.skm[name] = v
		return 0, false
	}
	g, ok := d.schema.compressed[name]
	if !ok {
		return 0, false
	}
	s, okS := d.skm[g[0]]
	k, okK := d.skm[g[1]]
	m, okM := d.skm[g[2]]
	if !okS || !okK || !okM {
		return 0, false
	}
	return Decompress(v, s, k, m)
}

// Decompress expands x compressed with sign bits s, exponent bits k and
// mantissa bits m. Values of the compressed interval map to its midpoint.
func Decompress(x, s, k, m int64) (int64, bool) {
	if s+k+m > 8 || (s != 0 && s != 1) || k < 0 || k > 7 || m < 0 || m > 7 || x < 0 {
		return 0, false
	}
	sign := int64(1)
	if s == 1 {
		if x&(1<<7) != 0 {
			sign = -1
		}
		x &= 1<<7 - 1
	}
	if x < 1<<(m+1) {
		return x, true
	}
	mantissa := x&(1<<m-1) | 1<<m
	exponent := x>>m - 1
	if exponent > 62-m {
		return 0, false
	}
	low := mantissa << exponent
	high := low | (1<<exponent - 1)
	return sign * ((low + high) >> 1), true
}
