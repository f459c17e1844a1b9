package idb

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"example.com/stixgate/internal/bitfield"
)

// Store is an in-memory instrument database. It is immutable once built and
// safe for concurrent readers.
type Store struct {
	version     string
	packetTypes map[packetKey]PacketType
	anySSID     map[serviceKey]PacketType
	ssidFields  map[serviceKey]SSIDField
	fixed       map[int][]Descriptor
	variable    map[int][]Descriptor
	tcs         map[tcKey]Telecommand
	tcByService map[serviceKey]Telecommand
	curves      map[string][]CurvePoint
	polys       map[string][]float64
	textual     map[textKey]string
	tcTextual   map[textKey]string
}

type serviceKey struct {
	service int
	subtype int
}

type packetKey struct {
	service int
	subtype int
	ssid    int
}

type tcKey struct {
	service int
	subtype int
	extra   int
}

type textKey struct {
	ref string
	raw int64
}

// File is the on-disk layout of an instrument database export. YAML and JSON
// encodings are both accepted.
type File struct {
	Version         string                     `yaml:"version" json:"version"`
	PacketTypes     []FilePacketType           `yaml:"packetTypes" json:"packetTypes"`
	SSIDFields      []FileSSIDField            `yaml:"ssidFields" json:"ssidFields"`
	FixedPackets    map[string][]FileParameter `yaml:"fixedPackets" json:"fixedPackets"`
	VariablePackets map[string][]FileParameter `yaml:"variablePackets" json:"variablePackets"`
	Telecommands    []FileTelecommand          `yaml:"telecommands" json:"telecommands"`
	Calibrations    FileCalibrations           `yaml:"calibrations" json:"calibrations"`
}

type FilePacketType struct {
	Service     int    `yaml:"service" json:"service"`
	Subtype     int    `yaml:"subtype" json:"subtype"`
	SSID        *int   `yaml:"ssid,omitempty" json:"ssid,omitempty"`
	SPID        int    `yaml:"spid" json:"spid"`
	Description string `yaml:"description" json:"description"`
	TPSD        *int   `yaml:"tpsd,omitempty" json:"tpsd,omitempty"`
}

type FileSSIDField struct {
	Service int `yaml:"service" json:"service"`
	Subtype int `yaml:"subtype" json:"subtype"`
	Offset  int `yaml:"offset" json:"offset"`
	Width   int `yaml:"width" json:"width"`
}

type FileParameter struct {
	Name            string `yaml:"name" json:"name"`
	Description     string `yaml:"description,omitempty" json:"description,omitempty"`
	Offset          int    `yaml:"offset,omitempty" json:"offset,omitempty"`
	Bit             int    `yaml:"bit,omitempty" json:"bit,omitempty"`
	Width           int    `yaml:"width" json:"width"`
	Type            string `yaml:"type,omitempty" json:"type,omitempty"`
	PTC             int    `yaml:"ptc,omitempty" json:"ptc,omitempty"`
	PFC             int    `yaml:"pfc,omitempty" json:"pfc,omitempty"`
	GroupSize       int    `yaml:"groupSize,omitempty" json:"groupSize,omitempty"`
	Calibration     string `yaml:"calibration,omitempty" json:"calibration,omitempty"`
	CalibrationKind string `yaml:"calibrationKind,omitempty" json:"calibrationKind,omitempty"`
	// ElementType "A" marks a fixed area whose name is its description.
	ElementType string `yaml:"elementType,omitempty" json:"elementType,omitempty"`
}

type FileTelecommand struct {
	Name         string          `yaml:"name" json:"name"`
	Description  string          `yaml:"description" json:"description"`
	Description2 string          `yaml:"description2,omitempty" json:"description2,omitempty"`
	Service      int             `yaml:"service" json:"service"`
	Subtype      int             `yaml:"subtype" json:"subtype"`
	ExtraSubtype *int            `yaml:"extraSubtype,omitempty" json:"extraSubtype,omitempty"`
	Variable     bool            `yaml:"variable,omitempty" json:"variable,omitempty"`
	Parameters   []FileParameter `yaml:"parameters" json:"parameters"`
}

type FileCalibrations struct {
	Curves      map[string][][2]float64    `yaml:"curves" json:"curves"`
	Polynomials map[string][]float64       `yaml:"polynomials" json:"polynomials"`
	Textual     map[string][]FileTextEntry `yaml:"textual" json:"textual"`
	TCTextual   map[string][]FileTextEntry `yaml:"tcTextual" json:"tcTextual"`
}

type FileTextEntry struct {
	Raw  int64  `yaml:"raw" json:"raw"`
	Text string `yaml:"text" json:"text"`
}

// FromFile validates an instrument database export and indexes it.
func FromFile(file File) (*Store, error) {
	s := &Store{
		version:     strings.TrimSpace(file.Version),
		packetTypes: make(map[packetKey]PacketType),
		anySSID:     make(map[serviceKey]PacketType),
		ssidFields:  make(map[serviceKey]SSIDField),
		fixed:       make(map[int][]Descriptor),
		variable:    make(map[int][]Descriptor),
		tcs:         make(map[tcKey]Telecommand),
		tcByService: make(map[serviceKey]Telecommand),
		curves:      make(map[string][]CurvePoint),
		polys:       make(map[string][]float64),
		textual:     make(map[textKey]string),
		tcTextual:   make(map[textKey]string),
	}
	for i, pt := range file.PacketTypes {
		if err := checkService(pt.Service, pt.Subtype); err != nil {
			return nil, fmt.Errorf("packetTypes[%d]: %w", i, err)
		}
		if pt.SPID <= 0 {
			return nil, fmt.Errorf("packetTypes[%d]: spid must be positive", i)
		}
		info := PacketType{SPID: pt.SPID, Description: strings.TrimSpace(pt.Description), TPSD: -1}
		if pt.TPSD != nil {
			info.TPSD = *pt.TPSD
		}
		ssid := NoSubtype
		if pt.SSID != nil {
			ssid = *pt.SSID
		}
		key := packetKey{service: pt.Service, subtype: pt.Subtype, ssid: ssid}
		if _, exists := s.packetTypes[key]; exists {
			return nil, fmt.Errorf("packetTypes[%d]: duplicate service/subtype/ssid", i)
		}
		s.packetTypes[key] = info
		sk := serviceKey{service: pt.Service, subtype: pt.Subtype}
		if _, exists := s.anySSID[sk]; !exists {
			s.anySSID[sk] = info
		}
	}
	for i, f := range file.SSIDFields {
		if err := checkService(f.Service, f.Subtype); err != nil {
			return nil, fmt.Errorf("ssidFields[%d]: %w", i, err)
		}
		if f.Width != 8 && f.Width != 16 {
			return nil, fmt.Errorf("ssidFields[%d]: width must be 8 or 16", i)
		}
		if f.Offset < 16 {
			return nil, fmt.Errorf("ssidFields[%d]: offset %d falls inside the packet header", i, f.Offset)
		}
		s.ssidFields[serviceKey{service: f.Service, subtype: f.Subtype}] = SSIDField{Offset: f.Offset, Width: f.Width}
	}
	for key, params := range file.FixedPackets {
		spid, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil {
			return nil, fmt.Errorf("fixedPackets[%s]: invalid spid", key)
		}
		descs, err := convertParameters(params)
		if err != nil {
			return nil, fmt.Errorf("fixedPackets[%d]: %w", spid, err)
		}
		sort.SliceStable(descs, func(a, b int) bool { return descs[a].ByteOffset < descs[b].ByteOffset })
		s.fixed[spid] = descs
	}
	for key, params := range file.VariablePackets {
		spid, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil {
			return nil, fmt.Errorf("variablePackets[%s]: invalid spid", key)
		}
		descs, err := convertParameters(params)
		if err != nil {
			return nil, fmt.Errorf("variablePackets[%d]: %w", spid, err)
		}
		s.variable[spid] = descs
	}
	tcs := make([]FileTelecommand, len(file.Telecommands))
	copy(tcs, file.Telecommands)
	sort.SliceStable(tcs, func(a, b int) bool { return tcs[a].Name < tcs[b].Name })
	for i, tc := range tcs {
		if strings.TrimSpace(tc.Name) == "" {
			return nil, fmt.Errorf("telecommands[%d]: missing name", i)
		}
		if err := checkService(tc.Service, tc.Subtype); err != nil {
			return nil, fmt.Errorf("telecommand %s: %w", tc.Name, err)
		}
		descs, err := convertParameters(tc.Parameters)
		if err != nil {
			return nil, fmt.Errorf("telecommand %s: %w", tc.Name, err)
		}
		if !tc.Variable {
			sort.SliceStable(descs, func(a, b int) bool { return descs[a].BitOffset < descs[b].BitOffset })
		}
		cmd := Telecommand{
			Name:         strings.TrimSpace(tc.Name),
			Description:  strings.TrimSpace(tc.Description),
			Description2: strings.TrimSpace(tc.Description2),
			Variable:     tc.Variable,
			Parameters:   descs,
		}
		extra := NoSubtype
		if tc.ExtraSubtype != nil {
			extra = *tc.ExtraSubtype
		}
		key := tcKey{service: tc.Service, subtype: tc.Subtype, extra: extra}
		if _, exists := s.tcs[key]; exists {
			return nil, fmt.Errorf("telecommand %s: duplicate service/subtype", tc.Name)
		}
		s.tcs[key] = cmd
		sk := serviceKey{service: tc.Service, subtype: tc.Subtype}
		if _, exists := s.tcByService[sk]; !exists {
			s.tcByService[sk] = cmd
		}
	}
	for ref, pts := range file.Calibrations.Curves {
		curve := make([]CurvePoint, 0, len(pts))
		for _, p := range pts {
			curve = append(curve, CurvePoint{X: p[0], Y: p[1]})
		}
		sort.SliceStable(curve, func(a, b int) bool { return curve[a].X < curve[b].X })
		s.curves[ref] = curve
	}
	for ref, coeffs := range file.Calibrations.Polynomials {
		if len(coeffs) == 0 || len(coeffs) > 5 {
			return nil, fmt.Errorf("polynomial %s: expected 1 to 5 coefficients, got %d", ref, len(coeffs))
		}
		padded := make([]float64, 5)
		copy(padded, coeffs)
		s.polys[ref] = padded
	}
	for ref, rows := range file.Calibrations.Textual {
		for _, row := range rows {
			key := textKey{ref: ref, raw: row.Raw}
			if _, exists := s.textual[key]; !exists {
				s.textual[key] = row.Text
			}
		}
	}
	for ref, rows := range file.Calibrations.TCTextual {
		for _, row := range rows {
			key := textKey{ref: ref, raw: row.Raw}
			if _, exists := s.tcTextual[key]; !exists {
				s.tcTextual[key] = row.Text
			}
		}
	}
	return s, nil
}

func checkService(service, subtype int) error {
	if service < 0 || service > 0xFF {
		return fmt.Errorf("service %d out of range", service)
	}
	if subtype < 0 || subtype > 0xFF {
		return fmt.Errorf("subtype %d out of range", subtype)
	}
	return nil
}

func convertParameters(params []FileParameter) ([]Descriptor, error) {
	out := make([]Descriptor, 0, len(params))
	for i, p := range params {
		d, err := convertParameter(p)
		if err != nil {
			return nil, fmt.Errorf("parameter[%d] %s: %w", i, p.Name, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func convertParameter(p FileParameter) (Descriptor, error) {
	name := strings.TrimSpace(p.Name)
	typ := bitfield.Unsigned
	switch {
	case strings.EqualFold(p.ElementType, "A"):
		name = strings.TrimSpace(p.Description)
		typ = bitfield.Octets
	case p.Type != "":
		t, err := bitfield.ParseType(p.Type)
		if err != nil {
			return Descriptor{}, err
		}
		typ = t
	case p.PTC > 0:
		typ = bitfield.TypeFromPTC(p.PTC, p.PFC)
	}
	if name == "" {
		return Descriptor{}, fmt.Errorf("missing name")
	}
	if p.Width <= 0 {
		return Descriptor{}, fmt.Errorf("width must be positive")
	}
	if p.GroupSize < 0 {
		return Descriptor{}, fmt.Errorf("negative group size")
	}
	cal := Classify(strings.TrimSpace(p.Calibration))
	if p.CalibrationKind != "" {
		kind, ok := ParseCalibrationKind(strings.ToLower(strings.TrimSpace(p.CalibrationKind)))
		if !ok {
			return Descriptor{}, fmt.Errorf("unknown calibration kind %q", p.CalibrationKind)
		}
		cal.Kind = kind
	}
	return Descriptor{
		Name:        name,
		Description: strings.TrimSpace(p.Description),
		ByteOffset:  p.Offset,
		BitOffset:   p.Bit,
		Width:       p.Width,
		Type:        typ,
		GroupSize:   p.GroupSize,
		Calibration: cal,
	}, nil
}

func (s *Store) Version() string {
	if s == nil {
		return ""
	}
	return s.version
}

func (s *Store) FixedLayout(spid int) ([]Descriptor, bool) {
	if s == nil {
		return nil, false
	}
	d, ok := s.fixed[spid]
	return d, ok
}

func (s *Store) VariableLayout(spid int) ([]Descriptor, bool) {
	if s == nil {
		return nil, false
	}
	d, ok := s.variable[spid]
	return d, ok
}

// Telecommand prefers an exact match on the extra subtype and falls back to
// the first command (by name) registered for the service pair.
func (s *Store) Telecommand(service, subtype, extraSubtype int) (Telecommand, bool) {
	if s == nil {
		return Telecommand{}, false
	}
	if tc, ok := s.tcs[tcKey{service: service, subtype: subtype, extra: extraSubtype}]; ok {
		return tc, true
	}
	tc, ok := s.tcByService[serviceKey{service: service, subtype: subtype}]
	return tc, ok
}

// PacketType resolves a telemetry packet. Without an SSID the first packet
// type registered for the service pair is returned.
func (s *Store) PacketType(service, subtype, ssid int) (PacketType, bool) {
	if s == nil {
		return PacketType{}, false
	}
	if ssid == NoSubtype {
		pt, ok := s.anySSID[serviceKey{service: service, subtype: subtype}]
		return pt, ok
	}
	pt, ok := s.packetTypes[packetKey{service: service, subtype: subtype, ssid: ssid}]
	return pt, ok
}

func (s *Store) SSIDField(service, subtype int) (SSIDField, bool) {
	if s == nil {
		return SSIDField{}, false
	}
	f, ok := s.ssidFields[serviceKey{service: service, subtype: subtype}]
	return f, ok
}

func (s *Store) CalibrationCurve(ref string) ([]CurvePoint, bool) {
	if s == nil {
		return nil, false
	}
	c, ok := s.curves[ref]
	return c, ok
}

func (s *Store) CalibrationPolynomial(ref string) ([]float64, bool) {
	if s == nil {
		return nil, false
	}
	p, ok := s.polys[ref]
	return p, ok
}

func (s *Store) TextualMapping(ref string, raw int64) (string, bool) {
	if s == nil {
		return "", false
	}
	t, ok := s.textual[textKey{ref: ref, raw: raw}]
	return t, ok
}

func (s *Store) TCTextualMapping(ref string, raw int64) (string, bool) {
	if s == nil {
		return "", false
	}
	t, ok := s.tcTextual[textKey{ref: ref, raw: raw}]
	return t, ok
}

// Stats summarises the store contents.
type Stats struct {
	Version         string `json:"version"`
	PacketTypes     int    `json:"packetTypes"`
	FixedPackets    int    `json:"fixedPackets"`
	VariablePackets int    `json:"variablePackets"`
	Telecommands    int    `json:"telecommands"`
	Curves          int    `json:"curves"`
	Polynomials     int    `json:"polynomials"`
}

func (s *Store) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		Version:         s.version,
		PacketTypes:     len(s.packetTypes),
		FixedPackets:    len(s.fixed),
		VariablePackets: len(s.variable),
		Telecommands:    len(s.tcs),
		Curves:          len(s.curves),
		Polynomials:     len(s.polys),
	}
}

func (s *Store) IsEmpty() bool {
	if s == nil {
		return true
	}
	return len(s.packetTypes) == 0 && len(s.tcs) == 0
}
