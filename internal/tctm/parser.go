// Package tctm decodes STIX telemetry and telecommand packet streams into
// parameter trees.
package tctm

import (
	"context"
	"fmt"
	"time"

	"example.com/stixgate/internal/calib"
	"example.com/stixgate/internal/common"
	"example.com/stixgate/internal/idb"
	"example.com/stixgate/internal/scet"
)

// DefaultCalibrationAllowList names the variable telemetry parameters that
// are calibrated while decoding. Onboard time parameters are always added.
var DefaultCalibrationAllowList = []string{"NIX00101", "NIX00102"}

type Options struct {
	Log *common.Logger
	// Clock converts onboard time. Nil leaves timestamps empty.
	Clock scet.TimeService
	// Engine and Trees may be shared between parsers. Nil values are
	// created per parser.
	Engine  *calib.Engine
	Trees   *TreeCache
	Sink    Sink
	Metrics *common.Metrics

	StoreBinary      bool
	Services         []int
	SPIDs            []int
	ExcludeService20 bool
	// LiveStream stamps packets with the wall clock and never keeps raw
	// bytes.
	LiveStream bool

	QuietRepeaters       []string
	CalibrationAllowList []string

	Now func() time.Time
}

// Frame is one chunk of input, optionally with the time it was received on
// ground.
type Frame struct {
	Data       []byte
	ReceiptUTC string
}

// Parser drives the decoding of packet streams. A Parser is not safe for
// concurrent use; create one per stream and share the Engine and TreeCache.
type Parser struct {
	lookup  idb.Lookup
	log     *common.Logger
	clock   scet.TimeService
	engine  *calib.Engine
	trees   *TreeCache
	sink    Sink
	metrics *common.Metrics
	now     func() time.Time

	storeBinary bool
	live        bool
	excludeS20  bool
	services    map[int]bool
	spids       map[int]bool
	quiet       map[string]struct{}
	allow       map[string]struct{}

	receipt    time.Time
	hasReceipt bool

	summary Summary
	alerts  []Header
}

func NewParser(lookup idb.Lookup, opts Options) *Parser {
	p := &Parser{
		lookup:      lookup,
		log:         opts.Log,
		clock:       opts.Clock,
		engine:      opts.Engine,
		trees:       opts.Trees,
		sink:        opts.Sink,
		metrics:     opts.Metrics,
		now:         opts.Now,
		storeBinary: opts.StoreBinary && !opts.LiveStream,
		live:        opts.LiveStream,
		excludeS20:  opts.ExcludeService20,
		services:    intSet(opts.Services),
		spids:       intSet(opts.SPIDs),
	}
	if p.engine == nil {
		p.engine = calib.NewEngine(lookup, opts.Clock, opts.Log)
	}
	if p.trees == nil {
		p.trees = NewTreeCache()
	}
	if p.now == nil {
		p.now = time.Now
	}
	if opts.QuietRepeaters == nil {
		p.quiet = DefaultQuietRepeaters
	} else {
		p.quiet = stringSet(opts.QuietRepeaters)
	}
	allow := opts.CalibrationAllowList
	if allow == nil {
		allow = DefaultCalibrationAllowList
	}
	p.allow = stringSet(allow)
	for name := range calib.SCETParameters {
		p.allow[name] = struct{}{}
	}
	p.Reset()
	return p
}

func intSet(values []int) map[int]bool {
	if len(values) == 0 {
		return nil
	}
	out := make(map[int]bool, len(values))
	for _, v := range values {
		out[v] = true
	}
	return out
}

func stringSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}

// Reset clears counters and alerts.
func (p *Parser) Reset() {
	p.summary = Summary{SPIDs: make(map[int]int)}
	p.alerts = nil
}

// Summary returns a copy of the counters accumulated since the last Reset.
func (p *Parser) Summary() Summary {
	return p.summary.clone()
}

// Alerts returns the headers of event and failure report packets.
func (p *Parser) Alerts() []Header {
	out := make([]Header, len(p.alerts))
	copy(out, p.alerts)
	return out
}

// Close hands the summary to the sink. The summary status is the first
// stream error seen since the last Reset.
func (p *Parser) Close() error {
	if p.sink == nil {
		return nil
	}
	return p.sink.Close(p.Summary())
}

// ParseFrames parses frames in order. A truncated frame does not stop the
// following ones; the first such status is kept in the summary.
func (p *Parser) ParseFrames(ctx context.Context, frames []Frame) (Summary, error) {
	var status error
	for _, f := range frames {
		if err := ctx.Err(); err != nil {
			status = err
			break
		}
		p.setReceipt(f.ReceiptUTC)
		s, err := p.parse(ctx, f.Data)
		if err != nil {
			p.setReceipt("")
			return s, err
		}
		if status == nil {
			status = s.Status
		}
	}
	p.setReceipt("")
	p.summary.Status = status
	return p.Summary(), nil
}

// Parse decodes every packet in buf and forwards it to the sink. Packet
// level problems are logged and counted; the returned error is reserved for
// sink failures.
func (p *Parser) Parse(ctx context.Context, buf []byte) (Summary, error) {
	s, err := p.parse(ctx, buf)
	if p.summary.Status == nil {
		p.summary.Status = s.Status
	}
	return s, err
}

func (p *Parser) setReceipt(utc string) {
	p.receipt, p.hasReceipt = time.Time{}, false
	if utc == "" {
		return
	}
	t, err := scet.ParseUTC(utc)
	if err != nil {
		p.log.Warnf("failed to parse timestamp %q: %v", utc, err)
		return
	}
	p.receipt, p.hasReceipt = t, true
}

func (p *Parser) parse(ctx context.Context, buf []byte) (Summary, error) {
	n := len(buf)
	p.summary.TotalLength += n
	var status error
	i := 0
loop:
	for i < n {
		if err := ctx.Err(); err != nil {
			status = err
			break
		}
		var pkt *Packet
		switch b := buf[i]; {
		case IsTMSync(b):
			if n-i < TMHeaderSize {
				p.summary.NumBadHeaders++
				p.metrics.IncBadHeader(int64(n - i))
				p.log.Warnf("bad header at %d: %v", i, fmt.Errorf("%w: %d bytes left", ErrPacketTooShort, n-i))
				i = n
				break loop
			}
			h, err := ParseTMHeader(buf[i : i+TMHeaderSize])
			if err != nil {
				p.summary.NumBadHeaders++
				p.metrics.IncBadHeader(TMHeaderSize)
				p.log.Warnf("bad header at %d: %v", i, err)
				i += TMHeaderSize
				continue
			}
			h.Offset = i
			p.summary.NumTM++
			dl := tmDataFieldLength(h.Length)
			if i+TMHeaderSize+dl > n {
				status = fmt.Errorf("%w: TM at %d needs %d bytes, %d left", ErrIncompletePacket, i, TMHeaderSize+dl, n-i)
				p.log.Warnf("incomplete packet, the last %d bytes were not parsed", n-i)
				break loop
			}
			start := i
			data := buf[i+TMHeaderSize : i+TMHeaderSize+dl]
			i += TMHeaderSize + dl
			p.metrics.AddPacket(false, int64(TMHeaderSize+dl))
			pkt = p.decodeTM(h, data)
			if pkt != nil && p.storeBinary {
				pkt.Raw = append(HexBytes(nil), buf[start:i]...)
			}
		case IsTCSync(b):
			if n-i < TCHeaderSize {
				status = fmt.Errorf("%w: TC header at %d, %d bytes left", ErrIncompletePacket, i, n-i)
				p.log.Warnf("incomplete packet, the last %d bytes were not parsed", n-i)
				break loop
			}
			h, tc, err := ParseTCHeader(buf[i:], p.lookup)
			if err != nil {
				p.summary.NumBadHeaders++
				p.metrics.IncBadHeader(TCHeaderSize)
				p.log.Warnf("invalid telecommand header at %d: %v", i, err)
				i += TCHeaderSize
				continue
			}
			h.Offset = i
			p.summary.NumTC++
			dl := tcDataFieldLength(h.Length)
			if i+TCHeaderSize+dl > n {
				status = fmt.Errorf("%w: TC at %d needs %d bytes, %d left", ErrIncompletePacket, i, TCHeaderSize+dl, n-i)
				p.log.Warnf("incomplete packet, the last %d bytes were not parsed", n-i)
				break loop
			}
			start := i
			data := buf[i+TCHeaderSize : i+TCHeaderSize+dl]
			i += TCHeaderSize + dl
			p.metrics.AddPacket(true, int64(TCHeaderSize+dl))
			pkt = p.decodeTC(h, tc, data)
			if pkt != nil && p.storeBinary {
				pkt.Raw = append(HexBytes(nil), buf[start:i]...)
			}
		default:
			next := nextSync(buf, i)
			p.summary.NumBadBytes += next - i
			p.metrics.AddBadBytes(int64(next - i))
			if next == n {
				p.log.Warnf("unrecognized byte 0x%02X at %d, no further header", b, i)
			} else {
				p.log.Warnf("unrecognized byte 0x%02X at %d, %d bytes ignored", b, i, next-i)
			}
			i = next
		}
		if pkt == nil {
			continue
		}
		p.attachTimestamps(&pkt.Header)
		if p.sink != nil {
			if err := p.sink.Write(pkt); err != nil {
				out := p.Summary()
				out.Status = status
				return out, fmt.Errorf("sink: %w", err)
			}
		}
	}
	out := p.Summary()
	out.Status = status
	return out, nil
}

func nextSync(buf []byte, i int) int {
	for ; i < len(buf); i++ {
		if IsSync(buf[i]) {
			return i
		}
	}
	return len(buf)
}

func (p *Parser) decodeTM(h Header, data []byte) *Packet {
	info, err := ParseDataFieldHeader(&h, data, p.lookup)
	if err != nil {
		p.log.Warnf("TM at %d: %v", h.Offset, err)
		return nil
	}
	p.summary.SPIDs[info.SPID]++
	if p.services != nil && !p.services[h.ServiceType] {
		p.summary.NumFiltered++
		return nil
	}
	if p.spids != nil && !p.spids[info.SPID] {
		p.summary.NumFiltered++
		return nil
	}
	opts := FieldOptions{
		Engine:       p.engine,
		Direction:    calib.TM,
		Decompressor: NewDecompressor(info.SPID),
		Log:          p.log,
		Context:      fmt.Sprintf("SPID %d", info.SPID),
	}
	var params []Parameter
	if info.IsFixed() {
		layout, ok := p.lookup.FixedLayout(info.SPID)
		if !ok {
			p.log.Warnf("%s: no fixed layout in idb", opts.Context)
		}
		if info.SPID == ContextSPID {
			params, err = DecodeContext(layout, data, opts)
		} else {
			params, err = DecodeFixed(layout, data, TMHeaderSize, opts)
		}
		if err != nil {
			p.log.Warnf("%v", err)
		}
	} else {
		opts.AllowList = p.allow
		tree, ok := p.trees.Variable(info.SPID, p.lookup)
		if !ok {
			p.log.Warnf("%s: no variable layout in idb", opts.Context)
		}
		res := Walk(tree, data, WalkOptions{FieldOptions: opts, Mode: AlignedOverlay, Quiet: p.quiet})
		if res.Status != nil {
			p.log.Warnf("%s: %v", opts.Context, res.Status)
		}
		if res.Consumed != len(data) {
			p.log.Warnf("%s: data field size %dB, actual read %dB", opts.Context, len(data), res.Consumed)
		}
		params = res.Parameters
	}
	if h.ServiceType == 5 || (h.ServiceType == 1 && (h.Subtype == 2 || h.Subtype == 8)) {
		p.alerts = append(p.alerts, h)
	}
	p.summary.NumTMParsed++
	return &Packet{Header: h, Parameters: params}
}

func (p *Parser) decodeTC(h Header, tc idb.Telecommand, data []byte) *Packet {
	if p.services != nil && !p.services[h.ServiceType] {
		p.summary.NumFiltered++
		return nil
	}
	opts := FieldOptions{
		Engine:    p.engine,
		Direction: calib.TC,
		Log:       p.log,
		Context:   "TC " + tc.Name,
	}
	var params []Parameter
	var consumed int
	if tc.Variable {
		res := Walk(p.trees.Telecommand(tc), data, WalkOptions{FieldOptions: opts, Mode: Sequential, Quiet: p.quiet})
		if res.Status != nil {
			p.log.Warnf("%s: %v", opts.Context, res.Status)
		}
		params, consumed = res.Parameters, res.Consumed
	} else {
		var err error
		params, consumed, err = DecodeFixedTC(tc.Parameters, data, opts)
		if err != nil {
			p.log.Warnf("%v", err)
		}
	}
	if consumed != len(data)-crcSize {
		p.log.Warnf("%s: data field size %dB, actual read %dB", opts.Context, len(data), consumed)
	}
	if tc.Name == service20Command && len(params) > 0 {
		if p.excludeS20 {
			return nil
		}
		p.expandService20(params)
	}
	if h.ServiceType == 5 && h.Subtype > 1 {
		p.alerts = append(p.alerts, h)
	}
	p.summary.NumTCParsed++
	return &Packet{Header: h, Parameters: params}
}

func (p *Parser) attachTimestamps(h *Header) {
	h.UTC = ""
	h.UnixTime = 0
	if p.live {
		now := p.now().UTC()
		h.UnixTime = scet.UnixSeconds(now)
		h.UTC = now.Format(scet.UTCLayout)
		return
	}
	if p.hasReceipt {
		h.UTC = p.receipt.Format(scet.UTCLayout)
		h.UnixTime = scet.UnixSeconds(p.receipt)
	}
	if h.IsTelecommand() || p.clock == nil {
		return
	}
	if utc, ok := p.clock.OnboardToUTC(h.CoarseTime, h.FineTime); ok {
		h.OBTUTC = utc
	}
	if p.hasReceipt {
		return
	}
	if unix, ok := p.clock.OnboardToUnix(h.CoarseTime, h.FineTime); ok {
		h.UnixTime = unix
		h.UTC = scet.UnixToUTC(unix)
	}
}
