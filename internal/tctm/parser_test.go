package tctm

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"example.com/stixgate/internal/calib"
	"example.com/stixgate/internal/scet"
)

func newTestParser(t *testing.T, opts Options) (*Parser, *Buffer) {
	t.Helper()
	sink := NewBuffer()
	opts.Sink = sink
	if opts.Log == nil {
		opts.Log, _ = testLogger()
	}
	return NewParser(testStore(t), opts), sink
}

func TestParseMixedStream(t *testing.T) {
	p, sink := newTestParser(t, Options{})
	stream := concat(
		tmPacket(3, 25, 10, 0, hkData()),
		tmPacket(3, 25, 11, 0, hkData()),
		tmPacket(21, 6, 12, 0, lightCurveData()),
	)
	s, err := p.Parse(context.Background(), stream)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.NumTM != 3 || s.NumTMParsed != 3 || s.NumBadHeaders != 0 || s.NumBadBytes != 0 {
		t.Fatalf("summary = %+v", s)
	}
	if s.Status != nil {
		t.Fatalf("status = %v", s.Status)
	}
	if s.TotalLength != len(stream) {
		t.Fatalf("total length = %d, want %d", s.TotalLength, len(stream))
	}
	if s.SPIDs[54101] != 2 || s.SPIDs[54118] != 1 {
		t.Fatalf("spid histogram = %v", s.SPIDs)
	}
	pkts := sink.Packets()
	if len(pkts) != 3 {
		t.Fatalf("packets = %d, want 3", len(pkts))
	}
	hk := pkts[0]
	if hk.Header.SPID != 54101 || hk.Header.SSID != 1 || hk.Header.Offset != 0 {
		t.Fatalf("hk header = %+v", hk.Header)
	}
	if p, _ := Find(hk.Parameters, "NIX00020"); p.Eng.Number != 21 {
		t.Fatalf("NIX00020 eng = %v, want 21", p.Eng)
	}
	lc := pkts[2]
	group, ok := Find(lc.Parameters, "NIX00270")
	if !ok || len(group.Children) != 2 {
		t.Fatalf("light curve group = %+v", group)
	}
	if lc.Header.Offset != 2*len(tmPacket(3, 25, 0, 0, hkData())) {
		t.Fatalf("light curve offset = %d", lc.Header.Offset)
	}
}

func TestParseResynchronizes(t *testing.T) {
	p, sink := newTestParser(t, Options{})
	hk := tmPacket(3, 25, 10, 0, hkData())
	stream := concat(hk, []byte{0xFF, 0x00, 0x11, 0x22, 0x33}, hk)
	s, err := p.Parse(context.Background(), stream)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.NumBadBytes != 5 || s.NumTMParsed != 2 {
		t.Fatalf("bad bytes = %d parsed = %d, want 5 and 2", s.NumBadBytes, s.NumTMParsed)
	}
	if len(sink.Packets()) != 2 {
		t.Fatalf("packets = %d, want 2", len(sink.Packets()))
	}
}

func TestParseTruncatedFinalPacket(t *testing.T) {
	p, sink := newTestParser(t, Options{})
	hk := tmPacket(3, 25, 10, 0, hkData())
	s, err := p.Parse(context.Background(), concat(hk, hk[:len(hk)-2]))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !errors.Is(s.Status, ErrIncompletePacket) {
		t.Fatalf("status = %v, want ErrIncompletePacket", s.Status)
	}
	if s.NumTM != 2 || s.NumTMParsed != 1 || len(sink.Packets()) != 1 {
		t.Fatalf("summary = %+v, packets %d", s, len(sink.Packets()))
	}
}

func TestParseBadHeaders(t *testing.T) {
	p, sink := newTestParser(t, Options{})
	bad := tmPacket(3, 25, 10, 0, hkData())
	bad[6] = 15
	hk := tmPacket(3, 25, 10, 0, hkData())
	s, err := p.Parse(context.Background(), concat(bad, hk, []byte{0x0D, 0x01, 0x02}))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.NumBadHeaders != 2 {
		t.Fatalf("bad headers = %d, want 2", s.NumBadHeaders)
	}
	if s.NumBadBytes != len(hkData()) {
		t.Fatalf("bad bytes = %d, want %d", s.NumBadBytes, len(hkData()))
	}
	if s.NumTM != 1 || len(sink.Packets()) != 1 || s.Status != nil {
		t.Fatalf("summary = %+v, packets %d", s, len(sink.Packets()))
	}
}

func TestParseContextDump(t *testing.T) {
	p, sink := newTestParser(t, Options{})
	s, err := p.Parse(context.Background(), concat(
		tmPacket(6, 6, 10, 0, contextData()),
		tmPacket(6, 6, 11, 0, contextData()[:4]),
	))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.NumTMParsed != 2 || s.SPIDs[ContextSPID] != 2 {
		t.Fatalf("summary = %+v", s)
	}
	pkts := sink.Packets()
	if len(pkts) != 2 {
		t.Fatalf("packets = %d, want 2", len(pkts))
	}
	want := map[string]int64{"NIX00200": 0xAB, "NIX00201": 0x5, "NIX00202": 0x123, "NIX00210": 2, "NIX00220": 0x0102}
	full := pkts[0].Parameters
	if len(full) != len(want) {
		t.Fatalf("parameters = %+v", full)
	}
	for _, param := range full {
		if param.Raw.Int != want[param.Name] {
			t.Fatalf("%s raw = %+v, want %#x", param.Name, param.Raw, want[param.Name])
		}
	}
	regs := full[3].Children
	if len(regs) != 2 || regs[0].Name != "THRESHOLD" || regs[0].Raw.Int != 7 || regs[1].Name != "GAIN" || regs[1].Raw.Int != 9 {
		t.Fatalf("registers = %+v", regs)
	}

	short := pkts[1].Parameters
	if len(short) != 5 {
		t.Fatalf("truncated parameters = %+v", short)
	}
	if block := short[3]; block.Raw.Int != 1 || len(block.Children) != 1 || block.Children[0].Name != "THRESHOLD" {
		t.Fatalf("truncated register block = %+v", block)
	}
	if last := short[4]; last.Name != "NIX00220" || !last.Raw.IsNone() {
		t.Fatalf("truncated field = %+v, want NIX00220 with no raw value", last)
	}
}

func TestParseZeroLengthField(t *testing.T) {
	p, sink := newTestParser(t, Options{})
	empty := tmPacket(3, 25, 10, 0, nil)
	binary.BigEndian.PutUint16(empty[4:6], 0)
	s, err := p.Parse(context.Background(), concat(empty, tmPacket(3, 25, 10, 0, hkData())))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.NumTM != 2 || s.NumTMParsed != 1 || len(sink.Packets()) != 1 {
		t.Fatalf("summary = %+v, packets %d", s, len(sink.Packets()))
	}
}

func TestParseFilters(t *testing.T) {
	stream := concat(
		tmPacket(3, 25, 10, 0, hkData()),
		tmPacket(3, 25, 11, 0, hkData()),
		tmPacket(21, 6, 12, 0, lightCurveData()),
		tcPacket(17, 1, nil),
	)
	tests := []struct {
		name         string
		opts         Options
		wantFiltered int
		wantPackets  int
	}{
		{name: "services", opts: Options{Services: []int{21}}, wantFiltered: 3, wantPackets: 1},
		{name: "spids", opts: Options{SPIDs: []int{54101}}, wantFiltered: 1, wantPackets: 3},
		{name: "none", opts: Options{}, wantFiltered: 0, wantPackets: 4},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, sink := newTestParser(t, tc.opts)
			s, err := p.Parse(context.Background(), stream)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if s.NumFiltered != tc.wantFiltered || len(sink.Packets()) != tc.wantPackets {
				t.Fatalf("filtered = %d packets = %d, want %d and %d", s.NumFiltered, len(sink.Packets()), tc.wantFiltered, tc.wantPackets)
			}
			if s.SPIDs[54101]+s.SPIDs[54118] != 3 {
				t.Fatalf("spid histogram = %v, want every telemetry packet counted", s.SPIDs)
			}
		})
	}
}

func TestParseTelecommands(t *testing.T) {
	p, sink := newTestParser(t, Options{})
	s, err := p.Parse(context.Background(), concat(tcPacket(17, 1, nil), tcPacket(237, 7, []byte{4, 0xFE})))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.NumTC != 2 || s.NumTCParsed != 2 {
		t.Fatalf("summary = %+v", s)
	}
	pkts := sink.Packets()
	if pkts[0].Header.Name != "ZIX17001" || pkts[1].Header.Name != "ZIX39004" {
		t.Fatalf("names = %q, %q", pkts[0].Header.Name, pkts[1].Header.Name)
	}
	if got := rawInt(t, pkts[1].Parameters, "PIX00010"); got != -2 {
		t.Fatalf("PIX00010 = %d, want -2", got)
	}
}

func service20Data() []byte {
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}
	return append(data, 0x12, 0x34, 0, 0, 0, 0, 0, 0)
}

func TestParseService20(t *testing.T) {
	p, sink := newTestParser(t, Options{})
	s, err := p.Parse(context.Background(), tcPacket(20, 128, service20Data()))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.NumTCParsed != 1 {
		t.Fatalf("summary = %+v", s)
	}
	area, ok := Find(sink.Packets()[0].Parameters, "PIX00080")
	if !ok {
		t.Fatalf("PIX00080 not found")
	}
	if got := rawInt(t, area.Children, "NIXD0030"); got != service20Prefix {
		t.Fatalf("NIXD0030 = %d, want %d", got, service20Prefix)
	}
	if got := rawInt(t, area.Children, "NIX00040"); got != 0x1234 {
		t.Fatalf("NIX00040 = %#x, want 0x1234", got)
	}

	excl, sink := newTestParser(t, Options{ExcludeService20: true})
	s, err = excl.Parse(context.Background(), tcPacket(20, 128, service20Data()))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.NumTC != 1 || s.NumTCParsed != 0 || len(sink.Packets()) != 0 {
		t.Fatalf("excluded summary = %+v, packets %d", s, len(sink.Packets()))
	}
}

func TestParseAlerts(t *testing.T) {
	p, _ := newTestParser(t, Options{})
	_, err := p.Parse(context.Background(), concat(
		tmPacket(5, 1, 10, 0, []byte{0}),
		tmPacket(3, 25, 10, 0, hkData()),
		tcPacket(5, 2, nil),
	))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	alerts := p.Alerts()
	if len(alerts) != 2 {
		t.Fatalf("alerts = %d, want 2", len(alerts))
	}
	if alerts[0].TMTC != "TM" || alerts[1].TMTC != "TC" {
		t.Fatalf("alerts = %s, %s", alerts[0].TMTC, alerts[1].TMTC)
	}
	p.Reset()
	if len(p.Alerts()) != 0 || p.Summary().NumTM != 0 {
		t.Fatalf("Reset left state behind")
	}
}

func TestParseTimestamps(t *testing.T) {
	hk := tmPacket(3, 25, 100, 0, hkData())
	tc := tcPacket(17, 1, nil)
	const obtUTC = "2000-01-01T00:01:40.000"

	t.Run("onboard clock", func(t *testing.T) {
		p, sink := newTestParser(t, Options{Clock: scet.DefaultEpoch})
		if _, err := p.Parse(context.Background(), concat(hk, tc)); err != nil {
			t.Fatalf("Parse: %v", err)
		}
		h := sink.Packets()[0].Header
		if h.OBTUTC != obtUTC || h.UTC != obtUTC || h.UnixTime != 946684900 {
			t.Fatalf("tm times = %q %q %v", h.OBTUTC, h.UTC, h.UnixTime)
		}
		if tcH := sink.Packets()[1].Header; tcH.UTC != "" || tcH.OBTUTC != "" {
			t.Fatalf("tc times = %q %q, want empty", tcH.UTC, tcH.OBTUTC)
		}
	})

	t.Run("receipt time", func(t *testing.T) {
		p, sink := newTestParser(t, Options{Clock: scet.DefaultEpoch})
		frames := []Frame{{Data: hk, ReceiptUTC: "2021-03-04T05:06:07.250"}, {Data: tc, ReceiptUTC: "2021-03-04 05:06:08"}}
		if _, err := p.ParseFrames(context.Background(), frames); err != nil {
			t.Fatalf("ParseFrames: %v", err)
		}
		pkts := sink.Packets()
		if h := pkts[0].Header; h.UTC != "2021-03-04T05:06:07.250" || h.OBTUTC != obtUTC {
			t.Fatalf("tm times = %q %q", h.UTC, h.OBTUTC)
		}
		if h := pkts[1].Header; h.UTC != "2021-03-04T05:06:08.000" {
			t.Fatalf("tc time = %q", h.UTC)
		}
	})

	t.Run("live stream", func(t *testing.T) {
		now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
		p, sink := newTestParser(t, Options{
			Clock:       scet.DefaultEpoch,
			LiveStream:  true,
			StoreBinary: true,
			Now:         func() time.Time { return now },
		})
		if _, err := p.Parse(context.Background(), hk); err != nil {
			t.Fatalf("Parse: %v", err)
		}
		pkt := sink.Packets()[0]
		if pkt.Header.UTC != "2024-01-02T03:04:05.000" || pkt.Header.OBTUTC != "" {
			t.Fatalf("live times = %q %q", pkt.Header.UTC, pkt.Header.OBTUTC)
		}
		if pkt.Raw != nil {
			t.Fatalf("live stream kept raw bytes")
		}
	})
}

func TestParseStoresBinary(t *testing.T) {
	p, sink := newTestParser(t, Options{StoreBinary: true})
	hk := tmPacket(3, 25, 10, 0, hkData())
	if _, err := p.Parse(context.Background(), concat([]byte{0x42}, hk)); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := sink.Packets()[0].Raw; !bytes.Equal(got, hk) {
		t.Fatalf("raw = %x, want %x", []byte(got), hk)
	}
}

func TestParseFramesContinuesAfterTruncation(t *testing.T) {
	p, sink := newTestParser(t, Options{})
	hk := tmPacket(3, 25, 10, 0, hkData())
	s, err := p.ParseFrames(context.Background(), []Frame{
		{Data: hk[:len(hk)-1]},
		{Data: tmPacket(21, 6, 12, 0, lightCurveData())},
	})
	if err != nil {
		t.Fatalf("ParseFrames: %v", err)
	}
	if !errors.Is(s.Status, ErrIncompletePacket) {
		t.Fatalf("status = %v, want ErrIncompletePacket", s.Status)
	}
	if s.NumTMParsed != 1 || len(sink.Packets()) != 1 || sink.Packets()[0].Header.SPID != 54118 {
		t.Fatalf("summary = %+v", s)
	}
}

func TestParseCanceled(t *testing.T) {
	p, sink := newTestParser(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, err := p.Parse(ctx, tmPacket(3, 25, 10, 0, hkData()))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !errors.Is(s.Status, context.Canceled) || len(sink.Packets()) != 0 {
		t.Fatalf("status = %v packets = %d", s.Status, len(sink.Packets()))
	}
}

type failingSink struct{ err error }

func (f failingSink) Write(*Packet) error { return f.err }
func (f failingSink) Close(Summary) error { return nil }

func TestParseSinkFailure(t *testing.T) {
	diskFull := errors.New("disk full")
	p := NewParser(testStore(t), Options{Sink: failingSink{err: diskFull}})
	_, err := p.Parse(context.Background(), tmPacket(3, 25, 10, 0, hkData()))
	if !errors.Is(err, diskFull) {
		t.Fatalf("err = %v, want the sink error", err)
	}
}

func TestParserCloseHandsSummaryToSink(t *testing.T) {
	p, sink := newTestParser(t, Options{})
	if _, err := p.Parse(context.Background(), tmPacket(3, 25, 10, 0, hkData())); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	s, ok := sink.Summary()
	if !ok || s.NumTMParsed != 1 {
		t.Fatalf("sink summary = %+v, %v", s, ok)
	}
	b, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Contains(b, []byte(`"status":"ok"`)) || !bytes.Contains(b, []byte(`"num_tm_parsed":1`)) {
		t.Fatalf("summary json = %s", b)
	}
}

func TestParsersShareEngineAndTrees(t *testing.T) {
	store := testStore(t)
	engine := calib.NewEngine(store, scet.DefaultEpoch, nil)
	trees := NewTreeCache()
	stream := concat(
		tmPacket(3, 25, 10, 0, hkData()),
		tmPacket(21, 6, 12, 0, lightCurveData()),
		tcPacket(20, 128, service20Data()),
	)
	var wg sync.WaitGroup
	results := make([]Summary, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := NewParser(store, Options{Engine: engine, Trees: trees, Clock: scet.DefaultEpoch})
			results[i], _ = p.Parse(context.Background(), stream)
		}(i)
	}
	wg.Wait()
	for i, s := range results {
		if s.NumTMParsed != 2 || s.NumTCParsed != 1 {
			t.Fatalf("parser %d summary = %+v", i, s)
		}
	}
	if trees.Len() != 2 {
		t.Fatalf("cached trees = %d, want 2", trees.Len())
	}
}
