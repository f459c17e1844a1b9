package pipeline

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"example.com/stixgate/internal/common"
	"example.com/stixgate/internal/idb"
	"example.com/stixgate/internal/samples"
	"example.com/stixgate/internal/scet"
	"example.com/stixgate/internal/source"
	"example.com/stixgate/internal/tctm"
)

func testEnv(t *testing.T) (*Env, *bytes.Buffer) {
	t.Helper()
	store, err := idb.FromFile(samples.IDB())
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	var logs bytes.Buffer
	env := NewEnv(store, scet.DefaultEpoch, common.NewLogger(&logs, common.LevelDebug))
	env.Now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return env, &logs
}

func writeInput(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestParseFileRecordsRun(t *testing.T) {
	env, _ := testEnv(t)
	runLog := common.NewRunLog(filepath.Join(t.TempDir(), "runs.jsonl"))
	env.RunLog = runLog
	var observed []Result
	env.Observe = func(r Result) { observed = append(observed, r) }

	input := writeInput(t, "stream.bin", samples.BuildStream())
	sink := tctm.NewBuffer()
	metrics := common.NewMetrics()
	res, err := env.ParseFile(context.Background(), Job{Input: input, Sink: sink, Metrics: metrics, Outputs: []string{"out.ndjson"}})
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if res.Summary.NumTM != samples.NumTM || res.Summary.NumTC != samples.NumTC {
		t.Fatalf("summary = %+v", res.Summary)
	}
	if len(res.Alerts) != samples.NumAlerts {
		t.Fatalf("alerts = %d, want %d", len(res.Alerts), samples.NumAlerts)
	}
	if _, ok := sink.Summary(); !ok {
		t.Fatalf("sink was not closed with a summary")
	}
	e := res.Entry
	if e.ID == "" || e.Input != input || e.InputType != string(source.Binary) || e.Status != "ok" {
		t.Fatalf("entry = %+v", e)
	}
	if e.IDBVersion != samples.Version || e.Size != int64(len(samples.BuildStream())) || len(e.Sha256) != 64 {
		t.Fatalf("entry = %+v", e)
	}
	var summary map[string]any
	if err := json.Unmarshal(e.Summary, &summary); err != nil {
		t.Fatalf("summary json: %v", err)
	}
	if summary["status"] != "ok" || summary["num_tm"] != float64(samples.NumTM) {
		t.Fatalf("summary json = %v", summary)
	}

	entries, err := common.ReadRunLog(runLog.Path())
	if err != nil {
		t.Fatalf("ReadRunLog: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != e.ID || entries[0].Outputs[0] != "out.ndjson" {
		t.Fatalf("run log = %+v", entries)
	}
	if len(observed) != 1 {
		t.Fatalf("observed %d results, want 1", len(observed))
	}
	snap := metrics.Snapshot()
	if snap.TM != samples.NumTM || snap.TC != samples.NumTC || snap.Completion() != 1 {
		t.Fatalf("metrics = %+v", snap)
	}
}

func TestParseFileTruncatedInputIsRecorded(t *testing.T) {
	env, _ := testEnv(t)
	stream := samples.BuildStream()
	// drop the last TM and cut into the telecommand header
	input := writeInput(t, "cut.bin", stream[:len(stream)-19])
	res, err := env.ParseFile(context.Background(), Job{Input: input})
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if !errors.Is(res.Summary.Status, tctm.ErrIncompletePacket) {
		t.Fatalf("status = %v, want ErrIncompletePacket", res.Summary.Status)
	}
	if !strings.Contains(res.Entry.Status, "incomplete") {
		t.Fatalf("entry status = %q", res.Entry.Status)
	}
}

func TestParseFileDetectsASCII(t *testing.T) {
	env, _ := testEnv(t)
	input := writeInput(t, "moc.ascii", []byte(samples.BuildASCII()))
	sink := tctm.NewBuffer()
	res, err := env.ParseFile(context.Background(), Job{Input: input, Sink: sink})
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if res.Entry.InputType != string(source.ASCII) {
		t.Fatalf("input type = %q", res.Entry.InputType)
	}
	pkts := sink.Packets()
	if len(pkts) != samples.NumTM+samples.NumTC {
		t.Fatalf("packets = %d", len(pkts))
	}
	if !strings.HasPrefix(pkts[0].Header.UTC, "2021-05-01T00:00:00") {
		t.Fatalf("receipt time missing from %+v", pkts[0].Header)
	}
}

func TestParseFileAppliesFilters(t *testing.T) {
	env, _ := testEnv(t)
	env.Parser.Services = []int{3}
	sink := tctm.NewBuffer()
	res, err := env.ParseFile(context.Background(), Job{Input: writeInput(t, "s.bin", samples.BuildStream()), Sink: sink})
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if got := len(sink.Packets()); got != 1 {
		t.Fatalf("packets = %d, want 1", got)
	}
	if res.Summary.NumFiltered != 3 {
		t.Fatalf("filtered = %d, want 3", res.Summary.NumFiltered)
	}
}

func TestParseFileErrors(t *testing.T) {
	env, _ := testEnv(t)
	if _, err := env.ParseFile(context.Background(), Job{Input: filepath.Join(t.TempDir(), "missing.bin")}); err == nil {
		t.Fatalf("expected error for missing input")
	}
	var empty Env
	if _, err := empty.ParseFile(context.Background(), Job{Input: "x"}); !errors.Is(err, ErrNoLookup) {
		t.Fatalf("err = %v, want ErrNoLookup", err)
	}
	bad := writeInput(t, "bad.hex", []byte("0DZZ"))
	if _, err := env.ParseFile(context.Background(), Job{Input: bad}); err == nil {
		t.Fatalf("expected error for malformed hex")
	}
}

func TestParseLive(t *testing.T) {
	env, logs := testEnv(t)
	var lines []string
	for _, p := range samples.Packets() {
		lines = append(lines, hex.EncodeToString(p))
	}
	lines = append(lines, "not hex")
	sink := tctm.NewBuffer()
	s, err := env.ParseLive(context.Background(), strings.NewReader(strings.Join(lines, "\n")), sink, nil)
	if err != nil {
		t.Fatalf("ParseLive: %v", err)
	}
	if s.NumTM != samples.NumTM || s.NumTC != samples.NumTC {
		t.Fatalf("summary = %+v", s)
	}
	pkts := sink.Packets()
	if len(pkts) != samples.NumTM+samples.NumTC {
		t.Fatalf("packets = %d", len(pkts))
	}
	for _, p := range pkts {
		if len(p.Raw) != 0 {
			t.Fatalf("live packet kept raw bytes")
		}
		if !strings.HasPrefix(p.Header.UTC, "2024-03-01T12:00:00") {
			t.Fatalf("live packet missing wall clock time: %+v", p.Header)
		}
	}
	if !strings.Contains(logs.String(), "live stream") {
		t.Fatalf("malformed line was not logged: %s", logs.String())
	}
}
