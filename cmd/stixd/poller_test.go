package main

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"example.com/stixgate/internal/common"
	"example.com/stixgate/internal/report"
	"example.com/stixgate/internal/samples"
)

func testPoller(t *testing.T) (*poller, config, string) {
	t.Helper()
	dir := t.TempDir()
	if err := samples.WriteFiles(dir); err != nil {
		t.Fatalf("WriteFiles: %v", err)
	}
	badDir := filepath.Join(dir, "bad")
	if err := os.MkdirAll(badDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	cfg := config{
		IDB:    filepath.Join(dir, samples.IDBFileName),
		RunLog: filepath.Join(dir, "data", "runs.jsonl"),
		Sources: map[string][]string{
			"bin": {filepath.Join(dir, "*.bin")},
			"moc": {filepath.Join(dir, "*.ascii"), filepath.Join(badDir, "*.hex")},
		},
		Output: outputConfig{
			Directory:   filepath.Join(dir, "data", "parsed"),
			Compression: "gzip",
			JSONReport:  true,
			PDFReport:   true,
		},
	}
	env, err := newEnv(cfg, common.NewLogger(nil, common.LevelSilent))
	if err != nil {
		t.Fatalf("newEnv: %v", err)
	}
	return newPoller(cfg, env, nil), cfg, dir
}

func TestPollOnceParsesNewFiles(t *testing.T) {
	p, cfg, dir := testPoller(t)
	n, err := p.pollOnce(context.Background())
	if err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	if n != 2 {
		t.Fatalf("parsed = %d, want 2", n)
	}

	for _, path := range []string{
		filepath.Join(cfg.Output.Directory, "bin", "sample.ndjson.gz"),
		filepath.Join(cfg.Output.Directory, "bin", "sample.report.pdf"),
		filepath.Join(cfg.Output.Directory, "moc", "sample.ndjson.gz"),
	} {
		if info, err := os.Stat(path); err != nil || info.Size() == 0 {
			t.Fatalf("missing output %s: %v", path, err)
		}
	}
	rep, err := report.LoadJSON(filepath.Join(cfg.Output.Directory, "moc", "sample.report.json"))
	if err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}
	if rep.Summary.NumTM != samples.NumTM || rep.InputType != "ascii" {
		t.Fatalf("report = %+v", rep)
	}

	entries, err := common.ReadRunLog(cfg.RunLog)
	if err != nil {
		t.Fatalf("ReadRunLog: %v", err)
	}
	if len(entries) != 2 || entries[0].Input != filepath.Join(dir, samples.BinaryFileName) || len(entries[0].Outputs) != 3 {
		t.Fatalf("run log = %+v", entries)
	}

	f, err := os.Open(filepath.Join(cfg.Output.Directory, "alerts.ndjson"))
	if err != nil {
		t.Fatalf("open alert log: %v", err)
	}
	defer f.Close()
	var alerts []alertRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var a alertRecord
		if err := json.Unmarshal(sc.Bytes(), &a); err != nil {
			t.Fatalf("decode alert: %v", err)
		}
		alerts = append(alerts, a)
	}
	if len(alerts) != 2*samples.NumAlerts || alerts[0].RunID != entries[0].ID || alerts[0].Service != 5 {
		t.Fatalf("alerts = %+v", alerts)
	}
}

func TestPollOnceSkipsProcessedAndFailedFiles(t *testing.T) {
	p, _, dir := testPoller(t)
	bad := filepath.Join(dir, "bad", "broken.hex")
	if err := os.WriteFile(bad, []byte("0DZZ"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	ctx := context.Background()
	if n, err := p.pollOnce(ctx); err != nil || n != 2 {
		t.Fatalf("first poll = %d, %v", n, err)
	}
	if len(p.failed) != 1 {
		t.Fatalf("failed = %v", p.failed)
	}
	if n, err := p.pollOnce(ctx); err != nil || n != 0 {
		t.Fatalf("second poll = %d, %v", n, err)
	}

	// a rewritten file is parsed again
	stream := append(samples.BuildStream(), 0x00)
	if err := os.WriteFile(filepath.Join(dir, samples.BinaryFileName), stream, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if n, err := p.pollOnce(ctx); err != nil || n != 1 {
		t.Fatalf("poll after rewrite = %d, %v", n, err)
	}
}

func TestPollOnceStopsOnCancel(t *testing.T) {
	p, _, _ := testPoller(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.pollOnce(ctx); err == nil {
		t.Fatalf("expected error for canceled context")
	}
}
