package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"example.com/stixgate/internal/common"
	"example.com/stixgate/internal/report"
	"example.com/stixgate/internal/samples"
)

func runRoot(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeSamples(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := samples.WriteFiles(dir); err != nil {
		t.Fatalf("WriteFiles: %v", err)
	}
	return dir
}

func TestRequiredFlagsErrors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "parse missing input", args: []string{"parse", "--idb", "x.yaml"}, wantErr: "required flag --input not set"},
		{name: "parse missing idb", args: []string{"parse", "in.bin"}, wantErr: "required flag --idb not set"},
		{name: "report missing input", args: []string{"report"}, wantErr: "required flag --input not set"},
		{name: "report missing pdf", args: []string{"report", "run.json"}, wantErr: "required flag --pdf not set"},
		{name: "runs missing log", args: []string{"runs"}, wantErr: "required flag --run-log not set"},
		{name: "idb check missing idb", args: []string{"idb", "check"}, wantErr: "required flag --idb not set"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runRoot(t, "", tt.args...)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error: got %q want %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestParseCmdWritesOutputs(t *testing.T) {
	dir := writeSamples(t)
	idbPath := filepath.Join(dir, samples.IDBFileName)
	outPath := filepath.Join(dir, "out", "packets.ndjson")
	runLog := filepath.Join(dir, "runs.jsonl")
	reportPath := filepath.Join(dir, "run.json")
	rawPath := filepath.Join(dir, "raw.bin")

	stdout, err := runRoot(t, "",
		"parse", "--idb", idbPath, "--log-level", "silent",
		"--out", outPath, "--raw-out", rawPath,
		"--run-log", runLog, "--report-json", reportPath,
		filepath.Join(dir, samples.BinaryFileName))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !strings.Contains(stdout, "TM: 3 (3 parsed)") || !strings.Contains(stdout, "Status: ok") {
		t.Fatalf("stdout = %q", stdout)
	}

	f, err := os.Open(outPath)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if len(lines) != samples.NumTM+samples.NumTC+1 {
		t.Fatalf("output lines = %d, want %d", len(lines), samples.NumTM+samples.NumTC+1)
	}
	if !strings.HasPrefix(lines[len(lines)-1], `{"summary":`) {
		t.Fatalf("last line = %q", lines[len(lines)-1])
	}

	raw, err := os.ReadFile(rawPath)
	if err != nil {
		t.Fatalf("read raw output: %v", err)
	}
	if !bytes.Equal(raw, samples.BuildStream()) {
		t.Fatalf("raw output differs from input stream")
	}

	entries, err := common.ReadRunLog(runLog)
	if err != nil {
		t.Fatalf("ReadRunLog: %v", err)
	}
	if len(entries) != 1 || len(entries[0].Outputs) != 2 {
		t.Fatalf("run log = %+v", entries)
	}
	rep, err := report.LoadJSON(reportPath)
	if err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}
	if rep.RunID != entries[0].ID || len(rep.Alerts) != samples.NumAlerts {
		t.Fatalf("report = %+v", rep)
	}
}

func TestParseCmdFiltersBySPID(t *testing.T) {
	dir := writeSamples(t)
	outPath := filepath.Join(dir, "lc.ndjson")
	_, err := runRoot(t, "",
		"parse", "--idb", filepath.Join(dir, samples.IDBFileName), "--log-level", "silent",
		"--spids", "54118", "--out", outPath, "--input", filepath.Join(dir, samples.ASCIIFileName))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	// light curve, telecommand and summary; SPID filters leave telecommands alone
	if len(lines) != 3 {
		t.Fatalf("output lines = %d, want 3", len(lines))
	}
	var rec struct {
		Header struct {
			SPID int `json:"SPID"`
		} `json:"header"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec.Header.SPID != 54118 {
		t.Fatalf("SPID = %d, want 54118", rec.Header.SPID)
	}
}

func TestParseCmdLiveStream(t *testing.T) {
	dir := writeSamples(t)
	hexStream, err := os.ReadFile(filepath.Join(dir, samples.HexFileName))
	if err != nil {
		t.Fatalf("read hex: %v", err)
	}
	stdout, err := runRoot(t, string(hexStream),
		"parse", "--idb", filepath.Join(dir, samples.IDBFileName), "--log-level", "silent", "--live")
	if err != nil {
		t.Fatalf("parse --live: %v", err)
	}
	if !strings.Contains(stdout, "TC: 1 (1 parsed)") {
		t.Fatalf("stdout = %q", stdout)
	}
	if _, err := runRoot(t, "", "parse", "--idb", filepath.Join(dir, samples.IDBFileName), "--live", "--run-log", "x"); err == nil {
		t.Fatalf("expected error for --live with --run-log")
	}
}

func TestReportAndRunsCmds(t *testing.T) {
	dir := writeSamples(t)
	runLog := filepath.Join(dir, "runs.jsonl")
	reportPath := filepath.Join(dir, "run.json")
	if _, err := runRoot(t, "",
		"parse", "--idb", filepath.Join(dir, samples.IDBFileName), "--log-level", "silent",
		"--run-log", runLog, "--report-json", reportPath, filepath.Join(dir, samples.HexFileName)); err != nil {
		t.Fatalf("parse: %v", err)
	}

	pdfPath := filepath.Join(dir, "run.pdf")
	if _, err := runRoot(t, "", "report", "--pdf", pdfPath, reportPath); err != nil {
		t.Fatalf("report: %v", err)
	}
	info, err := os.Stat(pdfPath)
	if err != nil || info.Size() == 0 {
		t.Fatalf("pdf not written: %v", err)
	}

	stdout, err := runRoot(t, "", "runs", "--run-log", runLog)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if !strings.Contains(stdout, samples.HexFileName) || !strings.Contains(stdout, samples.Version) {
		t.Fatalf("runs output = %q", stdout)
	}

	stdout, err = runRoot(t, "", "runs", "--run-log", filepath.Join(dir, "none.jsonl"))
	if err != nil || !strings.Contains(stdout, "No runs recorded") {
		t.Fatalf("empty runs output = %q, %v", stdout, err)
	}
}

func TestIDBCheckCmd(t *testing.T) {
	dir := writeSamples(t)
	stdout, err := runRoot(t, "", "idb", "check", "--idb", filepath.Join(dir, samples.IDBFileName), "--json")
	if err != nil {
		t.Fatalf("idb check: %v", err)
	}
	var stats struct {
		Version      string `json:"version"`
		PacketTypes  int    `json:"packetTypes"`
		Telecommands int    `json:"telecommands"`
	}
	if err := json.Unmarshal([]byte(stdout), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Version != samples.Version || stats.PacketTypes != 3 || stats.Telecommands != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	empty := filepath.Join(dir, "empty.yaml")
	if err := os.WriteFile(empty, []byte("version: empty\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := runRoot(t, "", "idb", "check", "--idb", empty); err == nil {
		t.Fatalf("expected error for empty database")
	}
}

func TestVersionCmd(t *testing.T) {
	cmd := newVersionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(nil)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out.String(), "stixctl version dev") {
		t.Fatalf("version output = %q", out.String())
	}
}
