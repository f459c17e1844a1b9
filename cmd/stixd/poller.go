package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"example.com/stixgate/internal/common"
	"example.com/stixgate/internal/pipeline"
	"example.com/stixgate/internal/report"
	"example.com/stixgate/internal/sink"
	"example.com/stixgate/internal/tctm"
)

// poller scans the configured data sources and parses every file that has no
// run log entry for its current checksum.
type poller struct {
	env     *pipeline.Env
	sources map[string][]string
	output  outputConfig
	// mqtt is shared by all runs and stays connected between polls.
	mqtt *sink.MQTT
	log  *common.Logger
	// failed remembers inputs that could not be parsed so they are not
	// retried until their content changes or the daemon restarts.
	failed map[string]bool
}

type alertRecord struct {
	RunID string `json:"runId"`
	Input string `json:"input"`
	report.Alert
}

func newPoller(cfg config, env *pipeline.Env, mqtt *sink.MQTT) *poller {
	return &poller{
		env:     env,
		sources: cfg.Sources,
		output:  cfg.Output,
		mqtt:    mqtt,
		log:     env.Log,
		failed:  make(map[string]bool),
	}
}

func (p *poller) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := p.pollOnce(ctx); err != nil && ctx.Err() == nil {
			p.log.Errorf("poll: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollOnce parses every new input and returns how many runs succeeded.
// Failures of single files are logged; only run log and glob errors abort
// the poll.
func (p *poller) pollOnce(ctx context.Context) (int, error) {
	entries, err := common.ReadRunLog(p.env.RunLog.Path())
	if err != nil {
		return 0, fmt.Errorf("read run log: %w", err)
	}
	seen := common.ProcessedInputs(entries)

	instruments := make([]string, 0, len(p.sources))
	for name := range p.sources {
		instruments = append(instruments, name)
	}
	sort.Strings(instruments)

	parsed := 0
	for _, instrument := range instruments {
		for _, pattern := range p.sources[instrument] {
			matches, err := filepath.Glob(pattern)
			if err != nil {
				return parsed, fmt.Errorf("source %s: %w", instrument, err)
			}
			sort.Strings(matches)
			for _, path := range matches {
				if err := ctx.Err(); err != nil {
					return parsed, err
				}
				info, err := os.Stat(path)
				if err != nil || info.IsDir() {
					continue
				}
				digest, _, err := common.Sha256OfFile(path)
				if err != nil {
					p.log.Warnf("hash %s: %v", path, err)
					continue
				}
				key := path + "|" + digest
				if seen[key] || p.failed[key] {
					continue
				}
				if err := p.process(ctx, instrument, path); err != nil {
					p.log.Errorf("%s: %v", path, err)
					p.failed[key] = true
					continue
				}
				seen[key] = true
				parsed++
			}
		}
	}
	return parsed, nil
}

func (p *poller) process(ctx context.Context, instrument, path string) error {
	compression, err := sink.ParseCompression(p.output.Compression)
	if err != nil {
		return err
	}
	dir := filepath.Join(p.output.Directory, instrument)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	packetsPath := filepath.Join(dir, base+".ndjson"+compression.Extension())
	jsonPath := filepath.Join(dir, base+".report.json")
	pdfPath := filepath.Join(dir, base+".report.pdf")

	nd, err := sink.CreateNDJSON(packetsPath, compression)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	sinks := sink.Multi{nd}
	if p.mqtt != nil {
		sinks = append(sinks, p.mqtt.Borrow())
	}
	outputs := []string{packetsPath}
	if p.output.JSONReport {
		outputs = append(outputs, jsonPath)
	}
	if p.output.PDFReport {
		outputs = append(outputs, pdfPath)
	}

	res, err := p.env.ParseFile(ctx, pipeline.Job{Input: path, Sink: sinks, Outputs: outputs})
	if err != nil {
		return err
	}
	if p.output.JSONReport || p.output.PDFReport {
		rep := report.New(res.Entry, res.Summary, res.Alerts)
		if p.output.JSONReport {
			if err := report.SaveJSON(rep, jsonPath); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
		}
		if p.output.PDFReport {
			if err := report.SavePDF(rep, pdfPath); err != nil {
				return fmt.Errorf("write pdf: %w", err)
			}
		}
	}
	return p.appendAlerts(res.Entry, res.Alerts)
}

// appendAlerts adds the run's event and failure reports to alerts.ndjson in
// the output directory.
func (p *poller) appendAlerts(entry common.RunEntry, alerts []tctm.Header) error {
	if len(alerts) == 0 {
		return nil
	}
	if err := os.MkdirAll(p.output.Directory, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(p.output.Directory, "alerts.ndjson"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open alert log: %w", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, a := range report.AlertsFromHeaders(alerts) {
		if err := enc.Encode(alertRecord{RunID: entry.ID, Input: entry.Input, Alert: a}); err != nil {
			return fmt.Errorf("write alert log: %w", err)
		}
	}
	p.log.Warnf("%s: %d alerts", entry.Input, len(alerts))
	return nil
}
