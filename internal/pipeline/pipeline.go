// Package pipeline runs one input file through the packet parser and records
// the outcome in the run log. The CLI, the daemon and the HTTP API share it.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"example.com/stixgate/internal/calib"
	"example.com/stixgate/internal/common"
	"example.com/stixgate/internal/idb"
	"example.com/stixgate/internal/scet"
	"example.com/stixgate/internal/source"
	"example.com/stixgate/internal/tctm"
)

var ErrNoLookup = errors.New("pipeline: no instrument database")

// Env holds the state shared by every run: the IDB, the calibration engine
// and the parse tree cache.
type Env struct {
	Lookup idb.Lookup
	Clock  scet.TimeService
	Engine *calib.Engine
	Trees  *tctm.TreeCache
	Log    *common.Logger
	// RunLog is optional.
	RunLog *common.RunLog
	// Parser carries the filter settings copied into every parser.
	Parser tctm.Options
	// Observe is called after every finished run.
	Observe func(Result)
	Now     func() time.Time
}

func NewEnv(lookup idb.Lookup, clock scet.TimeService, log *common.Logger) *Env {
	return &Env{
		Lookup: lookup,
		Clock:  clock,
		Engine: calib.NewEngine(lookup, clock, log),
		Trees:  tctm.NewTreeCache(),
		Log:    log,
		Now:    time.Now,
	}
}

// Job is one input to parse.
type Job struct {
	Input string
	// Type "" detects the input format.
	Type    source.Type
	Sink    tctm.Sink
	Metrics *common.Metrics
	// Outputs are recorded in the run log entry.
	Outputs []string
}

type Result struct {
	Entry   common.RunEntry
	Summary tctm.Summary
	Alerts  []tctm.Header
}

// NewParser returns a parser wired to the shared engine and tree cache.
func (e *Env) NewParser(sink tctm.Sink, metrics *common.Metrics) *tctm.Parser {
	return e.newParser(e.Parser, sink, metrics)
}

func (e *Env) newParser(opts tctm.Options, sink tctm.Sink, metrics *common.Metrics) *tctm.Parser {
	opts.Log = e.Log
	opts.Clock = e.Clock
	opts.Engine = e.Engine
	opts.Trees = e.Trees
	opts.Sink = sink
	opts.Metrics = metrics
	return tctm.NewParser(e.Lookup, opts)
}

func (e *Env) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now().UTC()
}

// ParseFile loads, parses and registers one input. The sink is always
// closed with the run summary. Truncated inputs are recorded like clean
// ones; read and sink failures return an error without a run entry.
func (e *Env) ParseFile(ctx context.Context, job Job) (Result, error) {
	if e.Lookup == nil {
		return Result{}, ErrNoLookup
	}
	started := e.now()
	p := e.NewParser(job.Sink, job.Metrics)
	res, err := e.parseFile(ctx, p, job)
	if cerr := p.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close output for %s: %w", job.Input, cerr)
	}
	if err != nil {
		return res, err
	}

	raw, err := json.Marshal(res.Summary)
	if err != nil {
		return res, err
	}
	res.Entry.ID = common.NewRunID()
	res.Entry.Input = job.Input
	res.Entry.IDBVersion = e.Lookup.Version()
	res.Entry.Status = res.Summary.StatusText()
	res.Entry.Summary = raw
	res.Entry.Outputs = job.Outputs
	res.Entry.Started = started
	res.Entry.Finished = e.now()
	res.Alerts = p.Alerts()
	if e.RunLog != nil {
		if err := e.RunLog.Append(res.Entry); err != nil {
			return res, fmt.Errorf("record run: %w", err)
		}
	}
	s := res.Summary
	e.Log.Infof("%s: TM %d/%d TC %d/%d bad headers %d bad bytes %d status %s",
		job.Input, s.NumTMParsed, s.NumTM, s.NumTCParsed, s.NumTC,
		s.NumBadHeaders, s.NumBadBytes, res.Entry.Status)
	if e.Observe != nil {
		e.Observe(res)
	}
	return res, nil
}

func (e *Env) parseFile(ctx context.Context, p *tctm.Parser, job Job) (Result, error) {
	var res Result
	digest, size, err := common.Sha256OfFile(job.Input)
	if err != nil {
		return res, fmt.Errorf("hash %s: %w", job.Input, err)
	}
	frames, typ, err := source.Load(job.Input, job.Type, e.Log)
	if err != nil {
		return res, err
	}
	res.Entry.Sha256, res.Entry.Size, res.Entry.InputType = digest, size, string(typ)
	e.Log.Infof("parsing %s (%s, %s)", job.Input, typ, common.FormatBytes(size))

	if job.Metrics != nil {
		var total int64
		for _, f := range frames {
			total += int64(len(f.Data))
		}
		job.Metrics.SetTotalBytes(total)
		job.Metrics.Start()
		defer job.Metrics.Stop()
	}
	res.Summary, err = p.ParseFrames(ctx, frames)
	if err != nil {
		return res, fmt.Errorf("parse %s: %w", job.Input, err)
	}
	return res, nil
}

// ParseLive decodes a hex stream line by line until r ends or ctx is
// canceled. Packets carry wall clock timestamps and no raw bytes.
func (e *Env) ParseLive(ctx context.Context, r io.Reader, sink tctm.Sink, metrics *common.Metrics) (tctm.Summary, error) {
	if e.Lookup == nil {
		return tctm.Summary{}, ErrNoLookup
	}
	opts := e.Parser
	opts.LiveStream = true
	if e.Now != nil {
		opts.Now = e.Now
	}
	p := e.newParser(opts, sink, metrics)
	if metrics != nil {
		metrics.Start()
		defer metrics.Stop()
	}
	err := source.ScanLive(ctx, r, e.Log, func(f tctm.Frame) error {
		_, err := p.Parse(ctx, f.Data)
		return err
	})
	summary := p.Summary()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		summary.Status = err
		err = nil
	}
	if cerr := p.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return summary, err
}
