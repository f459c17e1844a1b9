// Package sink provides destinations for decoded packets.
package sink

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"example.com/stixgate/internal/tctm"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression selects the encoding of NDJSON output files.
type Compression string

const (
	None Compression = ""
	Gzip Compression = "gzip"
	Zstd Compression = "zstd"
)

func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return None, nil
	case "gzip", "gz":
		return Gzip, nil
	case "zstd", "zst":
		return Zstd, nil
	default:
		return None, fmt.Errorf("unknown compression %q", s)
	}
}

// Extension is the file suffix appended for the compression.
func (c Compression) Extension() string {
	switch c {
	case Gzip:
		return ".gz"
	case Zstd:
		return ".zst"
	default:
		return ""
	}
}

// NDJSON writes one JSON document per packet followed by a final summary
// record. It is safe for concurrent use.
type NDJSON struct {
	mu      sync.Mutex
	writer  io.Writer
	flush   func() error
	closers []io.Closer
}

// SummaryRecord is the last line of an NDJSON stream.
type SummaryRecord struct {
	Summary tctm.Summary `json:"summary"`
}

// NewNDJSON streams records to w. If w has a Flush method it is called after
// every record.
func NewNDJSON(w io.Writer) *NDJSON {
	n := &NDJSON{writer: w}
	switch f := w.(type) {
	case interface{ Flush() error }:
		n.flush = f.Flush
	case interface{ Flush() }:
		n.flush = func() error { f.Flush(); return nil }
	}
	return n
}

// CreateNDJSON creates path, and its directory, for NDJSON output.
func CreateNDJSON(path string, c Compression) (*NDJSON, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	switch c {
	case Gzip:
		zw := gzip.NewWriter(f)
		return &NDJSON{writer: zw, closers: []io.Closer{zw, f}}, nil
	case Zstd:
		zw, err := zstd.NewWriter(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return &NDJSON{writer: zw, closers: []io.Closer{zw, f}}, nil
	default:
		return &NDJSON{writer: f, closers: []io.Closer{f}}, nil
	}
}

// WriteObject marshals v and writes it followed by a newline.
func (n *NDJSON) WriteObject(v any) error {
	if n == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	data = append(data, '\n')
	if _, err := n.writer.Write(data); err != nil {
		return err
	}
	if n.flush != nil {
		return n.flush()
	}
	return nil
}

func (n *NDJSON) Write(p *tctm.Packet) error {
	return n.WriteObject(p)
}

// Close writes the summary record and closes any file the sink owns.
func (n *NDJSON) Close(s tctm.Summary) error {
	err := n.WriteObject(SummaryRecord{Summary: s})
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.closers {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	n.closers = nil
	return err
}
