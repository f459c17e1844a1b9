package common

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunEntry records one completed parse of an input file.
type RunEntry struct {
	ID         string          `json:"id"`
	Input      string          `json:"input"`
	InputType  string          `json:"inputType,omitempty"`
	Size       int64           `json:"size,omitempty"`
	Sha256     string          `json:"sha256,omitempty"`
	IDBVersion string          `json:"idbVersion,omitempty"`
	Status     string          `json:"status"`
	Summary    json.RawMessage `json:"summary,omitempty"`
	Outputs    []string        `json:"outputs,omitempty"`
	Started    time.Time       `json:"started"`
	Finished   time.Time       `json:"finished"`
}

func NewRunID() string {
	return uuid.New().String()
}

// RunLog is an append-only JSONL history of parse runs.
type RunLog struct {
	path string
	mu   sync.Mutex
}

func NewRunLog(path string) *RunLog {
	return &RunLog{path: path}
}

func (r *RunLog) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

func (r *RunLog) Append(entry RunEntry) error {
	if r == nil {
		return errors.New("nil run log")
	}
	if strings.TrimSpace(entry.Input) == "" {
		return errors.New("run entry missing input")
	}
	if entry.ID == "" {
		entry.ID = NewRunID()
	}
	if entry.Finished.IsZero() {
		entry.Finished = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	dir := filepath.Dir(r.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// ReadRunLog loads every entry from a run log. A missing file yields no
// entries.
func ReadRunLog(path string) ([]RunEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var entries []RunEntry
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry RunEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("decode run entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// ProcessedInputs returns the set of inputs with a recorded run, keyed by
// path and checksum so that rewritten files are parsed again.
func ProcessedInputs(entries []RunEntry) map[string]bool {
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		seen[e.Input+"|"+e.Sha256] = true
	}
	return seen
}
