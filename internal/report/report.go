// Package report renders the outcome of a parse run as JSON and PDF.
package report

import (
	"encoding/json"
	"os"
	"sort"
	"time"

	"example.com/stixgate/internal/common"
	"example.com/stixgate/internal/tctm"
)

// Alert is an event or failure report seen during a run.
type Alert struct {
	Offset  int    `json:"offset"`
	TMTC    string `json:"TMTC"`
	Service int    `json:"service_type"`
	Subtype int    `json:"service_subtype"`
	SPID    int    `json:"SPID,omitempty"`
	Name    string `json:"name,omitempty"`
	UTC     string `json:"UTC,omitempty"`
	Descr   string `json:"descr,omitempty"`
}

// AlertsFromHeaders converts parser alert headers.
func AlertsFromHeaders(headers []tctm.Header) []Alert {
	out := make([]Alert, 0, len(headers))
	for _, h := range headers {
		out = append(out, Alert{
			Offset:  h.Offset,
			TMTC:    h.TMTC,
			Service: h.ServiceType,
			Subtype: h.Subtype,
			SPID:    h.SPID,
			Name:    h.Name,
			UTC:     h.UTC,
			Descr:   h.Description,
		})
	}
	return out
}

// SPIDCount is one row of the packet histogram.
type SPIDCount struct {
	SPID  int `json:"spid"`
	Count int `json:"count"`
}

// RunReport describes one parse run.
type RunReport struct {
	RunID      string       `json:"run_id"`
	Input      string       `json:"input"`
	InputType  string       `json:"input_type"`
	Size       int64        `json:"size"`
	Sha256     string       `json:"sha256"`
	IDBVersion string       `json:"idb_version"`
	Started    time.Time    `json:"started"`
	Finished   time.Time    `json:"finished"`
	Summary    tctm.Summary `json:"summary"`
	Status     string       `json:"status"`
	Histogram  []SPIDCount  `json:"histogram"`
	Alerts     []Alert      `json:"alerts,omitempty"`
}

// New assembles a report from a run log entry and the parser results.
func New(entry common.RunEntry, summary tctm.Summary, alerts []tctm.Header) RunReport {
	return RunReport{
		RunID:      entry.ID,
		Input:      entry.Input,
		InputType:  entry.InputType,
		Size:       entry.Size,
		Sha256:     entry.Sha256,
		IDBVersion: entry.IDBVersion,
		Started:    entry.Started,
		Finished:   entry.Finished,
		Summary:    summary,
		Status:     summary.StatusText(),
		Histogram:  Histogram(summary.SPIDs),
		Alerts:     AlertsFromHeaders(alerts),
	}
}

// Histogram sorts SPID counters by descending count, then SPID.
func Histogram(spids map[int]int) []SPIDCount {
	out := make([]SPIDCount, 0, len(spids))
	for spid, n := range spids {
		out = append(out, SPIDCount{SPID: spid, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].SPID < out[j].SPID
	})
	return out
}

func SaveJSON(rep RunReport, out string) error {
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(out, b, 0644)
}

// LoadJSON reads a report written by SaveJSON. The summary status is kept
// in the Status field only.
func LoadJSON(path string) (RunReport, error) {
	var rep RunReport
	b, err := os.ReadFile(path)
	if err != nil {
		return rep, err
	}
	err = json.Unmarshal(b, &rep)
	return rep, err
}
