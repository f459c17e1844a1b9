package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/stixgate/internal/pipeline"
)

// Metrics holds the Prometheus collectors for parse runs. Each instance owns
// its registry so several servers can live in one process.
type Metrics struct {
	registry   *prometheus.Registry
	runs       *prometheus.CounterVec
	packets    *prometheus.CounterVec
	parsed     *prometheus.CounterVec
	badHeaders prometheus.Counter
	badBytes   prometheus.Counter
	filtered   prometheus.Counter
	alerts     prometheus.Counter
	inputBytes prometheus.Counter
	lastRun    prometheus.Gauge
	duration   prometheus.Histogram
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stixgate_runs_total",
			Help: "Completed parse runs by status",
		}, []string{"status"}),
		packets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stixgate_packets_total",
			Help: "Packets with a valid header, by kind (tm or tc)",
		}, []string{"kind"}),
		parsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stixgate_packets_parsed_total",
			Help: "Packets decoded into parameter trees, by kind (tm or tc)",
		}, []string{"kind"}),
		badHeaders: factory.NewCounter(prometheus.CounterOpts{
			Name: "stixgate_bad_headers_total",
			Help: "Packet headers rejected while parsing",
		}),
		badBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "stixgate_bad_bytes_total",
			Help: "Bytes skipped while looking for a packet header",
		}),
		filtered: factory.NewCounter(prometheus.CounterOpts{
			Name: "stixgate_packets_filtered_total",
			Help: "Packets dropped by service or SPID filters",
		}),
		alerts: factory.NewCounter(prometheus.CounterOpts{
			Name: "stixgate_alerts_total",
			Help: "Event and failure reports seen",
		}),
		inputBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "stixgate_input_bytes_total",
			Help: "Size of parsed input files",
		}),
		lastRun: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stixgate_last_run_timestamp_seconds",
			Help: "Unix time the last run finished",
		}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stixgate_run_duration_seconds",
			Help:    "Wall time of parse runs",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
}

// Observe records a finished run. It matches pipeline.Env.Observe.
func (m *Metrics) Observe(res pipeline.Result) {
	if m == nil {
		return
	}
	s := res.Summary
	m.runs.WithLabelValues(res.Entry.Status).Inc()
	m.packets.WithLabelValues("tm").Add(float64(s.NumTM))
	m.packets.WithLabelValues("tc").Add(float64(s.NumTC))
	m.parsed.WithLabelValues("tm").Add(float64(s.NumTMParsed))
	m.parsed.WithLabelValues("tc").Add(float64(s.NumTCParsed))
	m.badHeaders.Add(float64(s.NumBadHeaders))
	m.badBytes.Add(float64(s.NumBadBytes))
	m.filtered.Add(float64(s.NumFiltered))
	m.alerts.Add(float64(len(res.Alerts)))
	m.inputBytes.Add(float64(res.Entry.Size))
	if !res.Entry.Finished.IsZero() {
		m.lastRun.Set(float64(res.Entry.Finished.Unix()))
		if !res.Entry.Started.IsZero() {
			m.duration.Observe(res.Entry.Finished.Sub(res.Entry.Started).Seconds())
		}
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
