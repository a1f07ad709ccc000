package core

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// defaultMetricsWindow is the default number of retained request records.
const defaultMetricsWindow = 1000

// MetricsRecord is one completed dispatch, as appended to the registry.
type MetricsRecord struct {
	StartTime time.Time
	EndTime   time.Time
	WorkerID  string
	Success   bool
	ErrorKind ErrorKind
}

// MetricsSnapshot is the read-only view produced by Metrics.Snapshot.
type MetricsSnapshot struct {
	Total              int64
	Successful         int64
	Failed             int64
	SuccessRate        float64
	AverageResponseTime float64
	MinResponseTime    float64
	MaxResponseTime    float64
	RequestsPerSecond  float64
}

// Metrics is the process-wide rolling Metrics Registry: a bounded FIFO
// window of request records plus cumulative counters. When disabled, Record
// is a no-op and Snapshot returns zeros. Cumulative counters are
// additionally mirrored into Prometheus collectors so the management HTTP
// surface can expose them for scraping.
type Metrics struct {
	enabled bool

	mu          sync.Mutex
	records     []MetricsRecord
	start       int
	count       int
	cumTotal    int64
	cumSuccess  int64
	cumFailed   int64

	promRequests  *prometheus.CounterVec
	promInFlight  *prometheus.GaugeVec
	promLatency   *prometheus.HistogramVec
}

// NewMetrics constructs a Metrics registry with the default window size.
// registerer may be nil to skip Prometheus registration (e.g. in tests).
func NewMetrics(enabled bool, registerer prometheus.Registerer) *Metrics {
	return newMetricsWithWindow(enabled, defaultMetricsWindow, registerer)
}

func newMetricsWithWindow(enabled bool, window int, registerer prometheus.Registerer) *Metrics {
	if window <= 0 {
		window = defaultMetricsWindow
	}
	m := &Metrics{
		enabled: enabled,
		records: make([]MetricsRecord, window),
		promRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_lb_requests_total",
			Help: "Total number of dispatch attempts, labeled by worker and outcome.",
		}, []string{"worker_id", "outcome"}),
		promInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "llm_lb_worker_in_flight",
			Help: "Current in-flight request count per worker.",
		}, []string{"worker_id"}),
		promLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llm_lb_request_duration_seconds",
			Help:    "Dispatch latency in seconds, labeled by worker.",
			Buckets: prometheus.DefBuckets,
		}, []string{"worker_id"}),
	}
	if registerer != nil && enabled {
		registerer.MustRegister(m.promRequests, m.promInFlight, m.promLatency)
	}
	return m
}

// Record appends a completed dispatch to the rolling window and bumps the
// cumulative counters. It is a no-op when metrics are disabled.
func (m *Metrics) Record(rec MetricsRecord) {
	if !m.enabled {
		return
	}

	m.mu.Lock()
	idx := (m.start + m.count) % len(m.records)
	m.records[idx] = rec
	if m.count < len(m.records) {
		m.count++
	} else {
		m.start = (m.start + 1) % len(m.records)
	}
	m.cumTotal++
	if rec.Success {
		m.cumSuccess++
	} else {
		m.cumFailed++
	}
	m.mu.Unlock()

	outcome := "success"
	if !rec.Success {
		outcome = "failure"
	}
	m.promRequests.WithLabelValues(rec.WorkerID, outcome).Inc()
	m.promLatency.WithLabelValues(rec.WorkerID).Observe(rec.EndTime.Sub(rec.StartTime).Seconds())
}

// SetInFlightGauge mirrors a worker's live in-flight count into Prometheus.
func (m *Metrics) SetInFlightGauge(workerID string, inFlight int) {
	if !m.enabled {
		return
	}
	m.promInFlight.WithLabelValues(workerID).Set(float64(inFlight))
}

// Snapshot produces a point-in-time view of the registry. The
// requests-per-second rate is computed over the observed time span of
// retained samples; fewer than two samples or a zero span reports zero.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if !m.enabled {
		return MetricsSnapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricsSnapshot{
		Total:      m.cumTotal,
		Successful: m.cumSuccess,
		Failed:     m.cumFailed,
	}
	if m.cumTotal > 0 {
		snap.SuccessRate = float64(m.cumSuccess) / float64(m.cumTotal)
	}

	if m.count == 0 {
		return snap
	}

	var sum, min, max float64
	var earliest, latest time.Time
	for i := 0; i < m.count; i++ {
		rec := m.records[(m.start+i)%len(m.records)]
		d := rec.EndTime.Sub(rec.StartTime).Seconds()
		sum += d
		if i == 0 || d < min {
			min = d
		}
		if i == 0 || d > max {
			max = d
		}
		if earliest.IsZero() || rec.StartTime.Before(earliest) {
			earliest = rec.StartTime
		}
		if latest.IsZero() || rec.EndTime.After(latest) {
			latest = rec.EndTime
		}
	}

	snap.AverageResponseTime = sum / float64(m.count)
	snap.MinResponseTime = min
	snap.MaxResponseTime = max

	if m.count >= 2 {
		span := latest.Sub(earliest).Seconds()
		if span > 0 {
			snap.RequestsPerSecond = float64(m.count) / span
		}
	}

	return snap
}
