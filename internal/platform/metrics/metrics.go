package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the capture coordinator.
type Metrics struct {
	registry               *prometheus.Registry
	requestsTotal          prometheus.Counter
	recordingsStartedTotal prometheus.Counter
	recordingsSavedTotal   prometheus.Counter
	chunksWrittenTotal     prometheus.Counter
	bytesWrittenTotal      prometheus.Counter
	sweepDeletedTotal      prometheus.Counter
	activeRecording        prometheus.Gauge
	errorsTotal            prometheus.Counter
}

// New creates and registers Prometheus metrics for the coordinator.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "capture_requests_total",
		Help: "Total number of HTTP requests received",
	})
	recordingsStartedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "capture_recordings_started_total",
		Help: "Total number of recordings started",
	})
	recordingsSavedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "capture_recordings_saved_total",
		Help: "Total number of recordings finalized and saved",
	})
	chunksWrittenTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "capture_chunks_written_total",
		Help: "Total number of chunks persisted to the store",
	})
	bytesWrittenTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "capture_bytes_written_total",
		Help: "Total chunk payload bytes persisted to the store",
	})
	sweepDeletedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "capture_sweep_deleted_total",
		Help: "Total number of recordings removed by the retention sweeper",
	})
	activeRecording := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "capture_active_recording",
		Help: "1 while a recording session is open (recording or saving), else 0",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "capture_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})

	registry.MustRegister(
		requestsTotal,
		recordingsStartedTotal,
		recordingsSavedTotal,
		chunksWrittenTotal,
		bytesWrittenTotal,
		sweepDeletedTotal,
		activeRecording,
		errorsTotal,
	)

	return &Metrics{
		registry:               registry,
		requestsTotal:          requestsTotal,
		recordingsStartedTotal: recordingsStartedTotal,
		recordingsSavedTotal:   recordingsSavedTotal,
		chunksWrittenTotal:     chunksWrittenTotal,
		bytesWrittenTotal:      bytesWrittenTotal,
		sweepDeletedTotal:      sweepDeletedTotal,
		activeRecording:        activeRecording,
		errorsTotal:            errorsTotal,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncRecordingsStarted increments the recordings started counter.
func (m *Metrics) IncRecordingsStarted() {
	m.recordingsStartedTotal.Inc()
}

// IncRecordingsSaved increments the recordings saved counter.
func (m *Metrics) IncRecordingsSaved() {
	m.recordingsSavedTotal.Inc()
}

// AddChunkWritten records one persisted chunk of the given payload size.
func (m *Metrics) AddChunkWritten(bytes int) {
	m.chunksWrittenTotal.Inc()
	m.bytesWrittenTotal.Add(float64(bytes))
}

// AddSweepDeleted adds n to the retention sweep deletion counter.
func (m *Metrics) AddSweepDeleted(n int) {
	m.sweepDeletedTotal.Add(float64(n))
}

// SetActiveRecording sets the active recording gauge.
func (m *Metrics) SetActiveRecording(active bool) {
	if active {
		m.activeRecording.Set(1)
	} else {
		m.activeRecording.Set(0)
	}
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. the
// active recording flag).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
