package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the stream manager.
type Metrics struct {
	registry            *prometheus.Registry
	requestsTotal       prometheus.Counter
	errorsTotal         prometheus.Counter
	streamsStartedTotal prometheus.Counter
	streamsStoppedTotal prometheus.Counter
	streamsFailedTotal  prometheus.Counter
	reconnectsTotal     prometheus.Counter
	activeStreams       prometheus.Gauge
}

// New creates and registers Prometheus metrics for the stream manager.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camstream_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camstream_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	streamsStartedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camstream_streams_started_total",
		Help: "Total number of streams successfully started (including recoveries)",
	})
	streamsStoppedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camstream_streams_stopped_total",
		Help: "Total number of streams stopped on request",
	})
	streamsFailedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camstream_streams_failed_total",
		Help: "Total number of streams that failed permanently after exhausting reconnection attempts",
	})
	reconnectsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camstream_reconnect_attempts_total",
		Help: "Total number of reconnection attempts scheduled",
	})
	activeStreams := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "camstream_active_streams",
		Help: "Number of streams currently holding a capacity slot",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		streamsStartedTotal,
		streamsStoppedTotal,
		streamsFailedTotal,
		reconnectsTotal,
		activeStreams,
	)

	return &Metrics{
		registry:            registry,
		requestsTotal:       requestsTotal,
		errorsTotal:         errorsTotal,
		streamsStartedTotal: streamsStartedTotal,
		streamsStoppedTotal: streamsStoppedTotal,
		streamsFailedTotal:  streamsFailedTotal,
		reconnectsTotal:     reconnectsTotal,
		activeStreams:       activeStreams,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncStreamsStarted increments the streams started counter.
func (m *Metrics) IncStreamsStarted() {
	m.streamsStartedTotal.Inc()
}

// IncStreamsStopped increments the streams stopped counter.
func (m *Metrics) IncStreamsStopped() {
	m.streamsStoppedTotal.Inc()
}

// IncStreamsFailed increments the terminally failed streams counter.
func (m *Metrics) IncStreamsFailed() {
	m.streamsFailedTotal.Inc()
}

// IncReconnects increments the reconnection attempts counter.
func (m *Metrics) IncReconnects() {
	m.reconnectsTotal.Inc()
}

// SetActiveStreams sets the active streams gauge.
func (m *Metrics) SetActiveStreams(n int) {
	m.activeStreams.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active streams).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
