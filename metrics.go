package pps

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics of a capture server
type Metrics struct {
	connsTotal    prometheus.Counter
	connsActive   prometheus.Gauge
	captured      prometheus.Counter
	captureErrors prometheus.Counter
	decodeIssues  *prometheus.CounterVec
	requestBytes  prometheus.Histogram

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics instance on its own registry
func NewMetrics() *Metrics {
	m := &Metrics{
		connsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pps_connections_total",
			Help: "Total number of accepted policy connections",
		}),
		connsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pps_connections_active",
			Help: "Number of policy connections currently being handled",
		}),
		captured: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pps_requests_captured_total",
			Help: "Total number of policy requests written to the capture log",
		}),
		captureErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pps_capture_errors_total",
			Help: "Total number of policy requests that could not be written to the capture log",
		}),
		decodeIssues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pps_decode_issues_total",
			Help: "Total number of tolerated request decoding problems by kind",
		}, []string{"kind"}),
		requestBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pps_request_size_bytes",
			Help:    "Size of received policy requests in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 2, 10),
		}),
		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(m.connsTotal, m.connsActive, m.captured, m.captureErrors,
		m.decodeIssues, m.requestBytes)

	return m
}

// Registry returns the registry holding all server metrics
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// connOpened and the other recorders are safe to call on a nil *Metrics
func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.connsTotal.Inc()
	m.connsActive.Inc()
}

func (m *Metrics) connClosed() {
	if m == nil {
		return
	}
	m.connsActive.Dec()
}

func (m *Metrics) requestRead(n int) {
	if m == nil {
		return
	}
	m.requestBytes.Observe(float64(n))
}

func (m *Metrics) decodeIssue(err error) {
	if m == nil || err == nil {
		return
	}
	var mle *MalformedLineError
	if errors.As(err, &mle) {
		m.decodeIssues.WithLabelValues("malformed_line").Inc()
	}
	for _, k := range []struct {
		err  error
		kind string
	}{
		{ErrFraming, "framing"},
		{ErrInvalidText, "invalid_text"},
		{ErrRequestTooLarge, "too_large"},
		{ErrReadTimeout, "read_timeout"},
	} {
		if errors.Is(err, k.err) {
			m.decodeIssues.WithLabelValues(k.kind).Inc()
		}
	}
}

func (m *Metrics) captureResult(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.captureErrors.Inc()
		return
	}
	m.captured.Inc()
}
