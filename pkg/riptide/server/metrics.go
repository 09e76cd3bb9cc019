package server

import (
	"bytes"
	"context"
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/expfmt"

	"github.com/watt-toolkit/riptide/pkg/riptide"
	"github.com/watt-toolkit/riptide/pkg/riptide/http11"
)

// Metrics exports server activity to Prometheus.
type Metrics struct {
	registry *prometheus.Registry

	connectionsAccepted prometheus.Counter
	connectionsActive   prometheus.Gauge
	connectionErrors    *prometheus.CounterVec
	requests            *prometheus.CounterVec
	requestErrors       *prometheus.CounterVec
	duration            *prometheus.HistogramVec
	responseBytes       prometheus.Counter
	compressed          *prometheus.CounterVec
}

// NewMetrics creates the server metrics in a fresh registry that also
// carries the Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "riptide_connections_accepted_total",
			Help: "Total number of accepted connections",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "riptide_connections_active",
			Help: "Number of connections currently open",
		}),
		connectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riptide_connection_errors_total",
			Help: "Connections that ended with an error, by error kind",
		}, []string{"kind"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riptide_requests_total",
			Help: "Finished exchanges by method and response status",
		}, []string{"method", "status"}),
		requestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riptide_request_errors_total",
			Help: "Exchanges that ended with an error, by error kind",
		}, []string{"kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "riptide_request_duration_seconds",
			Help:    "Time from framing a request to writing its response",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		responseBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "riptide_response_body_bytes_total",
			Help: "Response body bytes written, after compression",
		}),
		compressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riptide_responses_compressed_total",
			Help: "Compressed responses by content coding",
		}, []string{"encoding"}),
	}

	m.registry.MustRegister(
		m.connectionsAccepted,
		m.connectionsActive,
		m.connectionErrors,
		m.requests,
		m.requestErrors,
		m.duration,
		m.responseBytes,
		m.compressed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding the server metrics. Applications
// may register their own collectors on it.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// registerBufferPool exports pool's counters. Registering the same pool
// twice is not an error.
func (m *Metrics) registerBufferPool(pool *riptide.BufferPool) error {
	err := m.registry.Register(riptide.NewPrometheusCollector(pool))
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return nil
	}
	return err
}

func (m *Metrics) connOpened() {
	m.connectionsAccepted.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) connClosed(err error) {
	m.connectionsActive.Dec()
	if err != nil {
		m.connectionErrors.WithLabelValues(http11.KindOf(err).String()).Inc()
	}
}

func (m *Metrics) observe(info http11.ExchangeInfo) {
	method := methodLabel(info.Method)
	status := "none"
	if info.Status != 0 {
		status = strconv.Itoa(info.Status)
	}
	m.requests.WithLabelValues(method, status).Inc()
	m.duration.WithLabelValues(method).Observe(info.Duration.Seconds())
	m.responseBytes.Add(float64(info.BodyBytes))
	if info.Encoding != "" {
		m.compressed.WithLabelValues(info.Encoding).Inc()
	}
	if info.Err != nil {
		m.requestErrors.WithLabelValues(http11.KindOf(info.Err).String()).Inc()
	}
}

// methodLabel bounds the label cardinality to the known methods.
func methodLabel(method string) string {
	if method == "" {
		return "none"
	}
	if http11.ParseMethod([]byte(method)) == http11.MethodUnknown {
		return "other"
	}
	return method
}

// Handler serves the registry in the Prometheus text exposition format.
func (m *Metrics) Handler() http11.Handler {
	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	return http11.HandlerFunc(func(ctx context.Context, req *http11.Request) (*http11.Response, error) {
		families, err := m.registry.Gather()
		if err != nil && len(families) == 0 {
			return nil, err
		}

		var buf bytes.Buffer
		enc := expfmt.NewEncoder(&buf, format)
		for _, mf := range families {
			if err := enc.Encode(mf); err != nil {
				return nil, err
			}
		}
		if closer, ok := enc.(expfmt.Closer); ok {
			if err := closer.Close(); err != nil {
				return nil, err
			}
		}
		return http11.BytesResponse(200, string(format), buf.Bytes()), nil
	})
}
