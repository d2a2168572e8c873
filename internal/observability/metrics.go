package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the director.
type Metrics struct {
	queriesTotal       *prometheus.CounterVec
	queryDuration      *prometheus.HistogramVec
	tokensIssued       prometheus.Counter
	tokensUnknown      prometheus.Counter
	controlPackets     *prometheus.CounterVec
	packetsForwarded   *prometheus.CounterVec
	bytesForwarded     *prometheus.CounterVec
	packetsDropped     *prometheus.CounterVec
	sessionsActive     prometheus.Gauge
	sessionsSwept      prometheus.Counter
	tcpConnsActive     prometheus.Gauge
	tcpConnsTotal      *prometheus.CounterVec
	dialFailures       *prometheus.CounterVec
	lookupDuration     *prometheus.HistogramVec
	buildInfo          *prometheus.GaugeVec
	startTime          prometheus.Gauge
	registry           *prometheus.Registry
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "director"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.queriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Total number of query requests by outcome",
		},
		[]string{"outcome"},
	)

	m.queryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Query request duration in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10,
			},
		},
		[]string{"outcome"},
	)

	m.tokensIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Total number of tokens minted",
		},
	)

	m.tokensUnknown = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_unknown_total",
			Help:      "Total number of control packets carrying an unknown or expired token",
		},
	)

	m.controlPackets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_packets_total",
			Help:      "Total number of control packets by outcome",
		},
		[]string{"outcome"},
	)

	m.packetsForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_forwarded_total",
			Help:      "Total number of UDP datagrams forwarded by direction",
		},
		[]string{"port", "direction"},
	)

	m.bytesForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_forwarded_total",
			Help:      "Total bytes forwarded by protocol and direction",
		},
		[]string{"protocol", "direction"},
	)

	m.packetsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Total number of UDP datagrams dropped by reason",
		},
		[]string{"reason"},
	)

	m.sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live sessions",
		},
	)

	m.sessionsSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_swept_total",
			Help:      "Total number of sessions evicted by the janitor",
		},
	)

	m.tcpConnsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tcp_connections_active",
			Help:      "Number of active proxied TCP connections",
		},
	)

	m.tcpConnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcp_connections_total",
			Help:      "Total number of accepted TCP connections by outcome",
		},
		[]string{"outcome"},
	)

	m.dialFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_failures_total",
			Help:      "Total number of backend dial failures",
		},
		[]string{"protocol"},
	)

	m.lookupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resource_lookup_duration_seconds",
			Help:      "Cluster API lookup duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"kind", "outcome"},
	)

	m.buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information for the director",
		},
		[]string{"version", "commit"},
	)

	m.startTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help:      "Unix timestamp of process start",
		},
	)

	m.registry.MustRegister(
		m.queriesTotal,
		m.queryDuration,
		m.tokensIssued,
		m.tokensUnknown,
		m.controlPackets,
		m.packetsForwarded,
		m.bytesForwarded,
		m.packetsDropped,
		m.sessionsActive,
		m.sessionsSwept,
		m.tcpConnsActive,
		m.tcpConnsTotal,
		m.dialFailures,
		m.lookupDuration,
		m.buildInfo,
		m.startTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m.startTime.SetToCurrentTime()

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetBuildInfo records build information.
func (m *Metrics) SetBuildInfo(version, commit string) {
	m.buildInfo.WithLabelValues(version, commit).Set(1)
}

// RecordQuery records a query request with its outcome and duration.
func (m *Metrics) RecordQuery(outcome string, duration time.Duration) {
	m.queriesTotal.WithLabelValues(outcome).Inc()
	m.queryDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordTokenIssued increments the issued-token counter.
func (m *Metrics) RecordTokenIssued() {
	m.tokensIssued.Inc()
}

// RecordUnknownToken increments the unknown-token counter.
func (m *Metrics) RecordUnknownToken() {
	m.tokensUnknown.Inc()
	m.controlPackets.WithLabelValues("rejected").Inc()
}

// RecordRebind records a successful control-packet rebind.
func (m *Metrics) RecordRebind() {
	m.controlPackets.WithLabelValues("rebound").Inc()
}

// RecordForwarded records a forwarded datagram.
func (m *Metrics) RecordForwarded(port, direction string, bytes int) {
	m.packetsForwarded.WithLabelValues(port, direction).Inc()
	m.bytesForwarded.WithLabelValues("udp", direction).Add(float64(bytes))
}

// RecordTCPBytes records bytes spliced on the TCP plane.
func (m *Metrics) RecordTCPBytes(direction string, bytes int64) {
	m.bytesForwarded.WithLabelValues("tcp", direction).Add(float64(bytes))
}

// RecordDrop records a dropped datagram.
func (m *Metrics) RecordDrop(reason string) {
	m.packetsDropped.WithLabelValues(reason).Inc()
}

// SetActiveSessions sets the live session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.sessionsActive.Set(float64(n))
}

// RecordSwept adds to the swept-session counter.
func (m *Metrics) RecordSwept(n int) {
	m.sessionsSwept.Add(float64(n))
}

// RecordTCPConn records an accepted TCP connection outcome.
func (m *Metrics) RecordTCPConn(outcome string) {
	m.tcpConnsTotal.WithLabelValues(outcome).Inc()
}

// SetActiveTCPConns sets the active TCP connection gauge.
func (m *Metrics) SetActiveTCPConns(n int) {
	m.tcpConnsActive.Set(float64(n))
}

// RecordDialFailure records a backend dial failure.
func (m *Metrics) RecordDialFailure(protocol string) {
	m.dialFailures.WithLabelValues(protocol).Inc()
}

// RecordLookup records a cluster API lookup with its outcome and duration.
func (m *Metrics) RecordLookup(kind, outcome string, duration time.Duration) {
	m.lookupDuration.WithLabelValues(kind, outcome).Observe(duration.Seconds())
}
