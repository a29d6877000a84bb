package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the process-wide Prometheus metric container.
type Metrics struct {
	// HTTP request metrics, shared across gateway/relay/ETL admin endpoints.
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Rate limiting.
	RateLimitDecisions *prometheus.CounterVec

	// Queue / DLQ depth, polled by a background gauge updater.
	QueueDepth *prometheus.GaugeVec
	DLQDepth   *prometheus.GaugeVec

	// ETL batch processing.
	ETLBatchDuration *prometheus.HistogramVec
	ETLBatchSize     *prometheus.HistogramVec
	ETLBatchesTotal  *prometheus.CounterVec

	// Ingestion outcomes.
	ConflictsTotal     *prometheus.CounterVec
	NodesRegistered    prometheus.Counter
	SamplesIngested    *prometheus.CounterVec
	ProbeBufferDepth   *prometheus.GaugeVec

	// Federation relay.
	RelayState *prometheus.GaugeVec

	// System metrics.
	MemoryUsage *prometheus.GaugeVec
	Goroutines  prometheus.Gauge

	// Service info.
	ServiceInfo *prometheus.GaugeVec
}

var defaultMetrics *Metrics

// InitMetrics constructs and registers the full metric set under the given
// namespace/subsystem, replacing any previously initialized set.
func InitMetrics(namespace, subsystem string) *Metrics {
	m := &Metrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests handled",
			},
			[]string{"method", "path", "status"},
		),

		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		RequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),

		RateLimitDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "rate_limit_decisions_total",
				Help:      "Rate limiter decisions by key and outcome",
			},
			[]string{"key", "decision"},
		),

		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "queue_depth",
				Help:      "Current depth of the ETL ingest queue",
			},
			[]string{"queue"},
		),

		DLQDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "dlq_depth",
				Help:      "Current depth of the dead-letter queue",
			},
			[]string{"queue"},
		),

		ETLBatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "etl_batch_duration_seconds",
				Help:      "Duration of ETL batch persist operations",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"outcome"},
		),

		ETLBatchSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "etl_batch_size",
				Help:      "Number of samples per ETL batch",
				Buckets:   []float64{1, 10, 50, 100, 250, 500, 1000},
			},
			[]string{"outcome"},
		),

		ETLBatchesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "etl_batches_total",
				Help:      "Total ETL batches processed by outcome",
			},
			[]string{"outcome"},
		),

		ConflictsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "conflicts_total",
				Help:      "Total samples routed to the conflicts table",
			},
			[]string{"node_id"},
		),

		NodesRegistered: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "nodes_registered_total",
				Help:      "Total nodes registered, including auto-created on first sighting",
			},
		),

		SamplesIngested: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "samples_ingested_total",
				Help:      "Total samples accepted at the gateway, by region",
			},
			[]string{"region"},
		),

		ProbeBufferDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "probe_buffer_depth",
				Help:      "Current depth of a probe's local send buffer",
			},
			[]string{"node_id"},
		),

		RelayState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "relay_state",
				Help:      "Current federation relay state (1 = active) by state name",
			},
			[]string{"region", "state"},
		),

		MemoryUsage: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage",
			},
			[]string{"type"},
		),

		Goroutines: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "goroutines",
				Help:      "Current number of goroutines",
			},
		),

		ServiceInfo: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "service_info",
				Help:      "Service information",
			},
			[]string{"version", "environment"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance, lazily initializing it under the
// fabric's default namespace if no service has called InitMetrics yet.
func Get() *Metrics {
	if defaultMetrics == nil {
		return InitMetrics("fiber", "")
	}
	return defaultMetrics
}

// RecordRequest records one completed HTTP request.
func (m *Metrics) RecordRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRateLimitDecision records one rate limiter Allow/Deny outcome.
func (m *Metrics) RecordRateLimitDecision(key, decision string) {
	m.RateLimitDecisions.WithLabelValues(key, decision).Inc()
}

// SetQueueDepth publishes the current ingest queue depth, typically sampled
// by a periodic ticker in the ETL or gateway.
func (m *Metrics) SetQueueDepth(queue string, depth int64) {
	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// SetDLQDepth publishes the current dead-letter queue depth.
func (m *Metrics) SetDLQDepth(queue string, depth int64) {
	m.DLQDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordETLBatch records one ETL batch-persist attempt.
func (m *Metrics) RecordETLBatch(outcome string, size int, duration time.Duration) {
	m.ETLBatchesTotal.WithLabelValues(outcome).Inc()
	m.ETLBatchSize.WithLabelValues(outcome).Observe(float64(size))
	m.ETLBatchDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordConflict records one sample routed to the conflicts table.
func (m *Metrics) RecordConflict(nodeID string) {
	m.ConflictsTotal.WithLabelValues(nodeID).Inc()
}

// RecordNodeRegistered records one node entering the registry, whether
// operator-provisioned or auto-created on first sighting.
func (m *Metrics) RecordNodeRegistered() {
	m.NodesRegistered.Inc()
}

// RecordSamplesIngested records samples accepted at the gateway.
func (m *Metrics) RecordSamplesIngested(region string, count int) {
	m.SamplesIngested.WithLabelValues(region).Add(float64(count))
}

// SetProbeBufferDepth publishes a probe's local buffer depth.
func (m *Metrics) SetProbeBufferDepth(nodeID string, depth int) {
	m.ProbeBufferDepth.WithLabelValues(nodeID).Set(float64(depth))
}

// SetRelayState publishes the relay's current state as a one-hot gauge set
// (the active state reads 1, all others for the same region read 0).
func (m *Metrics) SetRelayState(region string, active string, allStates []string) {
	for _, s := range allStates {
		v := 0.0
		if s == active {
			v = 1.0
		}
		m.RelayState.WithLabelValues(region, s).Set(v)
	}
}

// SetServiceInfo publishes static build/environment labels.
func (m *Metrics) SetServiceInfo(version, environment string) {
	m.ServiceInfo.WithLabelValues(version, environment).Set(1)
}

// Handler returns the HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartMetricsServer runs a dedicated HTTP server exposing /metrics and
// /health, for deployments that keep metrics off the main listener.
func StartMetricsServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK")) //nolint:errcheck // health endpoint, write failure isn't actionable
	})

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
