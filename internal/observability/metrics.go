package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metric collectors for the delivery pipeline.
type Metrics struct {
	// SMTP edge
	SMTPConnectionsTotal *prometheus.CounterVec
	SMTPCommandsTotal    *prometheus.CounterVec
	SMTPSessionDuration  prometheus.Histogram

	// Queue
	QueueDepth           *prometheus.GaugeVec
	QueueEnqueuedTotal   *prometheus.CounterVec
	QueueAttemptsTotal   *prometheus.CounterVec
	QueueBouncesTotal    *prometheus.CounterVec
	QueueAttemptDuration prometheus.Histogram

	// Relay
	RelayPoolInFlight  *prometheus.GaugeVec
	RelayAttemptsTotal *prometheus.CounterVec
	RelayBreakerState  *prometheus.GaugeVec
}

// NewMetrics creates and registers all Prometheus metrics with the given
// registerer. Grounded on the counter/gauge/histogram shapes of teacher
// internal/observability/metrics.go, relabeled for queue depth, relay pool
// occupancy, and SMTP command counters.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SMTPConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slimta",
			Subsystem: "smtp",
			Name:      "connections_total",
			Help:      "Total inbound SMTP connections accepted.",
		}, []string{"edge"}),
		SMTPCommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slimta",
			Subsystem: "smtp",
			Name:      "commands_total",
			Help:      "Total SMTP commands processed, by command and reply class.",
		}, []string{"command", "reply_class"}),
		SMTPSessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "slimta",
			Subsystem: "smtp",
			Name:      "session_duration_seconds",
			Help:      "Duration of an inbound SMTP session from banner to close.",
			Buckets:   prometheus.DefBuckets,
		}),

		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "slimta",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of envelopes in a queue's schedule waiting for their next delivery attempt.",
		}, []string{"queue"}),
		QueueEnqueuedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slimta",
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Total envelopes accepted into a queue.",
		}, []string{"queue"}),
		QueueAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slimta",
			Subsystem: "queue",
			Name:      "attempts_total",
			Help:      "Total delivery attempts dispatched by a queue, by outcome.",
		}, []string{"queue", "result"}),
		QueueBouncesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slimta",
			Subsystem: "queue",
			Name:      "bounces_total",
			Help:      "Total bounce messages generated after permanent failure or expiry.",
		}, []string{"queue", "reason"}),
		QueueAttemptDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "slimta",
			Subsystem: "queue",
			Name:      "attempt_duration_seconds",
			Help:      "Time spent inside a single relay attempt dispatched by a queue.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),

		RelayPoolInFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "slimta",
			Subsystem: "relay",
			Name:      "pool_in_flight",
			Help:      "Number of connections currently checked out of a relay's cached pool.",
		}, []string{"relay"}),
		RelayAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slimta",
			Subsystem: "relay",
			Name:      "attempts_total",
			Help:      "Total relay attempts, by destination host and result.",
		}, []string{"host", "result"}),
		RelayBreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "slimta",
			Subsystem: "relay",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per destination: 0=closed, 1=open, 2=half-open.",
		}, []string{"destination"}),
	}
}
