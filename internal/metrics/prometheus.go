package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oriys/agentbus/internal/bus"
)

// PrometheusMetrics wraps the Prometheus collectors for the bus: queue
// depth, lifecycle-event counters, poll latency, and the consult/replan
// control flows layered on top.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	queueDepth       *prometheus.GaugeVec
	queueEventsTotal *prometheus.CounterVec
	queueWaitMs      *prometheus.HistogramVec
	leaseDurationS   *prometheus.HistogramVec

	pollLatency *prometheus.HistogramVec

	consultsTotal      prometheus.Counter
	consultTimeouts    prometheus.Counter
	replansTotal       prometheus.Counter
	replansExhausted   prometheus.Counter
}

// Default histogram buckets (milliseconds) for queue wait time.
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Number of unleased messages pending on a queue",
			},
			[]string{"queue"},
		),

		queueEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_events_total",
				Help:      "Total store lifecycle events by queue and kind",
			},
			[]string{"queue", "event"},
		),

		queueWaitMs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "queue_wait_ms",
				Help:      "Time a message waited between enqueue and lease, in milliseconds",
				Buckets:   buckets,
			},
			[]string{"queue"},
		),

		leaseDurationS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lease_extend_seconds",
				Help:      "Heartbeat lease extension amount, in seconds",
				Buckets:   []float64{5, 10, 15, 30, 60, 120},
			},
			[]string{"queue"},
		),

		pollLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "consumer_poll_duration_ms",
				Help:      "Time spent in one consumer PollOnce call, in milliseconds",
				Buckets:   buckets,
			},
			[]string{"consumer"},
		),

		consultsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consults_total",
			Help:      "Total consult-planner round trips initiated",
		}),

		consultTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consult_timeouts_total",
			Help:      "Total consult-planner round trips that timed out",
		}),

		replansTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replans_total",
			Help:      "Total replan requests dispatched",
		}),

		replansExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replans_exhausted_total",
			Help:      "Total replan attempts rejected for exceeding max depth",
		}),
	}

	registry.MustRegister(
		pm.queueDepth, pm.queueEventsTotal, pm.queueWaitMs, pm.leaseDurationS,
		pm.pollLatency, pm.consultsTotal, pm.consultTimeouts, pm.replansTotal, pm.replansExhausted,
	)

	promMetrics = pm
}

// Sink returns a bus.TelemetrySink that records QueueTelemetryEvents
// against these collectors and forwards RuntimeAuditEvents to the
// default log sink — satisfying the split the ambient stack specifies
// between performance metrics and security-relevant audit records.
func Sink() bus.TelemetrySink {
	return prometheusSink{}
}

type prometheusSink struct{ bus.LogSink }

func (prometheusSink) Queue(evt bus.QueueTelemetryEvent) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueEventsTotal.WithLabelValues(evt.QueueName, string(evt.Event)).Inc()
	if evt.WaitMS != nil {
		promMetrics.queueWaitMs.WithLabelValues(evt.QueueName).Observe(*evt.WaitMS)
	}
	if evt.LeaseDurationS != nil {
		promMetrics.leaseDurationS.WithLabelValues(evt.QueueName).Observe(*evt.LeaseDurationS)
	}
}

// SetQueueDepth records the current pending count for a queue, typically
// polled on a timer from Store.PendingCount.
func SetQueueDepth(queue string, depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordPollLatency records how long one consumer's PollOnce call took.
func RecordPollLatency(consumer string, durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.pollLatency.WithLabelValues(consumer).Observe(durationMs)
}

// RecordConsult records one consult-planner round trip, optionally marked
// as having timed out.
func RecordConsult(timedOut bool) {
	if promMetrics == nil {
		return
	}
	promMetrics.consultsTotal.Inc()
	if timedOut {
		promMetrics.consultTimeouts.Inc()
	}
}

// RecordReplan records one replan attempt, optionally marked as exhausted
// (rejected for exceeding max depth).
func RecordReplan(exhausted bool) {
	if promMetrics == nil {
		return
	}
	if exhausted {
		promMetrics.replansExhausted.Inc()
		return
	}
	promMetrics.replansTotal.Inc()
}

// PrometheusHandler exposes the registry over HTTP for a /metrics route.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the underlying registry, e.g. to register
// additional collectors before serving /metrics.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
