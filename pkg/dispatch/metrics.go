package dispatch

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "dsruntime_dispatch"

var (
	eventsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "events_total",
		Help:      "Events handed to subscription callbacks",
	}, []string{"kind", "phase", "model"})
	eventsGone = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "events_gone_total",
		Help:      "Events answered as gone because their subscription was removed",
	}, []string{"kind"})
	callbackErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "callback_errors_total",
		Help:      "Callbacks that returned an error or panicked",
	}, []string{"kind", "phase"})
	callbackDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "callback_duration_seconds",
		Help:      "Time spent in subscription callbacks",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"kind"})
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "queued_events",
		Help:      "Events waiting for their callback to start",
	})
)

// Collectors returns the dispatch metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		eventsDispatched,
		eventsGone,
		callbackErrors,
		callbackDuration,
		queueDepth,
	}
}
