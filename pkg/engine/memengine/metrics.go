package memengine

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "dsruntime_engine"

type metrics struct {
	connections      prometheus.Gauge
	subscriptions    *prometheus.GaugeVec
	callbackDuration *prometheus.HistogramVec
	commits          *prometheus.CounterVec
	commitDuration   *prometheus.HistogramVec
	operPulls        *prometheus.CounterVec
	rpcs             *prometheus.CounterVec
}

func newMetrics(name string) *metrics {
	labels := prometheus.Labels{"engine": name}
	return &metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "connections",
			Help:        "Number of open engine connections",
			ConstLabels: labels,
		}),
		subscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "subscriptions",
			Help:        "Number of registered subscriptions by kind",
			ConstLabels: labels,
		}, []string{"kind"}),
		callbackDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   metricsNamespace,
			Name:        "callback_duration_seconds",
			Help:        "Time between posting an event and receiving its answer",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"phase"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "commits_total",
			Help:        "Configuration transactions by datastore and result",
			ConstLabels: labels,
		}, []string{"datastore", "result"}),
		commitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   metricsNamespace,
			Name:        "commit_duration_seconds",
			Help:        "Duration of configuration transactions",
			ConstLabels: labels,
		}, []string{"datastore"}),
		operPulls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "operational_pulls_total",
			Help:        "Operational data requests sent to subscribers by result",
			ConstLabels: labels,
		}, []string{"result"}),
		rpcs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "rpcs_total",
			Help:        "Rpcs and actions sent by result",
			ConstLabels: labels,
		}, []string{"result"}),
	}
}

// Collectors returns the engine metrics for registration.
func (e *Engine) Collectors() []prometheus.Collector {
	m := e.metrics
	return []prometheus.Collector{
		m.connections,
		m.subscriptions,
		m.callbackDuration,
		m.commits,
		m.commitDuration,
		m.operPulls,
		m.rpcs,
	}
}
