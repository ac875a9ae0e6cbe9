package panel

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "panel"

// a nil `*Metrics` is valid and records nothing
type Metrics struct {
	historyFetches       *prometheus.CounterVec
	historyRequests      *prometheus.CounterVec
	collectionSubscribes *prometheus.CounterVec
	stateUpdates         prometheus.Counter
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	metrics := &Metrics{
		historyFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "history",
				Name:      "fetches_total",
				Help:      "History fetches issued to the server by kind (full, delta).",
			},
			[]string{"kind"},
		),
		historyRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "history",
				Name:      "requests_total",
				Help:      "History range requests by outcome (fetched, cached, coalesced, error).",
			},
			[]string{"outcome"},
		),
		collectionSubscribes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "collection",
				Name:      "subscribes_total",
				Help:      "Underlying push subscriptions established per collection key.",
			},
			[]string{"key"},
		),
		stateUpdates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "state",
				Name:      "updates_total",
				Help:      "Canonical state replacements.",
			},
		),
	}
	if registerer != nil {
		registerer.MustRegister(
			metrics.historyFetches,
			metrics.historyRequests,
			metrics.collectionSubscribes,
			metrics.stateUpdates,
		)
	}
	return metrics
}

func (self *Metrics) HistoryFetch(kind string) {
	if self == nil {
		return
	}
	self.historyFetches.WithLabelValues(kind).Inc()
}

func (self *Metrics) HistoryRequest(outcome string) {
	if self == nil {
		return
	}
	self.historyRequests.WithLabelValues(outcome).Inc()
}

func (self *Metrics) CollectionSubscribe(key string) {
	if self == nil {
		return
	}
	self.collectionSubscribes.WithLabelValues(key).Inc()
}

func (self *Metrics) StateUpdate() {
	if self == nil {
		return
	}
	self.stateUpdates.Inc()
}
