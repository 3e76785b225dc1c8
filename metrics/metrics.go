package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics groups the signaling counters on a private registry. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	actionsSent     *prometheus.CounterVec
	actionsReceived *prometheus.CounterVec
	resolves        *prometheus.CounterVec
	registryPeers   prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		actionsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doorbell_actions_sent_total",
			Help: "Signaling actions posted to peers.",
		}, []string{"type", "outcome"}),
		actionsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doorbell_actions_received_total",
			Help: "Signaling actions received by the RPC server.",
		}, []string{"type", "outcome"}),
		resolves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doorbell_resolves_total",
			Help: "DNS-SD resolve attempts.",
		}, []string{"outcome"}),
		registryPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "doorbell_registry_peers",
			Help: "Peers currently known to the registry.",
		}),
	}
	m.registry.MustRegister(
		m.actionsSent,
		m.actionsReceived,
		m.resolves,
		m.registryPeers,
		collectors.NewGoCollector(),
	)
	return m
}

// RecordSent counts one outbound action.
func (m *Metrics) RecordSent(tag string, err error) {
	if m == nil {
		return
	}
	m.actionsSent.WithLabelValues(tag, outcome(err)).Inc()
}

// RecordReceived counts one inbound request for tag.
func (m *Metrics) RecordReceived(tag string, err error) {
	if m == nil {
		return
	}
	m.actionsReceived.WithLabelValues(tag, outcome(err)).Inc()
}

func (m *Metrics) RecordResolve(err error) {
	if m == nil {
		return
	}
	m.resolves.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) SetPeers(n int) {
	if m == nil {
		return
	}
	m.registryPeers.Set(float64(n))
}

// SentCounter returns the counter behind RecordSent for one tag and outcome.
func (m *Metrics) SentCounter(tag, outcome string) prometheus.Counter {
	return m.actionsSent.WithLabelValues(tag, outcome)
}

// ReceivedCounter returns the counter behind RecordReceived for one tag and outcome.
func (m *Metrics) ReceivedCounter(tag, outcome string) prometheus.Counter {
	return m.actionsReceived.WithLabelValues(tag, outcome)
}

// Gatherer exposes the registry, mostly for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Gatherer(), promhttp.HandlerOpts{})
}

func outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}
