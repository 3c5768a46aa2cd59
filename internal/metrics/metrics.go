// Package metrics exposes prometheus collectors for the sync core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Push outcomes
const (
	OutcomeRendered   = "rendered"
	OutcomeSuppressed = "suppressed"
	OutcomeDropped    = "dropped"
	OutcomeMerged     = "merged"
	OutcomeDiscarded  = "discarded"
	OutcomeAlert      = "alert"
)

// Metrics holds the collectors registered for one process.
type Metrics struct {
	pushEvents        *prometheus.CounterVec
	openConnections   *prometheus.GaugeVec
	transportFailures *prometheus.CounterVec
	commands          *prometheus.CounterVec
	sessionPolls      *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		pushEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gridview",
			Name:      "push_events_total",
			Help:      "Push payloads handled, by channel kind and outcome.",
		}, []string{"kind", "outcome"}),
		openConnections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gridview",
			Name:      "open_connections",
			Help:      "Live push connections by kind.",
		}, []string{"kind"}),
		transportFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gridview",
			Name:      "transport_failures_total",
			Help:      "Push connections that failed to open or dropped.",
		}, []string{"kind"}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gridview",
			Name:      "commands_total",
			Help:      "Commands dispatched to collaborators, by command and result.",
		}, []string{"command", "result"}),
		sessionPolls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gridview",
			Name:      "session_polls_total",
			Help:      "Session discovery queries, by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) Push(kind, outcome string) {
	if m == nil {
		return
	}
	m.pushEvents.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ConnectionOpened(kind string) {
	if m == nil {
		return
	}
	m.openConnections.WithLabelValues(kind).Inc()
}

func (m *Metrics) ConnectionClosed(kind string) {
	if m == nil {
		return
	}
	m.openConnections.WithLabelValues(kind).Dec()
}

func (m *Metrics) TransportFailure(kind string) {
	if m == nil {
		return
	}
	m.transportFailures.WithLabelValues(kind).Inc()
}

// Command records a command dispatch; err == nil counts as "ok".
func (m *Metrics) Command(command string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.commands.WithLabelValues(command, result).Inc()
}

func (m *Metrics) SessionPoll(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sessionPolls.WithLabelValues(result).Inc()
}
