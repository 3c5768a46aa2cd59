package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectors(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Push("conversation", OutcomeSuppressed)
	m.Push("conversation", OutcomeSuppressed)
	m.ConnectionOpened("telemetry")
	m.ConnectionOpened("telemetry")
	m.ConnectionClosed("telemetry")
	m.Command("join", nil)
	m.Command("join", errors.New("declined"))
	m.SessionPoll(nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.pushEvents.WithLabelValues("conversation", OutcomeSuppressed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.openConnections.WithLabelValues("telemetry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("join", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionPolls.WithLabelValues("ok")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Push("conversation", OutcomeRendered)
		m.ConnectionOpened("conversation")
		m.TransportFailure("conversation")
		m.Command("send", nil)
		m.SessionPoll(nil)
	})
}
