package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.RecordSent("SDPOffer", nil)
	m.RecordSent("SDPOffer", errors.New("refused"))
	m.RecordReceived("CallAccept", nil)
	m.RecordResolve(nil)
	m.SetPeers(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.actionsSent.WithLabelValues("SDPOffer", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.actionsSent.WithLabelValues("SDPOffer", OutcomeError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.actionsReceived.WithLabelValues("CallAccept", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resolves.WithLabelValues(OutcomeOK)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.registryPeers))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordSent("SDPOffer", nil)
		m.RecordReceived("SDPOffer", nil)
		m.RecordResolve(nil)
		m.SetPeers(1)
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.SetPeers(2)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "doorbell_registry_peers 2"))
}
