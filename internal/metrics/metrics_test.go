package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordLaunch(t *testing.T) {
	m := New()
	m.RecordLaunch("claude", OutcomeLaunched)
	m.RecordLaunch("claude", OutcomeLaunched)
	m.RecordLaunch("synthetic", OutcomeFailed)

	expected := `
		# HELP agentd_launches_total Launch attempts by provider type and outcome
		# TYPE agentd_launches_total counter
		agentd_launches_total{outcome="failed",type="synthetic"} 1
		agentd_launches_total{outcome="launched",type="claude"} 2
	`
	require.NoError(t, testutil.CollectAndCompare(m.Launches, strings.NewReader(expected)))
}

func TestActiveAgentsGauge(t *testing.T) {
	m := New()
	m.AgentStarted()
	m.AgentStarted()
	m.AgentFinished()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveAgents))
}

func TestMessagesPersisted(t *testing.T) {
	m := New()
	m.RecordMessagePersisted("assistant")
	m.RecordMessagePersisted("assistant")
	m.RecordMessagePersisted("response")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesPersisted.WithLabelValues("assistant")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesPersisted.WithLabelValues("response")))
}

func TestNilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordLaunch("claude", OutcomeLaunched)
	m.RecordLaunchDuration("claude", 0.1)
	m.AgentStarted()
	m.AgentFinished()
	m.RecordMessagePersisted("user")
	m.ClientConnected()
	m.ClientDisconnected()
	m.RecordHTTPRequest("GET", "/health", "200", 0.001)
	m.RegisterQueueDepth(func() float64 { return 0 })
}

func TestIsolatedRegistries(t *testing.T) {
	// Two instances must not collide on registration.
	a := New()
	b := New()
	a.RecordLaunch("claude", OutcomeLaunched)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.Launches.WithLabelValues("claude", OutcomeLaunched)))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Launches.WithLabelValues("claude", OutcomeLaunched)))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.AgentStarted()
	m.RegisterQueueDepth(func() float64 { return 3 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "agentd_active_agents 1")
	assert.Contains(t, body, "agentd_queue_depth 3")
	assert.Contains(t, body, "go_goroutines")
}
