package observability

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics("director")
	assert.NotNil(t, m.Registry())
}

func TestNewMetrics_DefaultNamespace(t *testing.T) {
	m := NewMetrics("")
	assert.NotNil(t, m)
}

func TestMetrics_RecordQuery(t *testing.T) {
	m := NewMetrics("test_query")
	m.RecordQuery("success", 25*time.Millisecond)
	m.RecordQuery("success", 30*time.Millisecond)
	m.RecordQuery("NoMatch", 5*time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.queriesTotal.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.queriesTotal.WithLabelValues("NoMatch")))
}

func TestMetrics_TokenCounters(t *testing.T) {
	m := NewMetrics("test_tokens")
	m.RecordTokenIssued()
	m.RecordTokenIssued()
	m.RecordUnknownToken()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.tokensIssued))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.tokensUnknown))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.controlPackets.WithLabelValues("rejected")))
}

func TestMetrics_Forwarding(t *testing.T) {
	m := NewMetrics("test_fwd")
	m.RecordForwarded("7777", "ingress", 128)
	m.RecordForwarded("7777", "egress", 256)
	m.RecordDrop("no_session")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.packetsForwarded.WithLabelValues("7777", "ingress")))
	assert.Equal(t, float64(128), testutil.ToFloat64(m.bytesForwarded.WithLabelValues("udp", "ingress")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.packetsDropped.WithLabelValues("no_session")))
}

func TestMetrics_Sessions(t *testing.T) {
	m := NewMetrics("test_sessions")
	m.SetActiveSessions(3)
	m.RecordSwept(2)

	assert.Equal(t, float64(3), testutil.ToFloat64(m.sessionsActive))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.sessionsSwept))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics("test_handler")
	m.SetBuildInfo("dev", "none")
	m.RecordRebind()
	m.RecordTCPConn("proxied")
	m.SetActiveTCPConns(1)
	m.RecordDialFailure("tcp")
	m.RecordTCPBytes("ingress", 1024)
	m.RecordLookup("gameserver", "success", 40*time.Millisecond)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "test_handler_control_packets_total")
	assert.Contains(t, body, "test_handler_tcp_connections_total")
	assert.Contains(t, body, "test_handler_resource_lookup_duration_seconds")
}
