package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndHandler(t *testing.T) {
	t.Parallel()

	m := New()
	m.WorkerStarted()
	m.WorkerStopped(1.5, true)
	m.SessionAbandoned()
	m.ResultRelayed("websocket")
	m.ResultRelayed("websocket")
	m.ResultsDropped(3)
	m.UploadScored()
	m.UploadRejected()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.workerStarts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.forcedKills))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.workerActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.resultsRelayed.WithLabelValues("websocket")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.resultsDropped))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "live_detect_worker_starts_total"))
	assert.True(t, strings.Contains(string(body), `live_detect_uploads_total{status="rejected"} 1`))
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.WorkerStarted()
		m.WorkerStopped(0, false)
		m.WorkerExited()
		m.SessionAbandoned()
		m.ResultRelayed("socketio")
		m.ResultsDropped(1)
		m.UploadScored()
		m.UploadRejected()
	})
}
