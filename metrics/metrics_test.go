package metrics_test

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/maixbridge/metrics"
)

func TestMetrics(t *testing.T) {
	t.Parallel()
	m := metrics.New("")
	m.SetDeviceConnected(true)
	m.DeviceReplaced()
	m.Frame(metrics.DirRecv, "temperature")
	m.Frame(metrics.DirRecv, "temperature")
	m.Broadcast("temperature", 2)
	m.SetQueueLength(3)
	m.Record("queued")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeviceConnected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeviceReplacements))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Frames.WithLabelValues(metrics.DirRecv, "temperature")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BroadcastDrops))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.QueueLength))

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, w.Code)
	body, _ := io.ReadAll(w.Body)
	assert.Contains(t, string(body), "maixbridge_frames_total{direction=\"recv\",type=\"temperature\"} 2")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestMetricsNil(t *testing.T) {
	t.Parallel()
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.SetDeviceConnected(false)
		m.DeviceReplaced()
		m.Frame(metrics.DirSend, "poll")
		m.ProtocolError()
		m.Broadcast("classification", 0)
		m.SetSubscribers(1)
		m.SetQueueLength(0)
		m.Record("delivered")
	})
	assert.Nil(t, m.Registry())
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, w.Code)
}
