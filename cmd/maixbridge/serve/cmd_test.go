package serve

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/maixbridge/config"
	"github.com/temoto/maixbridge/hub"
	"github.com/temoto/maixbridge/link"
	"github.com/temoto/maixbridge/log2"
)

const testWait = 3 * time.Second

func testConfig(t testing.TB) *config.Config {
	cfg, err := config.ReadConfig(nil, config.NewMockFullReader(nil), map[string]string{
		"MAIXBRIDGE_DEVICE_LISTEN":  "tcp://127.0.0.1:0",
		"MAIXBRIDGE_HTTP_LISTEN":    "127.0.0.1:0",
		"MAIXBRIDGE_METRICS_ENABLE": "true",
	})
	require.NoError(t, err)
	return cfg
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	app, err := Start(ctx, testConfig(t), log2.NewTest(t, log2.LDebug))
	require.NoError(t, err)
	cancel()
	done := make(chan error, 1)
	go func() { done <- app.Wait() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(testWait):
		t.Fatal("Wait timeout")
	}
}

func TestStartListenError(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Device.Listen = "udp://127.0.0.1:0"
	_, err := Start(context.Background(), cfg, log2.NewTest(t, log2.LDebug))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device listen")
}

func TestBridge(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app, err := Start(ctx, testConfig(t), log2.NewTest(t, log2.LDebug))
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, app.Wait())
	})

	ws, resp, err := websocket.DefaultDialer.Dial("ws://"+app.HTTPAddr()+"/ws", nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer ws.Close()
	require.Eventually(t, func() bool { return app.Hub.Count() == 1 }, testWait, time.Millisecond)

	dev, err := net.DialTimeout("tcp", app.Link.Addrs()[0], testWait)
	require.NoError(t, err)
	defer dev.Close()
	require.NoError(t, dev.SetDeadline(time.Now().Add(testWait)))
	dec := link.NewDecoder(dev, 0)
	writeFrame := func(f link.Frame) {
		b, err := link.FrameMarshal(f)
		require.NoError(t, err)
		_, err = dev.Write(b)
		require.NoError(t, err)
	}

	// device -> browser
	writeFrame(link.NewFrame(link.TypeTemperature, "36.6"))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(testWait)))
	var m hub.Message
	require.NoError(t, ws.ReadJSON(&m))
	assert.Equal(t, hub.EventTemperature, m.Event)
	assert.JSONEq(t, `"36.6"`, string(m.Data))

	// browser -> queue -> device
	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		[]byte(`{"event":"user_info","data":{"name":"Ann","email":"ann@x","symptoms":{"cough":false}}}`)))
	require.Eventually(t, func() bool { return app.Queue.Len() == 1 }, testWait, time.Millisecond)
	writeFrame(link.NewFrame(link.TypePoll, ""))
	f, err := dec.Read()
	require.NoError(t, err)
	assert.Equal(t, link.TypeRecord, f.Type)
	assert.Equal(t, "Ann,ann@x,false", string(f.Payload))

	hresp, err := http.Get("http://" + app.HTTPAddr() + "/healthz")
	require.NoError(t, err)
	defer hresp.Body.Close()
	var health hub.Health
	require.NoError(t, json.NewDecoder(hresp.Body).Decode(&health))
	assert.Equal(t, link.StateDeviceConnected.String(), health.Device)
	assert.Equal(t, dev.LocalAddr().String(), health.Remote)
	assert.Equal(t, 0, health.Queue)
	assert.Equal(t, 1, health.Subscribers)

	mresp, err := http.Get("http://" + app.HTTPAddr() + "/metrics")
	require.NoError(t, err)
	mresp.Body.Close()
	assert.Equal(t, http.StatusOK, mresp.StatusCode)
}
