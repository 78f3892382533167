package hub_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/maixbridge/hub"
	"github.com/temoto/maixbridge/log2"
	"github.com/temoto/maixbridge/metrics"
	"github.com/temoto/maixbridge/queue"
)

const testWait = 3 * time.Second

func testHub(t testing.TB, opt hub.Options) (*hub.Hub, queue.Queue) {
	if opt.Log == nil {
		opt.Log = log2.NewTest(t, log2.LDebug)
	}
	if opt.Queue == nil {
		opt.Queue = queue.NewMemory()
	}
	h := hub.New(opt)
	t.Cleanup(func() { _ = h.Close() })
	return h, opt.Queue
}

func testDialWS(t testing.TB, srv *httptest.Server) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func testReadMessage(t testing.TB, conn *websocket.Conn) hub.Message {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testWait)))
	var m hub.Message
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func testWaitCount(t testing.TB, h *hub.Hub, n int) {
	require.Eventually(t, func() bool { return h.Count() == n }, testWait, time.Millisecond)
}

func TestBroadcastNoReplay(t *testing.T) {
	t.Parallel()
	h, _ := testHub(t, hub.Options{})
	assert.Equal(t, 0, h.Broadcast(hub.EventTemperature, "36.0"))

	s1, err := h.Subscribe()
	require.NoError(t, err)
	s2, err := h.Subscribe()
	require.NoError(t, err)
	assert.NotEqual(t, s1.ID, s2.ID)
	assert.Equal(t, 2, h.Broadcast(hub.EventTemperature, "36.5"))

	late, err := h.Subscribe()
	require.NoError(t, err)
	for _, s := range []*hub.Subscriber{s1, s2} {
		select {
		case b := <-s.Recv():
			assert.JSONEq(t, `{"event":"temperature","data":"36.5"}`, string(b))
		default:
			t.Fatal("subscriber did not get message")
		}
		select {
		case b := <-s.Recv():
			t.Fatalf("unexpected second message %s", b)
		default:
		}
	}
	select {
	case b := <-late.Recv():
		t.Fatalf("late subscriber got replay %s", b)
	default:
	}
}

func TestBroadcastSlowSubscriber(t *testing.T) {
	t.Parallel()
	h, _ := testHub(t, hub.Options{SendBuffer: 2})
	slow, err := h.Subscribe()
	require.NoError(t, err)
	fast, err := h.Subscribe()
	require.NoError(t, err)

	got := 0
	for i := 0; i < 5; i++ {
		h.Broadcast(hub.EventClassification, "mask")
		select {
		case <-fast.Recv():
			got++
		case <-time.After(testWait):
			t.Fatal("fast subscriber blocked")
		}
	}
	assert.Equal(t, 5, got)
	assert.Equal(t, 2, len(slow.Recv()))
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()
	h, _ := testHub(t, hub.Options{})
	s, err := h.Subscribe()
	require.NoError(t, err)
	assert.Equal(t, 1, h.Count())
	h.Unsubscribe(s)
	h.Unsubscribe(s)
	assert.Equal(t, 0, h.Count())
	_, ok := <-s.Recv()
	assert.False(t, ok)
	assert.Equal(t, 0, h.Broadcast(hub.EventTemperature, "1"))
}

func TestSubmitRecord(t *testing.T) {
	t.Parallel()
	m := metrics.New("")
	h, q := testHub(t, hub.Options{Metrics: m})
	require.NoError(t, q.Push("first"))
	require.NoError(t, h.SubmitRecord([]byte(`{"name":"A","symptoms":{"cough":true,"fever":false}}`)))
	assert.Error(t, h.SubmitRecord([]byte(`"not object"`)))
	assert.Equal(t, 2, q.Len())

	ctx := context.Background()
	for _, expect := range []string{"first", "A,true,false"} {
		r, ok, err := q.Pop(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, expect, r)
	}
}

func TestWebSocket(t *testing.T) {
	t.Parallel()
	h, q := testHub(t, hub.Options{})
	srv := httptest.NewServer(h.Router(""))
	defer srv.Close()

	c1 := testDialWS(t, srv)
	c2 := testDialWS(t, srv)
	testWaitCount(t, h, 2)

	assert.Equal(t, 2, h.Broadcast(hub.EventConfidenceLevel, "97.5"))
	for _, c := range []*websocket.Conn{c1, c2} {
		m := testReadMessage(t, c)
		assert.Equal(t, hub.EventConfidenceLevel, m.Event)
		assert.Equal(t, `"97.5"`, string(m.Data))
	}

	require.NoError(t, c1.WriteJSON(map[string]interface{}{"event": "bogus", "data": 1}))
	require.NoError(t, c1.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, c1.WriteMessage(websocket.TextMessage,
		[]byte(`{"event":"user_info","data":{"name":"B","email":"b@x","symptoms":{"cough":false}}}`)))
	require.Eventually(t, func() bool { return q.Len() == 1 }, testWait, time.Millisecond)
	r, ok, err := q.Pop(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "B,b@x,false", r)

	require.NoError(t, c2.Close())
	testWaitCount(t, h, 1)
}

func TestClose(t *testing.T) {
	t.Parallel()
	h := hub.New(hub.Options{Log: log2.NewTest(t, log2.LDebug), Queue: queue.NewMemory()})
	srv := httptest.NewServer(h.Router(""))
	defer srv.Close()
	c := testDialWS(t, srv)
	testWaitCount(t, h, 1)

	require.NoError(t, h.Close())
	assert.Equal(t, 0, h.Count())
	require.NoError(t, c.SetReadDeadline(time.Now().Add(testWait)))
	_, _, err := c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "err=%v", err)

	_, err = h.Subscribe()
	assert.Equal(t, hub.ErrClosing, err)
}

func TestHealth(t *testing.T) {
	t.Parallel()
	h, q := testHub(t, hub.Options{
		Status: func() (string, string) { return "device_connected", "10.0.0.7:4123" },
	})
	require.NoError(t, q.Push("x"))
	srv := httptest.NewServer(h.Router(""))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var health hub.Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, hub.Health{Device: "device_connected", Remote: "10.0.0.7:4123", Queue: 1}, health)
}

func TestStatic(t *testing.T) {
	t.Parallel()
	h, _ := testHub(t, hub.Options{})

	get := func(srv *httptest.Server, path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(b)
	}

	embedded := httptest.NewServer(h.Router(""))
	defer embedded.Close()
	code, body := get(embedded, "/")
	assert.Equal(t, 200, code)
	assert.Contains(t, body, `id="user_info_form"`)
	code, body = get(embedded, "/script.js")
	assert.Equal(t, 200, code)
	assert.Contains(t, body, "user_info")
	code, _ = get(embedded, "/metrics")
	assert.Equal(t, 404, code)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("custom page"), 0644))
	custom := httptest.NewServer(h.Router(dir))
	defer custom.Close()
	code, body = get(custom, "/")
	assert.Equal(t, 200, code)
	assert.Equal(t, "custom page", body)
}

func TestMetricsRoute(t *testing.T) {
	t.Parallel()
	h, _ := testHub(t, hub.Options{Metrics: metrics.New("test")})
	srv := httptest.NewServer(h.Router(""))
	defer srv.Close()
	h.Broadcast(hub.EventTemperature, "36.6")
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(b), `test_broadcasts_total{event="temperature"} 1`)
}

func TestServe(t *testing.T) {
	t.Parallel()
	h, _ := testHub(t, hub.Options{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	errch := make(chan error, 1)
	go func() { errch <- h.Serve(ctx, ln, hub.HTTPOptions{}) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	cancel()
	select {
	case err = <-errch:
		assert.NoError(t, err)
	case <-time.After(testWait):
		t.Fatal("Serve did not return after cancel")
	}
}
