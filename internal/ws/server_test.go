package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/rtchat/internal/protocol"
)

type testServer struct {
	*Server
	http     *httptest.Server
	messages chan string
	closed   chan string
}

// startTestServer runs the poller and event loop behind an httptest server.
func startTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{messages: make(chan string, 16), closed: make(chan string, 16)}

	cfg := DefaultServerConfig()
	cfg.WorkerPoolSize = 4
	cfg.ReadTimeout = time.Second
	cfg.Heartbeat.Interval = 0
	ts.Server = NewServer(cfg, func(c *Connection, data []byte) {
		ts.messages <- string(data)
	})
	ts.SetOnDisconnect(func(c *Connection) { ts.closed <- c.ID })

	ep, err := NewEpoll()
	require.NoError(t, err)
	ts.epoll = ep
	ts.startedAt = time.Now()
	go ts.startEventLoop()

	ts.http = httptest.NewServer(ts.Handler())
	t.Cleanup(func() {
		ts.http.Close()
		_ = ts.Shutdown(context.Background())
	})
	return ts
}

func (ts *testServer) dial(t *testing.T) (net.Conn, string) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"
	conn, _, _, err := ws.Dial(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(conn)
	require.NoError(t, err)
	_ = conn.SetReadDeadline(time.Time{})

	msgType, msg, err := protocol.ParseServerMessage(data)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeSessionCreated, msgType)
	return conn, msg.(protocol.SessionCreatedMsg).SessionID
}

func TestServer_SessionAndMessages(t *testing.T) {
	ts := startTestServer(t)
	conn, id := ts.dial(t)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, ts.Connections().Count())

	require.NoError(t, wsutil.WriteClientText(conn, []byte(`{"type":"ping"}`)))
	select {
	case got := <-ts.messages:
		assert.JSONEq(t, `{"type":"ping"}`, got)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered to callback")
	}

	require.NoError(t, ts.SendMessage(id, []byte(`{"type":"pong"}`)))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(conn)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong"}`, string(data))

	assert.Error(t, ts.SendMessage("missing", []byte(`{}`)))
}

func TestServer_CloseRunsDisconnectOnce(t *testing.T) {
	ts := startTestServer(t)
	conn, id := ts.dial(t)
	c := ts.Connections().Get(id)
	require.NotNil(t, c)

	require.NoError(t, conn.Close())
	select {
	case got := <-ts.closed:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect callback not called")
	}

	ts.RemoveConnection(c)
	select {
	case <-ts.closed:
		t.Fatal("disconnect callback ran twice")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Zero(t, ts.Connections().Count())
}

func TestServer_Health(t *testing.T) {
	ts := startTestServer(t)
	ts.dial(t)

	resp, err := http.Get(ts.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Connections)
}

func TestServer_Metrics(t *testing.T) {
	ts := startTestServer(t)
	resp, err := http.Get(ts.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHeartbeat_EvictsIdle(t *testing.T) {
	ts := startTestServer(t)
	_, id := ts.dial(t)

	c := ts.Connections().Get(id)
	require.NotNil(t, c)
	c.lastActive.Store(time.Now().Add(-time.Hour).UnixNano())

	checkConnections(ts.Server, HeartbeatConfig{Interval: time.Second, Timeout: time.Second})
	assert.Nil(t, ts.Connections().Get(id))
	select {
	case got := <-ts.closed:
		assert.Equal(t, id, got)
	case <-time.After(time.Second):
		t.Fatal("heartbeat eviction did not disconnect")
	}
}
