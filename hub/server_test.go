package hub

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/m2m/registry"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server, string) {
	t.Helper()
	reg := registry.New(registry.NewMemoryStore())
	t.Cleanup(func() { reg.Close() })

	s := NewServer(reg, nil)
	mux := s.httpMux()
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	return s, ts, wsURL
}

func dialControl(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func doRequest(t *testing.T, conn *websocket.Conn, req Request) Response {
	t.Helper()
	if req.CorrelationID == "" {
		req.CorrelationID = "corr-" + req.Action
	}
	require.NoError(t, conn.WriteJSON(req))
	var resp Response
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, req.CorrelationID, resp.CorrelationID)
	return resp
}

func TestControlChannel_RegisterHeartbeatDiscover(t *testing.T) {
	_, _, wsURL := newTestServer(t)
	conn := dialControl(t, wsURL)

	reg := doRequest(t, conn, Request{Action: "register", Address: "0.0.0.0:4001", Capabilities: []string{"chat"}})
	require.Equal(t, "ok", reg.Status)
	require.Len(t, reg.ID, 32)
	assert.True(t, strings.HasSuffix(reg.Address, ":4001"))

	hb := doRequest(t, conn, Request{Action: "heartbeat", ID: reg.ID})
	assert.Equal(t, "ok", hb.Status)
	assert.NotEmpty(t, hb.Timestamp)

	disc := doRequest(t, conn, Request{Action: "discover", Capabilities: []string{"chat"}})
	assert.Equal(t, "ok", disc.Status)
	assert.Equal(t, 1, disc.Count)
	assert.Equal(t, reg.ID, disc.Agents[0].ID)
}

func TestControlChannel_FindOnlyMatchesOnlineWithCapability(t *testing.T) {
	_, _, wsURL := newTestServer(t)
	connA := dialControl(t, wsURL)
	connB := dialControl(t, wsURL)

	a := doRequest(t, connA, Request{Action: "register", Address: "0.0.0.0:4000"})
	b := doRequest(t, connB, Request{Action: "register", Address: "0.0.0.0:4001", Capabilities: []string{"chat"}})

	found := doRequest(t, connA, Request{Action: "find", Capability: "chat"})
	require.Equal(t, "ok", found.Status)
	require.Len(t, found.Agents, 1)
	assert.Equal(t, b.ID, found.Agents[0].ID)

	empty := doRequest(t, connA, Request{Action: "find", Capability: "nope"})
	assert.Equal(t, 0, empty.Count)
	assert.Empty(t, empty.Agents)

	_ = a
}

func TestControlChannel_LookupReturnsAgentNotFound(t *testing.T) {
	_, _, wsURL := newTestServer(t)
	conn := dialControl(t, wsURL)

	resp := doRequest(t, conn, Request{Action: "lookup", ID: "deadbeefdeadbeefdeadbeefdeadbeef"})
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "agent_not_found", resp.Error)
}

func TestControlChannel_StatusMergesMetadataAndDisconnectGoesOffline(t *testing.T) {
	_, _, wsURL := newTestServer(t)
	conn := dialControl(t, wsURL)

	reg := doRequest(t, conn, Request{Action: "register", Address: "0.0.0.0:4002", Metadata: map[string]string{"a": "1"}})

	st := doRequest(t, conn, Request{Action: "status", ID: reg.ID, Metadata: map[string]string{"b": "2"}})
	assert.Equal(t, "ok", st.Status)

	look := doRequest(t, conn, Request{Action: "lookup", ID: reg.ID})
	require.Equal(t, "ok", look.Status)
	assert.Equal(t, "1", look.Agent.Metadata["a"])
	assert.Equal(t, "2", look.Agent.Metadata["b"])

	disc := doRequest(t, conn, Request{Action: "disconnect", ID: reg.ID})
	assert.Equal(t, "ok", disc.Status)

	look2 := doRequest(t, conn, Request{Action: "lookup", ID: reg.ID})
	require.Equal(t, "ok", look2.Status)
	assert.Equal(t, "offline", look2.Agent.Status)

	discover := doRequest(t, conn, Request{Action: "discover"})
	for _, a := range discover.Agents {
		assert.NotEqual(t, reg.ID, a.ID)
	}
}

func TestControlChannel_DisconnectOnSocketClose(t *testing.T) {
	_, _, wsURL := newTestServer(t)
	conn := dialControl(t, wsURL)
	reg := doRequest(t, conn, Request{Action: "register", Address: "0.0.0.0:4003"})
	conn.Close()

	time.Sleep(100 * time.Millisecond)

	conn2 := dialControl(t, wsURL)
	look := doRequest(t, conn2, Request{Action: "lookup", ID: reg.ID})
	require.Equal(t, "ok", look.Status)
	assert.Equal(t, "offline", look.Agent.Status)
}

func TestControlChannel_StatsAndUnknownAction(t *testing.T) {
	_, _, wsURL := newTestServer(t)
	conn := dialControl(t, wsURL)
	doRequest(t, conn, Request{Action: "register", Address: "0.0.0.0:4004"})

	stats := doRequest(t, conn, Request{Action: "stats"})
	assert.Equal(t, "ok", stats.Status)
	assert.Equal(t, 1, stats.Total)

	bad := doRequest(t, conn, Request{Action: "nonsense"})
	assert.Equal(t, "error", bad.Status)
	assert.Equal(t, "unknown_action", bad.Error)
}
