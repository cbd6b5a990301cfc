package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/m2m/hub"
)

func TestHubClient_DoRoundTrip(t *testing.T) {
	hubURL := startTestHub(t)
	client := connectedHubClient(t, hubURL)

	resp, err := client.Do(context.Background(), hub.Request{Action: "register", Address: "0.0.0.0:6001"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.Len(t, resp.ID, 32)
}

func TestHubClient_DoFailsWhenNotConnected(t *testing.T) {
	client := NewHubClient("ws://127.0.0.1:1/ws", false, nil)
	_, err := client.Do(context.Background(), hub.Request{Action: "stats"})
	require.Error(t, err)
}

func TestHubClient_DoTimesOutWithoutReply(t *testing.T) {
	// A control endpoint that accepts the socket and reads requests but
	// never answers them.
	upgrader := websocket.Upgrader{}
	silent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(silent.Close)
	client := connectedHubClient(t, "ws"+strings.TrimPrefix(silent.URL, "http")+"/ws")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := client.Do(ctx, hub.Request{Action: "stats"})
	require.Error(t, err)
}

func TestHubClient_DisconnectedFiresOnClientClose(t *testing.T) {
	hubURL := startTestHub(t)
	client := NewHubClient(hubURL, false, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	select {
	case <-client.Connected():
	case <-time.After(2 * time.Second):
		t.Fatal("never connected")
	}

	client.Close()

	select {
	case <-client.Disconnected():
	case <-time.After(2 * time.Second):
		t.Fatal("never observed disconnect")
	}
}
