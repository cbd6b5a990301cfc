package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/m2m/config"
	"github.com/sage-x-project/m2m/hub"
	"github.com/sage-x-project/m2m/internal/m2merr"
	"github.com/sage-x-project/m2m/registry"
)

// startTestHub boots a real Hub on an ephemeral loopback port and returns
// its control-channel WebSocket URL.
func startTestHub(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	h := hub.New(addr, registry.NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.ListenAndServe(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("tcp", addr); err == nil {
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	return fmt.Sprintf("ws://%s/ws", addr)
}

func waitForID(t *testing.T, rt *Runtime, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if id := rt.ID(); id != "" {
			return id
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for agent registration")
	return ""
}

func newTestRuntime(t *testing.T, hubURL string, capabilities []string) *Runtime {
	t.Helper()
	cfg := config.AgentConfig{
		Port:         0,
		Hub:          hubURL,
		Capabilities: capabilities,
		Metadata:     map[string]string{},
	}
	rt, err := New(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		rt.Stop()
	})
	go rt.Start(ctx)
	return rt
}

func TestRuntime_DiscoverAndSend(t *testing.T) {
	hubURL := startTestHub(t)
	a := newTestRuntime(t, hubURL, nil)
	b := newTestRuntime(t, hubURL, nil)

	waitForID(t, a, 2*time.Second)
	idB := waitForID(t, b, 2*time.Second)

	agents, count, err := a.Discover(context.Background(), nil, "online", 0, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 1)

	found := false
	for _, av := range agents {
		if av.ID == idB {
			found = true
		}
	}
	assert.True(t, found)

	err = a.Send(context.Background(), idB, "hello", map[string]int{"n": 7})
	require.NoError(t, err)

	select {
	case msg := <-b.Messages():
		assert.Equal(t, "hello", msg.Type)
		assert.Equal(t, a.ID(), msg.From)
		var payload struct{ N int }
		require.NoError(t, json.Unmarshal(msg.Payload, &payload))
		assert.Equal(t, 7, payload.N)
	case <-time.After(2 * time.Second):
		t.Fatal("B never received the message")
	}
}

func TestRuntime_FindByCapability(t *testing.T) {
	hubURL := startTestHub(t)
	a := newTestRuntime(t, hubURL, nil)
	b := newTestRuntime(t, hubURL, []string{"chat"})

	waitForID(t, a, 2*time.Second)
	idB := waitForID(t, b, 2*time.Second)

	agents, _, err := a.Find(context.Background(), "chat", 0, 0)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, idB, agents[0].ID)

	none, count, err := a.Find(context.Background(), "nope", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Empty(t, none)
}

func TestRuntime_RequestResponse(t *testing.T) {
	hubURL := startTestHub(t)
	a := newTestRuntime(t, hubURL, nil)
	b := newTestRuntime(t, hubURL, nil)

	waitForID(t, a, 2*time.Second)
	idB := waitForID(t, b, 2*time.Second)

	go func() {
		for msg := range b.Messages() {
			if msg.Type != "sum" {
				continue
			}
			var req struct {
				Nums          []int  `json:"nums"`
				CorrelationID string `json:"correlationId"`
			}
			json.Unmarshal(msg.Payload, &req)
			total := 0
			for _, n := range req.Nums {
				total += n
			}
			b.Respond(context.Background(), msg.From, "sum", req.CorrelationID, map[string]int{"result": total})
		}
	}()

	raw, err := a.Request(context.Background(), idB, "sum", map[string]interface{}{"nums": []int{1, 2, 3}}, 5*time.Second)
	require.NoError(t, err)

	var resp struct{ Result int }
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, 6, resp.Result)
}

func TestRuntime_RequestTimesOutWithNoResponder(t *testing.T) {
	hubURL := startTestHub(t)
	a := newTestRuntime(t, hubURL, nil)
	b := newTestRuntime(t, hubURL, nil)

	waitForID(t, a, 2*time.Second)
	idB := waitForID(t, b, 2*time.Second)

	// B is up and acks the message, but nothing on B ever responds.
	_, err := a.Request(context.Background(), idB, "sum", map[string]interface{}{"nums": []int{1}}, 300*time.Millisecond)
	require.Error(t, err)
	assert.True(t, m2merr.Is(err, m2merr.KindTimeout))
}
