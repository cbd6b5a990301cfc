package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/m2m/hub"
	"github.com/sage-x-project/m2m/internal/m2merr"
)

func connectedHubClient(t *testing.T, hubURL string) *HubClient {
	t.Helper()
	c := NewHubClient(hubURL, false, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { c.Run(ctx); close(done) }()
	t.Cleanup(func() {
		cancel()
		c.Close()
		<-done
	})

	select {
	case <-c.Connected():
	case <-time.After(2 * time.Second):
		t.Fatal("hub client never connected")
	}
	return c
}

func TestResolver_ResolveFallsBackToLookupAndCaches(t *testing.T) {
	hubURL := startTestHub(t)
	client := connectedHubClient(t, hubURL)

	reg, err := client.Do(context.Background(), hub.Request{Action: "register", Address: "0.0.0.0:5001"})
	require.NoError(t, err)
	require.Equal(t, "ok", reg.Status)

	r := NewResolver(client)
	addr, err := r.Resolve(context.Background(), reg.ID)
	require.NoError(t, err)
	assert.Contains(t, addr, ":5001")

	cached, ok := r.fromCache(reg.ID)
	require.True(t, ok)
	assert.Equal(t, addr, cached)
}

func TestResolver_ResolveUnknownAgent(t *testing.T) {
	hubURL := startTestHub(t)
	client := connectedHubClient(t, hubURL)
	r := NewResolver(client)

	_, err := r.Resolve(context.Background(), "deadbeefdeadbeefdeadbeefdeadbeef")
	require.ErrorIs(t, err, m2merr.ErrAgentNotFound)
}

func TestResolver_PopulateInsertsCacheEntries(t *testing.T) {
	r := NewResolver(nil)
	r.Populate([]hub.AgentView{{ID: "a1", Address: "10.0.0.1:9000"}})

	addr, ok := r.fromCache("a1")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1:9000", addr)
}

func TestResolver_CacheExpiresAfterTTL(t *testing.T) {
	r := NewResolver(nil)
	r.mu.Lock()
	r.cache["a1"] = cacheEntry{address: "10.0.0.1:9000", insertedAt: time.Now().Add(-2 * AddressCacheTTL)}
	r.mu.Unlock()

	_, ok := r.fromCache("a1")
	assert.False(t, ok)
}
