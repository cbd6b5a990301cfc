package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntime_BroadcastPartialFailureIsolatesPeers(t *testing.T) {
	hubURL := startTestHub(t)
	sender := newTestRuntime(t, hubURL, nil)
	alive := newTestRuntime(t, hubURL, nil)
	dying := newTestRuntime(t, hubURL, nil)

	waitForID(t, sender, 2*time.Second)
	waitForID(t, alive, 2*time.Second)
	waitForID(t, dying, 2*time.Second)

	// Close only dying's listener, leaving its hub registration "online" so
	// Broadcast still targets it and the send itself fails.
	require.NoError(t, dying.listener.Close())

	result, err := sender.Broadcast(context.Background(), "ping", map[string]string{"hello": "world"}, nil)
	require.NoError(t, err)

	assert.Equal(t, result.Delivered+result.Failed, result.Total)
	assert.GreaterOrEqual(t, result.Delivered, 1)
	assert.GreaterOrEqual(t, result.Failed, 1)

	select {
	case msg := <-alive.Messages():
		assert.Equal(t, "ping", msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("alive peer never received the broadcast")
	}
}
