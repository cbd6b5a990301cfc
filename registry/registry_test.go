package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/m2m/internal/m2merr"
)

func TestRegister_MintsUniqueIDAndDerivesAddress(t *testing.T) {
	r := New(NewMemoryStore())
	defer r.Close()

	a, err := r.Register(context.Background(), "203.0.113.5:51000", "0.0.0.0:4000", []string{"chat"}, nil)
	require.NoError(t, err)
	assert.Len(t, a.ID, 32)
	assert.Equal(t, "203.0.113.5:4000", a.Address)
	assert.Equal(t, StatusOnline, a.Status)

	b, err := r.Register(context.Background(), "203.0.113.6:51000", "0.0.0.0:4001", nil, nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestDeriveAddress(t *testing.T) {
	cases := []struct {
		name     string
		observed string
		declared string
		trust    bool
		want     string
	}{
		{"port from declared", "203.0.113.5:9999", "0.0.0.0:4000", false, "203.0.113.5:4000"},
		{"no declared address", "203.0.113.5:9999", "", false, "203.0.113.5:9999"},
		{"declared with no port", "203.0.113.5:9999", "somehost", false, "203.0.113.5:9999"},
		{"trust client address", "203.0.113.5:9999", "evil.example:4000", true, "evil.example:4000"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DeriveAddress(tc.observed, tc.declared, tc.trust)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestHeartbeat_RefreshesLastSeenAndForcesOnline(t *testing.T) {
	r := New(NewMemoryStore())
	defer r.Close()

	a, err := r.Register(context.Background(), "10.0.0.1:1", "", nil, nil)
	require.NoError(t, err)

	idle := StatusIdle
	require.NoError(t, r.SetStatus(context.Background(), a.ID, &idle, nil))

	before, err := r.Lookup(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, before.Status)

	require.NoError(t, r.Heartbeat(context.Background(), a.ID))

	after, err := r.Lookup(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, after.Status)
	assert.True(t, !after.LastSeen.Before(before.LastSeen))
}

func TestLookup_NotFound(t *testing.T) {
	r := New(NewMemoryStore())
	defer r.Close()

	_, err := r.Lookup(context.Background(), "nonexistent")
	assert.True(t, errors.Is(err, m2merr.ErrAgentNotFound))
}

func TestDiscover_ExcludesSelfAndOffline(t *testing.T) {
	r := New(NewMemoryStore())
	defer r.Close()
	ctx := context.Background()

	a, err := r.Register(ctx, "10.0.0.1:1", "", nil, nil)
	require.NoError(t, err)
	b, err := r.Register(ctx, "10.0.0.2:1", "", nil, nil)
	require.NoError(t, err)
	require.NoError(t, r.Disconnect(ctx, b.ID))

	agents, total, err := r.Discover(ctx, Filter{ExcludeID: a.ID})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.Empty(t, agents)
}

func TestFind_MatchesCapabilityAmongOnlineOnly(t *testing.T) {
	r := New(NewMemoryStore())
	defer r.Close()
	ctx := context.Background()

	b, err := r.Register(ctx, "10.0.0.2:1", "", []string{"chat"}, nil)
	require.NoError(t, err)
	_, err = r.Register(ctx, "10.0.0.3:1", "", nil, nil)
	require.NoError(t, err)

	agents, total, err := r.Find(ctx, "chat", 0, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, b.ID, agents[0].ID)

	agents, total, err = r.Find(ctx, "nope", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.Empty(t, agents)
}

func TestDiscover_PaginationStability(t *testing.T) {
	r := New(NewMemoryStore())
	defer r.Close()
	ctx := context.Background()

	const n = 10
	ids := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		a, err := r.Register(ctx, "10.0.0.1:1", "", nil, nil)
		require.NoError(t, err)
		ids[a.ID] = true
		time.Sleep(time.Millisecond)
	}

	seen := make(map[string]bool, n)
	const pageSize = 3
	for offset := 0; offset < n; offset += pageSize {
		page, total, err := r.Discover(ctx, Filter{Limit: pageSize, Offset: offset})
		require.NoError(t, err)
		assert.Equal(t, n, total)
		for _, a := range page {
			assert.False(t, seen[a.ID], "duplicate across pages")
			seen[a.ID] = true
		}
	}
	assert.Len(t, seen, n)
	for id := range ids {
		assert.True(t, seen[id])
	}
}

func TestSweep_StatusMonotonicity(t *testing.T) {
	store := NewMemoryStore()
	r := New(store)
	defer r.Close()
	ctx := context.Background()

	a, err := r.Register(ctx, "10.0.0.1:1", "", nil, nil)
	require.NoError(t, err)

	idled, err := store.SweepToIdle(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Contains(t, idled, a.ID)

	got, err := r.Lookup(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, got.Status)

	offlined, err := store.SweepToOffline(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Contains(t, offlined, a.ID)

	got, err = r.Lookup(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, got.Status)

	// A heartbeat on the old id forces the record back online from any
	// state, offline included.
	err = r.Heartbeat(ctx, a.ID)
	require.NoError(t, err)
	got, err = r.Lookup(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, got.Status, "heartbeat always forces online regardless of prior state")
}

func TestStats_CountsByStatus(t *testing.T) {
	r := New(NewMemoryStore())
	defer r.Close()
	ctx := context.Background()

	a, err := r.Register(ctx, "10.0.0.1:1", "", nil, nil)
	require.NoError(t, err)
	_, err = r.Register(ctx, "10.0.0.2:1", "", nil, nil)
	require.NoError(t, err)
	require.NoError(t, r.Disconnect(ctx, a.ID))

	stats, err := r.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[StatusOnline])
	assert.Equal(t, 1, stats.ByStatus[StatusOffline])
}
