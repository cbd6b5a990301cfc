package agent

import (
	"context"
	"sync"
	"time"

	"github.com/sage-x-project/m2m/hub"
	"github.com/sage-x-project/m2m/internal/m2merr"
	"github.com/sage-x-project/m2m/registry"
)

// AddressCacheTTL is how long a resolved address is trusted before a fresh
// hub lookup is required (spec §3/§4.6).
const AddressCacheTTL = 60 * time.Second

type cacheEntry struct {
	address    string
	insertedAt time.Time
}

// Resolver resolves agent ids to peer addresses, backed by a TTL cache
// with a hub lookup on miss.
type Resolver struct {
	client *HubClient

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewResolver builds a Resolver issuing lookups over client.
func NewResolver(client *HubClient) *Resolver {
	return &Resolver{client: client, cache: make(map[string]cacheEntry)}
}

// Resolve returns id's address. A fresh cache entry is returned directly;
// otherwise a hub lookup is issued, raising ErrAgentNotFound if the hub
// has no record and ErrAgentOffline if the record is offline (idle is
// acceptable — the peer may still answer).
func (r *Resolver) Resolve(ctx context.Context, id string) (string, error) {
	if addr, ok := r.fromCache(id); ok {
		return addr, nil
	}

	resp, err := r.client.Do(ctx, hub.Request{Action: "lookup", ID: id})
	if err != nil {
		return "", err
	}
	if resp.Status != "ok" {
		if resp.Error == "agent_not_found" {
			return "", m2merr.ErrAgentNotFound
		}
		return "", m2merr.Registry("lookup failed: "+resp.Error, nil)
	}
	if resp.Agent == nil {
		return "", m2merr.ErrAgentNotFound
	}
	if registry.Status(resp.Agent.Status) == registry.StatusOffline {
		return "", m2merr.ErrAgentOffline
	}

	r.insert(resp.Agent.ID, resp.Agent.Address)
	return resp.Agent.Address, nil
}

func (r *Resolver) fromCache(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[id]
	if !ok || time.Since(e.insertedAt) >= AddressCacheTTL {
		delete(r.cache, id)
		return "", false
	}
	return e.address, true
}

func (r *Resolver) insert(id, address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[id] = cacheEntry{address: address, insertedAt: time.Now()}
}

// Populate inserts/refreshes cache entries as a side effect of a
// discover/find response, per spec §4.6.
func (r *Resolver) Populate(agents []hub.AgentView) {
	for _, a := range agents {
		r.insert(a.ID, a.Address)
	}
}
