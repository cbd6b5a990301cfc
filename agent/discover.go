package agent

import (
	"context"

	"github.com/sage-x-project/m2m/hub"
	"github.com/sage-x-project/m2m/internal/m2merr"
)

// Discover issues a discover action, AND-ing any supplied filters
// (capabilities is any-of), and populates the address cache with the
// results as a side effect (spec §4.5/§4.6).
func (rt *Runtime) Discover(ctx context.Context, capabilities []string, status string, limit, offset int) ([]hub.AgentView, int, error) {
	resp, err := rt.hubClient.Do(ctx, hub.Request{
		Action:       "discover",
		Capabilities: capabilities,
		Status:       status,
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		return nil, 0, err
	}
	if resp.Status != "ok" {
		return nil, 0, m2merr.Registry("discover failed: "+resp.Error, nil)
	}
	rt.resolver.Populate(resp.Agents)
	return resp.Agents, resp.Count, nil
}

// Find is a convenience discover restricted to a single capability among
// online agents (spec §4.5).
func (rt *Runtime) Find(ctx context.Context, capability string, limit, offset int) ([]hub.AgentView, int, error) {
	resp, err := rt.hubClient.Do(ctx, hub.Request{
		Action:     "find",
		Capability: capability,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		return nil, 0, err
	}
	if resp.Status != "ok" {
		return nil, 0, m2merr.Registry("find failed: "+resp.Error, nil)
	}
	rt.resolver.Populate(resp.Agents)
	return resp.Agents, resp.Count, nil
}
