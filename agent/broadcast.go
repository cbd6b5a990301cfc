package agent

import (
	"context"
	"sync"

	"github.com/sage-x-project/m2m/internal/idgen"
	"github.com/sage-x-project/m2m/internal/metrics"
	"github.com/sage-x-project/m2m/registry"
)

// BroadcastResult aggregates the outcome of a Broadcast call. Partial
// failure is not an error of the broadcast call itself (spec §4.8, §7).
type BroadcastResult struct {
	Total     int               `json:"total"`
	Delivered int               `json:"delivered"`
	Failed    int               `json:"failed"`
	Errors    []BroadcastError  `json:"errors,omitempty"`
}

// BroadcastError names one peer's delivery failure.
type BroadcastError struct {
	AgentID string `json:"agent"`
	Error   string `json:"error"`
}

// Broadcast discovers online agents advertising any of capabilities (any
// online agent when empty), then spawns an independent Send to each,
// isolating per-peer failures (spec §4.8). Only the first discover page is
// used, so at most the hub's default limit (100) of peers is targeted.
func (rt *Runtime) Broadcast(ctx context.Context, msgType string, payload interface{}, capabilities []string) (*BroadcastResult, error) {
	agents, _, err := rt.Discover(ctx, capabilities, string(registry.StatusOnline), 0, 0)
	if err != nil {
		return nil, err
	}

	result := &BroadcastResult{Total: len(agents)}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, a := range agents {
		a := a
		wg.Add(1)
		go func() {
			defer wg.Done()
			correlationID := idgen.MustCorrelationID()
			sendErr := rt.sendTo(ctx, a.Address, msgType, payload, correlationID)

			mu.Lock()
			defer mu.Unlock()
			if sendErr != nil {
				result.Failed++
				result.Errors = append(result.Errors, BroadcastError{AgentID: a.ID, Error: sendErr.Error()})
				metrics.AgentBroadcastFailedTotal.Inc()
			} else {
				result.Delivered++
				metrics.AgentBroadcastDeliveredTotal.Inc()
			}
		}()
	}
	wg.Wait()
	return result, nil
}
