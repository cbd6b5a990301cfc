// Package registry implements the hub's authoritative agent directory: the
// agent record model, status lifecycle, query filters, a pluggable Store
// (memory or Postgres), and the decay sweeper.
package registry

import "time"

// Status is an agent record's lifecycle state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusIdle    Status = "idle"
	StatusOffline Status = "offline"
)

// Decay thresholds per the sweeper's lifecycle rules.
const (
	IdleAfter    = 2 * time.Minute
	OfflineAfter = 5 * time.Minute
	SweepInterval = 30 * time.Second
)

// Agent is the hub's authoritative record for one registered agent.
type Agent struct {
	ID           string            `json:"id"`
	Address      string            `json:"address"`
	Capabilities []string          `json:"capabilities"`
	Metadata     map[string]string `json:"metadata"`
	Status       Status            `json:"status"`
	LastSeen     time.Time         `json:"last_seen"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Clone returns a deep copy, preventing callers from aliasing a store's
// internal state.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	caps := make([]string, len(a.Capabilities))
	copy(caps, a.Capabilities)
	meta := make(map[string]string, len(a.Metadata))
	for k, v := range a.Metadata {
		meta[k] = v
	}
	cp := *a
	cp.Capabilities = caps
	cp.Metadata = meta
	return &cp
}

// HasAnyCapability reports whether a has at least one of wanted. An empty
// wanted list matches everything.
func (a *Agent) HasAnyCapability(wanted []string) bool {
	if len(wanted) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(a.Capabilities))
	for _, c := range a.Capabilities {
		set[c] = struct{}{}
	}
	for _, w := range wanted {
		if _, ok := set[w]; ok {
			return true
		}
	}
	return false
}

// Filter describes a discover/find query.
type Filter struct {
	ExcludeID    string
	Capabilities []string
	Status       *Status
	Limit        int
	Offset       int
	// OrderDesc orders by last_seen descending when true (find), ascending
	// when false (discover).
	OrderDesc bool
}

const (
	DefaultLimit = 100
	MaxLimit     = 500
)

// Normalize clamps Limit/Offset to the spec's pagination bounds.
func (f Filter) Normalize() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Stats is the hub's aggregate informational snapshot.
type Stats struct {
	Total   int         `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
	Uptime  time.Duration  `json:"uptime"`
}
