package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sage-x-project/m2m/internal/m2merr"
)

// MemoryStore is an in-process Store backed by a map guarded by a single
// RWMutex, mirroring the teacher's in-memory storage package's
// lock-and-deep-copy discipline.
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewMemoryStore returns an empty in-memory directory.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[string]*Agent)}
}

func (s *MemoryStore) Insert(_ context.Context, agent *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[agent.ID]; exists {
		return m2merr.Registry("agent id already registered", nil).WithDetails("id", agent.ID)
	}
	s.agents[agent.ID] = agent.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, m2merr.ErrAgentNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryStore) Touch(_ context.Context, id string, status Status, metadataDelta map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return m2merr.ErrAgentNotFound
	}
	a.Status = status
	a.LastSeen = time.Now()
	for k, v := range metadataDelta {
		if a.Metadata == nil {
			a.Metadata = make(map[string]string)
		}
		a.Metadata[k] = v
	}
	return nil
}

func (s *MemoryStore) SetOffline(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return m2merr.ErrAgentNotFound
	}
	a.Status = StatusOffline
	a.LastSeen = time.Now()
	return nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]*Agent, int, error) {
	filter = filter.Normalize()

	s.mu.RLock()
	matched := make([]*Agent, 0, len(s.agents))
	for _, a := range s.agents {
		if filter.ExcludeID != "" && a.ID == filter.ExcludeID {
			continue
		}
		if filter.Status != nil && a.Status != *filter.Status {
			continue
		}
		if !a.HasAnyCapability(filter.Capabilities) {
			continue
		}
		matched = append(matched, a.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if filter.OrderDesc {
			return matched[i].LastSeen.After(matched[j].LastSeen)
		}
		return matched[i].LastSeen.Before(matched[j].LastSeen)
	})

	total := len(matched)
	start := filter.Offset
	if start > total {
		start = total
	}
	end := start + filter.Limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *MemoryStore) SweepToIdle(_ context.Context, before time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, a := range s.agents {
		if a.Status == StatusOnline && a.LastSeen.Before(before) {
			a.Status = StatusIdle
			ids = append(ids, a.ID)
		}
	}
	return ids, nil
}

func (s *MemoryStore) SweepToOffline(_ context.Context, before time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, a := range s.agents {
		if a.Status == StatusIdle && a.LastSeen.Before(before) {
			a.Status = StatusOffline
			ids = append(ids, a.ID)
		}
	}
	return ids, nil
}

func (s *MemoryStore) CountByStatus(_ context.Context) (map[Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := map[Status]int{StatusOnline: 0, StatusIdle: 0, StatusOffline: 0}
	for _, a := range s.agents {
		counts[a.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) Close() error { return nil }
