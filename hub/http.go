package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sage-x-project/m2m/registry"
)

// httpMux builds the collaborator HTTP surface: /, /health, /agents,
// /stats and the /ws control channel; /metrics is registered by the caller.
func (s *Server) httpMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/agents", s.handleAgents)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/ws", s.WSHandler())
	return mux
}

const protocolVersion = "1.0"

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"protocol": "m2m",
		"version":  protocolVersion,
		"control":  "/ws",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Format(timeLayout),
		"version":   protocolVersion,
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := registry.Filter{}
	if cap := q.Get("capability"); cap != "" {
		filter.Capabilities = []string{cap}
	}
	if status := q.Get("status"); status != "" {
		st := registry.Status(status)
		filter.Status = &st
	}
	filter.Limit = parseIntOr(q.Get("limit"), 0)
	filter.Offset = parseIntOr(q.Get("offset"), 0)

	// The HTTP directory is informational and never surfaces offline
	// agents, mirroring discover's default audience for human consumption.
	if filter.Status == nil {
		online := registry.StatusOnline
		idle := registry.StatusIdle
		agents, total, err := mergeNonOffline(r.Context(), s, filter, online, idle)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"count":  total,
			"agents": toAgentViews(agents),
		})
		return
	}

	agents, total, err := s.reg.Discover(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":  total,
		"agents": toAgentViews(agents),
	})
}

func mergeNonOffline(ctx context.Context, s *Server, filter registry.Filter, statuses ...registry.Status) ([]*registry.Agent, int, error) {
	var all []*registry.Agent
	total := 0
	for _, st := range statuses {
		f := filter
		st := st
		f.Status = &st
		agents, count, err := s.reg.Discover(ctx, f)
		if err != nil {
			return nil, 0, err
		}
		all = append(all, agents...)
		total += count
	}
	return all, total, nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.reg.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":          stats.Total,
		"by_status":      statusCounts(stats.ByStatus),
		"uptime_seconds": stats.Uptime.Seconds(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func parseIntOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return fallback
		}
		n = n*10 + int(c-'0')
	}
	return n
}
