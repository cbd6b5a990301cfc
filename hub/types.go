// Package hub implements the hub side of the control channel: the
// correlation-id-multiplexed WebSocket protocol plus the informational
// HTTP surface.
package hub

import "github.com/sage-x-project/m2m/registry"

// Request is one control-channel action, fields populated per action per
// the spec's action table.
type Request struct {
	Action        string            `json:"action"`
	CorrelationID string            `json:"correlationId"`
	ID            string            `json:"id,omitempty"`
	Address       string            `json:"address,omitempty"`
	Capabilities  []string          `json:"capabilities,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Status        string            `json:"status,omitempty"`
	Capability    string            `json:"capability,omitempty"`
	Limit         int               `json:"limit,omitempty"`
	Offset        int               `json:"offset,omitempty"`
}

// AgentView is the wire representation of a registry.Agent.
type AgentView struct {
	ID           string            `json:"id"`
	Address      string            `json:"address"`
	Capabilities []string          `json:"capabilities"`
	Metadata     map[string]string `json:"metadata"`
	Status       string            `json:"status"`
	LastSeen     string            `json:"last_seen"`
	CreatedAt    string            `json:"created_at"`
}

func toAgentView(a *registry.Agent) AgentView {
	caps := a.Capabilities
	if caps == nil {
		caps = []string{}
	}
	return AgentView{
		ID:           a.ID,
		Address:      a.Address,
		Capabilities: caps,
		Metadata:     a.Metadata,
		Status:       string(a.Status),
		LastSeen:     a.LastSeen.Format(timeLayout),
		CreatedAt:    a.CreatedAt.Format(timeLayout),
	}
}

const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"

// Response is the control-channel reply envelope. Only the fields relevant
// to the originating action and outcome are populated, thanks to
// omitempty.
type Response struct {
	Status        string      `json:"status"`
	CorrelationID string      `json:"correlationId"`
	Error         string      `json:"error,omitempty"`
	ID            string      `json:"id,omitempty"`
	Address       string      `json:"address,omitempty"`
	Timestamp     string      `json:"timestamp,omitempty"`
	Count         int         `json:"count,omitempty"`
	Limit         int         `json:"limit,omitempty"`
	Offset        int         `json:"offset,omitempty"`
	Agents        []AgentView `json:"agents,omitempty"`
	Agent         *AgentView  `json:"agent,omitempty"`
	Total         int         `json:"total,omitempty"`
	ByStatus      map[string]int `json:"by_status,omitempty"`
	UptimeSeconds float64     `json:"uptime_seconds,omitempty"`
}

func ok(correlationID string) Response {
	return Response{Status: "ok", CorrelationID: correlationID}
}

func errResp(correlationID, errCode string) Response {
	return Response{Status: "error", CorrelationID: correlationID, Error: errCode}
}
