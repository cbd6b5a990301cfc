package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sage-x-project/m2m/internal/logger"
	"github.com/sage-x-project/m2m/internal/metrics"
	"github.com/sage-x-project/m2m/registry"
)

// controlReadGrace bounds how long the hub waits for any frame (heartbeat
// or otherwise) on a control socket before treating it as dead. Agents
// heartbeat every 30s; three missed beats is a generous margin before the
// hub gives up and releases the connection.
const controlReadGrace = 90 * time.Second

// Server serves the hub's WebSocket control channel and its HTTP surface.
type Server struct {
	reg      *registry.Registry
	log      logger.Logger
	upgrader websocket.Upgrader

	mu          sync.Mutex
	connections map[*websocket.Conn]string // conn -> registered agent id (empty until register)
}

// NewServer wraps reg for control-channel and HTTP handling.
func NewServer(reg *registry.Registry, log logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefaultLogger()
	}
	return &Server{
		reg: reg,
		log: log,
		upgrader: websocket.Upgrader{
			// The hub expects TLS termination and origin policy to be
			// handled by the deployer's reverse proxy; see spec's TLS
			// termination non-goal.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		connections: make(map[*websocket.Conn]string),
	}
}

// WSHandler upgrades and serves the /ws control channel.
func (s *Server) WSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("websocket upgrade failed", logger.Error(err))
			return
		}
		remoteAddr := r.RemoteAddr
		s.addConnection(conn)
		go s.handleConnection(conn, remoteAddr)
	}
}

func (s *Server) addConnection(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[conn] = ""
}

func (s *Server) setConnectionAgent(conn *websocket.Conn, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[conn] = id
}

func (s *Server) removeConnection(conn *websocket.Conn) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.connections[conn]
	delete(s.connections, conn)
	return id
}

func (s *Server) handleConnection(conn *websocket.Conn, remoteAddr string) {
	defer func() {
		conn.Close()
		id := s.removeConnection(conn)
		if id != "" {
			if err := s.reg.Disconnect(context.Background(), id); err != nil {
				s.log.Debug("disconnect on socket close failed", logger.Error(err))
			}
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(controlReadGrace))

		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("control socket read ended", logger.Error(err))
			}
			return
		}

		resp := s.dispatch(req, remoteAddr)
		if req.Action == "register" && resp.Status == "ok" {
			s.setConnectionAgent(conn, resp.ID)
		}
		if err := conn.WriteJSON(resp); err != nil {
			s.log.Debug("control socket write failed", logger.Error(err))
			return
		}
	}
}

func (s *Server) dispatch(req Request, remoteAddr string) Response {
	ctx := context.Background()
	outcome := "ok"
	defer func() {
		metrics.HubControlActionsTotal.WithLabelValues(req.Action, outcome).Inc()
	}()

	switch req.Action {
	case "register":
		agent, err := s.reg.Register(ctx, remoteAddr, req.Address, req.Capabilities, req.Metadata)
		if err != nil {
			outcome = "error"
			return errResp(req.CorrelationID, "registration_failed")
		}
		resp := ok(req.CorrelationID)
		resp.ID = agent.ID
		resp.Address = agent.Address
		return resp

	case "heartbeat":
		if err := s.reg.Heartbeat(ctx, req.ID); err != nil {
			outcome = "error"
			return errResp(req.CorrelationID, "agent_not_found")
		}
		resp := ok(req.CorrelationID)
		resp.Timestamp = time.Now().Format(timeLayout)
		return resp

	case "discover":
		filter := registry.Filter{ExcludeID: req.ID, Capabilities: req.Capabilities, Limit: req.Limit, Offset: req.Offset}
		if req.Status != "" {
			st := registry.Status(req.Status)
			filter.Status = &st
		}
		agents, total, err := s.reg.Discover(ctx, filter)
		if err != nil {
			outcome = "error"
			return errResp(req.CorrelationID, "internal_error")
		}
		resp := ok(req.CorrelationID)
		resp.Count = total
		resp.Limit = filter.Normalize().Limit
		resp.Offset = filter.Normalize().Offset
		resp.Agents = toAgentViews(agents)
		return resp

	case "find":
		agents, total, err := s.reg.Find(ctx, req.Capability, req.Limit, req.Offset)
		if err != nil {
			outcome = "error"
			return errResp(req.CorrelationID, "internal_error")
		}
		resp := ok(req.CorrelationID)
		resp.Count = total
		resp.Agents = toAgentViews(agents)
		return resp

	case "lookup":
		agent, err := s.reg.Lookup(ctx, req.ID)
		if err != nil {
			outcome = "error"
			return errResp(req.CorrelationID, "agent_not_found")
		}
		resp := ok(req.CorrelationID)
		view := toAgentView(agent)
		resp.Agent = &view
		return resp

	case "status":
		var status *registry.Status
		if req.Status != "" {
			st := registry.Status(req.Status)
			status = &st
		}
		if err := s.reg.SetStatus(ctx, req.ID, status, req.Metadata); err != nil {
			outcome = "error"
			return errResp(req.CorrelationID, "agent_not_found")
		}
		return ok(req.CorrelationID)

	case "disconnect":
		if err := s.reg.Disconnect(ctx, req.ID); err != nil {
			outcome = "error"
			return errResp(req.CorrelationID, "agent_not_found")
		}
		return ok(req.CorrelationID)

	case "stats":
		stats, err := s.reg.Stats(ctx)
		if err != nil {
			outcome = "error"
			return errResp(req.CorrelationID, "internal_error")
		}
		resp := ok(req.CorrelationID)
		resp.Total = stats.Total
		resp.ByStatus = statusCounts(stats.ByStatus)
		resp.UptimeSeconds = stats.Uptime.Seconds()
		return resp

	default:
		outcome = "error"
		return errResp(req.CorrelationID, "unknown_action")
	}
}

func toAgentViews(agents []*registry.Agent) []AgentView {
	views := make([]AgentView, len(agents))
	for i, a := range agents {
		views[i] = toAgentView(a)
	}
	return views
}

func statusCounts(counts map[registry.Status]int) map[string]int {
	out := make(map[string]int, len(counts))
	for k, v := range counts {
		out[string(k)] = v
	}
	return out
}
