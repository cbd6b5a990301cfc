package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sage-x-project/m2m/config"
	"github.com/sage-x-project/m2m/hub"
	"github.com/sage-x-project/m2m/internal/idgen"
	"github.com/sage-x-project/m2m/internal/logger"
	"github.com/sage-x-project/m2m/internal/m2merr"
	"github.com/sage-x-project/m2m/internal/metrics"
	"github.com/sage-x-project/m2m/listener"
	"github.com/sage-x-project/m2m/session"
)

// Runtime composes the agent's local listener, hub control connection,
// address resolver, and application-level request/response table into one
// addressable process (spec §2, §4.5-§4.8).
type Runtime struct {
	cfg config.AgentConfig
	log logger.Logger

	ln         net.Listener
	listener   *listener.Listener
	listenPort int

	hubClient *HubClient
	resolver  *Resolver
	requests  *requestTable

	mu         sync.RWMutex
	agentID    string
	publicAddr string

	messages chan session.Incoming

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New binds the configured local port and prepares the runtime. Call
// Start to connect to the hub and begin serving.
func New(cfg config.AgentConfig, log logger.Logger) (*Runtime, error) {
	if log == nil {
		log = logger.NewDefaultLogger()
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, m2merr.Transport("failed to bind agent port", err)
	}
	listenPort := cfg.Port
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		listenPort = tcpAddr.Port
	}

	rt := &Runtime{
		cfg:        cfg,
		log:        log,
		ln:         ln,
		listenPort: listenPort,
		requests:   newRequestTable(),
		messages:   make(chan session.Incoming, 256),
	}
	rt.listener = listener.New(ln, rt.ID, log)
	rt.hubClient = NewHubClient(cfg.Hub, cfg.AutoReconnectEnabled(), log)
	rt.resolver = NewResolver(rt.hubClient)
	return rt, nil
}

// ID returns the agent's current hub-assigned id, or "" before the first
// successful registration.
func (rt *Runtime) ID() string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.agentID
}

// Address returns the address the hub derived for this agent.
func (rt *Runtime) Address() string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.publicAddr
}

// Messages returns the channel of inbound application messages, minus the
// ":response" messages consumed by a pending Request; a response with no
// matching waiter (e.g. one arriving after its Request timed out) is
// delivered here too (spec §9's typed-channel delivery in place of an
// event emitter).
func (rt *Runtime) Messages() <-chan session.Incoming { return rt.messages }

// Start serves the local listener and maintains the hub connection
// (registering, heartbeating, and reconnecting as needed) until ctx is
// cancelled.
func (rt *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel

	rt.wg.Add(3)
	go func() { defer rt.wg.Done(); rt.serveListener() }()
	go func() { defer rt.wg.Done(); rt.pumpIncoming(ctx) }()
	go func() { defer rt.wg.Done(); rt.manageHub(ctx) }()

	<-ctx.Done()
	rt.wg.Wait()
	return ctx.Err()
}

// Stop cancels Start's context, closes the hub connection and local
// listener, and waits for all runtime goroutines to exit.
func (rt *Runtime) Stop() error {
	if rt.cancel != nil {
		rt.cancel()
	}
	rt.hubClient.Close()
	err := rt.listener.Close()
	rt.wg.Wait()
	return err
}

func (rt *Runtime) serveListener() {
	if err := rt.listener.Serve(); err != nil {
		rt.log.Debug("listener stopped", logger.Error(err))
	}
}

func (rt *Runtime) pumpIncoming(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-rt.listener.Incoming():
			if !ok {
				return
			}
			if isResponseType(msg.Type) && rt.requests.resolve(msg.CorrelationID, msg.Payload) {
				continue
			}
			select {
			case rt.messages <- msg:
			default:
				rt.log.Warn("message queue full, dropping incoming message",
					logger.String("from", msg.From), logger.String("type", msg.Type))
			}
		}
	}
}

func isResponseType(t string) bool { return strings.HasSuffix(t, ":response") }

// manageHub drives registration and heartbeating off the hub client's
// typed connection-state channels: re-register after every (re)connect
// (the hub never preserves the previous id, spec §4.5/§9), and tear down
// the heartbeat loop plus any pending requests on disconnect.
func (rt *Runtime) manageHub(ctx context.Context) {
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		if err := rt.hubClient.Run(ctx); err != nil && ctx.Err() == nil {
			rt.log.Warn("hub client stopped", logger.Error(err))
		}
	}()

	var heartbeatCancel context.CancelFunc
	stopHeartbeat := func() {
		if heartbeatCancel != nil {
			heartbeatCancel()
			heartbeatCancel = nil
		}
	}
	defer stopHeartbeat()

	for {
		select {
		case <-ctx.Done():
			rt.requests.closeAll()
			return
		case <-rt.hubClient.Connected():
			if err := rt.register(ctx); err != nil {
				rt.log.Error("registration failed", logger.Error(err))
				continue
			}
			stopHeartbeat()
			hbCtx, hbCancel := context.WithCancel(ctx)
			heartbeatCancel = hbCancel
			rt.wg.Add(1)
			go func() { defer rt.wg.Done(); rt.heartbeatLoop(hbCtx) }()
		case err := <-rt.hubClient.Disconnected():
			rt.log.Warn("hub connection lost", logger.Error(err))
			stopHeartbeat()
			rt.requests.closeAll()
		}
	}
}

func (rt *Runtime) register(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, DefaultRequestTimeout)
	defer cancel()
	resp, err := rt.hubClient.Do(reqCtx, hub.Request{
		Action:       "register",
		Address:      rt.declaredAddress(),
		Capabilities: rt.cfg.Capabilities,
		Metadata:     rt.cfg.Metadata,
	})
	if err != nil {
		return err
	}
	if resp.Status != "ok" {
		return m2merr.Registry("registration rejected: "+resp.Error, nil)
	}

	rt.mu.Lock()
	rt.agentID = resp.ID
	rt.publicAddr = resp.Address
	rt.mu.Unlock()

	rt.log.Info("registered with hub", logger.String("id", resp.ID), logger.String("address", resp.Address))
	return nil
}

func (rt *Runtime) declaredAddress() string {
	if rt.cfg.Address != "" {
		return rt.cfg.Address
	}
	return fmt.Sprintf("0.0.0.0:%d", rt.listenPort)
}

func (rt *Runtime) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rt.cfg.EffectiveHeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			id := rt.ID()
			if id == "" {
				continue
			}
			hbCtx, cancel := context.WithTimeout(ctx, DefaultRequestTimeout)
			_, err := rt.hubClient.Do(hbCtx, hub.Request{Action: "heartbeat", ID: id})
			cancel()
			if err != nil {
				rt.log.Warn("heartbeat failed", logger.Error(err))
			}
		}
	}
}

// Send resolves to's address and delivers one message, waiting for the
// peer's ack (spec §4.3: one outgoing TCP connection per send, closed
// afterward).
func (rt *Runtime) Send(ctx context.Context, to, msgType string, payload interface{}) error {
	addr, err := rt.resolver.Resolve(ctx, to)
	if err != nil {
		return err
	}
	correlationID, err := idgen.CorrelationID()
	if err != nil {
		return err
	}
	return rt.sendTo(ctx, addr, msgType, payload, correlationID)
}

func (rt *Runtime) sendTo(ctx context.Context, addr, msgType string, payload interface{}, correlationID string) error {
	sess, err := session.Dial(ctx, addr, rt.ID())
	if err != nil {
		return err
	}
	defer sess.Close()
	metrics.AgentSessionsTotal.WithLabelValues("initiator").Inc()

	if err := sess.SendMessage(msgType, payload, correlationID); err != nil {
		return err
	}

	ev, err := sess.ReadEvent()
	if err != nil {
		return err
	}
	switch ev.Kind {
	case session.EventAck:
		return nil
	case session.EventPeerError:
		return m2merr.Application("peer reported error: "+ev.Error, nil)
	default:
		return m2merr.Protocol("unexpected frame while awaiting ack", nil)
	}
}

// Request sends msgType to the peer `to` and blocks for a matching
// "<msgType>:response" message carrying the same correlation id (spec
// §4.7). timeout defaults to DefaultRequestResponseTimeout when <= 0.
func (rt *Runtime) Request(ctx context.Context, to, msgType string, payload interface{}, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultRequestResponseTimeout
	}
	correlationID, err := idgen.CorrelationID()
	if err != nil {
		return nil, err
	}
	waiter, err := rt.requests.register(correlationID)
	if err != nil {
		return nil, err
	}

	outcome := "ok"
	defer func() { metrics.AgentRequestsTotal.WithLabelValues(msgType, outcome).Inc() }()

	addr, err := rt.resolver.Resolve(ctx, to)
	if err != nil {
		rt.requests.remove(correlationID)
		outcome = "error"
		return nil, err
	}

	carried, err := withCorrelationID(payload, correlationID)
	if err != nil {
		rt.requests.remove(correlationID)
		outcome = "error"
		return nil, err
	}

	if err := rt.sendTo(ctx, addr, msgType, carried, correlationID); err != nil {
		rt.requests.remove(correlationID)
		outcome = "error"
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-waiter.ch:
		if !ok {
			outcome = "error"
			return nil, m2merr.ErrTransportClosed
		}
		return resp, nil
	case <-timer.C:
		rt.requests.remove(correlationID)
		outcome = "timeout"
		return nil, m2merr.Timeout("request timed out waiting for response", nil)
	case <-ctx.Done():
		rt.requests.remove(correlationID)
		outcome = "error"
		return nil, ctx.Err()
	}
}

// Respond replies to an inbound request (delivered via Messages) by
// opening a fresh outbound session to `to` — the original requester's
// agent id — carrying "<originalType>:response" and the original
// correlation id. This always dials a new session rather than replying on
// the accepted inbound connection, per spec §9's documented open question.
func (rt *Runtime) Respond(ctx context.Context, to, originalType, correlationID string, payload interface{}) error {
	addr, err := rt.resolver.Resolve(ctx, to)
	if err != nil {
		return err
	}
	return rt.sendTo(ctx, addr, originalType+":response", payload, correlationID)
}

// withCorrelationID merges correlationID into payload's JSON object form,
// carrying it both in the outer frame's correlationId field and inside
// the sealed payload per spec §4.7. Non-object payloads are wrapped under
// a "value" key rather than silently dropping the correlation id.
func withCorrelationID(payload interface{}, correlationID string) (map[string]interface{}, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		m = map[string]interface{}{"value": json.RawMessage(raw)}
	}
	m["correlationId"] = correlationID
	return m, nil
}
