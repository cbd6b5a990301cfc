// Package agent implements the agent runtime: the composition of the
// local listener, the hub control connection, the address resolver, the
// application-level request/response layer and broadcast fan-out (spec
// §4.5-§4.8).
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sage-x-project/m2m/hub"
	"github.com/sage-x-project/m2m/internal/idgen"
	"github.com/sage-x-project/m2m/internal/logger"
	"github.com/sage-x-project/m2m/internal/m2merr"
	"github.com/sage-x-project/m2m/internal/metrics"
)

const (
	// DefaultRequestTimeout bounds a single hub control-channel request.
	DefaultRequestTimeout = 10 * time.Second
	// reconnectDelay is the hub client's fixed reconnect backoff.
	reconnectDelay = 5 * time.Second
)

// HubClient is the agent's single persistent control-channel connection:
// correlation-id multiplexed requests over a WebSocket, automatic
// reconnect with a fixed delay, and typed connection-state notifications
// in place of an event emitter (spec §4.5, §9).
type HubClient struct {
	url           string
	log           logger.Logger
	autoReconnect bool

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan *hub.Response

	connected    chan struct{}
	disconnected chan error
}

// NewHubClient constructs a client targeting url (e.g. ws://host:port/ws).
// Run must be called to establish and maintain the connection.
func NewHubClient(url string, autoReconnect bool, log logger.Logger) *HubClient {
	if log == nil {
		log = logger.NewDefaultLogger()
	}
	return &HubClient{
		url:           url,
		log:           log,
		autoReconnect: autoReconnect,
		pending:       make(map[string]chan *hub.Response),
		connected:     make(chan struct{}, 1),
		disconnected:  make(chan error, 1),
	}
}

// Connected fires once per established (or re-established) connection.
func (c *HubClient) Connected() <-chan struct{} { return c.connected }

// Disconnected fires once per lost connection, carrying the observed
// transport error.
func (c *HubClient) Disconnected() <-chan error { return c.disconnected }

// Run dials the hub and services it until ctx is cancelled, reconnecting
// with a fixed delay when autoReconnect is enabled. Requests in flight
// when the socket drops fail with a transport error; they are never
// retried implicitly (spec §4.5).
func (c *HubClient) Run(ctx context.Context) error {
	for {
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !c.autoReconnect {
			return err
		}
		metrics.AgentHubReconnectsTotal.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *HubClient) connectAndServe(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return m2merr.Transport("failed to dial hub", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	notify(c.connected)

	readErr := c.readLoop(conn)
	conn.Close()

	c.mu.Lock()
	c.conn = nil
	waiters := c.pending
	c.pending = make(map[string]chan *hub.Response)
	c.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}

	select {
	case c.disconnected <- readErr:
	default:
	}
	return readErr
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (c *HubClient) readLoop(conn *websocket.Conn) error {
	for {
		var resp hub.Response
		if err := conn.ReadJSON(&resp); err != nil {
			return m2merr.Transport("control socket read failed", err)
		}
		c.mu.Lock()
		waiter, ok := c.pending[resp.CorrelationID]
		if ok {
			delete(c.pending, resp.CorrelationID)
		}
		c.mu.Unlock()
		if ok {
			waiter <- &resp
		}
	}
}

// Do issues req (a correlation id is assigned if empty) and blocks for the
// matching response, the request timeout (DefaultRequestTimeout, or ctx's
// deadline if sooner), or ctx cancellation.
func (c *HubClient) Do(ctx context.Context, req hub.Request) (*hub.Response, error) {
	if req.CorrelationID == "" {
		id, err := idgen.CorrelationID()
		if err != nil {
			return nil, err
		}
		req.CorrelationID = id
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, m2merr.Transport("not connected to hub", nil)
	}
	if _, exists := c.pending[req.CorrelationID]; exists {
		c.mu.Unlock()
		return nil, m2merr.ErrDuplicateWaiter
	}
	waiter := make(chan *hub.Response, 1)
	c.pending[req.CorrelationID] = waiter
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, req.CorrelationID)
		c.mu.Unlock()
	}

	// Serialize writes: gorilla/websocket forbids concurrent writers on
	// one connection.
	c.mu.Lock()
	writeErr := conn.WriteJSON(req)
	c.mu.Unlock()
	if writeErr != nil {
		cleanup()
		return nil, m2merr.Transport("control socket write failed", writeErr)
	}

	timeout := DefaultRequestTimeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < timeout {
			timeout = d
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-waiter:
		if !ok {
			return nil, m2merr.ErrTransportClosed
		}
		return resp, nil
	case <-timer.C:
		cleanup()
		return nil, m2merr.Timeout("hub request timed out", nil)
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}

// Close closes the active connection, if any.
func (c *HubClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
