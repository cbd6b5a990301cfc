// Package session implements the peer-to-peer session engine: the
// handshake, state machine, AEAD-sealed application frames and liveness
// frames carried over one TCP connection between two agents.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sage-x-project/m2m/crypto"
	"github.com/sage-x-project/m2m/frame"
	"github.com/sage-x-project/m2m/internal/m2merr"
)

// Role identifies which side of the handshake a session played.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// State is the session's position in the handshake/keyed/closed lifecycle.
type State int

const (
	StateAwaitHello State = iota
	StateKeyed
	StateClosed
)

const (
	// ResponderIdleTimeout is the read-idle timeout applied on the
	// responder side, both while awaiting the handshake and afterward.
	ResponderIdleTimeout = 30 * time.Second
	// InitiatorIdleTimeout bounds the initiator's wait for handshake_ack
	// and, separately, for the application ack.
	InitiatorIdleTimeout = 10 * time.Second
)

// wireFrame is the union of every field any peer-channel frame type may
// carry. Only the fields relevant to Type are populated on the wire thanks
// to omitempty.
type wireFrame struct {
	Type          string `json:"type"`
	Key           string `json:"key,omitempty"`
	From          string `json:"from,omitempty"`
	MessageType   string `json:"messageType,omitempty"`
	Data          string `json:"data,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	Error         string `json:"error,omitempty"`
}

const (
	frameHandshake    = "handshake"
	frameHandshakeAck = "handshake_ack"
	frameMessage      = "message"
	frameAck          = "ack"
	framePing         = "ping"
	framePong         = "pong"
	frameError        = "error"
)

// Incoming is an application message dispatched upward once decrypted.
type Incoming struct {
	From          string
	Type          string
	Payload       json.RawMessage
	CorrelationID string
	Timestamp     time.Time
}

// Session is one TCP connection carrying a single key agreement and one or
// more application frames.
type Session struct {
	conn   net.Conn
	role   Role
	selfID string

	mu       sync.Mutex
	state    State
	peerID   string
	key      []byte
	deadline time.Duration

	reader *frame.Reader
	writer *frame.Writer
}

// Dial opens a TCP connection to addr, performs the initiator side of the
// handshake, and returns a KEYED session. selfID is the initiator's agent
// id, carried in the handshake frame for the responder to learn.
func Dial(ctx context.Context, addr, selfID string) (*Session, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, m2merr.Transport("dial failed", err)
	}

	s := &Session{
		conn:     conn,
		role:     RoleInitiator,
		selfID:   selfID,
		state:    StateAwaitHello,
		deadline: InitiatorIdleTimeout,
		reader:   frame.NewReader(conn, frame.PeerChannel),
		writer:   frame.NewWriter(conn),
	}

	if err := s.initiatorHandshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Accept performs the responder side of the handshake over an already
// accepted connection, returning a KEYED session once the handshake frame
// has arrived and been answered.
func Accept(conn net.Conn, selfID string) (*Session, error) {
	s := &Session{
		conn:     conn,
		role:     RoleResponder,
		selfID:   selfID,
		state:    StateAwaitHello,
		deadline: ResponderIdleTimeout,
		reader:   frame.NewReader(conn, frame.PeerChannel),
		writer:   frame.NewWriter(conn),
	}
	if err := s.responderHandshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) setReadDeadline(d time.Duration) {
	s.conn.SetReadDeadline(time.Now().Add(d))
}

func (s *Session) initiatorHandshake() error {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	encoded, err := crypto.ExportPublic(kp.Public)
	if err != nil {
		return err
	}

	if err := s.writer.WriteFrame(wireFrame{Type: frameHandshake, Key: encoded, From: s.selfID}); err != nil {
		return m2merr.Transport("failed to send handshake", err)
	}

	s.setReadDeadline(InitiatorIdleTimeout)
	var reply wireFrame
	if err := s.reader.ReadFrame(&reply); err != nil {
		return s.handshakeReadErr(err)
	}
	if reply.Type != frameHandshakeAck {
		return m2merr.Protocol(fmt.Sprintf("expected handshake_ack, got %q", reply.Type), nil)
	}

	peerPub, err := crypto.ImportPublic(reply.Key)
	if err != nil {
		return err
	}
	secret, err := crypto.Derive(kp.Private, peerPub)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.key = secret
	s.state = StateKeyed
	s.mu.Unlock()
	return nil
}

func (s *Session) responderHandshake() error {
	s.setReadDeadline(ResponderIdleTimeout)
	var hello wireFrame
	if err := s.reader.ReadFrame(&hello); err != nil {
		return s.handshakeReadErr(err)
	}
	if hello.Type != frameHandshake {
		s.sendProtocolError("expected handshake frame")
		return m2merr.Protocol(fmt.Sprintf("expected handshake, got %q", hello.Type), nil)
	}
	if hello.Key == "" || hello.From == "" {
		s.sendProtocolError("missing required field")
		return m2merr.Protocol("handshake missing key or from", nil)
	}

	peerPub, err := crypto.ImportPublic(hello.Key)
	if err != nil {
		return err
	}

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	encoded, err := crypto.ExportPublic(kp.Public)
	if err != nil {
		return err
	}
	secret, err := crypto.Derive(kp.Private, peerPub)
	if err != nil {
		return err
	}

	if err := s.writer.WriteFrame(wireFrame{Type: frameHandshakeAck, Key: encoded}); err != nil {
		return m2merr.Transport("failed to send handshake_ack", err)
	}

	s.mu.Lock()
	s.peerID = hello.From
	s.key = secret
	s.state = StateKeyed
	s.mu.Unlock()
	return nil
}

func (s *Session) handshakeReadErr(err error) error {
	var protoErr *frame.ProtocolError
	if asProtocolError(err, &protoErr) {
		return m2merr.Protocol("malformed handshake frame", protoErr)
	}
	if isTimeout(err) {
		return m2merr.Timeout("handshake timed out", err)
	}
	return m2merr.Transport("handshake read failed", err)
}

func (s *Session) sendProtocolError(msg string) {
	s.writer.WriteFrame(wireFrame{Type: frameError, Error: "invalid_message"})
}

// Role returns the session's role.
func (s *Session) Role() Role { return s.role }

// PeerID returns the peer's agent id. Populated on the responder once the
// handshake completes; on the initiator it is always empty, since the
// handshake_ack frame carries no agent id.
func (s *Session) PeerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close tears down the underlying connection. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	return s.conn.Close()
}

// SendMessage seals payload under the session key and writes a message
// frame with the given application message type and correlation id.
func (s *Session) SendMessage(msgType string, payload interface{}, correlationID string) error {
	s.mu.Lock()
	key := s.key
	state := s.state
	s.mu.Unlock()
	if state != StateKeyed {
		return m2merr.Protocol("session is not keyed", nil)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	sealed, err := crypto.Seal(key, raw)
	if err != nil {
		return err
	}

	return s.writer.WriteFrame(wireFrame{
		Type:          frameMessage,
		MessageType:   msgType,
		Data:          sealed,
		CorrelationID: correlationID,
	})
}

// SendAck acknowledges delivery of a message carrying correlationID.
func (s *Session) SendAck(correlationID string) error {
	return s.writer.WriteFrame(wireFrame{Type: frameAck, CorrelationID: correlationID})
}

// SendPing emits a liveness frame.
func (s *Session) SendPing() error {
	return s.writer.WriteFrame(wireFrame{Type: framePing})
}

func (s *Session) sendPong() error {
	return s.writer.WriteFrame(wireFrame{Type: framePong})
}

func (s *Session) sendDecryptionFailed() error {
	return s.writer.WriteFrame(wireFrame{Type: frameError, Error: "decryption_failed"})
}

// Event is one decoded event off the session's read loop: an application
// message, a received ack, a ping/pong, or a peer-reported error.
type Event struct {
	Kind          EventKind
	Incoming      *Incoming
	CorrelationID string
	Error         string
}

// EventKind distinguishes the cases carried by Event.
type EventKind int

const (
	EventMessage EventKind = iota
	EventAck
	EventPing
	EventPong
	EventPeerError
)

// ReadEvent blocks for the next frame on the session (subject to the
// responder/initiator idle timeout) and returns it as an Event. Ping
// frames are answered with pong transparently before ReadEvent returns
// control, matching them to EventPing for observability.
func (s *Session) ReadEvent() (*Event, error) {
	s.mu.Lock()
	timeout := s.deadline
	role := s.role
	s.mu.Unlock()
	if timeout == 0 {
		if role == RoleResponder {
			timeout = ResponderIdleTimeout
		} else {
			timeout = InitiatorIdleTimeout
		}
	}
	s.setReadDeadline(timeout)

	var wf wireFrame
	if err := s.reader.ReadFrame(&wf); err != nil {
		var protoErr *frame.ProtocolError
		if asProtocolError(err, &protoErr) {
			s.writer.WriteFrame(protoErr.ErrorNotice())
			return nil, m2merr.Protocol("malformed frame", protoErr)
		}
		if isTimeout(err) {
			return nil, m2merr.Timeout("session idle timeout", err)
		}
		return nil, m2merr.Transport("session read failed", err)
	}

	switch wf.Type {
	case frameMessage:
		s.mu.Lock()
		state := s.state
		key := s.key
		peerID := s.peerID
		s.mu.Unlock()
		if state != StateKeyed {
			s.Close()
			return nil, m2merr.Protocol("message received before handshake completed", nil)
		}
		plaintext, err := crypto.Open(key, wf.Data)
		if err != nil {
			s.sendDecryptionFailed()
			return &Event{Kind: EventPeerError, Error: "decryption_failed", CorrelationID: wf.CorrelationID}, nil
		}
		return &Event{
			Kind: EventMessage,
			Incoming: &Incoming{
				From:          peerID,
				Type:          wf.MessageType,
				Payload:       json.RawMessage(plaintext),
				CorrelationID: wf.CorrelationID,
				Timestamp:     time.Now(),
			},
		}, nil
	case frameAck:
		return &Event{Kind: EventAck, CorrelationID: wf.CorrelationID}, nil
	case framePing:
		s.sendPong()
		return &Event{Kind: EventPing}, nil
	case framePong:
		return &Event{Kind: EventPong}, nil
	case frameError:
		return &Event{Kind: EventPeerError, Error: wf.Error}, nil
	default:
		s.writer.WriteFrame(map[string]string{"error": "invalid_message"})
		return nil, m2merr.Protocol(fmt.Sprintf("unexpected frame type %q", wf.Type), nil)
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func asProtocolError(err error, target **frame.ProtocolError) bool {
	pe, ok := err.(*frame.ProtocolError)
	if ok {
		*target = pe
	}
	return ok
}
