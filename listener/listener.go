// Package listener accepts inbound peer sessions and dispatches decrypted
// application messages upward. It owns no state beyond its set of active
// sessions and runs independently of any outbound sends on the same port.
package listener

import (
	"net"
	"sync"

	"github.com/sage-x-project/m2m/internal/logger"
	"github.com/sage-x-project/m2m/internal/metrics"
	"github.com/sage-x-project/m2m/session"
)

// Listener accepts TCP connections on one port and turns each into a
// responder session, forwarding decrypted messages on Incoming().
type Listener struct {
	ln     net.Listener
	selfID func() string
	log    logger.Logger

	incoming chan session.Incoming

	mu       sync.Mutex
	sessions map[*session.Session]struct{}
	closed   bool
}

// New wraps an already-bound net.Listener. selfID is called lazily on each
// accept so the listener can be constructed before the runtime's agent id
// is known (e.g. before the first successful hub registration).
func New(ln net.Listener, selfID func() string, log logger.Logger) *Listener {
	if log == nil {
		log = logger.NewDefaultLogger()
	}
	return &Listener{
		ln:       ln,
		selfID:   selfID,
		log:      log,
		incoming: make(chan session.Incoming, 64),
		sessions: make(map[*session.Session]struct{}),
	}
}

// Incoming returns the channel of decrypted application messages.
func (l *Listener) Incoming() <-chan session.Incoming {
	return l.incoming
}

// Serve runs the accept loop until the listener is closed. It always
// returns a non-nil error (net.ErrClosed on a clean Close).
func (l *Listener) Serve() error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return err
			}
			l.log.Warn("accept failed", logger.Error(err))
			continue
		}
		go l.handle(conn)
	}
}

func (l *Listener) handle(conn net.Conn) {
	s, err := session.Accept(conn, l.selfID())
	if err != nil {
		l.log.Debug("handshake failed", logger.Error(err))
		return
	}
	metrics.AgentSessionsTotal.WithLabelValues("responder").Inc()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		s.Close()
		return
	}
	l.sessions[s] = struct{}{}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.sessions, s)
		l.mu.Unlock()
		s.Close()
	}()

	for {
		ev, err := s.ReadEvent()
		if err != nil {
			l.log.Debug("session read ended", logger.Error(err))
			return
		}
		switch ev.Kind {
		case session.EventMessage:
			l.dispatch(*ev.Incoming)
			if err := s.SendAck(ev.Incoming.CorrelationID); err != nil {
				return
			}
		case session.EventPeerError:
			l.log.Debug("peer reported error", logger.String("error", ev.Error))
		case session.EventPing, session.EventPong, session.EventAck:
			// liveness/ack frames on an inbound session need no action here.
		}
	}
}

func (l *Listener) dispatch(msg session.Incoming) {
	select {
	case l.incoming <- msg:
	default:
		l.log.Warn("incoming queue full, dropping message",
			logger.String("from", msg.From), logger.String("type", msg.Type))
	}
}

// Close stops accepting new connections and closes all active sessions.
func (l *Listener) Close() error {
	l.mu.Lock()
	l.closed = true
	sessions := make([]*session.Session, 0, len(l.sessions))
	for s := range l.sessions {
		sessions = append(sessions, s)
	}
	l.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	return l.ln.Close()
}
