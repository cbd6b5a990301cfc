package agent

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sage-x-project/m2m/internal/m2merr"
)

// DefaultRequestResponseTimeout bounds an application-level request
// awaiting its matching response (spec §4.7).
const DefaultRequestResponseTimeout = 30 * time.Second

type requestWaiter struct {
	ch chan json.RawMessage
}

// requestTable is the peer-side correlation-id → waiter map used by the
// application-level request/response layer (spec §3/§4.7). Exactly one
// waiter may be registered per correlation id at any moment; entries are
// removed on response, timeout, or teardown.
type requestTable struct {
	mu      sync.Mutex
	waiters map[string]*requestWaiter
}

func newRequestTable() *requestTable {
	return &requestTable{waiters: make(map[string]*requestWaiter)}
}

// register installs a one-shot waiter for correlationID. Registering a
// second waiter for an id already in flight is a caller bug and fails
// with ErrDuplicateWaiter, per spec §4.7.
func (t *requestTable) register(correlationID string) (*requestWaiter, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.waiters[correlationID]; exists {
		return nil, m2merr.ErrDuplicateWaiter
	}
	w := &requestWaiter{ch: make(chan json.RawMessage, 1)}
	t.waiters[correlationID] = w
	return w, nil
}

// resolve delivers payload to the waiter registered for correlationID, if
// any, and reports whether one was found. The caller forwards unmatched
// (or already-timed-out) responses to general message handlers instead of
// dropping them silently.
func (t *requestTable) resolve(correlationID string, payload json.RawMessage) bool {
	t.mu.Lock()
	w, ok := t.waiters[correlationID]
	if ok {
		delete(t.waiters, correlationID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	w.ch <- payload
	return true
}

// remove evicts correlationID's waiter without resolving it, used on
// timeout or send failure.
func (t *requestTable) remove(correlationID string) {
	t.mu.Lock()
	delete(t.waiters, correlationID)
	t.mu.Unlock()
}

// closeAll fails every pending waiter, used on runtime teardown or hub
// disconnect-driven cleanup.
func (t *requestTable) closeAll() {
	t.mu.Lock()
	waiters := t.waiters
	t.waiters = make(map[string]*requestWaiter)
	t.mu.Unlock()
	for _, w := range waiters {
		close(w.ch)
	}
}
