package station

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/hubertsui/e-mobility-charging-stations-simulator/internal/ocpp"
)

// OCPPWSCommandTimeout bounds how long a sent request waits for its response.
const OCPPWSCommandTimeout = 60 * time.Second

// callOutcome is what a waiting caller receives: the CALLRESULT payload or a
// structured error (CALLERROR, timeout, connection closed).
type callOutcome struct {
	payload json.RawMessage
	err     *ocpp.Error
}

type cachedRequest struct {
	action string
	done   chan callOutcome
	timer  *time.Timer
}

// requestCache correlates outgoing requests with their responses by message
// id. A given message id is cached exactly once at a time; the entry is
// removed before the outcome is delivered or when its deadline fires,
// whichever comes first.
type requestCache struct {
	mu      sync.Mutex
	pending map[string]*cachedRequest
}

func newRequestCache() *requestCache {
	return &requestCache{pending: make(map[string]*cachedRequest)}
}

// add registers a request and returns the channel its outcome is delivered
// on. The timeout fires an error outcome and evicts the entry.
func (rc *requestCache) add(id, action string, timeout time.Duration) <-chan callOutcome {
	done := make(chan callOutcome, 1)
	req := &cachedRequest{action: action, done: done}
	req.timer = time.AfterFunc(timeout, func() {
		if rc.remove(id) != nil {
			done <- callOutcome{err: ocpp.ErrTimeout(action)}
		}
	})

	rc.mu.Lock()
	rc.pending[id] = req
	rc.mu.Unlock()
	return done
}

// remove evicts and returns the entry for id, stopping its timer.
func (rc *requestCache) remove(id string) *cachedRequest {
	rc.mu.Lock()
	req, ok := rc.pending[id]
	if ok {
		delete(rc.pending, id)
	}
	rc.mu.Unlock()
	if !ok {
		return nil
	}
	req.timer.Stop()
	return req
}

// complete delivers a CALLRESULT payload, reporting false for unknown ids.
func (rc *requestCache) complete(id string, payload json.RawMessage) (string, bool) {
	req := rc.remove(id)
	if req == nil {
		return "", false
	}
	req.done <- callOutcome{payload: payload}
	return req.action, true
}

// fail delivers an error outcome, reporting false for unknown ids.
func (rc *requestCache) fail(id string, err *ocpp.Error) (string, bool) {
	req := rc.remove(id)
	if req == nil {
		return "", false
	}
	req.done <- callOutcome{err: err}
	return req.action, true
}

// cancelAll fails every pending request, used when the connection closes.
func (rc *requestCache) cancelAll(err *ocpp.Error) {
	rc.mu.Lock()
	pending := rc.pending
	rc.pending = make(map[string]*cachedRequest)
	rc.mu.Unlock()

	for _, req := range pending {
		req.timer.Stop()
		req.done <- callOutcome{err: err}
	}
}

func (rc *requestCache) len() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.pending)
}
