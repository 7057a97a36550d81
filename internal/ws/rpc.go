// Package ws serves the client WebSocket endpoint: the subscription
// stream and the request/response control plane that shares it.
package ws

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

type rpcKey struct {
	reqType   string
	requestID string
}

type pendingRequest struct {
	key     rpcKey
	started time.Time
	cancel  context.CancelFunc
	done    bool
}

// Tracker correlates in-flight control requests by (type, requestId) and
// enforces the per-request timeout. Late completions are logged and
// dropped rather than delivered.
type Tracker struct {
	timeout time.Duration
	logger  *slog.Logger
	// compatRejectOldest preserves a legacy workaround: error paths that
	// predate requestId correlation identified the victim request by a
	// code prefix and rejected the oldest pending match.
	compatRejectOldest bool

	mu      sync.Mutex
	pending map[rpcKey]*pendingRequest
	order   []rpcKey
	quit    chan struct{}

	// OnTimeout fires once per expired request from the sweep goroutine.
	OnTimeout func(reqType, requestID string)
}

// NewTracker creates a tracker and starts its expiry sweep.
func NewTracker(timeout time.Duration, compatRejectOldest bool, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		timeout:            timeout,
		logger:             logger,
		compatRejectOldest: compatRejectOldest,
		pending:            make(map[rpcKey]*pendingRequest),
		quit:               make(chan struct{}),
	}
	go t.sweep()
	return t
}

// Close stops the sweep goroutine and cancels everything in flight.
func (t *Tracker) Close() {
	close(t.quit)
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, req := range t.pending {
		req.cancel()
	}
	t.pending = make(map[rpcKey]*pendingRequest)
	t.order = nil
}

// Begin registers a request and returns its bounded context plus a
// finish func. finish reports whether the response should be delivered;
// it is false when the request already timed out.
func (t *Tracker) Begin(reqType, requestID string) (context.Context, func() bool) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	key := rpcKey{reqType: reqType, requestID: requestID}
	req := &pendingRequest{key: key, started: time.Now(), cancel: cancel}

	t.mu.Lock()
	t.pending[key] = req
	t.order = append(t.order, key)
	t.mu.Unlock()

	finish := func() bool {
		t.mu.Lock()
		defer t.mu.Unlock()
		cur, ok := t.pending[key]
		if !ok || cur != req || cur.done {
			t.logger.Warn("dropping late rpc response", "request_type", reqType, "request_id", requestID)
			return false
		}
		t.remove(key)
		cancel()
		return true
	}
	return ctx, finish
}

// RejectByCodePrefix implements the legacy correlation fallback: when an
// error arrives without a requestId, the oldest pending request whose
// type shares the code's prefix is rejected. Disabled unless the compat
// flag is set; strict requestId correlation is the supported path.
func (t *Tracker) RejectByCodePrefix(code string) (reqType, requestID string, ok bool) {
	if !t.compatRejectOldest {
		return "", "", false
	}
	prefix := strings.ToLower(strings.SplitN(code, "_", 2)[0])

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, key := range t.order {
		req, exists := t.pending[key]
		if !exists || req.done {
			continue
		}
		if strings.HasPrefix(strings.ToLower(key.reqType), prefix) {
			t.remove(key)
			req.cancel()
			return key.reqType, key.requestID, true
		}
	}
	return "", "", false
}

// Pending reports the number of in-flight requests.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// remove deletes a key from both the map and the order list. Caller
// holds the lock.
func (t *Tracker) remove(key rpcKey) {
	delete(t.pending, key)
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// sweep expires requests that outlived the timeout.
func (t *Tracker) sweep() {
	interval := t.timeout / 10
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.quit:
			return
		case now := <-ticker.C:
			t.expire(now)
		}
	}
}

func (t *Tracker) expire(now time.Time) {
	var expired []rpcKey
	t.mu.Lock()
	for key, req := range t.pending {
		if now.Sub(req.started) >= t.timeout {
			expired = append(expired, key)
			req.done = true
			req.cancel()
		}
	}
	for _, key := range expired {
		t.remove(key)
	}
	t.mu.Unlock()

	for _, key := range expired {
		t.logger.Warn("rpc request timed out", "request_type", key.reqType, "request_id", key.requestID)
		if t.OnTimeout != nil {
			t.OnTimeout(key.reqType, key.requestID)
		}
	}
}
