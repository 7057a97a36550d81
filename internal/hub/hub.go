// Package hub fans conversation events out to WebSocket subscribers.
//
// Each subscriber observes one agent at a time. Delivery is decoupled
// from the supervisor through a bounded per-subscriber queue drained by
// the connection's writer goroutine, so one slow client never stalls the
// event stream of another.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/middleman/internal/domain"
	"github.com/ashureev/middleman/internal/protocol"
)

// ErrClosed is returned by Receive after the subscriber is removed.
var ErrClosed = errors.New("hub: subscriber closed")

type item struct {
	payload []byte
	history bool
}

// Subscriber is one connected client's outbound half.
type Subscriber struct {
	ID string

	mu        sync.Mutex
	current   string // agent id currently observed; empty = none
	items     []item
	max       int
	wake      chan struct{}
	closed    bool
	throttled bool
}

// Current returns the agent id the subscriber currently observes.
func (s *Subscriber) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Receive blocks until an outbound payload is available, the context is
// cancelled, or the subscriber is closed.
func (s *Subscriber) Receive(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if len(s.items) > 0 {
			head := s.items[0]
			s.items = s.items[1:]
			if len(s.items) < s.max/2 {
				s.throttled = false
			}
			s.mu.Unlock()
			return head.payload, nil
		}
		if s.closed {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

// enqueue appends a payload, applying the slow-consumer policy: on
// overflow the oldest non-history item is dropped and a single synthetic
// throttle message is injected. History payloads are never dropped.
func (s *Subscriber) enqueue(payload []byte, history bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if len(s.items) >= s.max {
		dropped := false
		for i, it := range s.items {
			if !it.history {
				s.items = append(s.items[:i], s.items[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped && !history {
			// Queue is all history; shed the incoming delta instead.
			s.noteThrottleLocked()
			s.signalLocked()
			return
		}
		s.noteThrottleLocked()
	}

	s.items = append(s.items, item{payload: payload, history: history})
	s.signalLocked()
}

func (s *Subscriber) noteThrottleLocked() {
	if s.throttled {
		return
	}
	s.throttled = true
	notice := domain.NewConversationMessage(
		s.current, "system", domain.SourceSystem,
		"event stream throttled: slow consumer, dropping oldest events", nil, nil, time.Now())
	s.items = append(s.items, item{payload: protocol.Marshal(notice)})
}

func (s *Subscriber) signalLocked() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Hub routes published payloads to the subscribers observing each agent.
type Hub struct {
	mu        sync.RWMutex
	subs      map[string]*Subscriber
	queueSize int
	logger    *slog.Logger
}

// New creates a hub with the given per-subscriber queue capacity.
func New(queueSize int, logger *slog.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:      make(map[string]*Subscriber),
		queueSize: queueSize,
		logger:    logger,
	}
}

// Subscribe registers a new subscriber with no current agent.
func (h *Hub) Subscribe(subscriberID string) *Subscriber {
	sub := &Subscriber{
		ID:   subscriberID,
		max:  h.queueSize,
		wake: make(chan struct{}, 1),
	}
	h.mu.Lock()
	if existing, ok := h.subs[subscriberID]; ok {
		existing.close()
	}
	h.subs[subscriberID] = sub
	h.mu.Unlock()
	h.logger.Info("subscriber registered", "subscriber_id", subscriberID)
	return sub
}

// Unsubscribe removes a subscriber. Destroying a subscriber never
// affects agent state.
func (h *Hub) Unsubscribe(subscriberID string) {
	h.mu.Lock()
	sub, ok := h.subs[subscriberID]
	if ok {
		delete(h.subs, subscriberID)
	}
	h.mu.Unlock()
	if ok {
		sub.close()
		h.logger.Info("subscriber unregistered", "subscriber_id", subscriberID)
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.items = nil
	s.signalLocked()
	s.mu.Unlock()
}

// SwitchTo atomically repoints a subscriber at a new agent: the old
// thread's backlog is discarded and the fresh history snapshot becomes
// the next payload, so the client never sees stale-thread events after
// the switch.
func (h *Hub) SwitchTo(subscriberID, agentID string, historyPayload []byte) {
	h.Reset(subscriberID, agentID, historyPayload)
}

// Reset repoints a subscriber at an agent and replaces its backlog with
// the given payloads, in order. The payloads are history-class: they are
// never shed by the slow-consumer policy.
func (h *Hub) Reset(subscriberID, agentID string, payloads ...[]byte) {
	h.mu.RLock()
	sub, ok := h.subs[subscriberID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	sub.mu.Lock()
	sub.current = agentID
	sub.items = sub.items[:0]
	sub.throttled = false
	for _, p := range payloads {
		sub.items = append(sub.items, item{payload: p, history: true})
	}
	sub.signalLocked()
	sub.mu.Unlock()
}

// Publish delivers a payload to every subscriber currently observing the
// agent. For one agent, all subscribers observe the same order.
func (h *Hub) Publish(agentID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.Current() == agentID {
			sub.enqueue(payload, false)
		}
	}
}

// Broadcast delivers a payload to every subscriber regardless of the
// agent they observe. Used for snapshots and integration status.
func (h *Hub) Broadcast(payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		sub.enqueue(payload, false)
	}
}

// SendTo delivers a payload to one subscriber, typically an RPC response
// correlated by requestId.
func (h *Hub) SendTo(subscriberID string, payload []byte) {
	h.mu.RLock()
	sub, ok := h.subs[subscriberID]
	h.mu.RUnlock()
	if ok {
		sub.enqueue(payload, false)
	}
}

// Len reports the number of registered subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
