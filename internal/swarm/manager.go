// Package swarm implements the supervisor that owns the agent registry,
// routes inputs, aggregates event streams, and coordinates lifecycle.
//
// All registry mutations run on a single actor goroutine fed by an
// inbox of closures; there is no shared mutable state outside it. Agent
// sessions, subscriber writers, and channel transports each run their
// own tasks and talk to the actor through the inbox.
package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"github.com/ashureev/middleman/internal/config"
	"github.com/ashureev/middleman/internal/domain"
	"github.com/ashureev/middleman/internal/history"
	"github.com/ashureev/middleman/internal/hub"
	"github.com/ashureev/middleman/internal/persist"
	"github.com/ashureev/middleman/internal/protocol"
	"github.com/ashureev/middleman/internal/queue"
	"github.com/ashureev/middleman/internal/runtime"
	"github.com/ashureev/middleman/internal/session"
	"github.com/ashureev/middleman/internal/store"
)

// Error is a coded supervisor error surfaced on the wire verbatim.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

func newError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// OutboundPoster posts assistant replies back to the external channel an
// input arrived on. Implemented by the channel bridge.
type OutboundPoster interface {
	Post(ctx context.Context, sc domain.SourceContext, text string) error
}

// Options wires the supervisor's collaborators.
type Options struct {
	Config      *config.Config
	Logger      *slog.Logger
	Hub         *hub.Hub
	History     *history.Store
	Registry    store.Repository
	Transcripts *persist.Transcripts
	Spawner     runtime.Spawner
}

// agentEntry is the actor-private state for one agent.
type agentEntry struct {
	desc  domain.Agent
	sess  *session.Session
	queue *queue.Queue

	inflight        *domain.Input
	awaitingBarrier bool
	steerInput      *domain.Input
	steerTimer      *time.Timer
	respawnForSteer bool
}

// Manager is the swarm supervisor.
type Manager struct {
	cfg         *config.Config
	logger      *slog.Logger
	hub         *hub.Hub
	history     *history.Store
	registry    store.Repository
	transcripts *persist.Transcripts
	spawner     runtime.Spawner
	poster      OutboundPoster

	inbox     chan func()
	closed    chan struct{}
	fatal     chan error
	persistCh chan persistOp

	// actor-owned state below; touched only from Run's goroutine
	agents map[string]*agentEntry
}

// persistOp is one queued registry write. Exactly one of agent, agentID,
// or flushed is set: upsert, delete, or flush barrier.
type persistOp struct {
	agent   *domain.Agent
	agentID string
	flushed chan struct{}
}

// New creates a supervisor. Call Boot before serving traffic and Run in
// its own goroutine.
func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:         opts.Config,
		logger:      logger,
		hub:         opts.Hub,
		history:     opts.History,
		registry:    opts.Registry,
		transcripts: opts.Transcripts,
		spawner:     opts.Spawner,
		inbox:       make(chan func(), 256),
		closed:      make(chan struct{}),
		fatal:       make(chan error, 1),
		persistCh:   make(chan persistOp, 256),
		agents:      make(map[string]*agentEntry),
	}
	go m.persister()
	return m
}

// SetPoster attaches the outbound reply dispatcher. Must be called
// before Run; the bridge is constructed after the supervisor.
func (m *Manager) SetPoster(p OutboundPoster) {
	m.poster = p
}

// Fatal reports an unrecoverable supervisor failure. The process should
// drain and exit 1 when this fires.
func (m *Manager) Fatal() <-chan error {
	return m.fatal
}

// Run executes the actor loop until ctx is cancelled. A panic inside the
// actor is unrecoverable: sessions are drained and Fatal fires.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.closed)
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("supervisor panic", "panic", r, "stack", string(debug.Stack()))
			m.drainSessions()
			m.fatal <- fmt.Errorf("supervisor panic: %v", r)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-m.inbox:
			fn()
		}
	}
}

// do schedules fn on the actor and returns immediately.
func (m *Manager) do(fn func()) {
	select {
	case m.inbox <- fn:
	case <-m.closed:
	}
}

// call schedules fn on the actor and waits for it to run.
func (m *Manager) call(fn func()) {
	done := make(chan struct{})
	m.do(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
	case <-m.closed:
	}
}

// drainSessions gracefully stops every live session. Used on fatal
// errors and daemon shutdown.
func (m *Manager) drainSessions() {
	for _, entry := range m.agents {
		if entry.sess != nil {
			sess := entry.sess
			go sess.Stop(session.StopGraceful, m.cfg.Timeout.GracefulStop)
		}
	}
}

// --- emission helpers (actor goroutine only) ---

// publishEvent appends a conversation event to history and fans it out.
// Within one agent, history append and hub enqueue happen in emission
// order, which is what makes subscriber streams a prefix of history.
func (m *Manager) publishEvent(ev domain.Event) {
	m.history.Append(ev)
	m.hub.Publish(ev.AgentID, protocol.Marshal(ev))
}

// recordEvent is publishEvent for supervisor-originated events, which
// also need transcript persistence (session-originated events are
// written to the transcript by the session itself).
func (m *Manager) recordEvent(ev domain.Event) {
	m.transcripts.Appender(ev.AgentID).Append(ev)
	m.publishEvent(ev)
}

func (m *Manager) broadcastSnapshot() {
	m.hub.Broadcast(protocol.Marshal(m.buildSnapshot()))
}

func (m *Manager) broadcastStatus(entry *agentEntry) {
	m.hub.Broadcast(protocol.Marshal(protocol.AgentStatus{
		Type:         protocol.EvtAgentStatus,
		AgentID:      entry.desc.AgentID,
		Status:       entry.desc.Status,
		PendingCount: entry.desc.PendingCount,
		ContextUsage: entry.desc.ContextUsage,
	}))
}

func (m *Manager) buildSnapshot() protocol.AgentsSnapshot {
	agents := make([]domain.Agent, 0, len(m.agents))
	for _, entry := range m.agents {
		agents = append(agents, entry.desc)
	}
	sort.Slice(agents, func(i, j int) bool {
		if !agents[i].CreatedAt.Equal(agents[j].CreatedAt) {
			return agents[i].CreatedAt.Before(agents[j].CreatedAt)
		}
		return agents[i].AgentID < agents[j].AgentID
	})
	return protocol.AgentsSnapshot{Type: protocol.EvtAgentsSnapshot, Agents: agents}
}

// Snapshot returns the current registry view.
func (m *Manager) Snapshot() []domain.Agent {
	var out []domain.Agent
	m.call(func() {
		out = m.buildSnapshot().Agents
	})
	return out
}

// Agent returns one descriptor by id.
func (m *Manager) Agent(agentID string) (domain.Agent, bool) {
	var (
		desc domain.Agent
		ok   bool
	)
	m.call(func() {
		if entry, exists := m.agents[agentID]; exists {
			desc = entry.desc
			ok = true
		}
	})
	return desc, ok
}

// persist queues a registry upsert. Registry writes run on their own
// task so a slow database can never stall the actor that routes every
// agent's events; the descriptor is copied because the entry stays
// actor-owned.
func (m *Manager) persist(entry *agentEntry) {
	desc := entry.desc
	m.enqueuePersist(persistOp{agent: &desc})
}

// deleteAgentRow queues a registry delete behind any earlier writes for
// the same agent.
func (m *Manager) deleteAgentRow(agentID string) {
	m.enqueuePersist(persistOp{agentID: agentID})
}

func (m *Manager) enqueuePersist(op persistOp) {
	select {
	case m.persistCh <- op:
	default:
		m.logger.Warn("persistence queue full, dropping registry write", "agent_id", persistOpID(op))
	}
}

func persistOpID(op persistOp) string {
	if op.agent != nil {
		return op.agent.AgentID
	}
	return op.agentID
}

// flushPersistence blocks until every queued registry write has landed.
func (m *Manager) flushPersistence(ctx context.Context) {
	flushed := make(chan struct{})
	select {
	case m.persistCh <- persistOp{flushed: flushed}:
	case <-ctx.Done():
		return
	}
	select {
	case <-flushed:
	case <-ctx.Done():
	}
}

// persister applies registry writes in queue order, one at a time.
func (m *Manager) persister() {
	for op := range m.persistCh {
		if op.flushed != nil {
			close(op.flushed)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if op.agent != nil {
			if err := m.registry.UpsertAgent(ctx, op.agent); err != nil {
				m.logger.Error("persist agent failed", "agent_id", op.agent.AgentID, "error", err)
			}
		} else if op.agentID != "" {
			if err := m.registry.DeleteAgent(ctx, op.agentID); err != nil {
				m.logger.Error("delete agent row failed", "agent_id", op.agentID, "error", err)
			}
		}
		cancel()
	}
}

func (m *Manager) historyPayload(agentID string) []byte {
	conversation, activity := m.history.Projections(agentID)
	if conversation == nil {
		conversation = []domain.Event{}
	}
	if activity == nil {
		activity = []domain.Event{}
	}
	return protocol.Marshal(protocol.ConversationHistory{
		Type:         protocol.EvtConversationHistory,
		AgentID:      agentID,
		Conversation: conversation,
		Activity:     activity,
	})
}
