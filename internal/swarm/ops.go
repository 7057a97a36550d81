package swarm

import (
	"context"
	"strings"
	"time"

	"github.com/ashureev/middleman/internal/dirpick"
	"github.com/ashureev/middleman/internal/domain"
	"github.com/ashureev/middleman/internal/protocol"
	"github.com/ashureev/middleman/internal/queue"
	"github.com/ashureev/middleman/internal/session"

	"github.com/google/uuid"
)

// newCommand is the chat command that clears an agent's conversation.
const newCommand = "/new"

// CreateManager spawns a new manager agent in the given directory and
// broadcasts manager_created plus the updated snapshot. requestID is
// echoed in the broadcast for client-side correlation.
func (m *Manager) CreateManager(ctx context.Context, name, cwd string, model domain.Model, requestID string) (domain.Agent, error) {
	var (
		created domain.Agent
		opErr   error
	)
	m.call(func() {
		if valid, reason := dirpick.ValidateDirectory(cwd); !valid {
			opErr = newError(protocol.CodeCreateManagerFailed, "invalid directory %q: %s", cwd, reason)
			return
		}
		for _, entry := range m.agents {
			if entry.desc.IsManager() && entry.desc.DisplayName == name {
				opErr = newError(protocol.CodeCreateManagerFailed, "manager name %q already in use", name)
				return
			}
		}

		agentID := uuid.NewString()
		now := time.Now().UTC()
		entry := &agentEntry{
			desc: domain.Agent{
				AgentID:     agentID,
				ManagerID:   agentID,
				Role:        domain.RoleManager,
				DisplayName: name,
				Cwd:         cwd,
				Model:       model,
				CreatedAt:   now,
				UpdatedAt:   now,
				SessionFile: m.transcripts.Path(agentID),
				Status:      domain.StatusSpawning,
			},
			queue: queue.New(),
		}
		if err := m.spawnSession(entry); err != nil {
			opErr = newError(protocol.CodeSpawnFailed, "spawn manager %q: %v", name, err)
			return
		}
		m.agents[agentID] = entry
		m.persist(entry)
		created = entry.desc

		m.hub.Broadcast(protocol.Marshal(protocol.ManagerCreated{
			Type:      protocol.EvtManagerCreated,
			Manager:   entry.desc,
			RequestID: requestID,
		}))
		m.broadcastSnapshot()
		m.logger.Info("manager created", "agent_id", agentID, "name", name, "cwd", cwd)
	})
	return created, opErr
}

// CreateWorker spawns a worker owned by an existing manager.
func (m *Manager) CreateWorker(ctx context.Context, managerID, name, cwd string, model domain.Model) (domain.Agent, error) {
	var (
		created domain.Agent
		opErr   error
	)
	m.call(func() {
		owner, ok := m.agents[managerID]
		if !ok || !owner.desc.IsManager() {
			opErr = newError(protocol.CodeUnknownAgent, "manager %q not found", managerID)
			return
		}
		if cwd == "" {
			cwd = owner.desc.Cwd
		}
		if valid, reason := dirpick.ValidateDirectory(cwd); !valid {
			opErr = newError(protocol.CodeInvalidDirectory, "invalid directory %q: %s", cwd, reason)
			return
		}

		agentID := uuid.NewString()
		now := time.Now().UTC()
		entry := &agentEntry{
			desc: domain.Agent{
				AgentID:     agentID,
				ManagerID:   managerID,
				Role:        domain.RoleWorker,
				DisplayName: name,
				Cwd:         cwd,
				Model:       model,
				CreatedAt:   now,
				UpdatedAt:   now,
				SessionFile: m.transcripts.Path(agentID),
				Status:      domain.StatusSpawning,
			},
			queue: queue.New(),
		}
		if err := m.spawnSession(entry); err != nil {
			opErr = newError(protocol.CodeSpawnFailed, "spawn worker %q: %v", name, err)
			return
		}
		m.agents[agentID] = entry
		m.persist(entry)
		created = entry.desc
		m.broadcastSnapshot()
		m.logger.Info("worker created", "agent_id", agentID, "manager_id", managerID, "name", name)
	})
	return created, opErr
}

// DeleteManager cascade-deletes a manager and every worker it owns.
// Idempotent: deleting an unknown id is a no-op success.
func (m *Manager) DeleteManager(ctx context.Context, managerID, requestID string) error {
	m.call(func() {
		owner, ok := m.agents[managerID]
		if !ok {
			m.logger.Info("delete of unknown manager ignored", "manager_id", managerID)
			return
		}
		if !owner.desc.IsManager() {
			return
		}

		for agentID, entry := range m.agents {
			if entry.desc.OwnedBy(managerID) {
				m.removeAgent(agentID, entry)
			}
		}
		m.removeAgent(managerID, owner)

		m.hub.Broadcast(protocol.Marshal(protocol.ManagerDeleted{
			Type:      protocol.EvtManagerDeleted,
			ManagerID: managerID,
			RequestID: requestID,
		}))
		m.broadcastSnapshot()
		m.logger.Info("manager deleted", "manager_id", managerID)
	})
	return nil
}

// removeAgent tears one agent fully down: session, queue, history,
// transcript, registry row. Actor goroutine only.
func (m *Manager) removeAgent(agentID string, entry *agentEntry) {
	delete(m.agents, agentID)
	if entry.steerTimer != nil {
		entry.steerTimer.Stop()
	}
	if dropped := entry.queue.Clear(); dropped > 0 {
		m.logger.Info("dropped queued inputs on delete", "agent_id", agentID, "count", dropped)
	}
	if entry.sess != nil {
		sess := entry.sess
		go sess.Stop(session.StopGraceful, m.cfg.Timeout.GracefulStop)
	}
	m.history.Drop(agentID)
	go func() {
		if err := m.transcripts.Remove(agentID); err != nil {
			m.logger.Warn("remove transcript failed", "agent_id", agentID, "error", err)
		}
	}()
	m.deleteAgentRow(agentID)
}

// KillAgent stops one worker. Managers cannot be killed this way.
func (m *Manager) KillAgent(ctx context.Context, agentID string) error {
	var opErr error
	m.call(func() {
		entry, ok := m.agents[agentID]
		if !ok {
			opErr = newError(protocol.CodeUnknownAgent, "agent %q not found", agentID)
			return
		}
		if entry.desc.IsManager() {
			opErr = newError(protocol.CodeInvalidAgent, "agent %q is a manager; use delete_manager", agentID)
			return
		}
		m.stopEntry(entry)
	})
	return opErr
}

// stopEntry stops an agent's session but keeps it registered. The
// session-closed callback flips the status and broadcasts.
func (m *Manager) stopEntry(entry *agentEntry) {
	if entry.steerTimer != nil {
		entry.steerTimer.Stop()
		entry.steerTimer = nil
	}
	entry.awaitingBarrier = false
	entry.steerInput = nil
	entry.queue.Clear()
	entry.desc.PendingCount = 0
	if entry.sess != nil {
		sess := entry.sess
		go sess.Stop(session.StopGraceful, m.cfg.Timeout.GracefulStop)
	} else if entry.desc.Status != domain.StatusTerminated {
		entry.desc.Status = domain.StatusTerminated
		m.persist(entry)
		m.broadcastStatus(entry)
	}
}

// StopAllAgents stops every worker under a manager, then the manager
// itself. Returns the stopped worker ids and whether the manager had a
// live session to stop.
func (m *Manager) StopAllAgents(ctx context.Context, managerID string) (stopped []string, managerStopped bool, err error) {
	m.call(func() {
		owner, ok := m.agents[managerID]
		if !ok || !owner.desc.IsManager() {
			err = newError(protocol.CodeStopAllAgentsFailed, "manager %q not found", managerID)
			return
		}
		for agentID, entry := range m.agents {
			if entry.desc.OwnedBy(managerID) && entry.desc.Status != domain.StatusTerminated {
				m.stopEntry(entry)
				stopped = append(stopped, agentID)
			}
		}
		if owner.desc.Status != domain.StatusTerminated {
			managerStopped = owner.desc.Status.Active()
			m.stopEntry(owner)
		}
		m.logger.Info("stop all agents", "manager_id", managerID, "workers_stopped", len(stopped))
	})
	return stopped, managerStopped, err
}

// HandleInput routes one input to its agent's queue.
func (m *Manager) HandleInput(ctx context.Context, in domain.Input) error {
	if in.Empty() {
		return nil
	}
	var opErr error
	m.call(func() {
		entry, ok := m.agents[in.AgentID]
		if !ok {
			opErr = newError(protocol.CodeUnknownAgent, "agent %q not found", in.AgentID)
			return
		}
		if strings.TrimSpace(in.Text) == newCommand {
			m.resetConversation(entry, "user_new_command")
			return
		}
		m.enqueueInput(entry, in)
	})
	return opErr
}

// ResetConversation clears an agent's history and pending queue.
func (m *Manager) ResetConversation(ctx context.Context, agentID, reason string) error {
	var opErr error
	m.call(func() {
		entry, ok := m.agents[agentID]
		if !ok {
			opErr = newError(protocol.CodeUnknownAgent, "agent %q not found", agentID)
			return
		}
		m.resetConversation(entry, reason)
	})
	return opErr
}

// resetConversation cancels any in-flight delivery, drops the pending
// queue, clears history, and announces conversation_reset. Actor
// goroutine only.
func (m *Manager) resetConversation(entry *agentEntry, reason string) {
	agentID := entry.desc.AgentID
	if reason == "user_new_command" && entry.inflight != nil && entry.sess != nil {
		entry.sess.Cancel("conversation reset")
	}
	if dropped := entry.queue.Clear(); dropped > 0 {
		m.logger.Info("dropped queued inputs on reset", "agent_id", agentID, "count", dropped)
	}
	entry.steerInput = nil
	entry.desc.PendingCount = 0
	m.history.Reset(agentID)
	if err := m.transcripts.Reset(agentID); err != nil {
		m.logger.Warn("reset transcript failed", "agent_id", agentID, "error", err)
	}
	m.hub.Broadcast(protocol.Marshal(protocol.ConversationReset{
		Type:    protocol.EvtConversationReset,
		AgentID: agentID,
		Reason:  reason,
	}))
	m.broadcastStatus(entry)
	m.logger.Info("conversation reset", "agent_id", agentID, "reason", reason)
}
