package swarm

import (
	"time"

	"github.com/ashureev/middleman/internal/domain"
	"github.com/ashureev/middleman/internal/hub"
	"github.com/ashureev/middleman/internal/protocol"

	"github.com/google/uuid"
)

// Subscribe registers a new WebSocket subscriber. When agentID is empty
// the primary manager is chosen. The returned subscriber's first two
// payloads are the ready acknowledgement and, if an agent was resolved,
// the conversation_history replay.
func (m *Manager) Subscribe(agentID string) (*hub.Subscriber, string, error) {
	var (
		sub    *hub.Subscriber
		chosen string
		opErr  error
	)
	subscriberID := uuid.NewString()
	m.call(func() {
		if agentID != "" {
			if _, ok := m.agents[agentID]; !ok {
				opErr = newError(protocol.CodeUnknownAgent, "agent %q not found", agentID)
				return
			}
			chosen = agentID
		} else {
			chosen = m.primaryAgent()
		}

		sub = m.hub.Subscribe(subscriberID)
		ready := protocol.Marshal(protocol.Ready{
			Type:              protocol.EvtReady,
			SubscriberID:      subscriberID,
			SubscribedAgentID: chosen,
		})
		if chosen != "" {
			m.hub.Reset(subscriberID, chosen, ready, m.historyPayload(chosen))
		} else {
			m.hub.Reset(subscriberID, "", ready)
		}
		// A fresh subscriber always gets the current registry view.
		m.hub.SendTo(subscriberID, protocol.Marshal(m.buildSnapshot()))
	})
	return sub, chosen, opErr
}

// SwitchTo repoints a subscriber at another agent, discarding the old
// thread's backlog and replaying the new thread's history.
func (m *Manager) SwitchTo(subscriberID, agentID string) error {
	var opErr error
	m.call(func() {
		if _, ok := m.agents[agentID]; !ok {
			opErr = newError(protocol.CodeUnknownAgent, "agent %q not found", agentID)
			return
		}
		m.hub.SwitchTo(subscriberID, agentID, m.historyPayload(agentID))
	})
	return opErr
}

// Unsubscribe removes a subscriber. Never affects agent state.
func (m *Manager) Unsubscribe(subscriberID string) {
	m.hub.Unsubscribe(subscriberID)
}

// primaryAgent picks the default thread for subscribers that do not name
// one: the earliest-created self-owned manager, else the earliest
// manager, else the earliest active agent, else none. Actor goroutine
// only.
func (m *Manager) primaryAgent() string {
	best := func(filter func(*agentEntry) bool) string {
		var chosen *agentEntry
		for _, entry := range m.agents {
			if !filter(entry) {
				continue
			}
			if chosen == nil ||
				entry.desc.CreatedAt.Before(chosen.desc.CreatedAt) ||
				(entry.desc.CreatedAt.Equal(chosen.desc.CreatedAt) && entry.desc.AgentID < chosen.desc.AgentID) {
				chosen = entry
			}
		}
		if chosen == nil {
			return ""
		}
		return chosen.desc.AgentID
	}

	if id := best(func(e *agentEntry) bool {
		return e.desc.IsManager() && e.desc.ManagerID == e.desc.AgentID
	}); id != "" {
		return id
	}
	if id := best(func(e *agentEntry) bool { return e.desc.IsManager() }); id != "" {
		return id
	}
	if id := best(func(e *agentEntry) bool { return e.desc.Status.Active() }); id != "" {
		return id
	}
	return ""
}

// ManagerFor resolves the manager agent an integration profile targets:
// an explicit id when configured, otherwise the primary manager.
func (m *Manager) ManagerFor(managerID string) (domain.Agent, bool) {
	var (
		desc domain.Agent
		ok   bool
	)
	m.call(func() {
		if managerID != "" {
			if entry, exists := m.agents[managerID]; exists && entry.desc.IsManager() {
				desc = entry.desc
				ok = true
			}
			return
		}
		if id := m.primaryAgent(); id != "" {
			if entry, exists := m.agents[id]; exists {
				desc = entry.desc
				ok = true
			}
		}
	})
	return desc, ok
}

// RecordChannelError surfaces an external-channel failure (attachment
// download, reply post) as an error entry in the agent's conversation
// log. Unknown agents are ignored.
func (m *Manager) RecordChannelError(agentID, text string) {
	m.do(func() {
		if _, ok := m.agents[agentID]; !ok {
			return
		}
		m.recordEvent(domain.NewConversationLog(agentID, domain.LogToolExecutionEnd,
			"channel", "", text, true, time.Now()))
	})
}

// BroadcastIntegrationStatus publishes a slack_status/telegram_status
// event to every subscriber.
func (m *Manager) BroadcastIntegrationStatus(eventType, managerID, state, detail string) {
	m.hub.Broadcast(protocol.Marshal(protocol.IntegrationStatus{
		Type:      eventType,
		ManagerID: managerID,
		State:     state,
		Detail:    detail,
	}))
}
