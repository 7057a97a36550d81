package swarm

import (
	"context"
	"sync"
	"time"

	"github.com/ashureev/middleman/internal/domain"
	"github.com/ashureev/middleman/internal/queue"
	"github.com/ashureev/middleman/internal/session"
)

// Boot restores the registry from persistence. Agents that were
// streaming when the previous daemon process exited are parked as
// stopped_on_restart: an in-flight LLM stream cannot be resumed without
// risking duplicate side effects, so they wait for the user to re-issue.
// Idle agents are respawned so their history is immediately readable.
func (m *Manager) Boot(ctx context.Context) error {
	persisted, err := m.registry.ListAgents(ctx)
	if err != nil {
		return err
	}

	m.call(func() {
		for _, desc := range persisted {
			entry := &agentEntry{desc: *desc, queue: queue.New()}
			entry.desc.PendingCount = 0

			// Replay the transcript tail into the in-memory history so
			// subscribers see the conversation across daemon restarts.
			events, loadErr := m.transcripts.Load(desc.AgentID, m.cfg.Capacity.HistoryPerAgent)
			if loadErr != nil {
				m.logger.Warn("transcript load failed", "agent_id", desc.AgentID, "error", loadErr)
			}
			for _, ev := range events {
				m.history.Append(ev)
			}

			switch desc.Status {
			case domain.StatusStreaming, domain.StatusSpawning:
				entry.desc.Status = domain.StatusStoppedOnRestart
				m.logger.Info("agent was streaming at shutdown, not resuming",
					"agent_id", desc.AgentID)
			case domain.StatusIdle:
				if spawnErr := m.spawnSession(entry); spawnErr != nil {
					m.logger.Error("respawn on boot failed", "agent_id", desc.AgentID, "error", spawnErr)
					entry.desc.Status = domain.StatusTerminated
				}
			}
			entry.desc.UpdatedAt = time.Now().UTC()
			m.agents[desc.AgentID] = entry
			m.persist(entry)
		}
		m.logger.Info("registry restored", "agents", len(m.agents))
	})
	return nil
}

// Shutdown persists current statuses and gracefully stops every live
// session. Statuses are written before stopping so the next boot can
// tell streaming agents from idle ones.
func (m *Manager) Shutdown(ctx context.Context) {
	var wg sync.WaitGroup
	m.call(func() {
		for _, entry := range m.agents {
			m.persist(entry)
		}
		for _, entry := range m.agents {
			if entry.sess == nil {
				continue
			}
			sess := entry.sess
			entry.sess = nil // silence the closed callback during shutdown
			wg.Add(1)
			go func() {
				defer wg.Done()
				sess.Stop(session.StopGraceful, m.cfg.Timeout.GracefulStop)
			}()
		}
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown wait cancelled", "error", ctx.Err())
	}
	m.flushPersistence(ctx)
	m.transcripts.Close()
}
