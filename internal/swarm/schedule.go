package swarm

import (
	"context"
	"time"

	"github.com/ashureev/middleman/internal/domain"
	"github.com/ashureev/middleman/internal/queue"
	"github.com/ashureev/middleman/internal/session"
)

// spawnSession starts a runtime for the entry and wires its event pump.
// Actor goroutine only.
func (m *Manager) spawnSession(entry *agentEntry) error {
	proc, err := m.spawner.Spawn(entry.desc.Cwd, entry.desc.SessionFile)
	if err != nil {
		return err
	}
	agentID := entry.desc.AgentID
	sess := session.New(agentID, entry.desc.Cwd, proc, m.transcripts.Appender(agentID), m.logger)
	sess.OnUsage = func(usage domain.ContextUsage) {
		m.do(func() {
			cur, ok := m.agents[agentID]
			if !ok || cur.sess != sess {
				return
			}
			cur.desc.ContextUsage = &usage
			cur.desc.UpdatedAt = time.Now().UTC()
			m.broadcastStatus(cur)
		})
	}
	entry.sess = sess
	entry.desc.Status = domain.StatusIdle
	entry.desc.UpdatedAt = time.Now().UTC()

	go func() {
		for ev := range sess.Events() {
			ev := ev
			m.do(func() { m.onSessionEvent(agentID, sess, ev) })
		}
		m.do(func() { m.onSessionClosed(agentID, sess) })
	}()
	return nil
}

// enqueueInput routes a user-originated input.
func (m *Manager) enqueueInput(entry *agentEntry, in domain.Input) {
	m.enqueueFrom(entry, in, senderID(in.SourceContext), domain.SourceUserToAgent)
}

// enqueueFrom applies the delivery-mode rules to one input. fromID and
// msgSource identify the sender in the activity projection (a user, or
// another agent speaking via speak_to_agent). Actor goroutine only; the
// caller has verified the entry exists.
func (m *Manager) enqueueFrom(entry *agentEntry, in domain.Input, fromID, msgSource string) {
	agentID := entry.desc.AgentID

	// Agents without a live session (terminated, stopped_on_restart) are
	// revived by user input rather than auto-resumed on boot.
	if entry.sess == nil {
		if err := m.spawnSession(entry); err != nil {
			m.logger.Error("respawn on input failed", "agent_id", agentID, "error", err)
			m.recordEvent(domain.NewConversationMessage(agentID, "system", domain.SourceSystem,
				"Agent could not be restarted: "+err.Error(), nil, nil, time.Now()))
			return
		}
		m.persist(entry)
		m.broadcastSnapshot()
	}

	streaming := entry.inflight != nil
	var inflightSC *domain.SourceContext
	if streaming {
		inflightSC = entry.inflight.SourceContext
	}
	mode := queue.Resolve(in.Delivery, streaming, inflightSC, in.SourceContext)

	// The user's message joins the conversation immediately, whatever the
	// scheduling outcome.
	m.recordEvent(domain.NewConversationMessage(agentID, "user", domain.SourceUserInput,
		in.Text, in.SourceContext, in.Attachments, time.Now()))
	m.recordEvent(domain.NewAgentMessage(agentID, fromID, agentID,
		msgSource, in.Text, string(in.Delivery), string(mode), time.Now()))

	switch mode {
	case queue.ModeDeliver:
		m.dispatch(entry, in)
	case queue.ModeFollowUp:
		entry.queue.Push(in)
	case queue.ModeSteer:
		if entry.awaitingBarrier {
			// A steer is already draining; this one waits right behind it.
			entry.queue.PushFront(in)
			break
		}
		entry.awaitingBarrier = true
		steer := in
		entry.steerInput = &steer
		entry.sess.Cancel("steer")
		entry.steerTimer = time.AfterFunc(m.cfg.Timeout.SteerCancel, func() {
			m.do(func() { m.onSteerTimeout(agentID) })
		})
	}

	entry.desc.PendingCount = entry.queue.Len()
	m.broadcastStatus(entry)
}

func senderID(sc *domain.SourceContext) string {
	if sc != nil && sc.UserID != "" {
		return sc.UserID
	}
	return "user"
}

// dispatch hands one input to the session. Actor goroutine only.
func (m *Manager) dispatch(entry *agentEntry, in domain.Input) {
	input := in
	entry.inflight = &input
	entry.desc.Status = domain.StatusStreaming
	entry.desc.UpdatedAt = time.Now().UTC()

	agentID := entry.desc.AgentID
	sess := entry.sess
	go func() {
		if err := sess.Deliver(input); err != nil {
			m.logger.Error("delivery failed", "agent_id", agentID, "error", err)
			m.do(func() {
				cur, ok := m.agents[agentID]
				if !ok || cur.sess != sess {
					return
				}
				cur.inflight = nil
				cur.desc.Status = cur.sess.Status()
				m.recordEvent(domain.NewConversationMessage(agentID, "system", domain.SourceSystem,
					"Input could not be delivered: "+err.Error(), nil, nil, time.Now()))
				m.dispatchNext(cur)
				m.broadcastStatus(cur)
			})
		}
	}()
}

// dispatchNext pops the queue if the session is ready for more. Actor
// goroutine only.
func (m *Manager) dispatchNext(entry *agentEntry) {
	if entry.inflight != nil || entry.awaitingBarrier || entry.sess == nil {
		return
	}
	if entry.sess.Status() != domain.StatusIdle {
		return
	}
	next, ok := entry.queue.Pop()
	if !ok {
		return
	}
	entry.desc.PendingCount = entry.queue.Len()
	m.dispatch(entry, next)
}

// onSessionEvent handles one event from a live session. Events from a
// replaced session (after a steer respawn) are dropped: the new session
// owns the stream.
func (m *Manager) onSessionEvent(agentID string, sess *session.Session, ev domain.Event) {
	entry, ok := m.agents[agentID]
	if !ok || entry.sess != sess {
		return
	}

	m.publishEvent(ev)
	m.maybePostReply(entry, ev)

	if ev.Type == domain.EventAgentMessage && ev.Source == domain.SourceAgentToAgent {
		m.routeAgentMessage(entry, ev)
	}

	if ev.Kind == domain.LogMessageEnd && ev.Type == domain.EventConversationLog {
		m.completeInflight(entry)
	}
}

// routeAgentMessage delivers a speak_to_agent directive to the target
// agent's queue. The sender's requested delivery mode is carried
// through; the target's scheduler decides the accepted mode.
func (m *Manager) routeAgentMessage(sender *agentEntry, ev domain.Event) {
	target, ok := m.agents[ev.ToAgentID]
	if !ok {
		m.logger.Warn("agent message to unknown agent",
			"from", ev.FromAgentID, "to", ev.ToAgentID)
		m.recordEvent(domain.NewConversationLog(sender.desc.AgentID, domain.LogToolExecutionEnd,
			"speak_to_agent", "", "agent "+ev.ToAgentID+" not found", true, time.Now()))
		return
	}
	in := domain.Input{
		AgentID:  ev.ToAgentID,
		Text:     ev.Text,
		Delivery: domain.Delivery(ev.RequestedDelivery),
	}
	if in.Empty() {
		return
	}
	m.enqueueFrom(target, in, ev.FromAgentID, domain.SourceAgentToAgent)
}

// completeInflight marks the current delivery drained: this is the
// cancellation barrier steer waits behind.
func (m *Manager) completeInflight(entry *agentEntry) {
	entry.inflight = nil
	if entry.awaitingBarrier {
		entry.awaitingBarrier = false
		if entry.steerTimer != nil {
			entry.steerTimer.Stop()
			entry.steerTimer = nil
		}
		if entry.steerInput != nil {
			entry.queue.PushFront(*entry.steerInput)
			entry.steerInput = nil
		}
	}
	entry.desc.Status = domain.StatusIdle
	entry.desc.UpdatedAt = time.Now().UTC()
	m.dispatchNext(entry)
	entry.desc.PendingCount = entry.queue.Len()
	m.broadcastStatus(entry)
}

// onSteerTimeout fires when a cancelled runtime failed to reach the
// barrier in time. The session is killed and replaced; the steering
// input is delivered to the fresh session.
func (m *Manager) onSteerTimeout(agentID string) {
	entry, ok := m.agents[agentID]
	if !ok || !entry.awaitingBarrier || entry.sess == nil {
		return
	}
	m.logger.Warn("steer cancellation timed out, respawning session", "agent_id", agentID)
	entry.respawnForSteer = true
	sess := entry.sess
	go sess.Stop(session.StopForced, 0)
}

// onSessionClosed handles runtime exit: crash, stop, or steer respawn.
func (m *Manager) onSessionClosed(agentID string, sess *session.Session) {
	entry, ok := m.agents[agentID]
	if !ok || entry.sess != sess {
		return
	}

	entry.sess = nil
	entry.inflight = nil
	if entry.steerTimer != nil {
		entry.steerTimer.Stop()
		entry.steerTimer = nil
	}
	entry.awaitingBarrier = false
	entry.desc.Status = domain.StatusTerminated
	entry.desc.UpdatedAt = time.Now().UTC()

	if entry.respawnForSteer {
		entry.respawnForSteer = false
		if entry.steerInput != nil {
			entry.queue.PushFront(*entry.steerInput)
			entry.steerInput = nil
		}
		if err := m.spawnSession(entry); err != nil {
			m.logger.Error("steer respawn failed", "agent_id", agentID, "error", err)
			m.recordEvent(domain.NewConversationMessage(agentID, "system", domain.SourceSystem,
				"Agent could not be restarted: "+err.Error(), nil, nil, time.Now()))
		} else {
			entry.desc.PendingCount = entry.queue.Len()
			m.dispatchNext(entry)
		}
	} else {
		entry.steerInput = nil
	}

	m.persist(entry)
	m.broadcastStatus(entry)
	m.broadcastSnapshot()
}

// maybePostReply routes assistant replies back to the channel the
// in-flight input arrived on. Posting never blocks the event stream;
// failures surface as error log events against the agent.
func (m *Manager) maybePostReply(entry *agentEntry, ev domain.Event) {
	if m.poster == nil {
		return
	}
	if ev.Type != domain.EventConversationMessage || ev.Role != "assistant" || ev.Source != domain.SourceSpeakToUser {
		return
	}
	if entry.inflight == nil || entry.inflight.SourceContext == nil {
		return
	}
	sc := *entry.inflight.SourceContext
	if sc.Channel == domain.ChannelWeb || sc.Channel == "" {
		return
	}
	agentID := entry.desc.AgentID
	text := ev.Text
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.poster.Post(ctx, sc, text); err != nil {
			m.logger.Warn("outbound reply failed", "agent_id", agentID, "channel", sc.Channel, "error", err)
			m.do(func() {
				if _, ok := m.agents[agentID]; ok {
					m.recordEvent(domain.NewConversationLog(agentID, domain.LogToolExecutionEnd,
						"channel_post", "", "reply delivery to "+string(sc.Channel)+" failed: "+err.Error(), true, time.Now()))
				}
			})
		}
	}()
}
