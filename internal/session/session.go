// Package session drives one agent runtime subprocess and owns its
// lifecycle state machine: spawning -> idle <-> streaming -> terminated.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/middleman/internal/domain"
	"github.com/ashureev/middleman/internal/runtime"
)

// ErrBusy is returned when Deliver is called while a delivery is already
// in flight. The input queue is the single writer and never does this.
var ErrBusy = errors.New("session: delivery already in flight")

// ErrTerminated is returned when the session has already stopped.
var ErrTerminated = errors.New("session: terminated")

// StopMode selects how Stop tears the runtime down.
type StopMode int

const (
	// StopGraceful sends the shutdown sentinel and escalates to a kill
	// after the configured wait.
	StopGraceful StopMode = iota
	// StopForced kills the process immediately.
	StopForced
)

// TranscriptAppender persists conversation events as they are emitted.
type TranscriptAppender interface {
	Append(ev domain.Event)
}

// Session owns one runtime process. Events are consumed from a single
// channel that closes when the process exits; the session never replays.
type Session struct {
	agentID string
	cwd     string
	proc    runtime.Process
	events  chan domain.Event
	logger  *slog.Logger

	transcript TranscriptAppender
	// OnUsage is invoked from the event loop when the runtime reports
	// context consumption. Set before the first delivery.
	OnUsage func(domain.ContextUsage)

	mu        sync.Mutex
	status    domain.Status
	aborting  bool
	stopping  bool
	openTools map[string]string // toolCallID -> toolName, insertion untracked
	openOrder []string
	lastStamp time.Time
}

// New wraps a spawned runtime process and starts its event loop.
func New(agentID, cwd string, proc runtime.Process, transcript TranscriptAppender, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		agentID:    agentID,
		cwd:        cwd,
		proc:       proc,
		events:     make(chan domain.Event, 64),
		logger:     logger,
		transcript: transcript,
		status:     domain.StatusIdle,
		openTools:  make(map[string]string),
	}
	go s.eventLoop()
	return s
}

// Events yields conversation events in emission order. The channel is
// closed when the runtime process exits.
func (s *Session) Events() <-chan domain.Event {
	return s.events
}

// Status returns the current lifecycle state.
func (s *Session) Status() domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Deliver hands one input to the runtime. The caller (the input queue)
// guarantees no overlapping delivery; a violation is an error, not a wait.
func (s *Session) Deliver(in domain.Input) error {
	s.mu.Lock()
	switch s.status {
	case domain.StatusTerminated, domain.StatusStoppedOnRestart:
		s.mu.Unlock()
		return ErrTerminated
	case domain.StatusStreaming:
		s.mu.Unlock()
		return ErrBusy
	}
	s.status = domain.StatusStreaming
	s.aborting = false
	s.mu.Unlock()

	frame := runtime.InputFrame{Text: in.Text, Attachments: in.Attachments, Cwd: s.cwd}
	if err := s.proc.Send(frame); err != nil {
		s.mu.Lock()
		s.status = domain.StatusIdle
		s.mu.Unlock()
		return fmt.Errorf("deliver input: %w", err)
	}
	return nil
}

// Cancel requests abort of the in-flight delivery. Idempotent; cancelling
// an idle session is a no-op. The cancellation barrier is the terminal
// event observed on the stream, not the return of this call.
func (s *Session) Cancel(reason string) {
	s.mu.Lock()
	if s.status != domain.StatusStreaming || s.aborting {
		s.mu.Unlock()
		return
	}
	s.aborting = true
	s.mu.Unlock()

	s.logger.Info("cancelling delivery", "agent_id", s.agentID, "reason", reason)
	if err := s.proc.Send(runtime.AbortFrame{Abort: true}); err != nil {
		s.logger.Warn("abort frame write failed", "agent_id", s.agentID, "error", err)
	}
}

// Stop tears the runtime down. Graceful mode sends the shutdown sentinel
// and escalates to a kill after gracefulWait. Blocks until the process
// has exited.
func (s *Session) Stop(mode StopMode, gracefulWait time.Duration) {
	s.mu.Lock()
	if s.status == domain.StatusTerminated {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	s.mu.Unlock()

	if mode == StopGraceful {
		if err := s.proc.Send(runtime.ShutdownFrame{Shutdown: true}); err != nil {
			s.logger.Debug("shutdown frame write failed", "agent_id", s.agentID, "error", err)
		}
		select {
		case <-s.proc.Done():
		case <-time.After(gracefulWait):
			s.logger.Warn("graceful stop timed out, killing runtime", "agent_id", s.agentID)
			if err := s.proc.Kill(); err != nil {
				s.logger.Warn("runtime kill failed", "agent_id", s.agentID, "error", err)
			}
			<-s.proc.Done()
		}
	} else {
		if err := s.proc.Kill(); err != nil {
			s.logger.Warn("runtime kill failed", "agent_id", s.agentID, "error", err)
		}
		<-s.proc.Done()
	}
}

// now returns a per-session monotone non-decreasing timestamp so history
// ordering survives clock regressions.
func (s *Session) now() time.Time {
	t := time.Now().UTC()
	if t.Before(s.lastStamp) {
		t = s.lastStamp
	}
	s.lastStamp = t
	return t
}

func (s *Session) emit(ev domain.Event) {
	if s.transcript != nil {
		s.transcript.Append(ev)
	}
	s.events <- ev
}

// eventLoop translates runtime frames into conversation events until the
// process exits, then synthesizes whatever the runtime left unfinished.
func (s *Session) eventLoop() {
	for frame := range s.proc.Frames() {
		s.handleFrame(frame)
	}

	// Process exited. Classify and synthesize.
	var exitErr error
	select {
	case exitErr = <-s.proc.Done():
	default:
	}

	s.mu.Lock()
	wasStreaming := s.status == domain.StatusStreaming
	stopping := s.stopping
	s.status = domain.StatusTerminated
	s.mu.Unlock()

	if wasStreaming {
		s.closeOpenTools(domain.AbortedMarker + " agent process exited")
		reason := "process exited"
		if exitErr != nil {
			reason = exitErr.Error()
		}
		s.emit(domain.NewConversationMessage(
			s.agentID, "system", domain.SourceSystem,
			"Agent terminated: "+reason, nil, nil, s.now()))
		s.logger.Error("runtime died mid-stream", "agent_id", s.agentID, "error", exitErr)
	} else if !stopping && exitErr != nil {
		s.logger.Warn("runtime exited", "agent_id", s.agentID, "error", exitErr)
	}

	close(s.events)
}

func (s *Session) handleFrame(frame runtime.EventFrame) {
	switch frame.Type {
	case runtime.FrameMessageStart:
		s.emit(domain.NewConversationLog(s.agentID, domain.LogMessageStart, "", "", frame.Text, false, s.now()))

	case runtime.FrameSpeakToUser:
		s.emit(domain.NewConversationMessage(s.agentID, "assistant", domain.SourceSpeakToUser, frame.Text, nil, nil, s.now()))

	case runtime.FrameSpeakToAgent:
		if frame.ToAgentID == "" {
			s.logger.Warn("dropping speak_to_agent frame without target", "agent_id", s.agentID)
			break
		}
		s.emit(domain.NewAgentMessage(s.agentID, s.agentID, frame.ToAgentID,
			domain.SourceAgentToAgent, frame.Text, frame.Delivery, "", s.now()))

	case runtime.FrameToolExecutionStart:
		s.trackToolOpen(frame.ToolCallID, frame.ToolName)
		s.emit(domain.NewConversationLog(s.agentID, domain.LogToolExecutionStart, frame.ToolName, frame.ToolCallID, frame.Text, false, s.now()))
		s.emit(domain.NewAgentToolCall(s.agentID, s.agentID, domain.LogToolExecutionStart, frame.ToolName, frame.ToolCallID, frame.Text, false, s.now()))

	case runtime.FrameToolExecutionUpdate:
		s.emit(domain.NewConversationLog(s.agentID, domain.LogToolExecutionUpdate, frame.ToolName, frame.ToolCallID, frame.Text, frame.IsError, s.now()))

	case runtime.FrameToolExecutionEnd:
		name := s.trackToolClose(frame.ToolCallID)
		if frame.ToolName != "" {
			name = frame.ToolName
		}
		s.emit(domain.NewConversationLog(s.agentID, domain.LogToolExecutionEnd, name, frame.ToolCallID, frame.Text, frame.IsError, s.now()))
		s.emit(domain.NewAgentToolCall(s.agentID, s.agentID, domain.LogToolExecutionEnd, name, frame.ToolCallID, frame.Text, frame.IsError, s.now()))

	case runtime.FrameMessageEnd:
		s.mu.Lock()
		aborting := s.aborting
		s.mu.Unlock()
		if aborting {
			s.closeOpenTools(domain.AbortedMarker)
		} else {
			s.closeOpenTools("tool execution left open by runtime")
		}
		// Flip to idle before emitting the terminal event: the supervisor
		// schedules the next delivery on observing message_end and must
		// find the session ready.
		s.mu.Lock()
		if s.status == domain.StatusStreaming {
			s.status = domain.StatusIdle
		}
		s.aborting = false
		s.mu.Unlock()
		s.emit(domain.NewConversationLog(s.agentID, domain.LogMessageEnd, "", "", frame.Text, false, s.now()))

	case runtime.FrameContextUsage:
		if s.OnUsage != nil {
			s.OnUsage(domain.ContextUsage{Used: frame.Used, Total: frame.Total})
		}

	default:
		s.logger.Warn("dropping unknown runtime frame", "agent_id", s.agentID, "frame_type", frame.Type)
	}
}

func (s *Session) trackToolOpen(toolCallID, toolName string) {
	if toolCallID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.openTools[toolCallID]; !exists {
		s.openOrder = append(s.openOrder, toolCallID)
	}
	s.openTools[toolCallID] = toolName
}

func (s *Session) trackToolClose(toolCallID string) string {
	if toolCallID == "" {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	name := s.openTools[toolCallID]
	delete(s.openTools, toolCallID)
	for i, id := range s.openOrder {
		if id == toolCallID {
			s.openOrder = append(s.openOrder[:i], s.openOrder[i+1:]...)
			break
		}
	}
	return name
}

// closeOpenTools emits a synthetic error end for every tool the runtime
// left open, in the order they were started.
func (s *Session) closeOpenTools(text string) {
	s.mu.Lock()
	order := s.openOrder
	tools := s.openTools
	s.openOrder = nil
	s.openTools = make(map[string]string)
	s.mu.Unlock()

	for _, id := range order {
		name := tools[id]
		s.emit(domain.NewConversationLog(s.agentID, domain.LogToolExecutionEnd, name, id, text, true, s.now()))
		s.emit(domain.NewAgentToolCall(s.agentID, s.agentID, domain.LogToolExecutionEnd, name, id, text, true, s.now()))
	}
}
