package domain

import (
	"strings"
	"time"
)

// EventType tags the conversation event union.
type EventType string

const (
	EventConversationMessage EventType = "conversation_message"
	EventConversationLog     EventType = "conversation_log"
	EventAgentMessage        EventType = "agent_message"
	EventAgentToolCall       EventType = "agent_tool_call"
)

// LogKind is the sub-kind of a conversation_log event.
type LogKind string

const (
	LogMessageStart       LogKind = "message_start"
	LogMessageEnd         LogKind = "message_end"
	LogToolExecutionStart LogKind = "tool_execution_start"
	LogToolExecutionUpdate LogKind = "tool_execution_update"
	LogToolExecutionEnd   LogKind = "tool_execution_end"
)

// Message sources for conversation_message events.
const (
	SourceUserInput   = "user_input"
	SourceSpeakToUser = "speak_to_user"
	SourceSystem      = "system"
	SourceRuntimeLog  = "runtime_log"
	SourceUserToAgent = "user_to_agent"
	SourceAgentToAgent = "agent_to_agent"
)

// AbortedMarker is the cancellation marker carried by synthesized
// tool_execution_end events.
const AbortedMarker = "[aborted]"

// Event is one entry of an agent's conversation history. The Type field
// selects which of the optional fields are meaningful; the decoder at the
// WebSocket boundary is the only place raw JSON shapes are inspected.
type Event struct {
	Type      EventType `json:"type"`
	AgentID   string    `json:"agentId"`
	Timestamp string    `json:"timestamp"`

	// conversation_message
	Role          string         `json:"role,omitempty"`
	Source        string         `json:"source,omitempty"`
	SourceContext *SourceContext `json:"sourceContext,omitempty"`
	Attachments   []Attachment   `json:"attachments,omitempty"`

	// conversation_log / agent_tool_call
	Kind       LogKind `json:"kind,omitempty"`
	ToolName   string  `json:"toolName,omitempty"`
	ToolCallID string  `json:"toolCallId,omitempty"`
	IsError    bool    `json:"isError,omitempty"`

	// agent_message
	FromAgentID       string `json:"fromAgentId,omitempty"`
	ToAgentID         string `json:"toAgentId,omitempty"`
	RequestedDelivery string `json:"requestedDelivery,omitempty"`
	AcceptedMode      string `json:"acceptedMode,omitempty"`

	// agent_tool_call
	ActorAgentID string `json:"actorAgentId,omitempty"`

	Text string `json:"text,omitempty"`
}

// Stamp formats an event timestamp. All history timestamps are UTC
// RFC 3339 with millisecond precision so replay payloads are stable.
func Stamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// Conversational reports whether the event belongs to the conversation
// projection (as opposed to the activity projection).
func (e *Event) Conversational() bool {
	return e.Type == EventConversationMessage || e.Type == EventConversationLog
}

// Aborted reports whether a tool_execution_end payload denotes
// cancellation rather than failure or success.
func (e *Event) Aborted() bool {
	if e.Kind != LogToolExecutionEnd {
		return false
	}
	text := strings.ToLower(e.Text)
	return strings.Contains(text, AbortedMarker) || strings.Contains(text, "cancel")
}

// NewConversationMessage builds a conversation_message event.
func NewConversationMessage(agentID, role, source, text string, sc *SourceContext, atts []Attachment, at time.Time) Event {
	return Event{
		Type:          EventConversationMessage,
		AgentID:       agentID,
		Timestamp:     Stamp(at),
		Role:          role,
		Source:        source,
		Text:          text,
		SourceContext: sc,
		Attachments:   atts,
	}
}

// NewConversationLog builds a conversation_log event.
func NewConversationLog(agentID string, kind LogKind, toolName, toolCallID, text string, isError bool, at time.Time) Event {
	return Event{
		Type:       EventConversationLog,
		AgentID:    agentID,
		Timestamp:  Stamp(at),
		Source:     SourceRuntimeLog,
		Kind:       kind,
		ToolName:   toolName,
		ToolCallID: toolCallID,
		Text:       text,
		IsError:    isError,
	}
}

// NewAgentMessage builds an agent_message activity event.
func NewAgentMessage(agentID, fromID, toID, source, text, requestedDelivery, acceptedMode string, at time.Time) Event {
	return Event{
		Type:              EventAgentMessage,
		AgentID:           agentID,
		Timestamp:         Stamp(at),
		FromAgentID:       fromID,
		ToAgentID:         toID,
		Source:            source,
		Text:              text,
		RequestedDelivery: requestedDelivery,
		AcceptedMode:      acceptedMode,
	}
}

// NewAgentToolCall builds an agent_tool_call activity event.
func NewAgentToolCall(agentID, actorID string, kind LogKind, toolName, toolCallID, text string, isError bool, at time.Time) Event {
	return Event{
		Type:         EventAgentToolCall,
		AgentID:      agentID,
		Timestamp:    Stamp(at),
		ActorAgentID: actorID,
		Kind:         kind,
		ToolName:     toolName,
		ToolCallID:   toolCallID,
		Text:         text,
		IsError:      isError,
	}
}
