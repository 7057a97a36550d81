// Package runtime drives an agent runtime subprocess over newline-framed
// JSON: input frames on stdin, event frames on stdout.
package runtime

import (
	"github.com/ashureev/middleman/internal/domain"
)

// Frame types emitted by the runtime on stdout.
const (
	FrameMessageStart        = "message_start"
	FrameMessageEnd          = "message_end"
	FrameToolExecutionStart  = "tool_execution_start"
	FrameToolExecutionUpdate = "tool_execution_update"
	FrameToolExecutionEnd    = "tool_execution_end"
	FrameSpeakToUser         = "speak_to_user"
	FrameSpeakToAgent        = "speak_to_agent"
	FrameContextUsage        = "context_usage"
)

// InputFrame is written to the runtime's stdin for each delivery.
type InputFrame struct {
	Text        string              `json:"text"`
	Attachments []domain.Attachment `json:"attachments,omitempty"`
	Cwd         string              `json:"cwd"`
}

// AbortFrame requests cancellation of the in-flight delivery.
type AbortFrame struct {
	Abort bool `json:"abort"`
}

// ShutdownFrame asks the runtime to exit after draining.
type ShutdownFrame struct {
	Shutdown bool `json:"shutdown"`
}

// EventFrame is one event read from the runtime's stdout.
type EventFrame struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
	ToolCallID string `json:"toolCallId,omitempty"`
	IsError    bool   `json:"isError,omitempty"`
	// speak_to_agent
	ToAgentID string `json:"toAgentId,omitempty"`
	Delivery  string `json:"delivery,omitempty"`
	// context_usage
	Used  int `json:"used,omitempty"`
	Total int `json:"total,omitempty"`
}
