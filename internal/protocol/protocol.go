// Package protocol defines the client WebSocket wire protocol: inbound
// commands and outbound server events. This is the only layer that
// inspects raw JSON shapes; inside the daemon everything is typed.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/ashureev/middleman/internal/domain"
)

// Client command types.
const (
	CmdSubscribe         = "subscribe"
	CmdUserMessage       = "user_message"
	CmdKillAgent         = "kill_agent"
	CmdCreateManager     = "create_manager"
	CmdDeleteManager     = "delete_manager"
	CmdStopAllAgents     = "stop_all_agents"
	CmdListDirectories   = "list_directories"
	CmdValidateDirectory = "validate_directory"
	CmdPickDirectory     = "pick_directory"
	CmdPing              = "ping"
)

// Server event types not covered by domain.EventType.
const (
	EvtReady               = "ready"
	EvtAgentsSnapshot      = "agents_snapshot"
	EvtAgentStatus         = "agent_status"
	EvtConversationHistory = "conversation_history"
	EvtConversationReset   = "conversation_reset"
	EvtManagerCreated      = "manager_created"
	EvtManagerDeleted      = "manager_deleted"
	EvtStopAllAgentsResult = "stop_all_agents_result"
	EvtDirectoriesListed   = "directories_listed"
	EvtDirectoryValidated  = "directory_validated"
	EvtDirectoryPicked     = "directory_picked"
	EvtSlackStatus         = "slack_status"
	EvtTelegramStatus      = "telegram_status"
	EvtError               = "error"
	EvtPong                = "pong"
)

// Stable error codes surfaced on the wire.
const (
	CodeSpawnFailed           = "SPAWN_FAILED"
	CodeUnknownAgent          = "UNKNOWN_AGENT"
	CodeInvalidAgent          = "INVALID_AGENT"
	CodeCreateManagerFailed   = "CREATE_MANAGER_FAILED"
	CodeDeleteManagerFailed   = "DELETE_MANAGER_FAILED"
	CodeStopAllAgentsFailed   = "STOP_ALL_AGENTS_FAILED"
	CodeInvalidDirectory      = "INVALID_DIRECTORY"
	CodeRPCTimeout            = "RPC_TIMEOUT"
	CodeIntegrationAuth       = "INTEGRATION_AUTH_FAILED"
	CodeIntegrationTransport  = "INTEGRATION_TRANSPORT_ERROR"
	CodeAttachmentRejected    = "ATTACHMENT_REJECTED"
	CodeRuntimeProtocolError  = "RUNTIME_PROTOCOL_ERROR"
)

// Command is one decoded client request.
type Command struct {
	Type        string              `json:"type"`
	AgentID     string              `json:"agentId,omitempty"`
	Text        string              `json:"text,omitempty"`
	Delivery    domain.Delivery     `json:"delivery,omitempty"`
	Attachments []domain.Attachment `json:"attachments,omitempty"`
	Name        string              `json:"name,omitempty"`
	Cwd         string              `json:"cwd,omitempty"`
	Model       domain.Model        `json:"model,omitempty"`
	ManagerID   string              `json:"managerId,omitempty"`
	Path        string              `json:"path,omitempty"`
	DefaultPath string              `json:"defaultPath,omitempty"`
	RequestID   string              `json:"requestId,omitempty"`
}

// Decode parses one client frame. Unknown types and malformed JSON are
// errors; field validation happens per-operation downstream.
func Decode(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	switch cmd.Type {
	case CmdSubscribe, CmdUserMessage, CmdKillAgent, CmdCreateManager,
		CmdDeleteManager, CmdStopAllAgents, CmdListDirectories,
		CmdValidateDirectory, CmdPickDirectory, CmdPing:
		return cmd, nil
	case "":
		return Command{}, fmt.Errorf("decode command: missing type")
	default:
		return Command{}, fmt.Errorf("decode command: unknown type %q", cmd.Type)
	}
}

// Ready acknowledges a subscription.
type Ready struct {
	Type              string `json:"type"`
	SubscriberID      string `json:"subscriberId"`
	SubscribedAgentID string `json:"subscribedAgentId,omitempty"`
}

// AgentsSnapshot is the full registry view.
type AgentsSnapshot struct {
	Type   string         `json:"type"`
	Agents []domain.Agent `json:"agents"`
}

// AgentStatus is a per-agent delta.
type AgentStatus struct {
	Type         string               `json:"type"`
	AgentID      string               `json:"agentId"`
	Status       domain.Status        `json:"status"`
	PendingCount int                  `json:"pendingCount"`
	ContextUsage *domain.ContextUsage `json:"contextUsage,omitempty"`
}

// ConversationHistory is the replay payload sent on subscribe/switch.
type ConversationHistory struct {
	Type         string         `json:"type"`
	AgentID      string         `json:"agentId"`
	Conversation []domain.Event `json:"conversation"`
	Activity     []domain.Event `json:"activity"`
}

// ConversationReset announces a cleared history.
type ConversationReset struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
	Reason  string `json:"reason,omitempty"`
}

// ManagerCreated answers create_manager.
type ManagerCreated struct {
	Type      string       `json:"type"`
	Manager   domain.Agent `json:"manager"`
	RequestID string       `json:"requestId,omitempty"`
}

// ManagerDeleted answers delete_manager and announces cascade deletes.
type ManagerDeleted struct {
	Type      string `json:"type"`
	ManagerID string `json:"managerId"`
	RequestID string `json:"requestId,omitempty"`
}

// StopAllAgentsResult answers stop_all_agents.
type StopAllAgentsResult struct {
	Type           string   `json:"type"`
	ManagerID      string   `json:"managerId"`
	StoppedWorkers []string `json:"stoppedWorkers"`
	ManagerStopped bool     `json:"managerStopped"`
	RequestID      string   `json:"requestId,omitempty"`
}

// DirEntry is one directory listing row.
type DirEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// DirectoriesListed answers list_directories.
type DirectoriesListed struct {
	Type        string     `json:"type"`
	Path        string     `json:"path"`
	Directories []DirEntry `json:"directories"`
	RequestID   string     `json:"requestId,omitempty"`
}

// DirectoryValidated answers validate_directory.
type DirectoryValidated struct {
	Type      string `json:"type"`
	Path      string `json:"path"`
	Valid     bool   `json:"valid"`
	Reason    string `json:"reason,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// DirectoryPicked answers pick_directory.
type DirectoryPicked struct {
	Type      string `json:"type"`
	Path      string `json:"path,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// IntegrationStatus carries slack_status / telegram_status.
type IntegrationStatus struct {
	Type      string `json:"type"`
	ManagerID string `json:"managerId,omitempty"`
	State     string `json:"state"`
	Detail    string `json:"detail,omitempty"`
}

// ErrorEvent is the error envelope for control operations.
type ErrorEvent struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// Pong answers ping.
type Pong struct {
	Type string `json:"type"`
}

// Marshal encodes a server event, panicking on programmer error: every
// event type here is marshalable by construction.
func Marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal %T: %v", v, err))
	}
	return data
}
