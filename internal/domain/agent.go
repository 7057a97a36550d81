// Package domain contains core domain types for the Middleman daemon.
package domain

import (
	"time"
)

// Role distinguishes managers from the workers they own.
type Role string

const (
	RoleManager Role = "manager"
	RoleWorker  Role = "worker"
)

// Status is the lifecycle state of an agent session.
type Status string

const (
	StatusSpawning         Status = "spawning"
	StatusIdle             Status = "idle"
	StatusStreaming        Status = "streaming"
	StatusTerminated       Status = "terminated"
	StatusStoppedOnRestart Status = "stopped_on_restart"
)

// Active reports whether the agent has a live session behind it.
func (s Status) Active() bool {
	return s == StatusSpawning || s == StatusIdle || s == StatusStreaming
}

// Model identifies the LLM configuration an agent runs with.
// Opaque to the scheduler; passed through to the runtime.
type Model struct {
	Provider      string `json:"provider"`
	ModelID       string `json:"modelId"`
	ThinkingLevel string `json:"thinkingLevel,omitempty"`
}

// ContextUsage reports runtime token consumption for an agent.
type ContextUsage struct {
	Used  int `json:"used"`
	Total int `json:"total"`
}

// Agent describes one supervised agent. Managers own themselves
// (ManagerID == AgentID); workers point at their owning manager.
type Agent struct {
	AgentID      string        `json:"agentId"`
	ManagerID    string        `json:"managerId"`
	Role         Role          `json:"role"`
	DisplayName  string        `json:"displayName"`
	Cwd          string        `json:"cwd"`
	Model        Model         `json:"model"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	SessionFile  string        `json:"sessionFile,omitempty"`
	Status       Status        `json:"status"`
	PendingCount int           `json:"pendingCount"`
	ContextUsage *ContextUsage `json:"contextUsage,omitempty"`
}

// IsManager reports whether the agent is its own manager.
func (a *Agent) IsManager() bool {
	return a.Role == RoleManager
}

// OwnedBy reports whether the agent is a worker under the given manager.
func (a *Agent) OwnedBy(managerID string) bool {
	return a.Role == RoleWorker && a.ManagerID == managerID
}
