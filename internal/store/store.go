// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/middleman/internal/domain"
)

// Repository defines the interface for persisting the agent registry.
// The registry is what restart-on-boot reads to decide which agents to
// respawn and which to park as stopped_on_restart.
type Repository interface {
	// UpsertAgent creates or updates an agent descriptor.
	UpsertAgent(ctx context.Context, agent *domain.Agent) error

	// GetAgent retrieves one agent by id. Returns nil, nil when absent.
	GetAgent(ctx context.Context, agentID string) (*domain.Agent, error)

	// ListAgents returns all registered agents ordered by created_at.
	ListAgents(ctx context.Context) ([]*domain.Agent, error)

	// UpdateStatus updates only the lifecycle status of an agent.
	UpdateStatus(ctx context.Context, agentID string, status domain.Status) error

	// DeleteAgent removes an agent record. Deleting an unknown id is not
	// an error.
	DeleteAgent(ctx context.Context, agentID string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
