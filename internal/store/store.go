// Package store provides agent persistence interfaces and the in-memory
// keyed stores used for sessions and conversation threads.
package store

import (
	"context"

	"github.com/ashureev/voice-agent/internal/domain"
)

// DefaultListLimit caps ListAgents when no limit is given.
const DefaultListLimit = 100

// ListParams filters agent listings.
type ListParams struct {
	// UserID restricts results to agents whose metadata names this owner.
	// Empty means all agents.
	UserID string
	Limit  int
}

// Repository defines the interface for persisting agent configurations.
// Both the hosted registry and the local SQLite store implement it.
type Repository interface {
	// CreateAgent persists a new agent configuration and returns it with
	// its assigned id.
	CreateAgent(ctx context.Context, spec domain.AgentSpec) (*domain.AgentConfig, error)

	// GetAgent retrieves an agent by id. It returns domain.ErrNotFound when
	// the id is unknown.
	GetAgent(ctx context.Context, id string) (*domain.AgentConfig, error)

	// ListAgents returns agents newest first.
	ListAgents(ctx context.Context, params ListParams) ([]domain.AgentConfig, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
