// Package assistant stores agent configurations in the hosted assistants
// service of the model provider.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ashureev/voice-agent/internal/domain"
	"github.com/ashureev/voice-agent/internal/llm"
	"github.com/ashureev/voice-agent/internal/store"
	openai "github.com/sashabaranov/go-openai"
)

// Registry implements store.Repository on top of the assistants API.
type Registry struct {
	client *llm.Client
}

// NewRegistry creates a hosted registry sharing the client's connection.
func NewRegistry(client *llm.Client) *Registry {
	return &Registry{client: client}
}

// CreateAgent creates an assistant from spec.
func (r *Registry) CreateAgent(ctx context.Context, spec domain.AgentSpec) (*domain.AgentConfig, error) {
	if err := r.client.Ready(); err != nil {
		return nil, err
	}
	meta := make(map[string]any, len(spec.Metadata))
	for k, v := range spec.Metadata {
		meta[k] = v
	}
	name, instructions := spec.Name, spec.Instructions
	a, err := r.client.API().CreateAssistant(ctx, openai.AssistantRequest{
		Model:        r.client.Deployment(),
		Name:         &name,
		Instructions: &instructions,
		Metadata:     meta,
	})
	if err != nil {
		return nil, mapError("create assistant", err)
	}
	return toConfig(a), nil
}

// GetAgent retrieves an assistant by id.
func (r *Registry) GetAgent(ctx context.Context, id string) (*domain.AgentConfig, error) {
	if err := r.client.Ready(); err != nil {
		return nil, err
	}
	a, err := r.client.API().RetrieveAssistant(ctx, id)
	if err != nil {
		return nil, mapError("retrieve assistant "+id, err)
	}
	return toConfig(a), nil
}

// ListAgents lists assistants newest first. The owner filter is applied
// client side because the service cannot query metadata.
func (r *Registry) ListAgents(ctx context.Context, params store.ListParams) ([]domain.AgentConfig, error) {
	if err := r.client.Ready(); err != nil {
		return nil, err
	}
	limit := params.Limit
	if limit <= 0 {
		limit = store.DefaultListLimit
	}
	order := "desc"
	list, err := r.client.API().ListAssistants(ctx, &limit, &order, nil, nil)
	if err != nil {
		return nil, mapError("list assistants", err)
	}
	var out []domain.AgentConfig
	for _, a := range list.Assistants {
		cfg := toConfig(a)
		if params.UserID != "" && cfg.UserID() != params.UserID {
			continue
		}
		out = append(out, *cfg)
	}
	return out, nil
}

// Ping lists a single assistant to verify credentials and reachability.
func (r *Registry) Ping(ctx context.Context) error {
	_, err := r.ListAgents(ctx, store.ListParams{Limit: 1})
	return err
}

// Close is a no-op; the HTTP client has no resources to release.
func (r *Registry) Close() error {
	return nil
}

func toConfig(a openai.Assistant) *domain.AgentConfig {
	cfg := &domain.AgentConfig{
		ID:        a.ID,
		Metadata:  make(map[string]string, len(a.Metadata)),
		CreatedAt: time.Unix(a.CreatedAt, 0),
	}
	if a.Name != nil {
		cfg.Name = *a.Name
	}
	if a.Instructions != nil {
		cfg.Instructions = *a.Instructions
	}
	for k, v := range a.Metadata {
		switch val := v.(type) {
		case string:
			cfg.Metadata[k] = val
		case nil:
		default:
			cfg.Metadata[k] = fmt.Sprint(val)
		}
	}
	return cfg
}

func mapError(op string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ store.Repository = (*Registry)(nil)
