package api

import (
	"log/slog"
	"net/http"

	"github.com/ashureev/voice-agent/internal/store"
	"github.com/go-chi/chi/v5"
)

// AgentHandler exposes the agent registry.
type AgentHandler struct {
	repo store.Repository
}

// NewAgentHandler creates an agent handler.
func NewAgentHandler(repo store.Repository) *AgentHandler {
	return &AgentHandler{repo: repo}
}

// RegisterRoutes registers agent registry routes.
func (h *AgentHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/agents", h.List)
	r.Get("/api/agents/{agentID}", h.Get)
}

// AgentSummary is one entry of the agent listing.
type AgentSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedAt   int64  `json:"created_at"`
	UserID      string `json:"userId"`
}

// AgentDetail is a full agent configuration.
type AgentDetail struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Instructions string            `json:"instructions"`
	Metadata     map[string]string `json:"metadata"`
	CreatedAt    int64             `json:"created_at"`
}

// List returns agents newest first, optionally filtered by ?user_id=.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	agents, err := h.repo.ListAgents(r.Context(), store.ListParams{
		UserID: r.URL.Query().Get("user_id"),
		Limit:  store.DefaultListLimit,
	})
	if err != nil {
		slog.Error("Failed to list agents", "error", err)
		WriteError(w, err)
		return
	}
	out := make([]AgentSummary, 0, len(agents))
	for _, a := range agents {
		out = append(out, AgentSummary{
			ID:          a.ID,
			Name:        a.Name,
			Description: a.Description(),
			CreatedAt:   a.CreatedAt.Unix(),
			UserID:      a.UserID(),
		})
	}
	JSON(w, http.StatusOK, out)
}

// Get returns one agent.
func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	a, err := h.repo.GetAgent(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, AgentDetail{
		ID:           a.ID,
		Name:         a.Name,
		Instructions: a.Instructions,
		Metadata:     a.Metadata,
		CreatedAt:    a.CreatedAt.Unix(),
	})
}
