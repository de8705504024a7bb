package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/voice-agent/internal/api"
	"github.com/ashureev/voice-agent/internal/domain"
	"github.com/ashureev/voice-agent/internal/identity"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Handler serves the agent chat endpoints.
type Handler struct {
	pipeline       *Pipeline
	limiter        *api.RateLimiter
	originPatterns []string
}

// NewHandler creates a chat handler. limiter may be nil.
func NewHandler(p *Pipeline, limiter *api.RateLimiter, originPatterns []string) *Handler {
	if len(originPatterns) == 0 {
		originPatterns = []string{"*"}
	}
	return &Handler{pipeline: p, limiter: limiter, originPatterns: originPatterns}
}

// RegisterRoutes registers chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		if h.limiter != nil {
			r.Use(h.limiter.Middleware(func(req *http.Request) string {
				return identity.UserIDFromContext(req.Context())
			}))
		}
		r.Post("/api/agents/{agentID}/chat", h.Chat)
		r.Post("/api/agents/{agentID}/chat/stream", h.Stream)
		r.Get("/api/agents/{agentID}/chat/ws", h.WebSocket)
	})
}

// chatRequest is the body of the chat endpoints and of each WebSocket
// message.
type chatRequest struct {
	Message       string `json:"message"`
	UserID        string `json:"user_id"`
	ThreadID      string `json:"thread_id"`
	GenerateAudio bool   `json:"generate_audio"`
}

func (h *Handler) turnRequest(r *http.Request, body chatRequest, channel string) TurnRequest {
	return TurnRequest{
		AgentID:       chi.URLParam(r, "agentID"),
		ThreadID:      body.ThreadID,
		Message:       body.Message,
		UserID:        identity.Resolve(r.Context(), body.UserID),
		GenerateAudio: body.GenerateAudio,
		Channel:       channel,
		RequestID:     chiMiddleware.GetReqID(r.Context()),
	}
}

// Chat handles a non-streamed turn.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := api.DecodeJSON(w, r, api.DefaultMaxBodyBytes, &body); err != nil {
		api.WriteError(w, err)
		return
	}
	res, err := h.pipeline.Reply(r.Context(), h.turnRequest(r, body, "chat_http"))
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, res)
}

// Stream handles a turn streamed as Server-Sent Events.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := api.DecodeJSON(w, r, api.DefaultMaxBodyBytes, &body); err != nil {
		api.WriteError(w, err)
		return
	}
	if body.Message == "" {
		api.WriteError(w, fmt.Errorf("%w: message is required", domain.ErrInvalidInput))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.WriteError(w, errors.New("streaming not supported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	req := h.turnRequest(r, body, "chat_sse")
	slog.Info("Chat stream request",
		"agent_id", req.AgentID,
		"thread_id", req.ThreadID,
		"user_id", req.UserID,
		"request_id", req.RequestID,
		"remote_ip", identity.IPFromRequest(r),
		"message_length", len(req.Message),
	)

	for ev := range h.pipeline.StreamTurn(r.Context(), req) {
		data, err := json.Marshal(ev)
		if err != nil {
			slog.Warn("failed to marshal chat event", "error", err)
			return
		}
		if err := writeSSE(w, string(ev.Type), string(data)); err != nil {
			slog.Debug("failed to write SSE event", "error", err, "thread_id", req.ThreadID)
			return
		}
		flusher.Flush()
	}
}

// WebSocket carries the same event stream over a WebSocket. Each client
// message is one turn; the thread id of the first turn is reused when later
// messages omit it.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "chat ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	ctx := r.Context()
	threadID := ""
	for {
		var body chatRequest
		if err := wsjson.Read(ctx, ws, &body); err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, io.EOF) && ctx.Err() == nil {
				slog.Debug("WebSocket read ended", "error", err)
			}
			return
		}
		if body.ThreadID == "" {
			body.ThreadID = threadID
		}

		req := h.turnRequest(r, body, "chat_ws")
		for ev := range h.pipeline.StreamTurn(ctx, req) {
			if ev.ThreadID != "" {
				threadID = ev.ThreadID
			}
			if err := writeJSON(ctx, ws, ev); err != nil {
				slog.Debug("WebSocket write failed", "error", err)
				return
			}
		}
	}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(ctx, ws, v)
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
