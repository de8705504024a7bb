package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/voice-agent/internal/api"
	"github.com/ashureev/voice-agent/internal/domain"
	"github.com/go-chi/chi/v5"
)

// TokenIssuer issues browser speech tokens.
type TokenIssuer interface {
	IssueToken(ctx context.Context) (*Token, error)
}

// Handler serves the direct TTS endpoints and the speech token endpoint.
type Handler struct {
	cosy      *CosyVoice
	tokens    TokenIssuer
	maxUpload int64
}

// NewHandler creates a speech handler.
func NewHandler(cosy *CosyVoice, tokens TokenIssuer, maxUpload int64) *Handler {
	return &Handler{cosy: cosy, tokens: tokens, maxUpload: maxUpload}
}

// RegisterRoutes registers speech routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/speech/token", h.Token)
	r.Route("/api/tts", func(r chi.Router) {
		r.Post("/", h.Synthesize)
		r.Post("/clone", h.Clone)
		r.Get("/speakers", h.Speakers)
		r.Get("/health", h.Health)
	})
}

// Token returns a short-lived speech token.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	tok, err := h.tokens.IssueToken(r.Context())
	if err != nil {
		slog.Error("Failed to issue speech token", "error", err)
		api.WriteError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, tok)
}

// Synthesize renders form field text with a preset speaker.
func (h *Handler) Synthesize(w http.ResponseWriter, r *http.Request) {
	if err := h.parseForm(w, r); err != nil {
		api.WriteError(w, err)
		return
	}
	text, speed, err := textAndSpeed(r)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	speaker := r.FormValue("speaker")
	if speaker == "" {
		speaker = DefaultSpeaker
	}
	audio, err := h.cosy.Synthesize(r.Context(), text, SynthesizeOptions{Speaker: speaker, Speed: speed})
	if err != nil {
		slog.Error("TTS failed", "error", err)
		api.WriteError(w, fmt.Errorf("TTS failed: %w", err))
		return
	}
	writeWAV(w, audio, "speech.wav")
}

// Clone renders form field text in the voice of the uploaded reference_audio.
func (h *Handler) Clone(w http.ResponseWriter, r *http.Request) {
	if err := h.parseForm(w, r); err != nil {
		api.WriteError(w, err)
		return
	}
	text, speed, err := textAndSpeed(r)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	file, _, err := r.FormFile("reference_audio")
	if err != nil {
		api.WriteError(w, fmt.Errorf("%w: reference_audio is required", domain.ErrInvalidInput))
		return
	}
	defer file.Close()
	ref, err := io.ReadAll(file)
	if err != nil {
		api.WriteError(w, fmt.Errorf("%w: read reference_audio: %v", domain.ErrInvalidInput, err))
		return
	}
	audio, err := h.cosy.Synthesize(r.Context(), text, SynthesizeOptions{Reference: ref, Speed: speed})
	if err != nil {
		slog.Error("Voice cloning failed", "error", err)
		api.WriteError(w, fmt.Errorf("voice cloning failed: %w", err))
		return
	}
	writeWAV(w, audio, "cloned_speech.wav")
}

// Speakers lists the preset voices.
func (h *Handler) Speakers(w http.ResponseWriter, r *http.Request) {
	api.JSON(w, http.StatusOK, map[string]any{"speakers": h.cosy.Speakers(r.Context())})
}

// Health reports the primary provider status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	api.JSON(w, http.StatusOK, map[string]any{
		"healthy": h.cosy.Health(r.Context()),
		"enabled": h.cosy.Enabled(),
		"url":     h.cosy.BaseURL(),
	})
}

func (h *Handler) parseForm(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return fmt.Errorf("%w: invalid form: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

func textAndSpeed(r *http.Request) (string, float64, error) {
	text := r.FormValue("text")
	if text == "" {
		return "", 0, fmt.Errorf("%w: text is required", domain.ErrInvalidInput)
	}
	speed := 1.0
	if s := r.FormValue("speed"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || v < 0.5 || v > 2.0 {
			return "", 0, fmt.Errorf("%w: speed must be between 0.5 and 2.0", domain.ErrInvalidInput)
		}
		speed = v
	}
	return text, speed, nil
}

func writeWAV(w http.ResponseWriter, audio []byte, filename string) {
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(audio); err != nil {
		slog.Warn("failed to write audio response", "error", err)
	}
}
