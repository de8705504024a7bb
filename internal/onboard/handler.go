package onboard

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/voice-agent/internal/api"
	"github.com/ashureev/voice-agent/internal/domain"
	"github.com/ashureev/voice-agent/internal/identity"
	"github.com/go-chi/chi/v5"
)

// Handler serves the onboarding endpoints.
type Handler struct {
	svc        *Service
	stt        Transcriber
	maxUpload  int64
	httpClient *http.Client
}

// NewHandler creates an onboarding handler. stt may be nil, in which case
// audio onboarding is unavailable.
func NewHandler(svc *Service, stt Transcriber, maxUpload int64) *Handler {
	return &Handler{
		svc:        svc,
		stt:        stt,
		maxUpload:  maxUpload,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// RegisterRoutes registers onboarding routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/onboard", h.OnboardAudio)
	r.Post("/api/onboard_text", h.OnboardText)
	r.Route("/api/onboard_session", func(r chi.Router) {
		r.Post("/", h.Start)
		r.Post("/start", h.Start)
		r.Get("/{sessionID}", h.Get)
		r.Post("/{sessionID}/message", h.Message)
		r.Post("/{sessionID}/voice_template", h.VoiceTemplate)
		r.Post("/{sessionID}/finalize", h.Finalize)
	})
}

type startRequest struct {
	UserID         string `json:"user_id"`
	SeedTranscript string `json:"seed_transcript"`
}

type messageRequest struct {
	Message string `json:"message"`
}

type textOnboardRequest struct {
	Transcript   string `json:"transcript"`
	UserID       string `json:"user_id"`
	LanguageHint string `json:"language_hint"`
}

// Start begins an interview.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.ContentLength != 0 {
		if err := api.DecodeJSON(w, r, api.DefaultMaxBodyBytes, &req); err != nil {
			api.WriteError(w, err)
			return
		}
	}
	res, err := h.svc.Start(r.Context(), identity.Resolve(r.Context(), req.UserID), req.SeedTranscript)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, res)
}

// Get returns the current session state.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, view)
}

// Message handles one interview turn.
func (h *Handler) Message(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := api.DecodeJSON(w, r, api.DefaultMaxBodyBytes, &req); err != nil {
		api.WriteError(w, err)
		return
	}
	res, err := h.svc.Message(r.Context(), chi.URLParam(r, "sessionID"), req.Message)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, res)
}

// VoiceTemplate accepts reference audio as a multipart "audio" file or as
// the raw request body.
func (h *Handler) VoiceTemplate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)

	var audio []byte
	var err error
	if isMultipart(r) {
		audio, _, err = h.readFormFile(r, "audio")
	} else {
		audio, err = io.ReadAll(r.Body)
		if err != nil {
			err = fmt.Errorf("%w: read body: %v", domain.ErrInvalidInput, err)
		}
	}
	if err != nil {
		api.WriteError(w, err)
		return
	}

	if err := h.svc.UploadVoiceTemplate(r.Context(), chi.URLParam(r, "sessionID"), audio); err != nil {
		api.WriteError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, map[string]any{"success": true, "message": "Voice template uploaded successfully"})
}

// Finalize turns the session into an agent.
func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Finalize(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, res)
}

// OnboardText builds an agent straight from a transcript.
func (h *Handler) OnboardText(w http.ResponseWriter, r *http.Request) {
	var req textOnboardRequest
	if err := api.DecodeJSON(w, r, api.DefaultMaxBodyBytes, &req); err != nil {
		api.WriteError(w, err)
		return
	}
	res, err := h.svc.BuildFromTranscript(r.Context(), identity.Resolve(r.Context(), req.UserID), req.Transcript, SourceText)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, res)
}

// OnboardAudio builds an agent from an uploaded recording ("file") or a
// recording URL ("audio_url").
func (h *Handler) OnboardAudio(w http.ResponseWriter, r *http.Request) {
	if h.stt == nil {
		api.WriteError(w, fmt.Errorf("speech recognition: %w", domain.ErrMisconfigured))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		api.WriteError(w, fmt.Errorf("%w: invalid form: %v", domain.ErrInvalidInput, err))
		return
	}

	var audio []byte
	var contentType string
	var err error
	if len(r.MultipartForm.File["file"]) > 0 {
		var filename string
		audio, filename, err = h.readFormFile(r, "file")
		contentType = audioContentType(filename)
	} else if u := r.FormValue("audio_url"); u != "" {
		audio, err = h.download(r.Context(), u)
		contentType = audioContentType(u)
	} else {
		err = fmt.Errorf("%w: provide file or audio_url", domain.ErrInvalidInput)
	}
	if err != nil {
		api.WriteError(w, err)
		return
	}

	locale := r.FormValue("language_hint")
	if locale == "" {
		locale = "zh-CN"
	}
	userID := identity.Resolve(r.Context(), r.FormValue("user_id"))
	res, err := h.svc.BuildFromAudio(r.Context(), h.stt, userID, bytes.NewReader(audio), contentType, locale)
	if err != nil {
		slog.Error("Audio onboarding failed", "user_id", userID, "error", err)
		api.WriteError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, res)
}

func (h *Handler) readFormFile(r *http.Request, field string) ([]byte, string, error) {
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		return nil, "", fmt.Errorf("%w: invalid form: %v", domain.ErrInvalidInput, err)
	}
	file, header, err := r.FormFile(field)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s file is required", domain.ErrInvalidInput, field)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", fmt.Errorf("%w: read %s: %v", domain.ErrInvalidInput, field, err)
	}
	return data, header.Filename, nil
}

// download fetches a remote recording, bounded by the upload limit.
func (h *Handler) download(ctx context.Context, rawURL string) ([]byte, error) {
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return nil, fmt.Errorf("%w: audio_url must be http(s)", domain.ErrInvalidInput)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid audio_url: %v", domain.ErrInvalidInput, err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download audio: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: download audio: status %d", domain.ErrInvalidInput, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, h.maxUpload+1))
	if err != nil {
		return nil, fmt.Errorf("download audio: %w", err)
	}
	if int64(len(data)) > h.maxUpload {
		return nil, fmt.Errorf("%w: audio exceeds %d bytes", domain.ErrInvalidInput, h.maxUpload)
	}
	return data, nil
}

func isMultipart(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "multipart/form-data"
}

// audioContentType picks the recognizer content type from a file name.
func audioContentType(name string) string {
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".ogg", ".opus":
		return "audio/ogg; codecs=opus"
	default:
		return "audio/wav; codecs=audio/pcm; samplerate=16000"
	}
}
