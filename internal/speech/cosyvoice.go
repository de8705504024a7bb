package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultSpeaker is the CosyVoice preset used when none is requested.
const DefaultSpeaker = "default"

// Speaker describes a CosyVoice preset voice.
type Speaker struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CosyVoice is the cloning-capable primary provider, a self-hosted
// CosyVoice2 HTTP service.
type CosyVoice struct {
	baseURL    string
	enabled    bool
	httpClient *http.Client
}

// NewCosyVoice creates a CosyVoice client.
func NewCosyVoice(baseURL string, enabled bool, timeout time.Duration) *CosyVoice {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CosyVoice{
		baseURL:    strings.TrimRight(baseURL, "/"),
		enabled:    enabled,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name returns the provider identifier.
func (c *CosyVoice) Name() string {
	return "cosyvoice"
}

// Enabled reports whether the provider is switched on.
func (c *CosyVoice) Enabled() bool {
	return c.enabled
}

// BaseURL returns the service URL.
func (c *CosyVoice) BaseURL() string {
	return c.baseURL
}

type cosyVoiceRequest struct {
	Text           string  `json:"text"`
	Speaker        string  `json:"speaker,omitempty"`
	ReferenceAudio string  `json:"reference_audio,omitempty"`
	Speed          float64 `json:"speed"`
}

// Synthesize returns WAV audio. With reference audio the voice is cloned,
// otherwise the preset speaker is used.
func (c *CosyVoice) Synthesize(ctx context.Context, text string, opts SynthesizeOptions) ([]byte, error) {
	if !c.enabled {
		return nil, fmt.Errorf("cosyvoice: %w", ErrDisabled)
	}

	reqBody := cosyVoiceRequest{Text: text, Speed: opts.Speed}
	if reqBody.Speed == 0 {
		reqBody.Speed = 1.0
	}
	if len(opts.Reference) > 0 {
		reqBody.ReferenceAudio = base64.StdEncoding.EncodeToString(opts.Reference)
		slog.Debug("Synthesizing with voice cloning", "provider", c.Name(), "chars", len(text))
	} else {
		reqBody.Speaker = opts.Speaker
		if reqBody.Speaker == "" {
			reqBody.Speaker = DefaultSpeaker
		}
		slog.Debug("Synthesizing with preset speaker", "provider", c.Name(), "speaker", reqBody.Speaker, "chars", len(text))
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/inference", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cosyvoice request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("cosyvoice error %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	return audio, nil
}

// Speakers lists preset voices. A disabled provider has none; a lookup
// failure yields the default preset only.
func (c *CosyVoice) Speakers(ctx context.Context) []Speaker {
	if !c.enabled {
		return []Speaker{}
	}
	fallback := []Speaker{{ID: DefaultSpeaker, Name: "Default"}}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/speakers", nil)
	if err != nil {
		return fallback
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Warn("Failed to get CosyVoice speakers", "error", err)
		return fallback
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		slog.Warn("Failed to get CosyVoice speakers", "status", resp.StatusCode)
		return fallback
	}
	var speakers []Speaker
	if err := json.NewDecoder(resp.Body).Decode(&speakers); err != nil {
		slog.Warn("Failed to decode CosyVoice speakers", "error", err)
		return fallback
	}
	return speakers
}

// Health reports whether the service answers its health endpoint.
func (c *CosyVoice) Health(ctx context.Context) bool {
	if !c.enabled {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
