package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/voice-agent/internal/domain"
)

// DefaultAzureVoice is the fallback synthesis voice.
const DefaultAzureVoice = "zh-CN-XiaoxiaoNeural"

// TokenLifetimeSeconds is the lifetime of an issued speech token.
const TokenLifetimeSeconds = 600

// AzureConfig holds Azure Speech settings. The *URL fields override the
// region-derived endpoints.
type AzureConfig struct {
	Key    string
	Region string
	Voice  string

	TTSURL   string
	STTURL   string
	TokenURL string
}

// NormalizeRegion tolerates region names with spaces or capitals.
func NormalizeRegion(region string) string {
	return strings.ToLower(strings.ReplaceAll(region, " ", ""))
}

// Azure talks to the Azure Speech REST endpoints. It is the non-cloning
// fallback synthesizer, the recognizer and the token issuer.
type Azure struct {
	key        string
	region     string
	voice      string
	ttsURL     string
	sttURL     string
	tokenURL   string
	httpClient *http.Client
}

// NewAzure creates an Azure Speech client. Missing key or region is
// reported at first use.
func NewAzure(cfg AzureConfig, timeout time.Duration) *Azure {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	a := &Azure{
		key:        cfg.Key,
		region:     NormalizeRegion(cfg.Region),
		voice:      cfg.Voice,
		ttsURL:     cfg.TTSURL,
		sttURL:     cfg.STTURL,
		tokenURL:   cfg.TokenURL,
		httpClient: &http.Client{Timeout: timeout},
	}
	if a.voice == "" {
		a.voice = DefaultAzureVoice
	}
	if a.ttsURL == "" {
		a.ttsURL = fmt.Sprintf("https://%s.tts.speech.microsoft.com/cognitiveservices/v1", a.region)
	}
	if a.sttURL == "" {
		a.sttURL = fmt.Sprintf("https://%s.stt.speech.microsoft.com/speech/recognition/conversation/cognitiveservices/v1", a.region)
	}
	if a.tokenURL == "" {
		a.tokenURL = fmt.Sprintf("https://%s.api.cognitive.microsoft.com/sts/v1.0/issueToken", a.region)
	}
	return a
}

// Name returns the provider identifier.
func (a *Azure) Name() string {
	return "azure"
}

// Ready reports nil when key and region are configured.
func (a *Azure) Ready() error {
	if a.key == "" || a.region == "" {
		return fmt.Errorf("AZURE_SPEECH_KEY or AZURE_SPEECH_REGION not configured: %w", domain.ErrMisconfigured)
	}
	return nil
}

// Synthesize renders text with the configured voice. Reference audio and
// speaker are ignored.
func (a *Azure) Synthesize(ctx context.Context, text string, opts SynthesizeOptions) ([]byte, error) {
	if err := a.Ready(); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.ttsURL, strings.NewReader(a.ssml(text, opts.Speed)))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", a.key)
	req.Header.Set("Content-Type", "application/ssml+xml")
	req.Header.Set("X-Microsoft-OutputFormat", "riff-24khz-16bit-mono-pcm")
	req.Header.Set("User-Agent", "voice-agent")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("azure tts request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("azure tts error %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	return audio, nil
}

func (a *Azure) ssml(text string, speed float64) string {
	lang := "zh-CN"
	if parts := strings.SplitN(a.voice, "-", 3); len(parts) == 3 {
		lang = parts[0] + "-" + parts[1]
	}
	var escaped bytes.Buffer
	_ = xml.EscapeText(&escaped, []byte(text))
	body := escaped.String()
	if speed > 0 && speed != 1.0 {
		body = fmt.Sprintf("<prosody rate='%.2f'>%s</prosody>", speed, body)
	}
	return fmt.Sprintf("<speak version='1.0' xml:lang='%s'><voice xml:lang='%s' name='%s'>%s</voice></speak>",
		lang, lang, a.voice, body)
}

type recognitionResult struct {
	RecognitionStatus string `json:"RecognitionStatus"`
	DisplayText       string `json:"DisplayText"`
}

// Transcribe recognizes one short utterance. Audio with no recognizable
// speech yields "". contentType describes the audio, e.g. "audio/wav".
func (a *Azure) Transcribe(ctx context.Context, audio io.Reader, contentType, locale string) (string, error) {
	if err := a.Ready(); err != nil {
		return "", err
	}
	if locale == "" {
		locale = "zh-CN"
	}
	if contentType == "" {
		contentType = "audio/wav; codecs=audio/pcm; samplerate=16000"
	}

	u, err := url.Parse(a.sttURL)
	if err != nil {
		return "", fmt.Errorf("parse stt url: %w", err)
	}
	q := u.Query()
	q.Set("language", locale)
	q.Set("format", "simple")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), audio)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", a.key)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("azure stt request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("%w: azure stt error %d: %s", ErrRecognition, resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	var result recognitionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode recognition result: %w", err)
	}
	switch result.RecognitionStatus {
	case "Success":
		return result.DisplayText, nil
	case "NoMatch", "InitialSilenceTimeout":
		return "", nil
	default:
		return "", fmt.Errorf("%w: %w: status %s", domain.ErrInvalidInput, ErrRecognition, result.RecognitionStatus)
	}
}

// Token is a short-lived speech-service token for browser clients.
type Token struct {
	Token     string `json:"token"`
	Region    string `json:"region"`
	ExpiresIn int    `json:"expiresIn"`
}

// IssueToken exchanges the subscription key for a short-lived token.
func (a *Azure) IssueToken(ctx context.Context) (*Token, error) {
	if err := a.Ready(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", a.key)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("issue token request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("issue token error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return &Token{Token: string(body), Region: a.region, ExpiresIn: TokenLifetimeSeconds}, nil
}
