// Package llm wraps the hosted text-generation service.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/ashureev/voice-agent/internal/domain"
	openai "github.com/sashabaranov/go-openai"
)

// Config holds Azure OpenAI connection settings.
type Config struct {
	Endpoint   string
	APIKey     string
	APIVersion string
	Deployment string
}

// Options tunes a single completion.
type Options struct {
	Temperature float32
	MaxTokens   int
	// JSON requests a single JSON object as output.
	JSON bool
}

// Chat defaults used by the agent chat endpoints.
const (
	ChatTemperature = 0.7
	ChatMaxTokens   = 800
)

// Client is the text-generation collaborator. A Client built from an
// incomplete Config is valid; every call then fails with
// domain.ErrMisconfigured.
type Client struct {
	api        *openai.Client
	deployment string
	missing    string
}

// New creates a client. It never fails; missing settings are reported at
// first use.
func New(cfg Config) *Client {
	c := &Client{deployment: cfg.Deployment}
	switch {
	case cfg.Endpoint == "" || cfg.APIKey == "":
		c.missing = "AZURE_OPENAI_ENDPOINT or AZURE_OPENAI_API_KEY"
		return c
	case cfg.Deployment == "":
		c.missing = "AZURE_OPENAI_DEPLOYMENT"
	}

	oc := openai.DefaultAzureConfig(cfg.APIKey, cfg.Endpoint)
	if cfg.APIVersion != "" {
		oc.APIVersion = cfg.APIVersion
	}
	// Deployment names are used verbatim as model names.
	oc.AzureModelMapperFunc = func(model string) string { return model }
	c.api = openai.NewClientWithConfig(oc)
	return c
}

// Ready reports nil when the client can serve requests.
func (c *Client) Ready() error {
	if c.missing != "" {
		return fmt.Errorf("%s not configured: %w", c.missing, domain.ErrMisconfigured)
	}
	return nil
}

// Deployment returns the configured model deployment name.
func (c *Client) Deployment() string {
	return c.deployment
}

// API exposes the underlying client for other hosted resources. It is nil
// when the endpoint or key is missing.
func (c *Client) API() *openai.Client {
	return c.api
}

// Complete returns a single completion for msgs.
func (c *Client) Complete(ctx context.Context, msgs []domain.Message, opts Options) (string, error) {
	if err := c.Ready(); err != nil {
		return "", err
	}
	resp, err := c.api.CreateChatCompletion(ctx, c.request(msgs, opts))
	if err != nil {
		return "", generationError(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty completion: %w", domain.ErrGeneration)
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream yields reply tokens in order. A non-nil error is always the last
// value yielded.
func (c *Client) Stream(ctx context.Context, msgs []domain.Message, opts Options) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := c.Ready(); err != nil {
			yield("", err)
			return
		}
		req := c.request(msgs, opts)
		req.Stream = true
		stream, err := c.api.CreateChatCompletionStream(ctx, req)
		if err != nil {
			yield("", generationError(err))
			return
		}
		defer stream.Close()

		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", generationError(err))
				return
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			if !yield(chunk.Choices[0].Delta.Content, nil) {
				return
			}
		}
	}
}

func (c *Client) request(msgs []domain.Message, opts Options) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:       c.deployment,
		Messages:    toOpenAI(msgs),
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	if opts.JSON {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return req
}

func toOpenAI(msgs []domain.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// generationError keeps context errors visible to callers and classifies
// everything else as a generation failure.
func generationError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", domain.ErrGeneration, err)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: status %d: %s", domain.ErrGeneration, apiErr.HTTPStatusCode, apiErr.Message)
	}
	return fmt.Errorf("%w: %s", domain.ErrGeneration, strings.TrimSpace(err.Error()))
}
