// Package extract turns one utterance into a partial onboarding profile.
package extract

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/ashureev/voice-agent/internal/domain"
	"github.com/ashureev/voice-agent/internal/llm"
	"github.com/ashureev/voice-agent/internal/schema"
)

// Temperature for extraction calls.
const Temperature = 0.2

// Completer is the subset of the text-generation client used here.
type Completer interface {
	Complete(ctx context.Context, msgs []domain.Message, opts llm.Options) (string, error)
}

// Result is a partial profile keyed by field name. An empty Result means
// nothing could be extracted, which is a normal outcome.
type Result map[string]string

// Extractor runs structured extraction against the field schema.
type Extractor struct {
	llm    Completer
	schema *schema.Schema
	logger *slog.Logger
}

// New creates an Extractor.
func New(c Completer, s *schema.Schema, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{llm: c, schema: s, logger: logger}
}

// Extract asks the text-generation service for the profile fields stated in
// utterance. Call and parse failures are logged and yield an empty Result.
func (e *Extractor) Extract(ctx context.Context, utterance string) Result {
	if strings.TrimSpace(utterance) == "" {
		return Result{}
	}
	msgs := []domain.Message{
		{Role: domain.RoleSystem, Content: e.schema.ExtractionInstruction()},
		{Role: domain.RoleUser, Content: utterance},
	}
	out, err := e.llm.Complete(ctx, msgs, llm.Options{Temperature: Temperature, JSON: true})
	if err != nil {
		e.logger.Warn("Profile extraction call failed", "error", err)
		return Result{}
	}
	res, err := e.Parse(out)
	if err != nil {
		e.logger.Warn("Profile extraction returned unparseable output", "error", err, "output_len", len(out))
		return Result{}
	}
	return res
}

// Parse validates raw model output against the schema. Unknown keys, nulls
// and non-string values are dropped; the channel field is normalized.
func (e *Extractor) Parse(raw string) (Result, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimFence(raw)), &obj); err != nil {
		return nil, err
	}
	res := Result{}
	for name, v := range obj {
		if _, ok := e.schema.Lookup(name); !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if name == e.schema.ChannelField {
			s = e.schema.NormalizeChannel(s)
		}
		res[name] = s
	}
	return res, nil
}

// trimFence removes a surrounding ``` or ```json fence.
func trimFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
