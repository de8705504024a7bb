package onboard

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ashureev/voice-agent/internal/domain"
)

// Transcriber is the speech-to-text collaborator.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, contentType, locale string) (string, error)
}

// BuildResult is returned by the one-shot onboarding flows.
type BuildResult struct {
	AgentID    string `json:"agent_id"`
	Prompt     string `json:"prompt"`
	Transcript string `json:"transcript"`
	CreatedAt  int64  `json:"created_at"`
}

// BuildFromTranscript creates an agent directly from a free-form
// description, without an interview.
func (s *Service) BuildFromTranscript(ctx context.Context, userID, transcript, source string) (*BuildResult, error) {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return nil, fmt.Errorf("%w: transcript is required", domain.ErrInvalidInput)
	}
	if userID == "" {
		userID = domain.DefaultUserID
	}

	prompt, err := s.buildPrompt(ctx, transcript)
	if err != nil {
		return nil, err
	}
	agent, err := s.agents.CreateAgent(ctx, domain.AgentSpec{
		Name:         domain.DefaultAgentName,
		Instructions: StripMarkdown(prompt),
		Metadata: map[string]string{
			domain.MetaUserID: userID,
			domain.MetaSource: source,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}

	s.logger.Info("Agent built from transcript", "agent_id", agent.ID, "user_id", userID, "source", source)
	return &BuildResult{
		AgentID:    agent.ID,
		Prompt:     prompt,
		Transcript: transcript,
		CreatedAt:  agent.CreatedAt.Unix(),
	}, nil
}

// BuildFromAudio transcribes audio and builds an agent from the transcript.
func (s *Service) BuildFromAudio(ctx context.Context, stt Transcriber, userID string, audio io.Reader, contentType, locale string) (*BuildResult, error) {
	transcript, err := stt.Transcribe(ctx, audio, contentType, locale)
	if err != nil {
		return nil, fmt.Errorf("transcribe: %w", err)
	}
	if strings.TrimSpace(transcript) == "" {
		return nil, fmt.Errorf("%w: no speech recognized", domain.ErrInvalidInput)
	}
	return s.BuildFromTranscript(ctx, userID, transcript, SourceVoice)
}
