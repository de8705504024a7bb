// Package onboard implements the onboarding interview: a multi-turn
// conversation that fills a structured profile and finalizes it into an
// agent configuration.
package onboard

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/voice-agent/internal/domain"
	"github.com/ashureev/voice-agent/internal/extract"
	"github.com/ashureev/voice-agent/internal/llm"
	"github.com/ashureev/voice-agent/internal/schema"
	"github.com/ashureev/voice-agent/internal/store"
	"github.com/google/uuid"
)

// Metadata source tags for agents created by each flow.
const (
	SourceInterview = "mt-onboard"
	SourceVoice     = "voice-onboard"
	SourceText      = "text-onboard"
)

// Generation parameters.
const (
	interviewTemperature = 0.7
	builderTemperature   = 0.3
	// interviewHistoryTurns bounds the history replayed to the interviewer.
	interviewHistoryTurns = 10
)

// Generator is the text-generation collaborator.
type Generator interface {
	Complete(ctx context.Context, msgs []domain.Message, opts llm.Options) (string, error)
}

// Extractor turns one utterance into a partial profile.
type Extractor interface {
	Extract(ctx context.Context, utterance string) extract.Result
}

// AgentCreator persists finalized agent configurations.
type AgentCreator interface {
	CreateAgent(ctx context.Context, spec domain.AgentSpec) (*domain.AgentConfig, error)
}

// Config configures a Service.
type Config struct {
	Sessions   *store.Keyed[*domain.Session]
	LLM        Generator
	Extractor  Extractor
	Agents     AgentCreator
	Schema     *schema.Schema
	LLMTimeout time.Duration
	Logger     *slog.Logger
}

// Service drives onboarding sessions.
type Service struct {
	sessions  *store.Keyed[*domain.Session]
	llm       Generator
	extractor Extractor
	agents    AgentCreator
	schema    *schema.Schema
	timeout   time.Duration
	logger    *slog.Logger
	newID     func() string
	now       func() time.Time
}

// NewService creates an onboarding service.
func NewService(cfg Config) *Service {
	if cfg.Schema == nil {
		cfg.Schema = schema.Default()
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sessions == nil {
		cfg.Sessions = store.NewKeyed[*domain.Session](store.KeyedOptions{Name: "sessions"})
	}
	return &Service{
		sessions:  cfg.Sessions,
		llm:       cfg.LLM,
		extractor: cfg.Extractor,
		agents:    cfg.Agents,
		schema:    cfg.Schema,
		timeout:   cfg.LLMTimeout,
		logger:    cfg.Logger,
		newID:     uuid.NewString,
		now:       time.Now,
	}
}

// StartResult is returned when a session starts.
type StartResult struct {
	Session domain.SessionView `json:"session"`
	Reply   string             `json:"reply"`
}

// MessageResult is returned for every interview turn.
type MessageResult struct {
	Session domain.SessionView `json:"session"`
	Reply   string             `json:"reply"`
	Done    bool               `json:"done"`
}

// FinalizeResult describes the created agent.
type FinalizeResult struct {
	AgentID          string             `json:"agent_id"`
	Prompt           string             `json:"prompt"`
	Profile          map[string]*string `json:"profile"`
	HasVoiceTemplate bool               `json:"has_voice_template"`
	CreatedAt        int64              `json:"created_at"`
}

// Start creates a session. A seed transcript is extracted immediately and
// recorded as the user's first answer. The session is stored only once the
// first interviewer reply exists.
func (s *Service) Start(ctx context.Context, userID, seed string) (*StartResult, error) {
	sess := domain.NewSession(s.newID(), userID, s.schema.Names(), s.now())
	seed = strings.TrimSpace(seed)
	if seed != "" {
		sess.Apply(s.extractor.Extract(ctx, seed))
		sess.AppendTurn(domain.RoleUser, seed)
	}

	reply, err := s.interview(ctx, sess)
	if err != nil {
		return nil, err
	}
	s.sessions.Insert(sess.ID, sess)

	s.logger.Info("Onboarding session started",
		"session_id", sess.ID,
		"user_id", sess.UserID,
		"seeded", seed != "",
		"missing", len(sess.Missing),
	)
	return &StartResult{Session: sess.View(), Reply: reply}, nil
}

// Message records one user turn, merges what it states into the profile and
// produces the next interviewer reply.
func (s *Service) Message(ctx context.Context, sessionID, text string) (*MessageResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: message is required", domain.ErrInvalidInput)
	}

	var res *MessageResult
	err := s.sessions.With(ctx, sessionID, func(h *store.Handle[*domain.Session]) error {
		sess := h.Value
		sess.AppendTurn(domain.RoleUser, text)
		sess.Apply(s.extractor.Extract(ctx, text))

		reply, err := s.interview(ctx, sess)
		if err != nil {
			return err
		}
		res = &MessageResult{
			Session: sess.View(),
			Reply:   reply,
			Done:    sess.State() == domain.StateReady,
		}
		return nil
	})
	if err != nil {
		return nil, wrapSession(sessionID, err)
	}
	return res, nil
}

// interview asks the interviewer for its next reply and appends it to the
// history with any completion marker stripped.
func (s *Service) interview(ctx context.Context, sess *domain.Session) (string, error) {
	msgs := []domain.Message{{Role: domain.RoleSystem, Content: interviewerPrompt}}
	recent := sess.RecentHistory(interviewHistoryTurns)
	if len(recent) == 0 {
		msgs = append(msgs, domain.Message{Role: domain.RoleUser, Content: kickoffMessage})
	}
	for _, t := range recent {
		msgs = append(msgs, domain.Message{Role: t.Role, Content: t.Text})
	}
	if len(sess.Missing) > 0 {
		msgs = append(msgs, domain.Message{Role: domain.RoleSystem, Content: nextFieldHint(s.schema.Question(sess.Missing[0]))})
	} else {
		msgs = append(msgs, domain.Message{Role: domain.RoleSystem, Content: readyNote})
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	raw, err := s.llm.Complete(ctx, msgs, llm.Options{Temperature: interviewTemperature})
	if err != nil {
		s.logger.Error("Interviewer generation failed", "session_id", sess.ID, "error", err)
		return "", err
	}

	reply, done := stripSentinel(raw)
	if done {
		sess.MarkComplete()
	}
	sess.AppendTurn(domain.RoleAssistant, reply)
	return reply, nil
}

// UploadVoiceTemplate stores reference audio on the session, replacing any
// earlier upload.
func (s *Service) UploadVoiceTemplate(ctx context.Context, sessionID string, audio []byte) error {
	if len(audio) == 0 {
		return fmt.Errorf("%w: audio is required", domain.ErrInvalidInput)
	}
	err := s.sessions.With(ctx, sessionID, func(h *store.Handle[*domain.Session]) error {
		h.Value.SetVoiceTemplate(audio)
		return nil
	})
	if err != nil {
		return wrapSession(sessionID, err)
	}
	s.logger.Info("Voice template uploaded", "session_id", sessionID, "bytes", len(audio))
	return nil
}

// Get returns a snapshot of a session.
func (s *Service) Get(ctx context.Context, sessionID string) (*domain.SessionView, error) {
	var view domain.SessionView
	err := s.sessions.With(ctx, sessionID, func(h *store.Handle[*domain.Session]) error {
		view = h.Value.View()
		return nil
	})
	if err != nil {
		return nil, wrapSession(sessionID, err)
	}
	return &view, nil
}

// Finalize builds agent instructions from the profile, with defaults for
// missing fields, creates the agent and consumes the session. The session
// survives any failure so the caller can retry.
func (s *Service) Finalize(ctx context.Context, sessionID string) (*FinalizeResult, error) {
	var res *FinalizeResult
	err := s.sessions.With(ctx, sessionID, func(h *store.Handle[*domain.Session]) error {
		sess := h.Value
		prompt, err := s.buildPrompt(ctx, s.schema.Summary(sess.Values()))
		if err != nil {
			return err
		}

		name := sess.Value("brand")
		if name == "" {
			name = domain.DefaultAgentName
		}
		meta := map[string]string{
			domain.MetaUserID: sess.UserID,
			domain.MetaSource: SourceInterview,
		}
		if len(sess.VoiceTemplate) > 0 {
			meta[domain.MetaVoiceTemplate] = base64.StdEncoding.EncodeToString(sess.VoiceTemplate)
		}

		agent, err := s.agents.CreateAgent(ctx, domain.AgentSpec{
			Name:         name,
			Instructions: StripMarkdown(prompt),
			Metadata:     meta,
		})
		if err != nil {
			return fmt.Errorf("create agent: %w", err)
		}

		view := sess.View()
		res = &FinalizeResult{
			AgentID:          agent.ID,
			Prompt:           prompt,
			Profile:          view.Fields,
			HasVoiceTemplate: view.HasVoiceTemplate,
			CreatedAt:        agent.CreatedAt.Unix(),
		}
		h.Remove()
		return nil
	})
	if err != nil {
		return nil, wrapSession(sessionID, err)
	}

	s.logger.Info("Onboarding session finalized",
		"session_id", sessionID,
		"agent_id", res.AgentID,
		"has_voice_template", res.HasVoiceTemplate,
	)
	return res, nil
}

// buildPrompt runs the profile builder over input.
func (s *Service) buildPrompt(ctx context.Context, input string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	prompt, err := s.llm.Complete(ctx, []domain.Message{
		{Role: domain.RoleSystem, Content: builderPrompt},
		{Role: domain.RoleUser, Content: input},
	}, llm.Options{Temperature: builderTemperature})
	if err != nil {
		s.logger.Error("Profile builder generation failed", "error", err)
		return "", err
	}
	return prompt, nil
}

func wrapSession(id string, err error) error {
	return fmt.Errorf("session %s: %w", id, err)
}
