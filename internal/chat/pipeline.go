// Package chat runs conversations against finalized agents.
package chat

import (
	"context"
	"encoding/base64"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/voice-agent/internal/api"
	"github.com/ashureev/voice-agent/internal/domain"
	"github.com/ashureev/voice-agent/internal/llm"
	"github.com/ashureev/voice-agent/internal/store"
	"github.com/google/uuid"
)

// EventType tags a stream event.
type EventType string

// Stream event types. Every turn ends with exactly one done or error event.
const (
	EventText  EventType = "text"
	EventAudio EventType = "audio"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// Event is one element of a streamed turn. Audio content is base64 encoded.
type Event struct {
	Type     EventType `json:"type"`
	Content  string    `json:"content,omitempty"`
	ThreadID string    `json:"thread_id,omitempty"`
	Error    string    `json:"error,omitempty"`
	Code     string    `json:"code,omitempty"`

	err error
}

// Err returns the failure carried by an error event.
func (e Event) Err() error {
	return e.err
}

// Generator is the text-generation collaborator.
type Generator interface {
	Complete(ctx context.Context, msgs []domain.Message, opts llm.Options) (string, error)
	Stream(ctx context.Context, msgs []domain.Message, opts llm.Options) iter.Seq2[string, error]
}

// AgentLookup resolves agent configurations.
type AgentLookup interface {
	GetAgent(ctx context.Context, id string) (*domain.AgentConfig, error)
}

// Synthesizer turns reply text into audio. Nil audio means none.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, reference []byte) []byte
}

// TurnRequest is one user message on a thread.
type TurnRequest struct {
	AgentID       string
	ThreadID      string
	Message       string
	UserID        string
	GenerateAudio bool
	Channel       string
	RequestID     string
}

// ReplyResult is the outcome of a non-streamed turn.
type ReplyResult struct {
	Reply    string `json:"reply"`
	ThreadID string `json:"thread_id"`
	Audio    string `json:"audio,omitempty"`
}

// Config configures a Pipeline.
type Config struct {
	Threads           *store.Keyed[*domain.Thread]
	LLM               Generator
	Agents            AgentLookup
	Speech            Synthesizer
	GenerationTimeout time.Duration
	LookupTimeout     time.Duration
	ConversationLog   ConversationLogger
	Logger            *slog.Logger
}

// Pipeline processes chat turns. Turns on the same thread run one at a
// time, in arrival order.
type Pipeline struct {
	threads       *store.Keyed[*domain.Thread]
	llm           Generator
	agents        AgentLookup
	speech        Synthesizer
	genTimeout    time.Duration
	lookupTimeout time.Duration
	log           ConversationLogger
	logger        *slog.Logger
	newID         func() string
}

// NewPipeline creates a chat pipeline.
func NewPipeline(cfg Config) *Pipeline {
	if cfg.Threads == nil {
		cfg.Threads = store.NewKeyed[*domain.Thread](store.KeyedOptions{Name: "threads"})
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = 60 * time.Second
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 10 * time.Second
	}
	if cfg.ConversationLog == nil {
		cfg.ConversationLog = noopConversationLogger{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		threads:       cfg.Threads,
		llm:           cfg.LLM,
		agents:        cfg.Agents,
		speech:        cfg.Speech,
		genTimeout:    cfg.GenerationTimeout,
		lookupTimeout: cfg.LookupTimeout,
		log:           cfg.ConversationLog,
		logger:        cfg.Logger,
		newID:         uuid.NewString,
	}
}

// StreamTurn runs one turn and yields its events: text deltas, then at most
// one audio event, then a single done or error event. The terminal event is
// yielded while the thread is still held, so a queued turn on the same thread
// emits nothing before it.
//
// The reply is appended to the thread even when the consumer stops early, so
// thread history does not depend on the client staying connected.
func (p *Pipeline) StreamTurn(ctx context.Context, req TurnRequest) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		req, err := p.normalize(req)
		if err != nil {
			yield(errorEvent(req.ThreadID, err))
			return
		}

		listening := true
		emit := func(ev Event) {
			if listening && !yield(ev) {
				listening = false
			}
		}

		finished := false
		err = p.withThread(ctx, req, func(th *domain.Thread) error {
			finished = true
			p.logUser(req)
			th.Append(domain.RoleUser, req.Message)

			genCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.genTimeout)
			defer cancel()

			var reply strings.Builder
			for delta, err := range p.llm.Stream(genCtx, th.Snapshot(), chatOptions()) {
				if err != nil {
					p.logger.Error("Chat generation failed",
						"thread_id", req.ThreadID,
						"agent_id", req.AgentID,
						"partial_len", reply.Len(),
						"error", err,
					)
					p.logAssistant(req, reply.String(), true, err)
					emit(errorEvent(req.ThreadID, err))
					return err
				}
				reply.WriteString(delta)
				emit(Event{Type: EventText, Content: delta})
			}

			th.Append(domain.RoleAssistant, reply.String())
			p.logAssistant(req, reply.String(), !listening, nil)

			if req.GenerateAudio && listening {
				if audio := p.synthesize(ctx, reply.String(), th.VoiceTemplate); audio != nil {
					emit(Event{Type: EventAudio, Content: base64.StdEncoding.EncodeToString(audio)})
				}
			}
			emit(Event{Type: EventDone, ThreadID: req.ThreadID})
			return nil
		})
		if err != nil && !finished {
			emit(errorEvent(req.ThreadID, err))
		}
	}
}

// Reply runs one turn without streaming.
func (p *Pipeline) Reply(ctx context.Context, req TurnRequest) (*ReplyResult, error) {
	req, err := p.normalize(req)
	if err != nil {
		return nil, err
	}

	res := &ReplyResult{ThreadID: req.ThreadID}
	err = p.withThread(ctx, req, func(th *domain.Thread) error {
		p.logUser(req)
		th.Append(domain.RoleUser, req.Message)

		genCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.genTimeout)
		defer cancel()
		reply, err := p.llm.Complete(genCtx, th.Snapshot(), chatOptions())
		if err != nil {
			p.logger.Error("Chat generation failed", "thread_id", req.ThreadID, "agent_id", req.AgentID, "error", err)
			p.logAssistant(req, "", true, err)
			return err
		}
		th.Append(domain.RoleAssistant, reply)
		p.logAssistant(req, reply, false, nil)
		res.Reply = reply

		if req.GenerateAudio {
			if audio := p.synthesize(ctx, reply, th.VoiceTemplate); audio != nil {
				res.Audio = base64.StdEncoding.EncodeToString(audio)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// History returns a copy of a thread's messages.
func (p *Pipeline) History(ctx context.Context, threadID string) ([]domain.Message, error) {
	var msgs []domain.Message
	err := p.threads.With(ctx, threadID, func(h *store.Handle[*domain.Thread]) error {
		msgs = h.Value.Snapshot()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("thread %s: %w", threadID, err)
	}
	return msgs, nil
}

func (p *Pipeline) normalize(req TurnRequest) (TurnRequest, error) {
	req.Message = strings.TrimSpace(req.Message)
	if req.ThreadID == "" {
		req.ThreadID = p.newID()
	}
	if req.Channel == "" {
		req.Channel = "chat_http"
	}
	if req.Message == "" {
		return req, fmt.Errorf("%w: message is required", domain.ErrInvalidInput)
	}
	if req.AgentID == "" {
		return req, fmt.Errorf("%w: agent id is required", domain.ErrInvalidInput)
	}
	return req, nil
}

// withThread runs fn with exclusive access to the request's thread, seeding
// the thread from the agent on first use.
func (p *Pipeline) withThread(ctx context.Context, req TurnRequest, fn func(th *domain.Thread) error) error {
	return p.threads.WithOrCreate(ctx, req.ThreadID,
		func(ctx context.Context) (*domain.Thread, error) {
			return p.seedThread(ctx, req)
		},
		func(h *store.Handle[*domain.Thread]) error {
			return fn(h.Value)
		},
	)
}

// seedThread builds a new thread from the agent's instructions. A failed
// lookup degrades to the fallback instructions unless the caller is gone.
func (p *Pipeline) seedThread(ctx context.Context, req TurnRequest) (*domain.Thread, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, p.lookupTimeout)
	defer cancel()

	agent, err := p.agents.GetAgent(lookupCtx, req.AgentID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Warn("Agent lookup failed, using fallback instructions",
			"agent_id", req.AgentID,
			"thread_id", req.ThreadID,
			"error", err,
		)
		return domain.NewThread(req.ThreadID, req.AgentID, "", nil), nil
	}
	p.logger.Info("Thread created", "thread_id", req.ThreadID, "agent_id", req.AgentID)
	return domain.NewThread(req.ThreadID, req.AgentID, agent.Instructions, agent.VoiceTemplate()), nil
}

func (p *Pipeline) synthesize(ctx context.Context, text string, reference []byte) []byte {
	if p.speech == nil {
		return nil
	}
	return p.speech.Synthesize(ctx, text, reference)
}

func chatOptions() llm.Options {
	return llm.Options{Temperature: llm.ChatTemperature, MaxTokens: llm.ChatMaxTokens}
}

func errorEvent(threadID string, err error) Event {
	return Event{Type: EventError, ThreadID: threadID, Error: err.Error(), Code: api.CodeFor(err), err: err}
}
