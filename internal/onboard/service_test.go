package onboard

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/voice-agent/internal/domain"
	"github.com/ashureev/voice-agent/internal/extract"
	"github.com/ashureev/voice-agent/internal/llm"
	"github.com/ashureev/voice-agent/internal/schema"
)

// fakeLLM returns scripted replies in order, then repeats the last one.
type fakeLLM struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   [][]domain.Message
	opts    []llm.Options
}

func (f *fakeLLM) Complete(_ context.Context, msgs []domain.Message, opts llm.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, slices.Clone(msgs))
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return "", f.err
	}
	if len(f.replies) == 0 {
		return "ok", nil
	}
	r := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return r, nil
}

func (f *fakeLLM) lastCall() []domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

// fakeExtractor maps an utterance to a result.
type fakeExtractor map[string]extract.Result

func (f fakeExtractor) Extract(_ context.Context, utterance string) extract.Result {
	if r, ok := f[utterance]; ok {
		return r
	}
	return extract.Result{}
}

type fakeAgents struct {
	mu      sync.Mutex
	created []domain.AgentSpec
	err     error
}

func (f *fakeAgents) CreateAgent(_ context.Context, spec domain.AgentSpec) (*domain.AgentConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, spec)
	return &domain.AgentConfig{
		ID:           fmt.Sprintf("asst_%d", len(f.created)),
		Name:         spec.Name,
		Instructions: spec.Instructions,
		Metadata:     spec.Metadata,
		CreatedAt:    time.Unix(1700000000, 0),
	}, nil
}

type fakeSTT struct {
	text string
	err  error
}

func (f fakeSTT) Transcribe(_ context.Context, audio io.Reader, _, _ string) (string, error) {
	if _, err := io.ReadAll(audio); err != nil {
		return "", err
	}
	return f.text, f.err
}

func newTestService(gen *fakeLLM, ex fakeExtractor, agents *fakeAgents) *Service {
	svc := NewService(Config{
		LLM:        gen,
		Extractor:  ex,
		Agents:     agents,
		LLMTimeout: time.Second,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	n := 0
	svc.newID = func() string {
		n++
		return fmt.Sprintf("sess-%d", n)
	}
	return svc
}

func TestStartWithoutSeedMissesEveryField(t *testing.T) {
	t.Parallel()

	gen := &fakeLLM{replies: []string{"你好！请问你的品牌是？"}}
	svc := newTestService(gen, fakeExtractor{}, &fakeAgents{})

	res, err := svc.Start(context.Background(), "u1", "")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !slices.Equal(res.Session.Missing, schema.Default().Names()) {
		t.Fatalf("expected every field missing in order, got %v", res.Session.Missing)
	}
	if res.Session.State != domain.StateCollecting {
		t.Fatalf("expected collecting, got %s", res.Session.State)
	}
	if len(res.Session.History) != 1 || res.Session.History[0].Role != domain.RoleAssistant {
		t.Fatalf("expected only the greeting in history, got %+v", res.Session.History)
	}

	msgs := gen.lastCall()
	if msgs[0].Role != domain.RoleSystem || msgs[1].Content != kickoffMessage {
		t.Fatalf("expected system prompt then kickoff, got %+v", msgs[:2])
	}
	hint := msgs[len(msgs)-1].Content
	if !strings.Contains(hint, schema.Default().Question("brand")) {
		t.Fatalf("expected hint for first missing field, got %q", hint)
	}
}

func TestStartWithSeedExtractsBeforeReply(t *testing.T) {
	t.Parallel()

	ex := fakeExtractor{"我们是ABC品牌": {"brand": "ABC"}}
	svc := newTestService(&fakeLLM{}, ex, &fakeAgents{})

	res, err := svc.Start(context.Background(), "u1", "我们是ABC品牌")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := res.Session.Fields["brand"]; got == nil || *got != "ABC" {
		t.Fatalf("expected brand ABC, got %v", got)
	}
	if slices.Contains(res.Session.Missing, "brand") {
		t.Fatalf("brand must not be missing: %v", res.Session.Missing)
	}
	if res.Session.History[0].Role != domain.RoleUser || res.Session.History[0].Text != "我们是ABC品牌" {
		t.Fatalf("seed must be the first user turn, got %+v", res.Session.History)
	}
}

func TestStartGenerationFailureStoresNothing(t *testing.T) {
	t.Parallel()

	svc := newTestService(&fakeLLM{err: fmt.Errorf("%w: boom", domain.ErrGeneration)}, fakeExtractor{}, &fakeAgents{})
	if _, err := svc.Start(context.Background(), "u1", ""); !errors.Is(err, domain.ErrGeneration) {
		t.Fatalf("expected ErrGeneration, got %v", err)
	}
	if svc.sessions.Len() != 0 {
		t.Fatalf("expected no stored session, got %d", svc.sessions.Len())
	}
}

func TestMessageMergesAndOverwrites(t *testing.T) {
	t.Parallel()

	ex := fakeExtractor{
		"品牌叫A":  {"brand": "A"},
		"改成B吧":  {"brand": "B"},
		"我们做零售": {"industry": "零售"},
	}
	svc := newTestService(&fakeLLM{}, ex, &fakeAgents{})
	ctx := context.Background()

	start, err := svc.Start(ctx, "u1", "")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	id := start.Session.SessionID

	for _, msg := range []string{"品牌叫A", "我们做零售", "改成B吧"} {
		if _, err := svc.Message(ctx, id, msg); err != nil {
			t.Fatalf("Message(%q) error = %v", msg, err)
		}
	}

	view, err := svc.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if *view.Fields["brand"] != "B" || *view.Fields["industry"] != "零售" {
		t.Fatalf("unexpected fields: brand=%v industry=%v", *view.Fields["brand"], *view.Fields["industry"])
	}
	if view.Missing[0] != "product" {
		t.Fatalf("expected product to be next, got %v", view.Missing)
	}
	// greeting + 3 * (user, assistant)
	if len(view.History) != 7 {
		t.Fatalf("expected 7 history entries, got %d", len(view.History))
	}
}

func TestMessageUnknownSession(t *testing.T) {
	t.Parallel()

	svc := newTestService(&fakeLLM{}, fakeExtractor{}, &fakeAgents{})
	_, err := svc.Message(context.Background(), "nope", "hi")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMessageRejectsBlankText(t *testing.T) {
	t.Parallel()

	svc := newTestService(&fakeLLM{}, fakeExtractor{}, &fakeAgents{})
	if _, err := svc.Message(context.Background(), "any", "  "); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSentinelMarksDoneAndIsStripped(t *testing.T) {
	t.Parallel()

	gen := &fakeLLM{replies: []string{"你好", "好的，马上为你生成。" + DoneSentinel}}
	svc := newTestService(gen, fakeExtractor{}, &fakeAgents{})
	ctx := context.Background()

	start, err := svc.Start(ctx, "u1", "")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	res, err := svc.Message(ctx, start.Session.SessionID, "可以生成了")
	if err != nil {
		t.Fatalf("Message() error = %v", err)
	}
	if !res.Done || res.Session.State != domain.StateReady {
		t.Fatalf("expected done, got done=%v state=%s", res.Done, res.Session.State)
	}
	if strings.Contains(res.Reply, DoneSentinel) {
		t.Fatalf("sentinel leaked into reply %q", res.Reply)
	}
	last := res.Session.History[len(res.Session.History)-1]
	if strings.Contains(last.Text, DoneSentinel) {
		t.Fatalf("sentinel leaked into history %q", last.Text)
	}
	if len(res.Session.Missing) == 0 {
		t.Fatal("missing must still report unset fields after an explicit signal")
	}
}

func TestReadyNoteWhenNothingMissing(t *testing.T) {
	t.Parallel()

	all := extract.Result{}
	for _, name := range schema.Default().Names() {
		all[name] = "x"
	}
	gen := &fakeLLM{}
	svc := newTestService(gen, fakeExtractor{"everything": all}, &fakeAgents{})

	res, err := svc.Start(context.Background(), "u1", "everything")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if res.Session.State != domain.StateReady {
		t.Fatalf("expected ready, got %s", res.Session.State)
	}
	msgs := gen.lastCall()
	if msgs[len(msgs)-1].Content != readyNote {
		t.Fatalf("expected ready note, got %q", msgs[len(msgs)-1].Content)
	}
}

func TestMessageGenerationFailureKeepsUserTurn(t *testing.T) {
	t.Parallel()

	gen := &fakeLLM{}
	ex := fakeExtractor{"品牌叫A": {"brand": "A"}}
	svc := newTestService(gen, ex, &fakeAgents{})
	ctx := context.Background()

	start, err := svc.Start(ctx, "u1", "")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	id := start.Session.SessionID

	gen.mu.Lock()
	gen.err = fmt.Errorf("%w: upstream", domain.ErrGeneration)
	gen.mu.Unlock()

	if _, err := svc.Message(ctx, id, "品牌叫A"); !errors.Is(err, domain.ErrGeneration) {
		t.Fatalf("expected ErrGeneration, got %v", err)
	}
	view, err := svc.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(view.History) != 2 || view.History[1].Role != domain.RoleUser {
		t.Fatalf("expected user turn kept without reply, got %+v", view.History)
	}
	if *view.Fields["brand"] != "A" {
		t.Fatal("extraction must survive a generation failure")
	}
}

func TestFinalizeCreatesAgentAndConsumesSession(t *testing.T) {
	t.Parallel()

	gen := &fakeLLM{replies: []string{"你好", "## 角色\n你是一名**ABC**顾问。"}}
	agents := &fakeAgents{}
	ex := fakeExtractor{"我们是ABC品牌": {"brand": "ABC"}}
	svc := newTestService(gen, ex, agents)
	ctx := context.Background()

	start, err := svc.Start(ctx, "u1", "我们是ABC品牌")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	id := start.Session.SessionID

	res, err := svc.Finalize(ctx, id)
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if res.AgentID != "asst_1" || res.CreatedAt != 1700000000 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.HasVoiceTemplate {
		t.Fatal("no voice template was uploaded")
	}

	spec := agents.created[0]
	if spec.Name != "ABC" {
		t.Fatalf("expected agent named after brand, got %q", spec.Name)
	}
	if strings.ContainsAny(spec.Instructions, "#*") {
		t.Fatalf("instructions must be plain text, got %q", spec.Instructions)
	}
	if spec.Metadata[domain.MetaSource] != SourceInterview || spec.Metadata[domain.MetaUserID] != "u1" {
		t.Fatalf("unexpected metadata %v", spec.Metadata)
	}
	if _, ok := spec.Metadata[domain.MetaVoiceTemplate]; ok {
		t.Fatal("voice template metadata must be absent")
	}

	builderInput := gen.lastCall()[1].Content
	if !strings.Contains(builderInput, "品牌：ABC") || !strings.Contains(builderInput, "行业：通用SaaS") {
		t.Fatalf("builder input must carry values and defaults, got %q", builderInput)
	}
	if gen.opts[len(gen.opts)-1].Temperature != builderTemperature {
		t.Fatal("builder must run at its own temperature")
	}

	if _, err := svc.Finalize(ctx, id); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second finalize expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Message(ctx, id, "hi"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("message after finalize expected ErrNotFound, got %v", err)
	}
}

func TestFinalizeDefaultsAgentName(t *testing.T) {
	t.Parallel()

	agents := &fakeAgents{}
	svc := newTestService(&fakeLLM{}, fakeExtractor{}, agents)
	ctx := context.Background()

	start, err := svc.Start(ctx, "u1", "")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := svc.Finalize(ctx, start.Session.SessionID); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if agents.created[0].Name != domain.DefaultAgentName {
		t.Fatalf("expected default agent name, got %q", agents.created[0].Name)
	}
}

func TestFinalizeWithVoiceTemplate(t *testing.T) {
	t.Parallel()

	agents := &fakeAgents{}
	svc := newTestService(&fakeLLM{}, fakeExtractor{}, agents)
	ctx := context.Background()

	start, err := svc.Start(ctx, "u1", "")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	id := start.Session.SessionID
	audio := []byte("RIFF....WAVE")

	if err := svc.UploadVoiceTemplate(ctx, id, []byte("old")); err != nil {
		t.Fatalf("UploadVoiceTemplate() error = %v", err)
	}
	if err := svc.UploadVoiceTemplate(ctx, id, audio); err != nil {
		t.Fatalf("UploadVoiceTemplate() error = %v", err)
	}

	res, err := svc.Finalize(ctx, id)
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if !res.HasVoiceTemplate {
		t.Fatal("expected has_voice_template")
	}
	want := base64.StdEncoding.EncodeToString(audio)
	if got := agents.created[0].Metadata[domain.MetaVoiceTemplate]; got != want {
		t.Fatalf("expected latest upload in metadata, got %q", got)
	}
}

func TestUploadVoiceTemplateErrors(t *testing.T) {
	t.Parallel()

	svc := newTestService(&fakeLLM{}, fakeExtractor{}, &fakeAgents{})
	ctx := context.Background()

	if err := svc.UploadVoiceTemplate(ctx, "nope", []byte("x")); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := svc.UploadVoiceTemplate(ctx, "nope", nil); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestFinalizeFailureKeepsSession(t *testing.T) {
	t.Parallel()

	agents := &fakeAgents{err: errors.New("registry down")}
	svc := newTestService(&fakeLLM{}, fakeExtractor{}, agents)
	ctx := context.Background()

	start, err := svc.Start(ctx, "u1", "")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	id := start.Session.SessionID

	if _, err := svc.Finalize(ctx, id); err == nil {
		t.Fatal("expected finalize error")
	}
	if _, err := svc.Get(ctx, id); err != nil {
		t.Fatalf("session must survive a failed finalize, got %v", err)
	}
}

func TestConcurrentMessagesAreSerialized(t *testing.T) {
	t.Parallel()

	svc := newTestService(&fakeLLM{}, fakeExtractor{}, &fakeAgents{})
	ctx := context.Background()

	start, err := svc.Start(ctx, "u1", "")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	id := start.Session.SessionID

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := svc.Message(ctx, id, fmt.Sprintf("m%d", i)); err != nil {
				t.Errorf("Message() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	view, err := svc.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(view.History) != 41 {
		t.Fatalf("expected 41 history entries, got %d", len(view.History))
	}
	for i := 1; i < len(view.History); i += 2 {
		if view.History[i].Role != domain.RoleUser || view.History[i+1].Role != domain.RoleAssistant {
			t.Fatalf("turns interleaved at %d: %+v", i, view.History[i:i+2])
		}
	}
}

func TestBuildFromTranscript(t *testing.T) {
	t.Parallel()

	agents := &fakeAgents{}
	svc := newTestService(&fakeLLM{replies: []string{"- 你是一名顾问"}}, fakeExtractor{}, agents)

	res, err := svc.BuildFromTranscript(context.Background(), "", "我们卖咖啡", SourceText)
	if err != nil {
		t.Fatalf("BuildFromTranscript() error = %v", err)
	}
	if res.Prompt != "- 你是一名顾问" || res.Transcript != "我们卖咖啡" {
		t.Fatalf("unexpected result %+v", res)
	}
	spec := agents.created[0]
	if spec.Instructions != "你是一名顾问" {
		t.Fatalf("expected stripped instructions, got %q", spec.Instructions)
	}
	if spec.Metadata[domain.MetaUserID] != domain.DefaultUserID || spec.Metadata[domain.MetaSource] != SourceText {
		t.Fatalf("unexpected metadata %v", spec.Metadata)
	}

	if _, err := svc.BuildFromTranscript(context.Background(), "u1", " ", SourceText); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty transcript, got %v", err)
	}
}

func TestBuildFromAudio(t *testing.T) {
	t.Parallel()

	agents := &fakeAgents{}
	svc := newTestService(&fakeLLM{}, fakeExtractor{}, agents)
	ctx := context.Background()

	res, err := svc.BuildFromAudio(ctx, fakeSTT{text: "我们卖茶"}, "u1", strings.NewReader("wav"), "audio/wav", "zh-CN")
	if err != nil {
		t.Fatalf("BuildFromAudio() error = %v", err)
	}
	if res.Transcript != "我们卖茶" || agents.created[0].Metadata[domain.MetaSource] != SourceVoice {
		t.Fatalf("unexpected result %+v / %v", res, agents.created[0].Metadata)
	}

	if _, err := svc.BuildFromAudio(ctx, fakeSTT{}, "u1", strings.NewReader("wav"), "audio/wav", "zh-CN"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for silence, got %v", err)
	}
}
