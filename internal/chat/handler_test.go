package chat

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/voice-agent/internal/api"
	"github.com/ashureev/voice-agent/internal/identity"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

func newTestRouter(p *Pipeline, limiter *api.RateLimiter) http.Handler {
	r := chi.NewRouter()
	r.Use(identity.Middleware("demo-user"))
	NewHandler(p, limiter, nil).RegisterRoutes(r)
	return r
}

// readSSE parses an SSE body into (event, data) pairs.
func readSSE(t *testing.T, body string) []Event {
	t.Helper()
	var events []Event
	var name string
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var ev Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				t.Fatalf("invalid SSE data %q: %v", line, err)
			}
			if string(ev.Type) != name {
				t.Fatalf("event name %q does not match type %q", name, ev.Type)
			}
			events = append(events, ev)
		}
	}
	return events
}

func TestStreamHandlerSSE(t *testing.T) {
	p := newTestPipeline(&fakeGen{tokens: []string{"你", "好"}}, &fakeSpeech{audio: []byte("wav")})
	h := newTestRouter(p, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/agents/a1/chat/stream",
		strings.NewReader(`{"message":"hi","thread_id":"t1","generate_audio":true}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	events := readSSE(t, w.Body.String())
	want := []EventType{EventText, EventText, EventAudio, EventDone}
	if got := types(events); len(got) != len(want) || got[2] != EventAudio || got[3] != EventDone {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if events[3].ThreadID != "t1" {
		t.Fatalf("expected thread id t1, got %q", events[3].ThreadID)
	}
}

func TestStreamHandlerRejectsEmptyMessage(t *testing.T) {
	p := newTestPipeline(&fakeGen{}, &fakeSpeech{})
	w := httptest.NewRecorder()
	newTestRouter(p, nil).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/agents/a1/chat/stream", strings.NewReader(`{}`)))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", w.Code)
	}
}

func TestChatHandlerJSON(t *testing.T) {
	p := newTestPipeline(&fakeGen{tokens: []string{"ok"}}, &fakeSpeech{})
	w := httptest.NewRecorder()
	newTestRouter(p, nil).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/agents/a1/chat", strings.NewReader(`{"message":"hi"}`)))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var res ReplyResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if res.Reply != "ok" || res.ThreadID != "thread-new" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestChatHandlerRateLimited(t *testing.T) {
	p := newTestPipeline(&fakeGen{tokens: []string{"ok"}}, &fakeSpeech{})
	h := newTestRouter(p, api.NewRateLimiter(1, time.Minute))

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/api/agents/a1/chat", strings.NewReader(`{"message":"hi"}`))
		req.Header.Set(identity.UserHeaderName, "u1")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}
	if code := send(); code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", code)
	}
	if code := send(); code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", code)
	}
}

func TestWebSocketHandler(t *testing.T) {
	p := newTestPipeline(&fakeGen{tokens: []string{"a", "b"}}, &fakeSpeech{})
	srv := httptest.NewServer(newTestRouter(p, nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/agents/a1/chat/ws", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	readTurn := func() []Event {
		var events []Event
		for {
			var ev Event
			if err := wsjson.Read(ctx, conn, &ev); err != nil {
				t.Fatalf("Read() error = %v", err)
			}
			events = append(events, ev)
			if ev.Type == EventDone || ev.Type == EventError {
				return events
			}
		}
	}

	if err := wsjson.Write(ctx, conn, map[string]any{"message": "hi"}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	first := readTurn()
	if got := types(first); len(got) != 3 || got[2] != EventDone {
		t.Fatalf("unexpected first turn %v", got)
	}

	if err := wsjson.Write(ctx, conn, map[string]any{"message": "again"}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	readTurn()

	msgs, err := p.History(ctx, first[2].ThreadID)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected both turns on one thread, got %d messages", len(msgs))
	}
}
