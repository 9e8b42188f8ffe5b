package handlers_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/relaygate/relaygate/internal/admission"
	"github.com/relaygate/relaygate/internal/api/handlers"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/orchestrator"
	"github.com/relaygate/relaygate/internal/registry"
	"github.com/relaygate/relaygate/internal/store"
	"github.com/relaygate/relaygate/pkg/contracts"
	"github.com/relaygate/relaygate/pkg/models"
)

type fakeProvider struct {
	lastReq *models.ProviderRequest
	resp    *models.ProviderResponse
	err     error
	chunks  []models.Chunk
}

func (f *fakeProvider) Complete(_ context.Context, req *models.ProviderRequest) (*models.ProviderResponse, error) {
	f.lastReq = req
	return f.resp, f.err
}

func (f *fakeProvider) Stream(_ context.Context, req *models.ProviderRequest) (<-chan models.Chunk, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	out := make(chan models.Chunk, len(f.chunks))
	for _, c := range f.chunks {
		out <- c
	}
	close(out)
	return out, nil
}

type fakeDispatcher struct {
	got chan orchestrator.Inbound
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{got: make(chan orchestrator.Inbound, 8)}
}

func (f *fakeDispatcher) HandleIncoming(_ context.Context, in orchestrator.Inbound) {
	f.got <- in
}

type fixture struct {
	provider   *fakeProvider
	dispatcher *fakeDispatcher
	admission  *admission.Controller
	registry   *registry.Registry
	messages   *store.MemoryMessageStore
	handlers   *handlers.Handlers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	adm := admission.New(admission.Config{})
	t.Cleanup(adm.Close)

	f := &fixture{
		provider:   &fakeProvider{},
		dispatcher: newFakeDispatcher(),
		admission:  adm,
		registry:   registry.New(config.RegistryConfig{}),
		messages:   store.NewMemoryMessageStore(),
	}
	f.handlers = handlers.New(f.provider, f.dispatcher, f.registry, f.admission, f.messages)
	return f
}

func postJSON(t *testing.T, h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestChatCompletions(t *testing.T) {
	f := newFixture(t)
	f.provider.resp = &models.ProviderResponse{
		ID:      "r1",
		Content: "hi there",
		Usage:   models.TokenUsage{TotalTokens: 7},
	}

	rec := postJSON(t, f.handlers.ChatCompletions,
		`{"model":"default","messages":[{"role":"user","content":"hi"}]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp models.ProviderResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Content != "hi there" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestChatCompletionsRejectsEmptyMessages(t *testing.T) {
	f := newFixture(t)
	rec := postJSON(t, f.handlers.ChatCompletions, `{"model":"default","messages":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if f.provider.lastReq != nil {
		t.Error("provider called for invalid request")
	}
}

func TestChatCompletionsForwardsBearerKey(t *testing.T) {
	f := newFixture(t)
	f.provider.resp = &models.ProviderResponse{Content: "ok"}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/completions",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Authorization", "Bearer sk-team-a")
	rec := httptest.NewRecorder()
	f.handlers.ChatCompletions(rec, req)

	if f.provider.lastReq.APIKey != "sk-team-a" {
		t.Errorf("api key = %q", f.provider.lastReq.APIKey)
	}
	if f.provider.lastReq.Model != "default" {
		t.Errorf("model = %q, want default fallback", f.provider.lastReq.Model)
	}
}

func TestUnsupportedModelMapsTo400(t *testing.T) {
	f := newFixture(t)
	f.provider.err = models.NewUnsupportedModel("gpt-99")

	rec := postJSON(t, f.handlers.ChatCompletions,
		`{"model":"gpt-99","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRateLimitedMapsTo429WithRetryAfter(t *testing.T) {
	f := newFixture(t)
	f.provider.err = models.NewRateLimited(30 * time.Second)

	rec := postJSON(t, f.handlers.ChatCompletions,
		`{"model":"default","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "30" {
		t.Errorf("Retry-After = %q, want 30", got)
	}
}

func TestUpstreamFatalMapsTo502(t *testing.T) {
	f := newFixture(t)
	f.provider.err = models.NewUpstreamFatal(context.DeadlineExceeded)

	rec := postJSON(t, f.handlers.ChatCompletions,
		`{"model":"default","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestStreamingEmitsSSEFrames(t *testing.T) {
	f := newFixture(t)
	f.provider.chunks = []models.Chunk{
		{Type: models.ChunkDelta, Content: "hel"},
		{Type: models.ChunkDelta, Content: "lo"},
		{Type: models.ChunkDone, Usage: &models.TokenUsage{TotalTokens: 3}},
	}

	rec := postJSON(t, f.handlers.ChatCompletions,
		`{"model":"default","stream":true,"messages":[{"role":"user","content":"hi"}]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var types []models.ChunkType
	var text strings.Builder
	sc := bufio.NewScanner(rec.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var c models.Chunk
		if err := json.Unmarshal([]byte(line[len("data: "):]), &c); err != nil {
			t.Fatalf("decode chunk %q: %v", line, err)
		}
		types = append(types, c.Type)
		text.WriteString(c.Content)
	}
	if text.String() != "hello" {
		t.Errorf("assembled text = %q", text.String())
	}
	if len(types) == 0 || types[len(types)-1] != models.ChunkDone {
		t.Errorf("chunk types = %v, want done terminal", types)
	}
}

func TestListMessages(t *testing.T) {
	f := newFixture(t)
	for _, content := range []string{"one", "two"} {
		if err := f.messages.SaveMessage(context.Background(), &contracts.StoredMessage{
			ConversationID: "c1", UserID: "u1", Sender: "user", Content: content,
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	r := chi.NewRouter()
	r.Get("/api/v1/conversations/{conversationID}/messages", f.handlers.ListMessages)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations/c1/messages?limit=10", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		ConversationID string                    `json:"conversation_id"`
		Messages       []contracts.StoredMessage `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(body.Messages))
	}
	if body.Messages[0].Content != "one" {
		t.Errorf("order wrong: first = %q", body.Messages[0].Content)
	}
}

func TestListMessagesRejectsBadLimit(t *testing.T) {
	f := newFixture(t)
	r := chi.NewRouter()
	r.Get("/api/v1/conversations/{conversationID}/messages", f.handlers.ListMessages)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations/c1/messages?limit=bogus", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
