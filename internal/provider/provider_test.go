package provider

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/pkg/models"
)

// fakeDriver scripts upstream behavior per attempt.
type fakeDriver struct {
	mu       sync.Mutex
	calls    int
	complete func(attempt int) (*models.ProviderResponse, error)
	stream   func(ctx context.Context) (<-chan models.Chunk, error)
}

func (d *fakeDriver) Kind() string { return "fake" }

func (d *fakeDriver) Complete(_ context.Context, _ *Call) (*models.ProviderResponse, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	d.mu.Unlock()
	return d.complete(n)
}

func (d *fakeDriver) Stream(ctx context.Context, _ *Call) (<-chan models.Chunk, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return d.stream(ctx)
}

func (d *fakeDriver) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func testConfig() config.ProviderConfig {
	return config.ProviderConfig{
		Kind:              "fake",
		ModelMap:          map[string]string{"default": "fake-large"},
		UpstreamPerMinute: 60,
		CacheTTL:          5 * time.Minute,
		RetryInitialWait:  time.Second,
		MaxAttempts:       3,
		StreamHeartbeat:   15 * time.Second,
		MaxChunkBytes:     8 * 1024,
		RequestTimeout:    time.Second,
	}
}

// newTestProxy wires a proxy around a fake driver and records backoff sleeps
// instead of waiting them out.
func newTestProxy(t *testing.T, cfg config.ProviderConfig, d Driver) (*Proxy, *[]time.Duration) {
	t.Helper()
	slept := &[]time.Duration{}
	p := &Proxy{
		cfg:      cfg,
		driver:   d,
		cache:    NewCache(cfg.CacheTTL),
		limiters: make(map[string]*rate.Limiter),
		sleep:    func(d time.Duration) { *slept = append(*slept, d) },
	}
	return p, slept
}

func okResponse() *models.ProviderResponse {
	return &models.ProviderResponse{
		ID:      "resp-1",
		Content: "hello there",
		Usage:   models.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
}

func chatRequest(text string) *models.ProviderRequest {
	return &models.ProviderRequest{
		Model:    "default",
		Messages: []models.ChatMessage{{Role: "user", Content: text}},
	}
}

// ─── Model mapping ───────────────────────────────────────────

func TestUnsupportedModelFailsFast(t *testing.T) {
	d := &fakeDriver{complete: func(int) (*models.ProviderResponse, error) { return okResponse(), nil }}
	p, _ := newTestProxy(t, testConfig(), d)

	req := chatRequest("hi")
	req.Model = "gpt-99-hyper"

	_, err := p.Complete(context.Background(), req)
	if models.KindOf(err) != models.KindUnsupportedModel {
		t.Fatalf("error kind = %v, want unsupported_model", models.KindOf(err))
	}
	if d.callCount() != 0 {
		t.Errorf("driver called %d times for unknown model, want 0", d.callCount())
	}
}

// ─── Cache ───────────────────────────────────────────────────

func TestCacheIdempotence(t *testing.T) {
	d := &fakeDriver{complete: func(int) (*models.ProviderResponse, error) { return okResponse(), nil }}
	p, _ := newTestProxy(t, testConfig(), d)

	first, err := p.Complete(context.Background(), chatRequest("what is go"))
	if err != nil {
		t.Fatalf("first Complete() error = %v", err)
	}
	if first.Cached {
		t.Error("first response marked cached")
	}

	second, err := p.Complete(context.Background(), chatRequest("what is go"))
	if err != nil {
		t.Fatalf("second Complete() error = %v", err)
	}
	if !second.Cached {
		t.Error("second identical response not marked cached")
	}
	if second.Content != first.Content {
		t.Errorf("cached content = %q, want %q", second.Content, first.Content)
	}

	if d.callCount() != 1 {
		t.Errorf("upstream called %d times for identical requests, want exactly 1", d.callCount())
	}
}

func TestCacheNormalizesWhitespace(t *testing.T) {
	d := &fakeDriver{complete: func(int) (*models.ProviderResponse, error) { return okResponse(), nil }}
	p, _ := newTestProxy(t, testConfig(), d)

	p.Complete(context.Background(), chatRequest("what   is\tgo"))
	p.Complete(context.Background(), chatRequest("what is go"))

	if d.callCount() != 1 {
		t.Errorf("upstream called %d times for whitespace-variant requests, want 1", d.callCount())
	}
}

func TestCacheExpiry(t *testing.T) {
	d := &fakeDriver{complete: func(int) (*models.ProviderResponse, error) { return okResponse(), nil }}
	p, _ := newTestProxy(t, testConfig(), d)

	now := time.Now()
	p.cache.now = func() time.Time { return now }

	p.Complete(context.Background(), chatRequest("hello"))
	now = now.Add(5*time.Minute + time.Second)
	p.Complete(context.Background(), chatRequest("hello"))

	if d.callCount() != 2 {
		t.Errorf("upstream called %d times across TTL boundary, want 2", d.callCount())
	}
}

func TestFingerprintDistinguishesModels(t *testing.T) {
	msgs := []models.ChatMessage{{Role: "user", Content: "hi"}}
	a := Fingerprint("openai", "gpt-4o", msgs)
	b := Fingerprint("openai", "gpt-4o-mini", msgs)
	if a == b {
		t.Error("fingerprints for different models collide")
	}
	if a != Fingerprint("openai", "gpt-4o", msgs) {
		t.Error("fingerprint not deterministic")
	}
}

// ─── Retry ───────────────────────────────────────────────────

func TestRetryBoundOnTransientErrors(t *testing.T) {
	d := &fakeDriver{complete: func(int) (*models.ProviderResponse, error) {
		return nil, &upstreamError{status: 503, body: "overloaded"}
	}}
	p, slept := newTestProxy(t, testConfig(), d)

	_, err := p.Complete(context.Background(), chatRequest("hi"))
	if models.KindOf(err) != models.KindUpstreamFatal {
		t.Fatalf("error kind = %v, want upstream_fatal after exhausted retries", models.KindOf(err))
	}
	if d.callCount() != 3 {
		t.Errorf("attempts = %d, want exactly 3", d.callCount())
	}

	// Backoff schedule 1s, 2s (doubling from the initial interval) between
	// the three attempts.
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(*slept) != len(want) {
		t.Fatalf("sleeps = %v, want %v", *slept, want)
	}
	for i, w := range want {
		if (*slept)[i] != w {
			t.Errorf("sleep %d = %v, want %v", i, (*slept)[i], w)
		}
	}
}

func TestTransientThenSuccess(t *testing.T) {
	d := &fakeDriver{complete: func(attempt int) (*models.ProviderResponse, error) {
		if attempt < 2 {
			return nil, &upstreamError{status: 429, body: "slow down"}
		}
		return okResponse(), nil
	}}
	p, _ := newTestProxy(t, testConfig(), d)

	resp, err := p.Complete(context.Background(), chatRequest("hi"))
	if err != nil {
		t.Fatalf("Complete() error = %v, want success on retry", err)
	}
	if resp.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", resp.Attempts)
	}
}

func TestNonTransientFailsImmediately(t *testing.T) {
	d := &fakeDriver{complete: func(int) (*models.ProviderResponse, error) {
		return nil, &upstreamError{status: 400, body: "bad request"}
	}}
	p, slept := newTestProxy(t, testConfig(), d)

	_, err := p.Complete(context.Background(), chatRequest("hi"))
	if models.KindOf(err) != models.KindUpstreamFatal {
		t.Fatalf("error kind = %v, want upstream_fatal", models.KindOf(err))
	}
	if d.callCount() != 1 {
		t.Errorf("attempts = %d for 400, want 1 (no retry)", d.callCount())
	}
	if len(*slept) != 0 {
		t.Errorf("slept %v for non-transient error, want no backoff", *slept)
	}
}

// ─── Per-key upstream rate limit ─────────────────────────────

func TestUpstreamRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.UpstreamPerMinute = 1
	d := &fakeDriver{complete: func(int) (*models.ProviderResponse, error) { return okResponse(), nil }}
	p, _ := newTestProxy(t, cfg, d)

	if _, err := p.Complete(context.Background(), chatRequest("first")); err != nil {
		t.Fatalf("first Complete() error = %v", err)
	}

	_, err := p.Complete(context.Background(), chatRequest("second"))
	if models.KindOf(err) != models.KindRateLimited {
		t.Fatalf("error kind = %v, want rate_limited", models.KindOf(err))
	}
	ge := models.AsGatewayError(err)
	if ge == nil || ge.RetryAfter <= 0 {
		t.Errorf("rate_limited error carries no retry-after: %+v", ge)
	}

	if d.callCount() != 1 {
		t.Errorf("upstream called %d times, want 1 (second call limited)", d.callCount())
	}
}

func TestCacheHitBypassesRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.UpstreamPerMinute = 1
	d := &fakeDriver{complete: func(int) (*models.ProviderResponse, error) { return okResponse(), nil }}
	p, _ := newTestProxy(t, cfg, d)

	if _, err := p.Complete(context.Background(), chatRequest("same")); err != nil {
		t.Fatalf("first Complete() error = %v", err)
	}
	// Identical request: served from cache even though the bucket is empty.
	resp, err := p.Complete(context.Background(), chatRequest("same"))
	if err != nil {
		t.Fatalf("cached Complete() error = %v", err)
	}
	if !resp.Cached {
		t.Error("response not served from cache")
	}
}

// ─── Context injection ───────────────────────────────────────

func TestResolveInjectsHistoryAndLocale(t *testing.T) {
	p, _ := newTestProxy(t, testConfig(), &fakeDriver{})

	req := chatRequest("and now?")
	req.PrevQuestion = "what is go"
	req.PrevAnswer = "a programming language"
	req.Country = "DE"

	call, err := p.resolve(req)
	if err != nil {
		t.Fatalf("resolve() error = %v", err)
	}
	if call.Model != "fake-large" {
		t.Errorf("mapped model = %q, want fake-large", call.Model)
	}

	roles := make([]string, len(call.Messages))
	for i, m := range call.Messages {
		roles[i] = m.Role
	}
	want := []string{"system", "user", "assistant", "user"}
	if len(roles) != len(want) {
		t.Fatalf("message roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("message roles = %v, want %v", roles, want)
		}
	}
	if call.Messages[1].Content != "what is go" {
		t.Errorf("previous question not injected: %q", call.Messages[1].Content)
	}
}
