// Package provider implements the AI provider proxy: it translates
// vendor-neutral completion requests into a specific upstream's API calls,
// with model-name mapping, response caching, per-key upstream rate limiting,
// retry with exponential backoff, and token streaming with synthetic
// heartbeats.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/pkg/models"
)

// Proxy is the provider proxy. Safe for concurrent use.
type Proxy struct {
	cfg    config.ProviderConfig
	driver Driver
	cache  *Cache

	// Per-API-key upstream limiters.
	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	// Collapses concurrent identical cache misses into one upstream call.
	flight singleflight.Group

	// sleep is swapped out in tests to observe backoff intervals without
	// waiting them out.
	sleep func(time.Duration)
}

// New creates a proxy for the configured upstream provider.
func New(cfg config.ProviderConfig) *Proxy {
	client := &http.Client{Timeout: cfg.RequestTimeout}

	var driver Driver
	switch cfg.Kind {
	case "anthropic":
		driver = &anthropicDriver{client: client}
	default:
		// Any OpenAI-compatible endpoint.
		driver = &openAIDriver{client: client, kind: cfg.Kind}
	}

	return &Proxy{
		cfg:      cfg,
		driver:   driver,
		cache:    NewCache(cfg.CacheTTL),
		limiters: make(map[string]*rate.Limiter),
		sleep:    time.Sleep,
	}
}

// Complete resolves a non-streamed completion: model mapping, cache lookup,
// per-key rate limit, then the upstream call with retries.
func (p *Proxy) Complete(ctx context.Context, req *models.ProviderRequest) (*models.ProviderResponse, error) {
	call, err := p.resolve(req)
	if err != nil {
		return nil, err
	}

	fp := Fingerprint(p.cfg.Kind, call.Model, call.Messages)
	if cached, ok := p.cache.Get(fp); ok {
		// Cache hits never consume upstream rate budget.
		cached.Cached = true
		log.Debug().Str("model", call.Model).Msg("provider cache hit")
		return &cached, nil
	}

	v, err, _ := p.flight.Do(fp, func() (interface{}, error) {
		if err := p.reserveUpstream(call.APIKey); err != nil {
			return nil, err
		}
		resp, err := p.callWithRetry(ctx, call)
		if err != nil {
			return nil, err
		}
		p.cache.Put(fp, *resp)
		return resp, nil
	})
	if err != nil {
		return nil, err
	}

	resp := *(v.(*models.ProviderResponse))
	return &resp, nil
}

// Stream resolves a streamed completion. The returned sequence is finite and
// non-restartable; it terminates with exactly one done or error chunk, and a
// synthetic heartbeat chunk is interleaved whenever no real chunk has been
// produced for the configured interval. Cancelling ctx tears the upstream
// connection down promptly.
func (p *Proxy) Stream(ctx context.Context, req *models.ProviderRequest) (<-chan models.Chunk, error) {
	call, err := p.resolve(req)
	if err != nil {
		return nil, err
	}

	// Streams are not cached; they always consume upstream budget.
	if err := p.reserveUpstream(call.APIKey); err != nil {
		return nil, err
	}

	raw, err := p.openStreamWithRetry(ctx, call)
	if err != nil {
		return nil, err
	}

	out := make(chan models.Chunk)
	go p.pump(ctx, raw, out)
	return out, nil
}

// ── resolution ──────────────────────────────────────────────

// resolve maps the model alias, injects conversation context and locale, and
// builds the upstream call. Unknown aliases fail fast before any network
// traffic.
func (p *Proxy) resolve(req *models.ProviderRequest) (*Call, error) {
	native, ok := p.cfg.ModelMap[req.Model]
	if !ok {
		return nil, models.NewUnsupportedModel(req.Model)
	}

	messages := make([]models.ChatMessage, 0, len(req.Messages)+3)
	if req.Country != "" {
		messages = append(messages, models.ChatMessage{
			Role:    "system",
			Content: "The user connects from country " + req.Country + "; answer in their language when they use it.",
		})
	}
	if req.PrevQuestion != "" {
		messages = append(messages, models.ChatMessage{Role: "user", Content: req.PrevQuestion})
		if req.PrevAnswer != "" {
			messages = append(messages, models.ChatMessage{Role: "assistant", Content: req.PrevAnswer})
		}
	}
	messages = append(messages, req.Messages...)

	apiKey := req.APIKey
	if apiKey == "" {
		apiKey = p.cfg.APIKey
	}

	return &Call{
		Endpoint:      p.cfg.Endpoint,
		APIKey:        apiKey,
		Model:         native,
		Messages:      messages,
		MaxChunkBytes: p.cfg.MaxChunkBytes,
	}, nil
}

// reserveUpstream takes one token from the per-key upstream bucket. This is
// independent of client-facing admission control.
func (p *Proxy) reserveUpstream(apiKey string) error {
	p.limMu.Lock()
	lim, ok := p.limiters[apiKey]
	if !ok {
		perMin := p.cfg.UpstreamPerMinute
		if perMin <= 0 {
			perMin = 60
		}
		lim = rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin)
		p.limiters[apiKey] = lim
	}
	p.limMu.Unlock()

	r := lim.Reserve()
	if !r.OK() {
		return models.NewRateLimited(time.Minute)
	}
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return models.NewRateLimited(delay)
	}
	return nil
}

// ── retry ───────────────────────────────────────────────────

func (p *Proxy) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.RetryInitialWait
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = time.Minute
	bo.Reset()
	return bo
}

// callWithRetry attempts the upstream call up to cfg.MaxAttempts times,
// backing off exponentially between transient failures. Non-transient
// failures surface immediately.
func (p *Proxy) callWithRetry(ctx context.Context, call *Call) (*models.ProviderResponse, error) {
	bo := p.newBackoff()

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		resp, err := p.driver.Complete(ctx, call)
		if err == nil {
			resp.Attempts = attempt
			return resp, nil
		}
		lastErr = err

		if !transient(err) {
			return nil, models.NewUpstreamFatal(err)
		}
		if attempt == p.cfg.MaxAttempts {
			break
		}
		if ctx.Err() != nil {
			return nil, models.NewUpstreamFatal(ctx.Err())
		}

		wait := bo.NextBackOff()
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Str("model", call.Model).
			Msg("transient upstream failure, retrying")
		p.sleep(wait)
	}

	return nil, models.NewUpstreamFatal(fmt.Errorf("%d attempts exhausted: %w", p.cfg.MaxAttempts, lastErr))
}

// openStreamWithRetry retries stream establishment the same way. Errors
// after the first chunk are terminal for the sequence and never retried.
func (p *Proxy) openStreamWithRetry(ctx context.Context, call *Call) (<-chan models.Chunk, error) {
	bo := p.newBackoff()

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		raw, err := p.driver.Stream(ctx, call)
		if err == nil {
			return raw, nil
		}
		lastErr = err

		if !transient(err) {
			return nil, models.NewUpstreamFatal(err)
		}
		if attempt == p.cfg.MaxAttempts {
			break
		}
		if ctx.Err() != nil {
			return nil, models.NewUpstreamFatal(ctx.Err())
		}
		p.sleep(bo.NextBackOff())
	}

	return nil, models.NewUpstreamFatal(fmt.Errorf("%d attempts exhausted: %w", p.cfg.MaxAttempts, lastErr))
}

// ── streaming pump ──────────────────────────────────────────

// pump forwards driver chunks to the caller, inserting a synthetic heartbeat
// whenever the upstream has been quiet for the configured interval.
func (p *Proxy) pump(ctx context.Context, raw <-chan models.Chunk, out chan<- models.Chunk) {
	defer close(out)

	interval := p.cfg.StreamHeartbeat
	if interval <= 0 {
		interval = 15 * time.Second
	}
	hb := time.NewTimer(interval)
	defer hb.Stop()

	for {
		select {
		case c, ok := <-raw:
			if !ok {
				// Driver closed without a terminal chunk; don't leave the
				// caller hanging.
				emit(ctx, out, models.Chunk{Type: models.ChunkError, Err: "stream closed unexpectedly"})
				return
			}
			if !emit(ctx, out, c) {
				return
			}
			if c.Type == models.ChunkDone || c.Type == models.ChunkError {
				return
			}
			if !hb.Stop() {
				select {
				case <-hb.C:
				default:
				}
			}
			hb.Reset(interval)

		case <-hb.C:
			if !emit(ctx, out, models.Chunk{Type: models.ChunkHeartbeat}) {
				return
			}
			hb.Reset(interval)

		case <-ctx.Done():
			// Consumer disconnected mid-stream; the context-bound HTTP
			// request tears down the upstream connection.
			return
		}
	}
}
