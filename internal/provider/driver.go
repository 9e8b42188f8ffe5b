package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/relaygate/relaygate/pkg/models"
)

// Call is a fully resolved upstream request: the model alias has already
// been mapped to the provider's native id and conversation context has been
// injected into the message list.
type Call struct {
	Endpoint      string
	APIKey        string
	Model         string
	Messages      []models.ChatMessage
	MaxChunkBytes int
}

// Driver translates a Call into one specific vendor's HTTP API.
type Driver interface {
	Kind() string

	// Complete performs a single non-streamed completion attempt.
	Complete(ctx context.Context, call *Call) (*models.ProviderResponse, error)

	// Stream opens a streamed completion and returns a channel of delta
	// chunks terminated by exactly one done or error chunk. Heartbeats are
	// the proxy's job, not the driver's.
	Stream(ctx context.Context, call *Call) (<-chan models.Chunk, error)
}

// upstreamError is a status-coded upstream failure, used for transient
// classification.
type upstreamError struct {
	status int
	body   string
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.status, e.body)
}

// transient reports whether an attempt error is worth retrying: throttling,
// server-side failures, and network errors. Any other status-coded failure
// is a malformed or rejected request and retrying cannot help.
func transient(err error) bool {
	var ue *upstreamError
	if errors.As(err, &ue) {
		return ue.status == http.StatusTooManyRequests || ue.status >= 500
	}
	// Connection resets, timeouts, DNS failures.
	return true
}

func readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &upstreamError{status: resp.StatusCode, body: strings.TrimSpace(string(body))}
}

// ── OpenAI-compatible driver ────────────────────────────────

// openAIDriver speaks the OpenAI chat-completions dialect. It is also the
// fallback for any OpenAI-compatible endpoint (Azure, Ollama, vLLM, ...).
type openAIDriver struct {
	client *http.Client
	kind   string
}

func (d *openAIDriver) Kind() string { return d.kind }

type openAIRequest struct {
	Model         string               `json:"model"`
	Messages      []models.ChatMessage `json:"messages"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

func (d *openAIDriver) endpoint(call *Call) string {
	if call.Endpoint != "" {
		return call.Endpoint
	}
	return "https://api.openai.com/v1"
}

func (d *openAIDriver) do(ctx context.Context, call *Call, stream bool) (*http.Response, error) {
	reqBody := openAIRequest{Model: call.Model, Messages: call.Messages, Stream: stream}
	if stream {
		reqBody.StreamOptions = &struct {
			IncludeUsage bool `json:"include_usage"`
		}{IncludeUsage: true}
	}
	body, _ := json.Marshal(reqBody)

	url := d.endpoint(call) + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+call.APIKey)

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		return nil, readError(httpResp)
	}
	return httpResp, nil
}

func (d *openAIDriver) Complete(ctx context.Context, call *Call) (*models.ProviderResponse, error) {
	start := time.Now()

	httpResp, err := d.do(ctx, call, false)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var oaiResp openAIResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oaiResp); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}

	content := ""
	if len(oaiResp.Choices) > 0 {
		content = oaiResp.Choices[0].Message.Content
	}

	resp := &models.ProviderResponse{
		ID:        oaiResp.ID,
		Provider:  d.kind,
		Model:     call.Model,
		Content:   content,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if resp.ID == "" {
		resp.ID = uuid.New().String()
	}
	if oaiResp.Usage != nil {
		resp.Usage = models.TokenUsage{
			InputTokens:  oaiResp.Usage.PromptTokens,
			OutputTokens: oaiResp.Usage.CompletionTokens,
			TotalTokens:  oaiResp.Usage.TotalTokens,
		}
	}
	return resp, nil
}

func (d *openAIDriver) Stream(ctx context.Context, call *Call) (<-chan models.Chunk, error) {
	httpResp, err := d.do(ctx, call, true)
	if err != nil {
		return nil, err
	}

	out := make(chan models.Chunk)
	go func() {
		defer close(out)
		defer httpResp.Body.Close()

		var usage models.TokenUsage
		scanner := bufio.NewScanner(httpResp.Body)
		scanner.Buffer(make([]byte, 0, 4096), call.MaxChunkBytes)

		for scanner.Scan() {
			data, ok := strings.CutPrefix(scanner.Text(), "data: ")
			if !ok || data == "" {
				continue
			}
			if data == "[DONE]" {
				emit(ctx, out, models.Chunk{Type: models.ChunkDone, Usage: &usage})
				return
			}

			var delta openAIResponse
			if err := json.Unmarshal([]byte(data), &delta); err != nil {
				continue
			}
			if delta.Usage != nil {
				usage = models.TokenUsage{
					InputTokens:  delta.Usage.PromptTokens,
					OutputTokens: delta.Usage.CompletionTokens,
					TotalTokens:  delta.Usage.TotalTokens,
				}
			}
			if len(delta.Choices) > 0 && delta.Choices[0].Delta.Content != "" {
				if !emit(ctx, out, models.Chunk{Type: models.ChunkDelta, Content: delta.Choices[0].Delta.Content}) {
					return
				}
			}
		}

		if err := scanner.Err(); err != nil {
			emit(ctx, out, models.Chunk{Type: models.ChunkError, Err: err.Error()})
			return
		}
		// Stream ended without a [DONE] marker.
		emit(ctx, out, models.Chunk{Type: models.ChunkDone, Usage: &usage})
	}()

	return out, nil
}

// ── Anthropic driver ────────────────────────────────────────

type anthropicDriver struct {
	client *http.Client
}

func (d *anthropicDriver) Kind() string { return "anthropic" }

const anthropicMaxTokens = 4096

type anthropicRequest struct {
	Model     string               `json:"model"`
	Messages  []models.ChatMessage `json:"messages"`
	System    string               `json:"system,omitempty"`
	MaxTokens int                  `json:"max_tokens"`
	Stream    bool                 `json:"stream,omitempty"`
}

type anthropicEvent struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Message struct {
		Usage struct {
			InputTokens int64 `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (d *anthropicDriver) do(ctx context.Context, call *Call, stream bool) (*http.Response, error) {
	endpoint := call.Endpoint
	if endpoint == "" {
		endpoint = "https://api.anthropic.com"
	}

	// Anthropic takes the system prompt as a top-level field.
	system := ""
	msgs := call.Messages
	if len(msgs) > 0 && msgs[0].Role == "system" {
		system = msgs[0].Content
		msgs = msgs[1:]
	}

	body, _ := json.Marshal(anthropicRequest{
		Model:     call.Model,
		Messages:  msgs,
		System:    system,
		MaxTokens: anthropicMaxTokens,
		Stream:    stream,
	})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", call.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		return nil, readError(httpResp)
	}
	return httpResp, nil
}

func (d *anthropicDriver) Complete(ctx context.Context, call *Call) (*models.ProviderResponse, error) {
	start := time.Now()

	httpResp, err := d.do(ctx, call, false)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var anthResp anthropicEvent
	if err := json.NewDecoder(httpResp.Body).Decode(&anthResp); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}

	var content strings.Builder
	for _, c := range anthResp.Content {
		if c.Type == "text" {
			content.WriteString(c.Text)
		}
	}

	resp := &models.ProviderResponse{
		ID:        anthResp.ID,
		Provider:  "anthropic",
		Model:     call.Model,
		Content:   content.String(),
		LatencyMs: time.Since(start).Milliseconds(),
		Usage: models.TokenUsage{
			InputTokens:  anthResp.Usage.InputTokens,
			OutputTokens: anthResp.Usage.OutputTokens,
			TotalTokens:  anthResp.Usage.InputTokens + anthResp.Usage.OutputTokens,
		},
	}
	if resp.ID == "" {
		resp.ID = uuid.New().String()
	}
	return resp, nil
}

func (d *anthropicDriver) Stream(ctx context.Context, call *Call) (<-chan models.Chunk, error) {
	httpResp, err := d.do(ctx, call, true)
	if err != nil {
		return nil, err
	}

	out := make(chan models.Chunk)
	go func() {
		defer close(out)
		defer httpResp.Body.Close()

		var usage models.TokenUsage
		scanner := bufio.NewScanner(httpResp.Body)
		scanner.Buffer(make([]byte, 0, 4096), call.MaxChunkBytes)

		for scanner.Scan() {
			data, ok := strings.CutPrefix(scanner.Text(), "data: ")
			if !ok || data == "" {
				continue
			}

			var ev anthropicEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}

			switch ev.Type {
			case "message_start":
				usage.InputTokens = ev.Message.Usage.InputTokens
			case "content_block_delta":
				if ev.Delta.Text != "" {
					if !emit(ctx, out, models.Chunk{Type: models.ChunkDelta, Content: ev.Delta.Text}) {
						return
					}
				}
			case "message_delta":
				usage.OutputTokens = ev.Usage.OutputTokens
			case "message_stop":
				usage.TotalTokens = usage.InputTokens + usage.OutputTokens
				emit(ctx, out, models.Chunk{Type: models.ChunkDone, Usage: &usage})
				return
			case "error":
				emit(ctx, out, models.Chunk{Type: models.ChunkError, Err: "upstream stream error"})
				return
			}
		}

		if err := scanner.Err(); err != nil {
			emit(ctx, out, models.Chunk{Type: models.ChunkError, Err: err.Error()})
			return
		}
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
		emit(ctx, out, models.Chunk{Type: models.ChunkDone, Usage: &usage})
	}()

	return out, nil
}

// emit sends a chunk unless the consumer has gone away.
func emit(ctx context.Context, out chan<- models.Chunk, c models.Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
