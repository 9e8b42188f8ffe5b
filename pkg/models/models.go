// Package models defines the shared data types for the relaygate gateway:
// chat events on the wire and on the fanout bus, provider requests and
// responses, streaming chunks, and the gateway error taxonomy.
package models

import (
	"time"
)

// ── Chat events ─────────────────────────────────────────────

// EventType discriminates outbound frames on the client transport.
type EventType string

const (
	EventMessage   EventType = "message"
	EventTyping    EventType = "typing"
	EventError     EventType = "error"
	EventHeartbeat EventType = "heartbeat"
)

// ChatEvent is the immutable unit of chat traffic. It is produced once per
// inbound message or per completed answer, published on the fanout bus, and
// delivered verbatim to clients. Never mutated after creation.
type ChatEvent struct {
	ID             string    `json:"id"`
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id,omitempty"`
	Sender         string    `json:"sender,omitempty"` // "user" or "assistant"
	Payload        string    `json:"payload,omitempty"`
	PrevQuestion   string    `json:"previous_question,omitempty"`
	PrevAnswer     string    `json:"previous_answer,omitempty"`
	Country        string    `json:"country,omitempty"`

	// Set on EventError frames only.
	ErrorCode     string `json:"error_code,omitempty"`
	RetryAfterSec int64  `json:"retry_after_sec,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// RoutingKey returns the fanout routing key for this event. Events are
// routed to the owning user; subscribers filter on it.
func (e ChatEvent) RoutingKey() string {
	if e.UserID != "" {
		return e.UserID
	}
	return e.ConversationID
}

// ── Provider request / response ─────────────────────────────

// ChatMessage is a single turn in a provider message list.
type ChatMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// ProviderRequest is the vendor-neutral completion request handed to the
// provider proxy. PrevQuestion/PrevAnswer are supplied by the caller so the
// proxy stays stateless with respect to conversation history.
type ProviderRequest struct {
	Model        string        `json:"model"` // caller-facing alias
	Messages     []ChatMessage `json:"messages"`
	Stream       bool          `json:"stream,omitempty"`
	APIKey       string        `json:"-"` // upstream quota key, never serialized
	PrevQuestion string        `json:"previous_question,omitempty"`
	PrevAnswer   string        `json:"previous_answer,omitempty"`
	Country      string        `json:"country,omitempty"`
}

// ProviderResponse is a complete (non-streamed) completion.
type ProviderResponse struct {
	ID        string     `json:"id"`
	Provider  string     `json:"provider"`
	Model     string     `json:"model"` // upstream native id
	Content   string     `json:"content"`
	Usage     TokenUsage `json:"usage"`
	LatencyMs int64      `json:"latency_ms"`
	Attempts  int        `json:"attempts"`
	Cached    bool       `json:"cached"`
}

// TokenUsage aggregates token counts for one completion.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// ── Streaming chunks ────────────────────────────────────────

// ChunkType discriminates entries in a streamed completion sequence.
type ChunkType string

const (
	// ChunkDelta carries a piece of generated text.
	ChunkDelta ChunkType = "delta"
	// ChunkHeartbeat is synthetic; emitted when the upstream has been quiet
	// long enough that intermediaries might otherwise time out.
	ChunkHeartbeat ChunkType = "heartbeat"
	// ChunkDone terminates the sequence with aggregated usage.
	ChunkDone ChunkType = "done"
	// ChunkError terminates the sequence with a terminal error.
	ChunkError ChunkType = "error"
)

// Chunk is one entry in a streamed completion. The sequence is finite and
// non-restartable; it always ends with ChunkDone or ChunkError.
type Chunk struct {
	Type    ChunkType   `json:"type"`
	Content string      `json:"content,omitempty"`
	Usage   *TokenUsage `json:"usage,omitempty"`
	Err     string      `json:"error,omitempty"`
}

// ── Route classes ───────────────────────────────────────────

// RouteClass selects the admission strategy applied to a request. Auth
// routes get the strictest limits, read routes the most lenient.
type RouteClass string

const (
	ClassAuth RouteClass = "auth"
	ClassChat RouteClass = "chat"
	ClassRead RouteClass = "read"
)
