// Package contracts defines the interfaces at the boundary of the relay
// core. Persistence, entitlement accounting, and authentication live in
// other services; the gateway only ever talks to them through these
// interfaces, so deployments can swap implementations in the wiring code
// without touching the core.
package contracts

import (
	"context"
	"time"

	"github.com/relaygate/relaygate/pkg/models"
)

// ── Entitlement collaborator ────────────────────────────────

// QuotaDecision is the answer to a quota check.
type QuotaDecision struct {
	Allowed   bool
	Remaining int64
}

// Entitlements is the external metered-usage collaborator. The orchestrator
// checks quota synchronously before invoking the provider proxy and consumes
// only after a successful completion.
type Entitlements interface {
	// CheckQuota reports whether the user has remaining allowance.
	CheckQuota(ctx context.Context, userID string) (QuotaDecision, error)

	// Consume debits the user's allowance by cost.
	Consume(ctx context.Context, userID string, cost int64) error
}

// ── Persistence collaborator ────────────────────────────────

// StoredMessage is the durable record of one accepted message or answer.
type StoredMessage struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	UserID         string            `json:"user_id"`
	Sender         string            `json:"sender"`
	Content        string            `json:"content"`
	Usage          models.TokenUsage `json:"usage,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// MessageStore receives a durable write of each accepted inbound message and
// each produced answer. Writes are fire-and-forget from the relay core's
// perspective: failures are logged, never retried here.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *StoredMessage) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]StoredMessage, error)
}
