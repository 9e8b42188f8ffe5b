// Package store provides in-memory implementations of the gateway's
// external collaborators: the entitlement service and the durable message
// store. Production deployments substitute network-backed implementations of
// the pkg/contracts interfaces in the wiring code; these keep a single
// instance useful with zero configuration and back the tests.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/relaygate/relaygate/pkg/contracts"
)

// ── Entitlements ────────────────────────────────────────────

// MemoryEntitlements tracks per-user remaining allowance in memory. Users
// unseen so far start at the configured default allowance.
type MemoryEntitlements struct {
	mu        sync.RWMutex
	remaining map[string]int64
	def       int64
}

// NewMemoryEntitlements creates an entitlement store seeding unknown users
// with defaultAllowance.
func NewMemoryEntitlements(defaultAllowance int64) *MemoryEntitlements {
	return &MemoryEntitlements{
		remaining: make(map[string]int64),
		def:       defaultAllowance,
	}
}

// CheckQuota reports the user's remaining allowance.
func (e *MemoryEntitlements) CheckQuota(_ context.Context, userID string) (contracts.QuotaDecision, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rem, ok := e.remaining[userID]
	if !ok {
		rem = e.def
	}
	return contracts.QuotaDecision{Allowed: rem > 0, Remaining: rem}, nil
}

// Consume debits cost from the user's allowance.
func (e *MemoryEntitlements) Consume(_ context.Context, userID string, cost int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rem, ok := e.remaining[userID]
	if !ok {
		rem = e.def
	}
	if rem < cost {
		return fmt.Errorf("user %s has %d remaining, cannot consume %d", userID, rem, cost)
	}
	e.remaining[userID] = rem - cost
	return nil
}

// Grant sets a user's remaining allowance directly (admin / test hook).
func (e *MemoryEntitlements) Grant(userID string, allowance int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remaining[userID] = allowance
}

// ── Message store ───────────────────────────────────────────

// MemoryMessageStore keeps the durable message log per conversation.
type MemoryMessageStore struct {
	mu       sync.RWMutex
	messages map[string][]contracts.StoredMessage // key: conversation id
}

// NewMemoryMessageStore creates an empty message store.
func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{messages: make(map[string][]contracts.StoredMessage)}
}

// SaveMessage appends one message to its conversation's log.
func (s *MemoryMessageStore) SaveMessage(_ context.Context, msg *contracts.StoredMessage) error {
	if msg.ConversationID == "" {
		return fmt.Errorf("message %s has no conversation id", msg.ID)
	}

	stored := *msg
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], stored)
	return nil
}

// ListMessages returns up to limit most recent messages of a conversation in
// chronological order.
func (s *MemoryMessageStore) ListMessages(_ context.Context, conversationID string, limit int) ([]contracts.StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[conversationID]
	result := append([]contracts.StoredMessage(nil), msgs...)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}
