// Package registry tracks live client connections and routes outbound
// events to them. It owns no business state: one goroutine per connection
// holds the write side exclusively, and every cross-component delivery
// arrives here via the fanout bus.
package registry

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/pkg/models"
)

// Registry is the bidirectional connection map: user id → set of active
// connection ids, and connection id → handle. Mutations are serialized per
// registry; lookups take the read lock only.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	byUser  map[string]map[string]*Client

	pingInterval time.Duration
	pongWait     time.Duration
}

// New creates an empty registry.
func New(cfg config.RegistryConfig) *Registry {
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 15 * time.Second
	}
	pongWait := cfg.PongWait
	if pongWait <= pingInterval {
		pongWait = 2 * pingInterval
	}
	return &Registry{
		clients:      make(map[string]*Client),
		byUser:       make(map[string]map[string]*Client),
		pingInterval: pingInterval,
		pongWait:     pongWait,
	}
}

// Register adds a connection for userID and starts its writer goroutine.
func (r *Registry) Register(conn wsConn, userID, country string) *Client {
	c := newClient(r, conn, userID, country)

	r.mu.Lock()
	r.clients[c.ID] = c
	set, ok := r.byUser[userID]
	if !ok {
		set = make(map[string]*Client)
		r.byUser[userID] = set
	}
	set[c.ID] = c
	total := len(r.clients)
	r.mu.Unlock()

	go c.writePump()

	log.Info().
		Str("conn", c.ID).
		Str("user", userID).
		Int("total", total).
		Msg("connection registered")

	return c
}

// Deregister removes a connection and releases its resources. Idempotent.
func (r *Registry) Deregister(connID string) {
	r.mu.Lock()
	c, ok := r.clients[connID]
	if ok {
		delete(r.clients, connID)
		if set, ok := r.byUser[c.UserID]; ok {
			delete(set, connID)
			if len(set) == 0 {
				delete(r.byUser, c.UserID)
			}
		}
	}
	total := len(r.clients)
	r.mu.Unlock()

	if !ok {
		return
	}
	c.close()

	log.Info().
		Str("conn", connID).
		Str("user", c.UserID).
		Int("total", total).
		Msg("connection deregistered")
}

// Send queues an event for one connection. Returns false when the target is
// not locally registered; the caller is expected to have published on the
// fanout bus for cross-instance delivery, so this is logged, not an error.
func (r *Registry) Send(connID string, event models.ChatEvent) bool {
	r.mu.RLock()
	c, ok := r.clients[connID]
	r.mu.RUnlock()

	if !ok {
		log.Debug().Str("conn", connID).Msg("send: connection not local")
		return false
	}
	return r.deliver(c, event)
}

// SendUser queues an event for every local connection of a user and returns
// how many accepted it.
func (r *Registry) SendUser(userID string, event models.ChatEvent) int {
	r.mu.RLock()
	targets := make([]*Client, 0, 2)
	for _, c := range r.byUser[userID] {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if r.deliver(c, event) {
			n++
		}
	}
	return n
}

// Broadcast queues an event for every connection matching pred (nil matches
// all) and returns the number reached.
func (r *Registry) Broadcast(event models.ChatEvent, pred func(*Client) bool) int {
	r.mu.RLock()
	targets := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		if pred == nil || pred(c) {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if r.deliver(c, event) {
			n++
		}
	}
	return n
}

// deliver hands the event to the client's writer. A full outbound buffer
// means the consumer cannot keep up; the connection is dropped rather than
// blocking the caller.
func (r *Registry) deliver(c *Client, event models.ChatEvent) bool {
	select {
	case c.send <- event:
		return true
	default:
		log.Warn().
			Str("conn", c.ID).
			Str("user", c.UserID).
			Msg("slow consumer, dropping connection")
		go r.Deregister(c.ID)
		return false
	}
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// UserConnections returns the connection ids currently held by a user.
func (r *Registry) UserConnections(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		ids = append(ids, id)
	}
	return ids
}
