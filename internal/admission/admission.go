// Package admission gates every inbound request before it reaches business
// logic. It combines a per-key rate limiter (strategy selectable per route
// class) with an escalating IP firewall.
//
// The two layers are deliberately independent: a rate-limit denial does not
// touch firewall state. Only requests the caller classifies as abusive (via
// RecordViolation) escalate toward a ban.
package admission

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/relaygate/relaygate/pkg/models"
	"github.com/rs/zerolog/log"
)

const shardCount = 32

// banSchedule maps the violation count to the ban duration. The fourth and
// every further violation pin the key at the maximum tier.
var banSchedule = []time.Duration{
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	24 * time.Hour,
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Banned     bool
	RetryAfter time.Duration
}

// Config tunes the controller.
type Config struct {
	// Classes maps each route class to its rate-limit strategy.
	Classes map[models.RouteClass]StrategyConfig

	// ViolationTTL resets a key's violation counter after this much time
	// without a new violation. Zero disables the reset; the counter then only
	// clears via ClearViolations.
	ViolationTTL time.Duration
}

// Controller holds per-key admission state in a sharded map so hot-path
// lookups never contend on a global lock.
type Controller struct {
	cfg    Config
	shards [shardCount]*shard
	now    func() time.Time
	stopCh chan struct{}
	once   sync.Once
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// entry is the AdmissionRecord for one key (client IP or API key).
type entry struct {
	violations    int
	banUntil      time.Time
	lastViolation time.Time
	lastSeen      time.Time
	classes       map[models.RouteClass]*classState
}

// New creates a controller and starts its idle-key janitor.
func New(cfg Config) *Controller {
	c := &Controller{
		cfg:    cfg,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	go c.janitor()
	return c
}

// Close stops the background janitor.
func (c *Controller) Close() {
	c.once.Do(func() { close(c.stopCh) })
}

// Admit decides whether a request from key may proceed on the given route
// class. Bans take precedence over rate-limit state. Denial here never
// mutates violation state.
func (c *Controller) Admit(key string, class models.RouteClass) Decision {
	now := c.now()
	sh := c.shard(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.entry(key)
	e.lastSeen = now

	// Inactivity-based violation reset (config knob, off by default).
	if c.cfg.ViolationTTL > 0 && e.violations > 0 && now.Sub(e.lastViolation) > c.cfg.ViolationTTL {
		e.violations = 0
	}

	if now.Before(e.banUntil) {
		return Decision{Banned: true, RetryAfter: e.banUntil.Sub(now)}
	}

	sc, ok := c.cfg.Classes[class]
	if !ok {
		// Unconfigured classes pass through.
		return Decision{Allowed: true}
	}

	st, ok := e.classes[class]
	if !ok {
		st = newClassState(sc, now)
		e.classes[class] = st
	}

	allowed, retryAfter := st.allow(sc, now)
	if !allowed {
		return Decision{RetryAfter: retryAfter}
	}
	return Decision{Allowed: true}
}

// Release returns a concurrency slot taken by a previous Admit on a
// concurrency-capped class. No-op for other strategies.
func (c *Controller) Release(key string, class models.RouteClass) {
	sh := c.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		return
	}
	if st, ok := e.classes[class]; ok && st.inflight > 0 {
		st.inflight--
	}
}

// RecordViolation marks one abusive request for key and returns the new ban
// duration per the escalation schedule. The caller decides what counts as
// abusive; mere rate-limit denials must not be reported here.
func (c *Controller) RecordViolation(key string) time.Duration {
	now := c.now()
	sh := c.shard(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.entry(key)
	if c.cfg.ViolationTTL > 0 && e.violations > 0 && now.Sub(e.lastViolation) > c.cfg.ViolationTTL {
		e.violations = 0
	}

	e.violations++
	e.lastViolation = now

	tier := e.violations
	if tier > len(banSchedule) {
		tier = len(banSchedule)
	}
	dur := banSchedule[tier-1]
	e.banUntil = now.Add(dur)

	log.Warn().
		Str("key", key).
		Int("violations", e.violations).
		Dur("ban", dur).
		Msg("admission violation recorded")

	return dur
}

// ClearViolations is the administrative reset for a key: violations and any
// active ban are dropped.
func (c *Controller) ClearViolations(key string) {
	sh := c.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.entries[key]; ok {
		e.violations = 0
		e.banUntil = time.Time{}
	}
}

// Violations returns the current violation count for a key.
func (c *Controller) Violations(key string) int {
	sh := c.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.entries[key]; ok {
		return e.violations
	}
	return 0
}

// ── internals ───────────────────────────────────────────────

func (c *Controller) shard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

// entry returns the record for key, creating it if needed. Caller holds the
// shard lock.
func (s *shard) entry(key string) *entry {
	e, ok := s.entries[key]
	if !ok {
		e = &entry{classes: make(map[models.RouteClass]*classState)}
		s.entries[key] = e
	}
	return e
}

// janitor evicts keys idle for over an hour that carry no active ban, so the
// state map cannot grow without bound.
func (c *Controller) janitor() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Controller) sweep() {
	now := c.now()
	cutoff := now.Add(-time.Hour)
	removed := 0

	for _, sh := range c.shards {
		sh.mu.Lock()
		for key, e := range sh.entries {
			if e.lastSeen.Before(cutoff) && now.After(e.banUntil) && e.violations == 0 {
				delete(sh.entries, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}

	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("admission janitor swept idle keys")
	}
}
