package admission

import (
	"time"

	"golang.org/x/time/rate"
)

// StrategyKind selects how a route class budgets requests.
type StrategyKind string

const (
	// FixedWindow counts requests in back-to-back windows of Window length.
	FixedWindow StrategyKind = "fixed_window"
	// SlidingWindow keeps the timestamps of the last Limit requests and
	// admits while fewer than Limit fall inside the trailing Window.
	SlidingWindow StrategyKind = "sliding_window"
	// TokenBucket refills Limit tokens per Window with Burst capacity.
	TokenBucket StrategyKind = "token_bucket"
	// ConcurrencyCap admits at most Limit requests in flight; callers must
	// Release when done.
	ConcurrencyCap StrategyKind = "concurrency_cap"
)

// StrategyConfig parameterizes one route class.
type StrategyConfig struct {
	Kind   StrategyKind
	Limit  int
	Window time.Duration
	Burst  int // token bucket only
}

// classState is the minimal per-key, per-class state for the configured
// strategy. Exactly one field group is in use depending on the kind.
type classState struct {
	// fixed window
	windowStart time.Time
	count       int

	// sliding window
	stamps []time.Time

	// token bucket
	limiter *rate.Limiter

	// concurrency cap
	inflight int
}

func newClassState(sc StrategyConfig, now time.Time) *classState {
	st := &classState{windowStart: now}
	if sc.Kind == TokenBucket {
		window := sc.Window
		if window <= 0 {
			window = time.Minute
		}
		burst := sc.Burst
		if burst <= 0 {
			burst = sc.Limit
		}
		st.limiter = rate.NewLimiter(rate.Limit(float64(sc.Limit)/window.Seconds()), burst)
	}
	return st
}

// allow runs the strategy for one request. Caller holds the shard lock.
func (st *classState) allow(sc StrategyConfig, now time.Time) (bool, time.Duration) {
	switch sc.Kind {
	case FixedWindow:
		if now.Sub(st.windowStart) >= sc.Window {
			st.windowStart = now
			st.count = 0
		}
		if st.count >= sc.Limit {
			return false, st.windowStart.Add(sc.Window).Sub(now)
		}
		st.count++
		return true, 0

	case SlidingWindow:
		cutoff := now.Add(-sc.Window)
		kept := st.stamps[:0]
		for _, ts := range st.stamps {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		st.stamps = kept
		if len(st.stamps) >= sc.Limit {
			return false, st.stamps[0].Add(sc.Window).Sub(now)
		}
		st.stamps = append(st.stamps, now)
		return true, 0

	case TokenBucket:
		r := st.limiter.ReserveN(now, 1)
		if !r.OK() {
			return false, sc.Window
		}
		if delay := r.DelayFrom(now); delay > 0 {
			r.CancelAt(now)
			return false, delay
		}
		return true, 0

	case ConcurrencyCap:
		if st.inflight >= sc.Limit {
			return false, 0
		}
		st.inflight++
		return true, 0
	}

	return true, 0
}
