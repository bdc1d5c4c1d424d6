package matching

import (
	"sync"
	"time"

	"github.com/gridproject/pilotmatch/internal/pilotmatch/configuration"
)

const (
	defaultFailureWindow    = 10 * time.Minute
	defaultFailureThreshold = 5
	defaultCooldown         = 5 * time.Minute
)

// NegativeCondition is the exclusion set handed to the task queue store so
// that throttled owners are invisible to a match attempt at the store level
// rather than filtered after the fact. A throttled owner's job must not
// occupy the queue slot another caller could have taken.
type NegativeCondition struct {
	ExcludedOwnerDNs map[string]bool
}

func (c NegativeCondition) Excludes(ownerDN string) bool {
	return c.ExcludedOwnerDNs[ownerDN]
}

type pairKey struct {
	site    string
	ownerDN string
}

type pairState struct {
	failures     int
	windowStart  time.Time
	blockedUntil time.Time
}

// DispatchRateLimiter tracks consecutive delivery failures per (site, owner)
// pair within a sliding window and excludes over-limit pairs from candidacy
// for a cool-down period. Counters are the only shared mutable state owned
// by the matching core; the mutex is held strictly around counter updates,
// never across store calls.
type DispatchRateLimiter struct {
	mu    sync.Mutex
	state map[pairKey]*pairState

	window    time.Duration
	threshold int
	cooldown  time.Duration

	// Injected for tests.
	now func() time.Time
}

func NewDispatchRateLimiter(config configuration.RateLimitConfig) *DispatchRateLimiter {
	limiter := &DispatchRateLimiter{
		state:     map[pairKey]*pairState{},
		window:    config.FailureWindow,
		threshold: config.FailureThreshold,
		cooldown:  config.Cooldown,
		now:       time.Now,
	}
	if limiter.window <= 0 {
		limiter.window = defaultFailureWindow
	}
	if limiter.threshold == 0 {
		limiter.threshold = defaultFailureThreshold
	}
	if limiter.cooldown <= 0 {
		limiter.cooldown = defaultCooldown
	}
	return limiter
}

// NegativeConditionForSite returns the owners currently throttled at the
// given site.
func (l *DispatchRateLimiter) NegativeConditionForSite(site string) NegativeCondition {
	excluded := map[string]bool{}
	if l.threshold < 0 {
		return NegativeCondition{ExcludedOwnerDNs: excluded}
	}

	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, state := range l.state {
		if key.site != site {
			continue
		}
		if state.blockedUntil.After(now) {
			excluded[key.ownerDN] = true
		} else if now.Sub(state.windowStart) > l.window && state.failures == 0 {
			delete(l.state, key)
		}
	}
	return NegativeCondition{ExcludedOwnerDNs: excluded}
}

// RecordFailure notes a failed delivery (payload fetch failure or stale
// record race) for the pair. Crossing the threshold within the window blocks
// the pair for the cool-down period. Failures without a known owner (e.g. a
// missing job record) are not tracked; an empty DN is not an owner.
func (l *DispatchRateLimiter) RecordFailure(site string, ownerDN string) {
	if l.threshold < 0 || ownerDN == "" {
		return
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	key := pairKey{site: site, ownerDN: ownerDN}
	state, ok := l.state[key]
	if !ok {
		state = &pairState{windowStart: now}
		l.state[key] = state
	}
	if now.Sub(state.windowStart) > l.window {
		state.windowStart = now
		state.failures = 0
	}
	state.failures++
	if state.failures >= l.threshold {
		state.blockedUntil = now.Add(l.cooldown)
		state.failures = 0
		state.windowStart = now
	}
}

// RecordSuccess decays the failure count for the pair after a successful
// hand-off.
func (l *DispatchRateLimiter) RecordSuccess(site string, ownerDN string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := pairKey{site: site, ownerDN: ownerDN}
	state, ok := l.state[key]
	if !ok {
		return
	}
	if state.failures > 0 {
		state.failures--
	}
	if state.failures == 0 && !state.blockedUntil.After(l.now()) {
		delete(l.state, key)
	}
}
