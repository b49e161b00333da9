// Package ratelimit gates request admission with token buckets. Every
// admission needs one token from the caller's per-agent bucket and one
// from the global bucket; a grant from only one of them is returned, so a
// request never half-consumes capacity. Admission is independent of policy
// outcome: a denied request still spent its token.
package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/metrics"
	"github.com/agentmesh/agentmesh/pkg/did"
)

// Defaults.
const (
	DefaultAgentRate             = 10.0
	DefaultAgentBurst            = 20
	DefaultGlobalRate            = 100.0
	DefaultGlobalBurst           = 200
	DefaultBackpressureThreshold = 0.8

	sweepInterval = 5 * time.Minute
	staleAfter    = 10 * time.Minute
)

// Scopes name the bucket that constrained a denied admission.
const (
	ScopeAgent  = "agent"
	ScopeGlobal = "global"
)

// Config sizes the buckets. Zero values fall back to the defaults.
type Config struct {
	AgentRate             float64
	AgentBurst            int
	GlobalRate            float64
	GlobalBurst           int
	BackpressureThreshold float64
}

// DefaultConfig returns the standard mesh admission limits.
func DefaultConfig() Config {
	return Config{
		AgentRate:             DefaultAgentRate,
		AgentBurst:            DefaultAgentBurst,
		GlobalRate:            DefaultGlobalRate,
		GlobalBurst:           DefaultGlobalBurst,
		BackpressureThreshold: DefaultBackpressureThreshold,
	}
}

func (c Config) withDefaults() Config {
	if c.AgentRate <= 0 {
		c.AgentRate = DefaultAgentRate
	}
	if c.AgentBurst <= 0 {
		c.AgentBurst = DefaultAgentBurst
	}
	if c.GlobalRate <= 0 {
		c.GlobalRate = DefaultGlobalRate
	}
	if c.GlobalBurst <= 0 {
		c.GlobalBurst = DefaultGlobalBurst
	}
	if c.BackpressureThreshold <= 0 || c.BackpressureThreshold > 1 {
		c.BackpressureThreshold = DefaultBackpressureThreshold
	}
	return c
}

// Result reports one admission attempt. Remaining is the smaller of the
// two buckets after the attempt; RetryAfter and Scope are set only on
// denial.
type Result struct {
	Allowed      bool    `json:"allowed"`
	Remaining    float64 `json:"remaining_tokens"`
	RetryAfter   float64 `json:"retry_after_seconds,omitempty"`
	Scope        string  `json:"scope,omitempty"`
	Backpressure bool    `json:"backpressure"`
}

type agentBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter is the two-level admission gate.
type Limiter struct {
	mu        sync.Mutex
	cfg       Config
	global    *rate.Limiter
	agents    map[did.DID]*agentBucket
	lastSweep time.Time

	now func() time.Time
	bus events.Bus
	log *zap.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithBus publishes a rejection event per denied admission.
func WithBus(bus events.Bus) Option {
	return func(l *Limiter) { l.bus = bus }
}

// WithLogger attaches a logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *Limiter) {
		if log != nil {
			l.log = log
		}
	}
}

// NewLimiter builds a limiter with the given bucket sizes.
func NewLimiter(cfg Config, opts ...Option) *Limiter {
	cfg = cfg.withDefaults()
	l := &Limiter{
		cfg:    cfg,
		agents: make(map[did.DID]*agentBucket),
		now:    time.Now,
		log:    zap.NewNop(),
	}
	for _, o := range opts {
		o(l)
	}
	l.global = rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst)
	l.lastSweep = l.now()
	return l
}

// Allow consumes one token from both buckets, or neither.
func (l *Limiter) Allow(d did.DID) bool {
	return l.Check(d).Allowed
}

// Check attempts an admission and reports the bucket state. A denial
// includes how long until the constraining bucket releases a token.
func (l *Limiter) Check(d did.DID) Result {
	now := l.now()

	l.mu.Lock()
	ab, ok := l.agents[d]
	if !ok {
		ab = &agentBucket{lim: rate.NewLimiter(rate.Limit(l.cfg.AgentRate), l.cfg.AgentBurst)}
		l.agents[d] = ab
	}
	ab.lastSeen = now
	l.sweepLocked(now)
	global := l.global
	l.mu.Unlock()

	var res Result
	ra := ab.lim.ReserveN(now, 1)
	switch {
	case !ra.OK():
		res.Scope = ScopeAgent
	case ra.DelayFrom(now) > 0:
		res.RetryAfter = ra.DelayFrom(now).Seconds()
		res.Scope = ScopeAgent
		ra.CancelAt(now)
	default:
		rg := global.ReserveN(now, 1)
		switch {
		case !rg.OK():
			res.Scope = ScopeGlobal
			ra.CancelAt(now)
		case rg.DelayFrom(now) > 0:
			res.RetryAfter = rg.DelayFrom(now).Seconds()
			res.Scope = ScopeGlobal
			rg.CancelAt(now)
			ra.CancelAt(now)
		default:
			res.Allowed = true
		}
	}

	remAgent := clampTokens(ab.lim.TokensAt(now))
	remGlobal := clampTokens(global.TokensAt(now))
	res.Remaining = remAgent
	if remGlobal < remAgent {
		res.Remaining = remGlobal
	}

	fa := fraction(remAgent, l.cfg.AgentBurst)
	fg := fraction(remGlobal, l.cfg.GlobalBurst)
	smaller := fa
	if fg < fa {
		smaller = fg
	}
	res.Backpressure = smaller < (1 - l.cfg.BackpressureThreshold)

	if !res.Allowed {
		metrics.RecordRateLimited(res.Scope)
		if l.bus != nil {
			l.bus.Publish(events.TopicRateLimited, map[string]any{
				"agent_did":           string(d),
				"scope":               res.Scope,
				"retry_after_seconds": res.RetryAfter,
			})
		}
		l.log.Debug("admission rejected",
			zap.String("agent_did", string(d)),
			zap.String("scope", res.Scope),
			zap.Float64("retry_after_seconds", res.RetryAfter))
	}
	return res
}

// Reset drops every bucket. For tests.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.agents = make(map[did.DID]*agentBucket)
	l.global = rate.NewLimiter(rate.Limit(l.cfg.GlobalRate), l.cfg.GlobalBurst)
	l.lastSweep = l.now()
}

// AgentCount reports how many per-agent buckets are live.
func (l *Limiter) AgentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.agents)
}

// sweepLocked drops buckets idle past staleAfter. Runs at most once per
// sweepInterval, inline with an admission, so no janitor goroutine leaks.
func (l *Limiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < sweepInterval {
		return
	}
	for d, b := range l.agents {
		if now.Sub(b.lastSeen) > staleAfter {
			delete(l.agents, d)
		}
	}
	l.lastSweep = now
}

func clampTokens(t float64) float64 {
	if t < 0 {
		return 0
	}
	return t
}

func fraction(remaining float64, burst int) float64 {
	if burst <= 0 {
		return 0
	}
	return remaining / float64(burst)
}
