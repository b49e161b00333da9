package handshake

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/crypto"
	"github.com/agentmesh/agentmesh/internal/identity"
	"github.com/agentmesh/agentmesh/pkg/did"
)

var (
	// ErrUnknownChallenge is returned when a response names a challenge the
	// broker never issued or already consumed. Consuming once prevents
	// replaying a captured response.
	ErrUnknownChallenge = errors.New("unknown or already consumed challenge")

	// ErrSkew is returned by Respond when the initiator's clock is too far
	// from ours to trust the exchange.
	ErrSkew = errors.New("timestamp outside allowed skew window")

	// ErrChallengeExpired is returned by Respond for a stale challenge.
	ErrChallengeExpired = errors.New("challenge expired")
)

// Directory is the registry view the broker verifies peers against.
// *identity.Store satisfies it.
type Directory interface {
	Get(ctx context.Context, d did.DID) (*identity.Identity, error)
	PublicKeyFor(ctx context.Context, d did.DID) (ed25519.PublicKey, error)
}

// Peer is a remote (or loopback) agent that can answer challenges.
type Peer interface {
	DID() did.DID
	Respond(ctx context.Context, ch *Challenge) (*Response, error)
}

// Broker drives handshakes for one process: issues challenges, answers
// them for locally hosted agents, verifies responses, and caches verdicts
// per peer so repeated collaborations skip the protocol.
type Broker struct {
	dir      Directory
	verifier crypto.Verifier
	results  *gocache.Cache
	now      func() time.Time
	log      *zap.Logger

	timeout      time.Duration
	challengeTTL time.Duration
	resultTTL    time.Duration
	failureTTL   time.Duration
	requiredBar  float64

	mu      sync.Mutex
	pending map[string]*Challenge
}

// Option configures a Broker.
type Option func(*Broker)

// WithNowFunc overrides the time source.
func WithNowFunc(now func() time.Time) Option {
	return func(b *Broker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithLogger attaches a logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(b *Broker) {
		if log != nil {
			b.log = log
		}
	}
}

// WithTimeout overrides the per-handshake deadline.
func WithTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithResultTTL overrides how long verified results stay cached.
func WithResultTTL(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.resultTTL = d
		}
	}
}

// WithFailureTTL overrides how long failed results stay cached. Values
// above DefaultFailureTTL are capped to it.
func WithFailureTTL(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.failureTTL = d
			if b.failureTTL > DefaultFailureTTL {
				b.failureTTL = DefaultFailureTTL
			}
		}
	}
}

// WithChallengeTTL overrides how long issued challenges stay answerable.
func WithChallengeTTL(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.challengeTTL = d
		}
	}
}

// WithRequiredTrustScore overrides the default trust bar applied when a
// caller's Requirements leave it unset.
func WithRequiredTrustScore(score float64) Option {
	return func(b *Broker) {
		if score > 0 {
			b.requiredBar = score
		}
	}
}

// NewBroker builds a broker verifying peers against the given directory.
func NewBroker(dir Directory, opts ...Option) *Broker {
	b := &Broker{
		dir:          dir,
		verifier:     crypto.Ed25519Verifier{},
		now:          time.Now,
		log:          zap.NewNop(),
		timeout:      DefaultTimeout,
		challengeTTL: DefaultChallengeTTL,
		resultTTL:    DefaultResultTTL,
		failureTTL:   DefaultFailureTTL,
		requiredBar:  DefaultRequiredTrustScore,
		pending:      make(map[string]*Challenge),
	}
	for _, o := range opts {
		o(b)
	}
	b.results = gocache.New(b.resultTTL, 2*b.resultTTL)
	return b
}

// NewChallenge issues a challenge and tracks it until consumed or expired.
func (b *Broker) NewChallenge() (*Challenge, error) {
	nonce, err := crypto.RandomToken(nonceBytes)
	if err != nil {
		return nil, fmt.Errorf("challenge nonce: %w", err)
	}
	ch := &Challenge{
		ChallengeID: uuid.NewString(),
		Nonce:       nonce,
		Timestamp:   b.now().UTC(),
		ExpiresIn:   int(b.challengeTTL.Seconds()),
	}

	b.mu.Lock()
	now := b.now().UTC()
	for id, p := range b.pending {
		if p.Expired(now) {
			delete(b.pending, id)
		}
	}
	b.pending[ch.ChallengeID] = ch
	b.mu.Unlock()
	return ch, nil
}

// Respond answers a challenge on behalf of a locally hosted agent.
func (b *Broker) Respond(_ context.Context, ch *Challenge, local LocalAgent) (*Response, error) {
	if ch == nil || ch.ChallengeID == "" || ch.Nonce == "" {
		return nil, fmt.Errorf("respond: challenge is malformed")
	}
	if !did.Valid(string(local.DID)) {
		return nil, fmt.Errorf("respond: local DID %q is malformed", local.DID)
	}
	if local.Signer == nil {
		return nil, fmt.Errorf("respond: local agent has no signer")
	}

	now := b.now().UTC()
	if !withinSkew(now, ch.Timestamp) {
		return nil, fmt.Errorf("respond to %s: %w", ch.ChallengeID, ErrSkew)
	}
	if ch.Expired(now) {
		return nil, fmt.Errorf("respond to %s: %w", ch.ChallengeID, ErrChallengeExpired)
	}

	responseNonce, err := crypto.RandomToken(nonceBytes)
	if err != nil {
		return nil, fmt.Errorf("response nonce: %w", err)
	}
	sig, err := local.Signer.Sign(signingPayload(ch.ChallengeID, responseNonce, ch.Nonce))
	if err != nil {
		return nil, fmt.Errorf("sign handshake response: %w", err)
	}

	return &Response{
		ChallengeID:   ch.ChallengeID,
		ResponseNonce: responseNonce,
		AgentDID:      local.DID,
		Capabilities:  append([]string(nil), local.Capabilities...),
		TrustScore:    local.TrustScore,
		Signature:     crypto.B64URL(sig),
		PublicKey:     crypto.PublicKeyString(local.Signer.Public()),
		Timestamp:     now,
	}, nil
}

// Verify checks a response against a challenge this broker issued. The
// challenge is consumed whatever the outcome. Protocol rejections come
// back as an unverified Result; errors are reserved for malformed input
// and registry failures.
func (b *Broker) Verify(ctx context.Context, resp *Response, req Requirements) (*Result, error) {
	start := b.now()
	if resp == nil {
		return nil, fmt.Errorf("verify: response is nil")
	}

	ch, ok := b.consume(resp.ChallengeID)
	if !ok {
		return nil, fmt.Errorf("verify %s: %w", resp.ChallengeID, ErrUnknownChallenge)
	}

	now := b.now().UTC()
	if ch.Expired(now) {
		return b.reject(resp.AgentDID, resp, "challenge expired", start), nil
	}
	if !withinSkew(now, resp.Timestamp) {
		return b.reject(resp.AgentDID, resp, "timestamp outside skew window", start), nil
	}
	if !did.Valid(string(resp.AgentDID)) {
		return b.reject(resp.AgentDID, resp, "malformed DID", start), nil
	}

	// (a) signature against the stated key
	stated, err := crypto.ParsePublicKey(resp.PublicKey)
	if err != nil {
		return b.reject(resp.AgentDID, resp, "malformed public key", start), nil
	}
	sig, err := crypto.B64URLDecode(resp.Signature)
	if err != nil {
		return b.reject(resp.AgentDID, resp, "malformed signature", start), nil
	}
	if !b.verifier.Verify(stated, signingPayload(resp.ChallengeID, resp.ResponseNonce, ch.Nonce), sig) {
		return b.reject(resp.AgentDID, resp, "signature invalid", start), nil
	}

	// (b) the stated key must be the one registered for the DID
	registered, err := b.dir.PublicKeyFor(ctx, resp.AgentDID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return b.reject(resp.AgentDID, resp, "peer not registered", start), nil
		}
		return nil, fmt.Errorf("resolve key for %s: %w", resp.AgentDID, err)
	}
	if !registered.Equal(stated) {
		return b.reject(resp.AgentDID, resp, "public key not bound to DID", start), nil
	}

	// (c) trust bar
	required := req.RequiredTrustScore
	if required <= 0 {
		required = b.requiredBar
	}
	if resp.TrustScore < required {
		reason := fmt.Sprintf("trust score %.1f below required %.1f", resp.TrustScore, required)
		return b.reject(resp.AgentDID, resp, reason, start), nil
	}

	// (d) capability coverage
	if missing := missingCapabilities(req.RequiredCapabilities, resp.Capabilities); len(missing) > 0 {
		reason := "missing required capabilities: " + strings.Join(missing, ",")
		return b.reject(resp.AgentDID, resp, reason, start), nil
	}

	// (e) still alive in the registry
	id, err := b.dir.Get(ctx, resp.AgentDID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return b.reject(resp.AgentDID, resp, "peer not registered", start), nil
		}
		return nil, fmt.Errorf("look up %s: %w", resp.AgentDID, err)
	}
	switch id.Status {
	case identity.StatusRevoked:
		return b.reject(resp.AgentDID, resp, "peer revoked", start), nil
	case identity.StatusSuspended:
		return b.reject(resp.AgentDID, resp, "peer suspended", start), nil
	}

	completed := b.now().UTC()
	return &Result{
		Verified:     true,
		PeerDID:      resp.AgentDID,
		TrustScore:   resp.TrustScore,
		Capabilities: append([]string(nil), resp.Capabilities...),
		LatencyMS:    latencyMS(start, completed),
		CompletedAt:  completed,
	}, nil
}

// Handshake runs the full protocol against a peer, honoring the cache and
// the per-handshake deadline. A cancelled context aborts without caching;
// a deadline hit yields an unverified "timeout" result that is cached
// briefly like any other failure.
func (b *Broker) Handshake(ctx context.Context, peer Peer, req Requirements) (*Result, error) {
	peerDID := peer.DID()
	if cached, ok := b.CachedResult(peerDID); ok {
		return cached, nil
	}

	start := b.now()
	hctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	ch, err := b.NewChallenge()
	if err != nil {
		return nil, err
	}

	resp, err := peer.Respond(hctx, ch)
	if err != nil {
		b.consume(ch.ChallengeID)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("handshake with %s cancelled: %w", peerDID, ctx.Err())
		}
		if hctx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
			res := b.reject(peerDID, nil, "timeout", start)
			b.cacheResult(res)
			return res, nil
		}
		b.log.Debug("handshake transport failure",
			zap.String("peer", string(peerDID)),
			zap.Error(err))
		res := b.reject(peerDID, nil, "peer unreachable", start)
		b.cacheResult(res)
		return res, nil
	}

	if resp.AgentDID != peerDID {
		res := b.reject(peerDID, resp, "peer identity mismatch", start)
		b.cacheResult(res)
		b.consume(ch.ChallengeID)
		return res, nil
	}

	res, err := b.Verify(hctx, resp, req)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		// Cancelled while verifying: discard rather than poison the cache.
		return nil, fmt.Errorf("handshake with %s cancelled: %w", peerDID, ctx.Err())
	}
	b.cacheResult(res)
	return res, nil
}

// CachedResult returns the cached verdict for a peer, if any.
func (b *Broker) CachedResult(d did.DID) (*Result, bool) {
	v, ok := b.results.Get(string(d))
	if !ok {
		return nil, false
	}
	return v.(*Result), true
}

// InvalidateCache drops the cached verdict for a peer. Revocation handlers
// call this so a freshly revoked peer cannot coast on a prior success.
func (b *Broker) InvalidateCache(d did.DID) {
	b.results.Delete(string(d))
}

// FlushCache drops every cached verdict.
func (b *Broker) FlushCache() {
	b.results.Flush()
}

// PendingChallenges reports how many issued challenges await a response.
func (b *Broker) PendingChallenges() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Broker) consume(challengeID string) (*Challenge, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.pending[challengeID]
	if ok {
		delete(b.pending, challengeID)
	}
	return ch, ok
}

func (b *Broker) cacheResult(res *Result) {
	if res == nil || res.PeerDID == "" {
		return
	}
	ttl := b.resultTTL
	if !res.Verified {
		ttl = b.failureTTL
	}
	b.results.Set(string(res.PeerDID), res, ttl)
}

func (b *Broker) reject(peer did.DID, resp *Response, reason string, start time.Time) *Result {
	completed := b.now().UTC()
	res := &Result{
		Verified:        false,
		PeerDID:         peer,
		RejectionReason: reason,
		LatencyMS:       latencyMS(start, completed),
		CompletedAt:     completed,
	}
	if resp != nil {
		res.TrustScore = resp.TrustScore
	}
	b.log.Debug("handshake rejected",
		zap.String("peer", string(peer)),
		zap.String("reason", reason))
	return res
}

func latencyMS(start, end time.Time) float64 {
	return float64(end.Sub(start)) / float64(time.Millisecond)
}

func missingCapabilities(required, held []string) []string {
	if len(required) == 0 {
		return nil
	}
	set := make(map[string]bool, len(held))
	for _, c := range held {
		set[c] = true
	}
	var missing []string
	for _, c := range required {
		if !set[c] {
			missing = append(missing, c)
		}
	}
	return missing
}

// LoopbackPeer answers challenges in-process for an agent hosted by this
// node. Remote peers come from the transport package.
type LoopbackPeer struct {
	Agent  LocalAgent
	Broker *Broker
}

func (p *LoopbackPeer) DID() did.DID { return p.Agent.DID }

func (p *LoopbackPeer) Respond(ctx context.Context, ch *Challenge) (*Response, error) {
	return p.Broker.Respond(ctx, ch, p.Agent)
}
